// Package queue provides bounded lock-free queues that are safe to use from a
// real-time audio callback.
package queue

import (
	"errors"
	"sync/atomic"
)

// ErrTooLarge is returned when a payload does not fit into a slot.
var ErrTooLarge = errors.New("queue: payload larger than slot size")

// pushAttempts bounds how many times Push evicts the oldest entry before it
// gives up on the new payload.
const pushAttempts = 4

type cell struct {
	seq  atomic.Uint64
	n    int
	data []byte
}

// SlotQueue is a bounded multi-producer/multi-consumer queue of byte payloads.
// Payloads are copied into pre-allocated fixed-size slots, so neither side
// allocates after construction and neither side ever waits on the other.
//
// Ordering follows the sequence-ring design: every cell carries a sequence
// number that tells producers and consumers whether it is free or filled for
// the lap they are working on.
type SlotQueue struct {
	cells    []cell
	mask     uint64
	slotSize int

	_    [56]byte
	head atomic.Uint64 // next position to dequeue
	_    [56]byte
	tail atomic.Uint64 // next position to enqueue
	_    [56]byte

	// Statistics for monitoring
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// NewSlotQueue creates a queue holding at least capacity payloads of up to
// slotSize bytes each. Capacity is rounded up to a power of 2.
func NewSlotQueue(capacity, slotSize int) *SlotQueue {
	if capacity < 2 {
		capacity = 2
	}
	if slotSize < 1 {
		slotSize = 1
	}

	size := nextPowerOf2(uint64(capacity))
	q := &SlotQueue{
		cells:    make([]cell, size),
		mask:     size - 1,
		slotSize: slotSize,
	}

	// One backing array for every slot keeps the payloads contiguous
	backing := make([]byte, int(size)*slotSize)
	for i := range q.cells {
		q.cells[i].data = backing[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
		q.cells[i].seq.Store(uint64(i))
	}

	return q
}

// TryPush copies p into a free slot. It returns false without blocking when
// the queue is full.
func (q *SlotQueue) TryPush(p []byte) (bool, error) {
	if len(p) > q.slotSize {
		q.rejected.Add(1)
		return false, ErrTooLarge
	}

	pos := q.tail.Load()
	var c *cell
	for {
		c = &q.cells[pos&q.mask]
		seq := c.seq.Load()
		dif := int64(seq) - int64(pos)

		if dif == 0 {
			if q.tail.CompareAndSwap(pos, pos+1) {
				break
			}
			pos = q.tail.Load()
		} else if dif < 0 {
			// The cell still holds an entry from the previous lap
			return false, nil
		} else {
			pos = q.tail.Load()
		}
	}

	c.n = copy(c.data, p)
	c.seq.Store(pos + 1)
	return true, nil
}

// Push copies p into the queue. When the queue is full the oldest entry is
// evicted so the newest payload wins. Push never blocks; evicted entries are
// counted in Dropped. It reports whether p was stored.
func (q *SlotQueue) Push(p []byte) (bool, error) {
	for attempt := 0; attempt < pushAttempts; attempt++ {
		ok, err := q.TryPush(p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		// Evict the oldest entry and retry
		if _, popped := q.Pop(nil); popped {
			q.dropped.Add(1)
		}
	}

	// A concurrent producer kept refilling the freed slot
	q.dropped.Add(1)
	return false, nil
}

// Pop copies the oldest payload into dst and returns its length. A nil or
// short dst discards the remainder. It returns false when the queue is empty.
func (q *SlotQueue) Pop(dst []byte) (int, bool) {
	pos := q.head.Load()
	var c *cell
	for {
		c = &q.cells[pos&q.mask]
		seq := c.seq.Load()
		dif := int64(seq) - int64(pos+1)

		if dif == 0 {
			if q.head.CompareAndSwap(pos, pos+1) {
				break
			}
			pos = q.head.Load()
		} else if dif < 0 {
			return 0, false
		} else {
			pos = q.head.Load()
		}
	}

	n := copy(dst, c.data[:c.n])
	c.seq.Store(pos + q.mask + 1)
	return n, true
}

// Drain discards every queued payload and returns how many were removed.
func (q *SlotQueue) Drain() int {
	n := 0
	for {
		if _, ok := q.Pop(nil); !ok {
			return n
		}
		n++
	}
}

// Len returns an approximate number of queued payloads.
func (q *SlotQueue) Len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// IsEmpty reports whether the queue currently holds no payloads.
func (q *SlotQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the number of slots.
func (q *SlotQueue) Cap() int {
	return len(q.cells)
}

// SlotSize returns the maximum payload size in bytes.
func (q *SlotQueue) SlotSize() int {
	return q.slotSize
}

// Dropped returns how many payloads were discarded to make room.
func (q *SlotQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Rejected returns how many payloads were refused for being too large.
func (q *SlotQueue) Rejected() uint64 {
	return q.rejected.Load()
}

func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
