package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/justyntemme/aushell/pkg/queue"
)

// Dispatcher is the render thread's view of the core. Offer hands an event to
// a worker goroutine without blocking; the worker submits it through the
// Bridge, decodes the result and publishes the resulting RenderState. The
// render thread reads the last published state with Latest, so results are
// applied on a later callback than the one that offered the event.
type Dispatcher struct {
	bridge *Bridge
	inbox  *queue.SlotQueue
	wake   chan struct{}

	latest     atomic.Pointer[published]
	issued     atomic.Uint64
	generation atomic.Uint64
	faulted    atomic.Bool
	faults     atomic.Uint64
	failures   atomic.Uint64
	calls      atomic.Uint64
	discarded  atomic.Uint64
	lastErr    atomic.Pointer[BridgeError]

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// published is a render state tagged with the ticket of the call that
// produced it.
type published struct {
	ticket uint64
	state  RenderState
}

// NewDispatcher creates a dispatcher whose inbox holds capacity events of at
// most slotSize bytes. Call Start before offering events.
func NewDispatcher(b *Bridge, capacity, slotSize int) *Dispatcher {
	return &Dispatcher{
		bridge: b,
		inbox:  queue.NewSlotQueue(capacity, slotSize),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Close stops the worker and waits for it to exit. Pending events are dropped.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	d.startOnce.Do(func() {
		close(d.done)
	})
	<-d.done
	d.inbox.Drain()
}

// Offer queues ev for the worker. It never blocks or allocates and is safe to
// call from the render thread. It reports whether ev was accepted.
func (d *Dispatcher) Offer(ev Event) bool {
	ok, err := d.inbox.Push(ev)
	if err != nil || !ok {
		return false
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Call submits ev synchronously and publishes any render state it produces.
// It is meant for the control context: a failure is returned to the caller
// and counted in Failures, but does not mark the render path faulted.
func (d *Dispatcher) Call(ctx context.Context, ev Event) (Outcome, error) {
	return d.call(ctx, ev, false)
}

// Submit lets a Dispatcher stand in for a Bridge. It behaves like Call.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) (Outcome, error) {
	return d.call(ctx, ev, false)
}

// Latest returns the last known good render state, or nil if the core has
// not produced one yet.
func (d *Dispatcher) Latest() *RenderState {
	if p := d.latest.Load(); p != nil {
		return &p.state
	}
	return nil
}

// Faulted reports whether the most recent render-path call failed.
func (d *Dispatcher) Faulted() bool {
	return d.faulted.Load()
}

// Faults returns the number of failed render-path calls.
func (d *Dispatcher) Faults() uint64 {
	return d.faults.Load()
}

// Failures returns the number of failed control-context calls.
func (d *Dispatcher) Failures() uint64 {
	return d.failures.Load()
}

// Calls returns the number of completed calls, failed or not.
func (d *Dispatcher) Calls() uint64 {
	return d.calls.Load()
}

// Discarded returns how many results were dropped because of Cancel.
func (d *Dispatcher) Discarded() uint64 {
	return d.discarded.Load()
}

// Dropped returns how many offered events were evicted from a full inbox.
func (d *Dispatcher) Dropped() uint64 {
	return d.inbox.Dropped()
}

// LastError returns the most recent call failure, or nil.
func (d *Dispatcher) LastError() error {
	if e := d.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

// Cancel discards every pending event and any result of a call already in
// flight. The last published render state is kept.
func (d *Dispatcher) Cancel() {
	d.generation.Add(1)
	d.inbox.Drain()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	buf := make([]byte, d.inbox.SlotSize())
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}

		for {
			n, ok := d.inbox.Pop(buf)
			if !ok {
				break
			}
			d.call(context.Background(), Event(buf[:n]), true)

			select {
			case <-d.quit:
				return
			default:
			}
		}
	}
}

// call submits ev. Render-path calls drive the faulted flag; control calls
// only report to their caller.
func (d *Dispatcher) call(ctx context.Context, ev Event, render bool) (Outcome, error) {
	gen := d.generation.Load()
	ticket := d.issued.Add(1)
	out, err := d.bridge.Submit(ctx, ev)
	d.calls.Add(1)

	if d.generation.Load() != gen {
		d.discarded.Add(1)
		return out, err
	}

	if err != nil {
		var be *BridgeError
		if errors.As(err, &be) {
			d.lastErr.Store(be)
		}
		if render {
			d.faults.Add(1)
			d.faulted.Store(true)
		} else {
			d.failures.Add(1)
		}
		return out, err
	}

	if render {
		d.faulted.Store(false)
	}
	if out.Render != nil {
		d.publish(ticket, *out.Render)
	}
	return out, nil
}

// publish stores state unless a call issued later has already published.
func (d *Dispatcher) publish(ticket uint64, state RenderState) {
	next := &published{ticket: ticket, state: state}
	for {
		cur := d.latest.Load()
		if cur != nil && cur.ticket > ticket {
			return
		}
		if d.latest.CompareAndSwap(cur, next) {
			return
		}
	}
}
