// Package core wraps the boundary to the embedded processing core.
//
// Everything that crosses the boundary is an opaque byte sequence. Events go
// in, result buffers come back, and result buffers are owned by the caller
// until they are handed back to the boundary with Free.
package core

import "unsafe"

// Event is one serialized message destined for the core.
type Event []byte

// Boundary is the call interface exposed by the core library.
//
// ProcessEvent and HandleResponse must not retain the slices they are given.
// Every Buffer returned without error must be released with Free exactly once.
type Boundary interface {
	LogInit()
	InitializeContext() error
	ProcessEvent(ev Event) (Buffer, error)
	HandleResponse(id, data []byte) (Buffer, error)
	View() (Buffer, error)
	Free(buf Buffer)
}

// Buffer is a byte buffer allocated on the core's side of the boundary.
// It mirrors the capacity/length/data triple the core hands out.
type Buffer struct {
	data     []byte
	capacity int
	ptr      unsafe.Pointer
}

// NewBuffer wraps Go memory. Free on such a buffer only drops the reference.
func NewBuffer(data []byte) Buffer {
	return Buffer{data: data, capacity: cap(data)}
}

// NewForeignBuffer wraps memory owned by the core. ptr must stay valid until
// the buffer is freed.
func NewForeignBuffer(ptr unsafe.Pointer, length, capacity int) Buffer {
	b := Buffer{capacity: capacity, ptr: ptr}
	if ptr != nil && length > 0 {
		b.data = unsafe.Slice((*byte)(ptr), length)
	}
	return b
}

// Bytes returns the buffer contents. The slice is only valid until Free.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of valid bytes.
func (b Buffer) Len() int {
	return len(b.data)
}

// Cap returns the allocated capacity.
func (b Buffer) Cap() int {
	return b.capacity
}

// Pointer returns the foreign allocation, or nil for Go memory.
func (b Buffer) Pointer() unsafe.Pointer {
	return b.ptr
}

// IsEmpty reports whether the buffer holds no bytes.
func (b Buffer) IsEmpty() bool {
	return len(b.data) == 0
}
