package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Bridge context states
const (
	contextNew uint32 = iota
	contextReady
	contextClosed
)

// Bridge translates boundary calls into Go error values and owns the
// lifecycle of the core context. Calls through a Bridge may block for as long
// as the core takes; render code goes through a Dispatcher instead.
type Bridge struct {
	boundary Boundary

	mu    sync.Mutex // serializes context setup/teardown
	state atomic.Uint32
}

// NewBridge creates a bridge over b. The core context is not yet initialized.
func NewBridge(b Boundary) *Bridge {
	return &Bridge{boundary: b}
}

// InitializeCoreContext performs the one-time setup of the core. It must be
// called once per engine lifetime; later calls return ErrAlreadyInitialized.
func (b *Bridge) InitializeCoreContext() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Load() != contextNew {
		return ErrAlreadyInitialized
	}

	err := b.guard("initialize", func() error {
		b.boundary.LogInit()
		return b.boundary.InitializeContext()
	})
	if err != nil {
		return err
	}

	b.state.Store(contextReady)
	return nil
}

// TeardownCoreContext ends the core context. Further submissions fail with
// ErrUnreachable. It is safe to call more than once.
func (b *Bridge) TeardownCoreContext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Store(contextClosed)
}

// Ready reports whether the core context is initialized and not torn down.
func (b *Bridge) Ready() bool {
	return b.state.Load() == contextReady
}

// Submit sends ev to the core and decodes its result. The result buffer is
// released before Submit returns.
func (b *Bridge) Submit(ctx context.Context, ev Event) (Outcome, error) {
	data, err := b.call(ctx, "process_event", func() (Buffer, error) {
		return b.boundary.ProcessEvent(ev)
	})
	if err != nil {
		return Outcome{}, err
	}
	return DecodeOutcome("process_event", data)
}

// HandleResponse forwards the response to an effect the core requested,
// identified by id, and decodes the follow-up result.
func (b *Bridge) HandleResponse(ctx context.Context, id, data []byte) (Outcome, error) {
	res, err := b.call(ctx, "handle_response", func() (Buffer, error) {
		return b.boundary.HandleResponse(id, data)
	})
	if err != nil {
		return Outcome{}, err
	}
	return DecodeOutcome("handle_response", res)
}

// View returns a copy of the core's current UI state.
func (b *Bridge) View(ctx context.Context) ([]byte, error) {
	return b.call(ctx, "view", b.boundary.View)
}

// call runs fn against the boundary and copies the result out of the
// boundary-owned buffer before freeing it.
func (b *Bridge) call(ctx context.Context, op string, fn func() (Buffer, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(Unreachable, op, err)
	}
	if !b.Ready() {
		return nil, NewError(Unreachable, op, fmt.Errorf("core context not initialized"))
	}

	var buf Buffer
	err := b.guard(op, func() error {
		var err error
		buf, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	defer b.boundary.Free(buf)

	if buf.IsEmpty() {
		return nil, nil
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// guard converts boundary panics and untyped errors into BridgeErrors.
func (b *Bridge) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(Unreachable, op, fmt.Errorf("boundary panic: %v", r))
		}
	}()

	if err = fn(); err != nil {
		if KindOf(err) == 0 {
			err = NewError(Unreachable, op, err)
		}
	}
	return err
}
