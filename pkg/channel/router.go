package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justyntemme/aushell/pkg/core"
)

var (
	// ErrHandleOpen is returned when a handle name is already in use.
	ErrHandleOpen = errors.New("channel handle already open")
	// ErrHandleClosed is returned by Send on a closed handle.
	ErrHandleClosed = errors.New("channel handle closed")
)

// Submitter sends an event to the core. *core.Bridge and *core.Dispatcher
// both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, ev core.Event) (core.Outcome, error)
}

// Handler receives messages routed to a handle. It runs on the goroutine
// that delivered the result.
type Handler func(Message)

// Router multiplexes independent duplex conversations over one core. Every
// message a handle sends is tagged with the handle's name, and results are
// delivered back to the handle they name.
type Router struct {
	sub Submitter

	mu      sync.RWMutex
	handles map[string]*Handle

	dropped        atomic.Uint64
	decodeFailures atomic.Uint64
}

// NewRouter creates a router that submits through sub.
func NewRouter(sub Submitter) *Router {
	return &Router{
		sub:     sub,
		handles: make(map[string]*Handle),
	}
}

// Open registers a handle under name. handler may be nil when the caller only
// uses the replies returned by Send.
func (r *Router) Open(name string, handler Handler) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("open channel: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[name]; exists {
		return nil, fmt.Errorf("open channel %q: %w", name, ErrHandleOpen)
	}

	h := &Handle{name: name, router: r, handler: handler}
	r.handles[name] = h
	return h, nil
}

// Deliver decodes a result and hands it to the handle it is addressed to.
// Results that are unaddressed or name no open handle are dropped and
// counted; malformed results are counted as decode failures.
func (r *Router) Deliver(result []byte) (Message, *Handle) {
	if len(result) == 0 || IsRecord(result) {
		return nil, nil
	}

	m, err := Decode(result)
	if err != nil {
		r.decodeFailures.Add(1)
		return nil, nil
	}

	name, ok := m.Name()
	if !ok {
		r.dropped.Add(1)
		return m, nil
	}

	r.mu.RLock()
	h := r.handles[name]
	r.mu.RUnlock()

	if h == nil || h.closed.Load() {
		r.dropped.Add(1)
		return m, nil
	}

	if h.handler != nil {
		h.handler(m)
	}
	return m, h
}

// Dropped returns the number of results that reached no open handle.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// DecodeFailures returns the number of malformed results.
func (r *Router) DecodeFailures() uint64 {
	return r.decodeFailures.Load()
}

// Handles returns the number of open handles.
func (r *Router) Handles() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Handle is one named duplex conversation with the core.
type Handle struct {
	name    string
	router  *Router
	handler Handler
	closed  atomic.Bool
}

// Name returns the handle name.
func (h *Handle) Name() string {
	return h.name
}

// Send tags m with the handle name, submits it and routes the reply. It
// returns the reply when it is addressed to this handle, or nil otherwise.
func (h *Handle) Send(ctx context.Context, m Message) (Message, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}

	tagged := make(Message, len(m)+1)
	for k, v := range m {
		tagged[k] = v
	}
	tagged[KeyChannel] = h.name

	ev, err := Encode(tagged)
	if err != nil {
		return nil, fmt.Errorf("send on %q: %w", h.name, err)
	}

	out, err := h.router.sub.Submit(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("send on %q: %w", h.name, err)
	}

	reply, to := h.router.Deliver(out.Reply)
	if to != h {
		return nil, nil
	}
	return reply, nil
}

// Close unregisters the handle. Results addressed to it afterwards are
// dropped.
func (h *Handle) Close() {
	if h.closed.Swap(true) {
		return
	}
	r := h.router
	r.mu.Lock()
	if r.handles[h.name] == h {
		delete(r.handles, h.name)
	}
	r.mu.Unlock()
}
