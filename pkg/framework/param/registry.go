package param

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrUnknownParameter is returned for an ID that is not registered.
var ErrUnknownParameter = errors.New("unknown parameter")

type snapshot struct {
	params map[uint32]*Parameter
	order  []uint32 // Maintain order for indexed access
	bypass *Parameter
}

// Registry manages host parameters. Registration copies the table; lookups
// read the current copy without locking, so Get is safe on the render thread.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a new parameter registry
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{params: make(map[uint32]*Parameter)})
	return r
}

// Add registers parameters. Duplicate IDs and a second bypass parameter are
// rejected.
func (r *Registry) Add(params ...*Parameter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := &snapshot{
		params: make(map[uint32]*Parameter, len(old.params)+len(params)),
		order:  append(make([]uint32, 0, len(old.order)+len(params)), old.order...),
		bypass: old.bypass,
	}
	for id, p := range old.params {
		next.params[id] = p
	}

	for _, p := range params {
		if _, exists := next.params[p.ID]; exists {
			return fmt.Errorf("parameter %d (%s): already registered", p.ID, p.Name)
		}
		if p.IsBypass() {
			if next.bypass != nil {
				return fmt.Errorf("parameter %d (%s): bypass already registered as %d", p.ID, p.Name, next.bypass.ID)
			}
			next.bypass = p
		}
		next.params[p.ID] = p
		next.order = append(next.order, p.ID)
	}

	r.snap.Store(next)
	return nil
}

// Get retrieves a parameter by ID
func (r *Registry) Get(id uint32) *Parameter {
	return r.snap.Load().params[id]
}

// Set stores a normalized value and returns the parameter.
func (r *Registry) Set(id uint32, normalized float64) (*Parameter, error) {
	p := r.Get(id)
	if p == nil {
		return nil, fmt.Errorf("parameter %d: %w", id, ErrUnknownParameter)
	}
	p.SetValue(normalized)
	return p, nil
}

// Bypass returns the bypass parameter, or nil if none is registered.
func (r *Registry) Bypass() *Parameter {
	return r.snap.Load().bypass
}

// GetByIndex retrieves a parameter by index
func (r *Registry) GetByIndex(index int32) *Parameter {
	s := r.snap.Load()
	if index < 0 || index >= int32(len(s.order)) {
		return nil
	}
	return s.params[s.order[index]]
}

// Count returns the number of parameters
func (r *Registry) Count() int32 {
	return int32(len(r.snap.Load().order))
}

// All returns all parameters in order
func (r *Registry) All() []*Parameter {
	s := r.snap.Load()
	result := make([]*Parameter, len(s.order))
	for i, id := range s.order {
		result[i] = s.params[id]
	}
	return result
}
