//go:build !nativecore

// Package ffi binds core.Boundary to the native core library. Build with the
// nativecore tag to link it.
package ffi

import (
	"errors"

	"github.com/justyntemme/aushell/pkg/core"
)

// Available reports whether the native library is linked into this binary.
const Available = false

// ErrNotLinked is returned by New when the binary was built without the
// nativecore tag.
var ErrNotLinked = errors.New("native core not linked: build with -tags nativecore")

// Core is unusable without the native library.
type Core struct{}

var _ core.Boundary = (*Core)(nil)

// New always fails in this build.
func New() (*Core, error) {
	return nil, ErrNotLinked
}

func (c *Core) LogInit() {}

func (c *Core) InitializeContext() error {
	return core.NewError(core.Unreachable, "initialize_context", ErrNotLinked)
}

func (c *Core) ProcessEvent(ev core.Event) (core.Buffer, error) {
	return core.Buffer{}, core.NewError(core.Unreachable, "process_event", ErrNotLinked)
}

func (c *Core) HandleResponse(id, data []byte) (core.Buffer, error) {
	return core.Buffer{}, core.NewError(core.Unreachable, "handle_response", ErrNotLinked)
}

func (c *Core) View() (core.Buffer, error) {
	return core.Buffer{}, core.NewError(core.Unreachable, "view", ErrNotLinked)
}

func (c *Core) Free(buf core.Buffer) {}
