//go:build !nativecore

package ffi

import (
	"errors"
	"testing"

	"github.com/justyntemme/aushell/pkg/core"
)

func TestStubReportsNotLinked(t *testing.T) {
	if Available {
		t.Fatal("Stub build must not report the library as available")
	}

	if _, err := New(); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Expected ErrNotLinked, got %v", err)
	}

	var c Core
	if _, err := c.ProcessEvent(core.Event("x")); !errors.Is(err, core.ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable, got %v", err)
	}
}
