//go:build nativecore

// Package ffi binds core.Boundary to the native core library.
package ffi

// #cgo CFLAGS: -I${SRCDIR}
// #cgo LDFLAGS: -laushell_core
// #include "core.h"
// #include <stdlib.h>
import "C"
import (
	"errors"
	"unsafe"

	"github.com/justyntemme/aushell/pkg/core"
)

// Call status codes reported by the library
const (
	statusOK         = 0
	statusError      = 1
	statusUnexpected = 2
)

// Available reports whether the native library is linked into this binary.
const Available = true

// Core calls into the native library. The library keeps one process-wide
// context, so every Core shares it.
type Core struct{}

var _ core.Boundary = (*Core)(nil)

// New returns a binding to the linked library.
func New() (*Core, error) {
	return &Core{}, nil
}

// LogInit implements core.Boundary.
func (c *Core) LogInit() {
	var st C.CoreCallStatus
	C.core_log_init(&st)
	freeStatus(&st)
}

// InitializeContext implements core.Boundary.
func (c *Core) InitializeContext() error {
	var st C.CoreCallStatus
	C.core_initialize_context(&st)
	return checkStatus("initialize_context", &st)
}

// ProcessEvent implements core.Boundary.
func (c *Core) ProcessEvent(ev core.Event) (core.Buffer, error) {
	msg, err := toForeign(ev)
	if err != nil {
		return core.Buffer{}, err
	}

	// The library takes ownership of msg
	var st C.CoreCallStatus
	res := C.core_process_event(msg, &st)
	if err := checkStatus("process_event", &st); err != nil {
		return core.Buffer{}, err
	}
	return fromForeign(res), nil
}

// HandleResponse implements core.Boundary.
func (c *Core) HandleResponse(id, data []byte) (core.Buffer, error) {
	fid, err := toForeign(id)
	if err != nil {
		return core.Buffer{}, err
	}
	fdata, err := toForeign(data)
	if err != nil {
		freeForeign(fid)
		return core.Buffer{}, err
	}

	var st C.CoreCallStatus
	res := C.core_handle_response(fid, fdata, &st)
	if err := checkStatus("handle_response", &st); err != nil {
		return core.Buffer{}, err
	}
	return fromForeign(res), nil
}

// View implements core.Boundary.
func (c *Core) View() (core.Buffer, error) {
	var st C.CoreCallStatus
	res := C.core_view(&st)
	if err := checkStatus("view", &st); err != nil {
		return core.Buffer{}, err
	}
	return fromForeign(res), nil
}

// Free implements core.Boundary.
func (c *Core) Free(buf core.Buffer) {
	if buf.Pointer() == nil {
		return
	}
	freeForeign(C.CoreBuffer{
		capacity: C.int32_t(buf.Cap()),
		len:      C.int32_t(buf.Len()),
		data:     (*C.uint8_t)(buf.Pointer()),
	})
}

// toForeign copies b into a buffer allocated by the library.
func toForeign(b []byte) (C.CoreBuffer, error) {
	var st C.CoreCallStatus
	var bytes C.CoreBytes
	if len(b) > 0 {
		p := C.CBytes(b)
		defer C.free(p)
		bytes = C.CoreBytes{len: C.int32_t(len(b)), data: (*C.uint8_t)(p)}
	}

	buf := C.core_buffer_from_bytes(bytes, &st)
	if err := checkStatus("buffer_from_bytes", &st); err != nil {
		return C.CoreBuffer{}, err
	}
	return buf, nil
}

func fromForeign(buf C.CoreBuffer) core.Buffer {
	return core.NewForeignBuffer(unsafe.Pointer(buf.data), int(buf.len), int(buf.capacity))
}

func freeForeign(buf C.CoreBuffer) {
	var st C.CoreCallStatus
	C.core_buffer_free(buf, &st)
	freeStatus(&st)
}

// checkStatus maps a call status to a BridgeError and releases its message.
func checkStatus(op string, st *C.CoreCallStatus) error {
	switch st.code {
	case statusOK:
		return nil
	case statusError:
		return &core.BridgeError{Kind: core.Rejected, Op: op, Reason: statusMessage(st)}
	default:
		return core.NewError(core.Unreachable, op, errors.New(statusMessage(st)))
	}
}

func statusMessage(st *C.CoreCallStatus) string {
	defer freeStatus(st)
	if st.error_buf.data == nil || st.error_buf.len <= 0 {
		return "no message"
	}
	return C.GoStringN((*C.char)(unsafe.Pointer(st.error_buf.data)), C.int(st.error_buf.len))
}

func freeStatus(st *C.CoreCallStatus) {
	if st.error_buf.data == nil {
		return
	}
	buf := st.error_buf
	st.error_buf = C.CoreBuffer{}

	var inner C.CoreCallStatus
	C.core_buffer_free(buf, &inner)
}
