// Package stream supervises the hardware audio stream: opening it with the
// engine's format, restarting it after disconnects and reporting its state.
package stream

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrStreamOpen is returned when the hardware stream cannot be opened or
	// started. It wraps the backend's error.
	ErrStreamOpen = errors.New("stream open failed")

	// ErrStreamInterrupted reports an asynchronous stream error.
	ErrStreamInterrupted = errors.New("stream interrupted")

	// ErrNoDevice is a terminal open failure: no compatible device exists.
	ErrNoDevice = errors.New("no compatible audio device")

	// ErrDisconnected reports that the opened device went away or the
	// system routed audio elsewhere.
	ErrDisconnected = errors.New("audio device disconnected")

	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")
)

// State is the supervisor's stream state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateStopped; st <= StateError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", text)
}

// Format is the stream configuration requested from the backend.
type Format struct {
	SampleRate      float64
	InputChannels   int
	OutputChannels  int
	FramesPerBuffer int
}

// Validate checks that the format can describe a stream.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("invalid sample rate %v", f.SampleRate)
	case f.InputChannels < 0:
		return fmt.Errorf("invalid input channel count %d", f.InputChannels)
	case f.OutputChannels <= 0:
		return fmt.Errorf("invalid output channel count %d", f.OutputChannels)
	case f.FramesPerBuffer < 0:
		return fmt.Errorf("invalid frames per buffer %d", f.FramesPerBuffer)
	}
	return nil
}

// Callback renders one hardware buffer. in and out are non-interleaved;
// every channel slice has the callback's frame count.
type Callback func(in, out [][]float32)

// ErrorFunc receives asynchronous stream errors. It may be called from any
// thread, including the render thread, and must not block.
type ErrorFunc func(err error)

// Backend opens hardware streams.
type Backend interface {
	Open(format Format, callback Callback, onError ErrorFunc) (Stream, error)
}

// Stream is an open hardware stream.
type Stream interface {
	Start() error
	// Stop waits for pending buffers to play and for the callback to return.
	Stop() error
	Close() error
}

// Handle identifies one opened stream. Handles are time-ordered and never
// reused, so notifications from a replaced stream can be recognised.
type Handle string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newHandle() Handle {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return Handle(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Status describes a state change of the supervised stream.
type Status struct {
	// Seq increases with every status emitted by one supervisor.
	Seq    uint64 `json:"seq"`
	State  State  `json:"state"`
	Handle Handle `json:"handle,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`
	// DeviceUnavailable marks a failed attempt to open or start a stream.
	DeviceUnavailable bool      `json:"device_unavailable,omitempty"`
	Err               error     `json:"-"`
	Error             string    `json:"error,omitempty"`
	Time              time.Time `json:"time"`
}

// Recorder receives stream metrics.
type Recorder interface {
	RecordRestart()
	RecordStartFailure(reason string)
	SetStreamState(state int)
}

type nopRecorder struct{}

func (nopRecorder) RecordRestart()            {}
func (nopRecorder) RecordStartFailure(string) {}
func (nopRecorder) SetStreamState(int)        {}

// failureReason labels a start failure for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoDevice):
		return "no_device"
	case errors.Is(err, errBackendPanic):
		return "panic"
	case errors.Is(err, errStartFailed):
		return "start"
	default:
		return "open"
	}
}
