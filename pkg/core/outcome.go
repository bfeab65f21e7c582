package core

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Reserved result keys understood by the bridge.
const (
	KeyStatus = "@status"
	KeyReason = "@reason"
	KeyRender = "@render"
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

// RenderState is the audio-affecting part of a core result.
type RenderState struct {
	Gain float64 `cbor:"gain"`
	Mute bool    `cbor:"mute"`
}

// DefaultRenderState is unity gain, unmuted.
func DefaultRenderState() RenderState {
	return RenderState{Gain: 1}
}

// Outcome is a decoded core result: either no audio-path change, or a new
// render state to apply.
type Outcome struct {
	Render *RenderState
	// Reply holds a copy of the raw result for callers that route it further.
	Reply []byte
}

// Changed reports whether the outcome carries a new render state.
func (o Outcome) Changed() bool {
	return o.Render != nil
}

type envelope struct {
	Status string       `cbor:"@status,omitempty"`
	Reason string       `cbor:"@reason,omitempty"`
	Render *RenderState `cbor:"@render,omitempty"`
}

// DecodeOutcome interprets a raw result. An empty result means no change.
// The returned Outcome does not alias data.
func DecodeOutcome(op string, data []byte) (Outcome, error) {
	if len(data) == 0 {
		return Outcome{}, nil
	}

	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Outcome{}, NewError(Malformed, op, err)
	}

	switch env.Status {
	case "", StatusOK:
	case StatusRejected:
		return Outcome{}, &BridgeError{Kind: Rejected, Op: op, Reason: env.Reason}
	default:
		return Outcome{}, NewError(Malformed, op, fmt.Errorf("unknown status %q", env.Status))
	}

	if r := env.Render; r != nil {
		if math.IsNaN(r.Gain) || math.IsInf(r.Gain, 0) || r.Gain < 0 {
			return Outcome{}, NewError(Malformed, op, fmt.Errorf("invalid gain %v", r.Gain))
		}
	}

	reply := make([]byte, len(data))
	copy(reply, data)
	return Outcome{Render: env.Render, Reply: reply}, nil
}
