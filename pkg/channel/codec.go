// Package channel converts key/value messages to and from the opaque events
// and results exchanged with the core, and routes results to named duplex
// handles.
package channel

import (
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/justyntemme/aushell/pkg/core"
)

// KeyChannel is the reserved key carrying the name of the handle a message
// belongs to.
const KeyChannel = "@channel"

var (
	// ErrMalformed marks a payload that is not a valid message.
	ErrMalformed = errors.New("malformed channel message")
	// ErrUnsupportedValue marks a value outside the message value domain.
	ErrUnsupportedValue = errors.New("unsupported message value")
)

// Message is a key/value mapping exchanged with the core. Values are strings,
// int64 or uint64, float64, bool, []byte, nested Messages, or []any of these.
type Message map[string]any

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("channel: failed to create CBOR encode mode: %v", err))
	}
	encMode = em
}

// Encode serializes m deterministically. Equal messages always produce equal
// events.
func Encode(m Message) (core.Event, error) {
	n, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(map[string]any(n))
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return core.Event(data), nil
}

// Decode parses a result produced by Encode or by the core. Malformed input
// returns an error matching both ErrMalformed and core.ErrMalformed.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, malformed(errors.New("empty payload"))
	}

	var raw map[string]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, malformed(err)
	}
	if raw == nil {
		return nil, malformed(errors.New("null payload"))
	}

	m, err := Normalize(raw)
	if err != nil {
		return nil, malformed(err)
	}
	return m, nil
}

func malformed(err error) error {
	return &core.BridgeError{
		Kind: core.Malformed,
		Op:   "channel decode",
		Err:  fmt.Errorf("%w: %v", ErrMalformed, err),
	}
}

// Normalize returns a copy of m with every value converted to its canonical
// Go type: integers become int64 (uint64 above math.MaxInt64), float32 becomes
// float64 and nested maps become Messages. Decode(Encode(m)) equals
// Normalize(m) for every m Normalize accepts.
func Normalize(m Message) (Message, error) {
	out := make(Message, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, float64, int64:
		return x, nil
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return b, nil
	case float32:
		return float64(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x), nil
	case Message:
		return Normalize(x)
	case map[string]any:
		return Normalize(Message(x))
	case map[any]any:
		m := make(Message, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string key %T", ErrUnsupportedValue, k)
			}
			m[ks] = val
		}
		return Normalize(m)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// Name returns the handle name m is addressed to.
func (m Message) Name() (string, bool) {
	name, ok := m[KeyChannel].(string)
	return name, ok && name != ""
}

// Type returns the "type" field, the conventional message discriminator.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}
