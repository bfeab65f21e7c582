package channel

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/justyntemme/aushell/pkg/core"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"empty", Message{}},
		{"strings", Message{"type": "param", "label": "Gain", "unicode": "Grüße ♪"}},
		{"integers", Message{"a": int64(0), "b": int64(-1), "c": int64(math.MinInt64), "d": int64(math.MaxInt64)}},
		{"large unsigned", Message{"u": uint64(math.MaxUint64)}},
		{"native int widths", Message{"i": 7, "i8": int8(-8), "u16": uint16(65535), "u32": uint32(1 << 31)}},
		{"floats", Message{"half": 0.5, "pi": math.Pi, "tiny": 1e-300, "whole": 2.0, "f32": float32(0.25)}},
		{"booleans", Message{"on": true, "off": false}},
		{"bytes", Message{"blob": []byte{0, 1, 2, 0xff}}},
		{"nested", Message{"outer": Message{"inner": Message{"value": int64(3)}}, "plain": map[string]any{"x": "y"}}},
		{"lists", Message{"list": []any{int64(1), "two", 3.5, false, []byte("x"), Message{"k": "v"}, []any{"nested"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := Normalize(tt.msg)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}

			ev, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			got, err := Decode(ev)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if !reflect.DeepEqual(got, want) {
				t.Errorf("Round trip mismatch:\n got  %#v\n want %#v", got, want)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := Message{"z": int64(1), "a": "first", "m": Message{"y": true, "b": 2.5}}

	first, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Encode(Message{"m": Message{"b": 2.5, "y": true}, "a": "first", "z": 1})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestEncodeRejectsUnsupportedValues(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"nil", Message{"x": nil}},
		{"struct", Message{"x": struct{ A int }{1}}},
		{"channel", Message{"x": make(chan int)}},
		{"nested func", Message{"x": Message{"y": func() {}}}},
		{"list of pointers", Message{"x": []any{new(int)}}},
		{"non-string key", Message{"x": map[any]any{1: "one"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.msg)
			if !errors.Is(err, ErrUnsupportedValue) {
				t.Errorf("Expected ErrUnsupportedValue, got %v", err)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated map", []byte{0xa1, 0x61}},
		{"not a map", []byte{0x01}},
		{"array", []byte{0x80}},
		{"integer key", []byte{0xa1, 0x01, 0x02}},
		{"reserved byte", []byte{0xfc}},
		{"null", []byte{0xf6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
			if !errors.Is(err, core.ErrMalformed) {
				t.Errorf("Expected core.ErrMalformed, got %v", err)
			}
		})
	}
}

func TestMessageAccessors(t *testing.T) {
	m := Message{KeyChannel: "editor", "type": "ping"}

	name, ok := m.Name()
	if !ok || name != "editor" {
		t.Errorf("Expected name editor, got %q (%v)", name, ok)
	}
	if m.Type() != "ping" {
		t.Errorf("Expected type ping, got %q", m.Type())
	}

	if _, ok := (Message{KeyChannel: ""}).Name(); ok {
		t.Error("Empty channel name should not count as addressed")
	}
}
