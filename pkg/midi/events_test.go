package midi

import (
	"bytes"
	"math"
	"testing"
)

func TestNoteOnEvent(t *testing.T) {
	event := NoteOnEvent{
		BaseEvent: BaseEvent{
			EventChannel: 0,
			Offset:       100,
		},
		NoteNumber: 60, // Middle C
		Velocity:   64,
	}

	if event.Type() != EventTypeNoteOn {
		t.Errorf("Expected type %v, got %v", EventTypeNoteOn, event.Type())
	}

	if event.Channel() != 0 {
		t.Errorf("Expected channel 0, got %d", event.Channel())
	}

	if event.SampleOffset() != 100 {
		t.Errorf("Expected offset 100, got %d", event.SampleOffset())
	}

	expected := "NoteOn{ch:0, note:60, vel:64, offset:100}"
	if event.String() != expected {
		t.Errorf("Expected string %s, got %s", expected, event.String())
	}
}

func TestControlChangeEvent(t *testing.T) {
	event := ControlChangeEvent{
		BaseEvent: BaseEvent{
			EventChannel: 0,
			Offset:       50,
		},
		Controller: CCModWheel,
		Value:      100,
	}

	if event.Type() != EventTypeControlChange {
		t.Errorf("Expected type %v, got %v", EventTypeControlChange, event.Type())
	}

	expected := "CC{ch:0, ctrl:1, val:100, offset:50}"
	if event.String() != expected {
		t.Errorf("Expected string %s, got %s", expected, event.String())
	}
}

func TestPitchBendEvent(t *testing.T) {
	tests := []struct {
		value      int16
		normalized float64
	}{
		{0, 0.0},
		{8191, 0.999878}, // Close to 1.0
		{-8192, -1.0},
		{4096, 0.5},
		{-4096, -0.5},
	}

	for _, tt := range tests {
		event := PitchBendEvent{Value: tt.value}

		normalized := event.NormalizedValue()
		if math.Abs(normalized-tt.normalized) > 0.001 {
			t.Errorf("For value %d, expected normalized %f, got %f", tt.value, tt.normalized, normalized)
		}
	}
}

func TestWireBytes(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected []byte
	}{
		{"note on", NoteOnEvent{BaseEvent: BaseEvent{EventChannel: 2}, NoteNumber: 60, Velocity: 100}, []byte{0x92, 60, 100}},
		{"note off", NoteOffEvent{BaseEvent: BaseEvent{EventChannel: 15}, NoteNumber: 60}, []byte{0x8f, 60, 0}},
		{"control change", ControlChangeEvent{Controller: CCSustain, Value: 127}, []byte{0xb0, 64, 127}},
		{"pitch bend center", PitchBendEvent{Value: 0}, []byte{0xe0, 0x00, 0x40}},
		{"pitch bend min", PitchBendEvent{Value: -8192}, []byte{0xe0, 0x00, 0x00}},
		{"pitch bend max", PitchBendEvent{Value: 8191}, []byte{0xe0, 0x7f, 0x7f}},
		{"poly pressure", PolyPressureEvent{NoteNumber: 61, Pressure: 20}, []byte{0xa0, 61, 20}},
		{"channel pressure", ChannelPressureEvent{BaseEvent: BaseEvent{EventChannel: 1}, Pressure: 90}, []byte{0xd1, 90}},
		{"program change", ProgramChangeEvent{Program: 5}, []byte{0xc0, 5}},
		{"clock", ClockEvent{}, []byte{0xf8}},
		{"start", StartEvent{}, []byte{0xfa}},
		{"continue", ContinueEvent{}, []byte{0xfb}},
		{"stop", StopEvent{}, []byte{0xfc}},
		{"parameter change", ParameterChangeEvent{ParamID: 1, Value: 0.5}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.event.AppendBytes(nil)
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("Expected % x, got % x", tt.expected, got)
			}
		})
	}
}

func TestAppendBytesNoAllocations(t *testing.T) {
	buf := make([]byte, 0, 8)
	event := NoteOnEvent{NoteNumber: 60, Velocity: 100}

	allocs := testing.AllocsPerRun(1000, func() {
		buf = event.AppendBytes(buf[:0])
	})
	if allocs != 0 {
		t.Errorf("Expected zero allocations, got %.1f", allocs)
	}
}

func TestParameterChangeEvent(t *testing.T) {
	event := ParameterChangeEvent{
		BaseEvent: BaseEvent{Offset: 32},
		ParamID:   3,
		Value:     0.25,
	}

	if event.Type() != EventTypeParameterChange {
		t.Errorf("Expected type %v, got %v", EventTypeParameterChange, event.Type())
	}

	expected := "ParameterChange{id:3, val:0.250000, offset:32}"
	if event.String() != expected {
		t.Errorf("Expected string %s, got %s", expected, event.String())
	}
}
