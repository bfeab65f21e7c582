package midi

import (
	"testing"
)

func TestEventListOrdersByOffset(t *testing.T) {
	list := NewEventList(8)

	list.Add(NoteOnEvent{BaseEvent: BaseEvent{Offset: 200}, NoteNumber: 1})
	list.Add(NoteOnEvent{BaseEvent: BaseEvent{Offset: 50}, NoteNumber: 2})
	list.Add(NoteOnEvent{BaseEvent: BaseEvent{Offset: 200}, NoteNumber: 3})
	list.Add(NoteOnEvent{BaseEvent: BaseEvent{Offset: 0}, NoteNumber: 4})

	expected := []uint8{4, 2, 1, 3}
	if list.Len() != len(expected) {
		t.Fatalf("Expected %d events, got %d", len(expected), list.Len())
	}

	for i, note := range expected {
		got := list.At(i).(NoteOnEvent).NoteNumber
		if got != note {
			t.Errorf("Position %d: expected note %d, got %d", i, note, got)
		}
	}
}

func TestEventListDropsWhenFull(t *testing.T) {
	list := NewEventList(2)

	list.Add(ClockEvent{})
	list.Add(ClockEvent{})
	if list.Add(ClockEvent{}) {
		t.Error("Expected Add to fail on a full list")
	}

	if list.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", list.Dropped())
	}

	list.Clear()
	if list.Len() != 0 || list.Dropped() != 0 {
		t.Error("Clear should reset events and drop count")
	}
}

func TestEventListNoAllocations(t *testing.T) {
	list := NewEventList(16)
	var event Event = ControlChangeEvent{BaseEvent: BaseEvent{Offset: 10}, Controller: CCVolume, Value: 90}

	allocs := testing.AllocsPerRun(100, func() {
		for i := 0; i < 8; i++ {
			list.Add(event)
		}
		list.Clear()
	})
	if allocs != 0 {
		t.Errorf("Expected zero allocations, got %.1f", allocs)
	}
}
