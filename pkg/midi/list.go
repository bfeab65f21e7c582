package midi

// EventList holds the events of one render block ordered by sample offset.
// It is owned by the render thread: storage is allocated up front and Add
// never grows it.
type EventList struct {
	events  []Event
	dropped int
}

// NewEventList creates a list holding at most capacity events per block.
func NewEventList(capacity int) *EventList {
	if capacity < 1 {
		capacity = 1
	}
	return &EventList{
		events: make([]Event, 0, capacity),
	}
}

// Add inserts e after every event with the same or an earlier offset. It
// returns false and counts a drop when the list is full.
func (l *EventList) Add(e Event) bool {
	if len(l.events) == cap(l.events) {
		l.dropped++
		return false
	}

	// Insertion keeps events with equal offsets in arrival order
	i := len(l.events)
	l.events = l.events[:i+1]
	for i > 0 && l.events[i-1].SampleOffset() > e.SampleOffset() {
		l.events[i] = l.events[i-1]
		i--
	}
	l.events[i] = e
	return true
}

// Len returns the number of queued events.
func (l *EventList) Len() int {
	return len(l.events)
}

// At returns the i-th event in offset order.
func (l *EventList) At(i int) Event {
	return l.events[i]
}

// Dropped returns how many events did not fit since the last Clear.
func (l *EventList) Dropped() int {
	return l.dropped
}

// Clear empties the list for the next block.
func (l *EventList) Clear() {
	clear(l.events)
	l.events = l.events[:0]
	l.dropped = 0
}
