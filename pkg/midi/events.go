// Package midi defines the host events that arrive interleaved with audio:
// MIDI channel messages, transport messages and parameter automation.
package midi

import (
	"fmt"
)

type EventType uint8

const (
	EventTypeNoteOff EventType = iota
	EventTypeNoteOn
	EventTypePolyPressure
	EventTypeControlChange
	EventTypeProgramChange
	EventTypeChannelPressure
	EventTypePitchBend
	EventTypeClock
	EventTypeStart
	EventTypeStop
	EventTypeContinue
	EventTypeParameterChange
)

// Event is one host event. AppendBytes appends the MIDI wire form of the
// event to dst and must not allocate when dst has three spare bytes; events
// without a wire form append nothing.
type Event interface {
	Type() EventType
	Channel() uint8
	SampleOffset() int32
	AppendBytes(dst []byte) []byte
	String() string
}

type BaseEvent struct {
	EventChannel uint8
	Offset       int32
}

func (e BaseEvent) Channel() uint8 {
	return e.EventChannel
}

func (e BaseEvent) SampleOffset() int32 {
	return e.Offset
}

func (e BaseEvent) status(kind byte) byte {
	return kind | e.EventChannel&0x0f
}

type NoteOnEvent struct {
	BaseEvent
	NoteNumber uint8
	Velocity   uint8
}

func (e NoteOnEvent) Type() EventType {
	return EventTypeNoteOn
}

func (e NoteOnEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0x90), e.NoteNumber&0x7f, e.Velocity&0x7f)
}

func (e NoteOnEvent) String() string {
	return fmt.Sprintf("NoteOn{ch:%d, note:%d, vel:%d, offset:%d}",
		e.EventChannel, e.NoteNumber, e.Velocity, e.Offset)
}

type NoteOffEvent struct {
	BaseEvent
	NoteNumber uint8
	Velocity   uint8
}

func (e NoteOffEvent) Type() EventType {
	return EventTypeNoteOff
}

func (e NoteOffEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0x80), e.NoteNumber&0x7f, e.Velocity&0x7f)
}

func (e NoteOffEvent) String() string {
	return fmt.Sprintf("NoteOff{ch:%d, note:%d, vel:%d, offset:%d}",
		e.EventChannel, e.NoteNumber, e.Velocity, e.Offset)
}

type ControlChangeEvent struct {
	BaseEvent
	Controller uint8
	Value      uint8
}

func (e ControlChangeEvent) Type() EventType {
	return EventTypeControlChange
}

func (e ControlChangeEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0xb0), e.Controller&0x7f, e.Value&0x7f)
}

func (e ControlChangeEvent) String() string {
	return fmt.Sprintf("CC{ch:%d, ctrl:%d, val:%d, offset:%d}",
		e.EventChannel, e.Controller, e.Value, e.Offset)
}

const (
	CCModWheel    uint8 = 1
	CCVolume      uint8 = 7
	CCPan         uint8 = 10
	CCExpression  uint8 = 11
	CCSustain     uint8 = 64
	CCAllSoundOff uint8 = 120
	CCAllNotesOff uint8 = 123
)

type PitchBendEvent struct {
	BaseEvent
	Value int16 // -8192 to 8191, 0 is center
}

func (e PitchBendEvent) Type() EventType {
	return EventTypePitchBend
}

func (e PitchBendEvent) AppendBytes(dst []byte) []byte {
	v := int(e.Value) + 8192
	if v < 0 {
		v = 0
	} else if v > 16383 {
		v = 16383
	}
	return append(dst, e.status(0xe0), byte(v&0x7f), byte(v>>7))
}

func (e PitchBendEvent) String() string {
	return fmt.Sprintf("PitchBend{ch:%d, val:%d, offset:%d}",
		e.EventChannel, e.Value, e.Offset)
}

func (e PitchBendEvent) NormalizedValue() float64 {
	return float64(e.Value) / 8192.0
}

type PolyPressureEvent struct {
	BaseEvent
	NoteNumber uint8
	Pressure   uint8
}

func (e PolyPressureEvent) Type() EventType {
	return EventTypePolyPressure
}

func (e PolyPressureEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0xa0), e.NoteNumber&0x7f, e.Pressure&0x7f)
}

func (e PolyPressureEvent) String() string {
	return fmt.Sprintf("PolyPressure{ch:%d, note:%d, pressure:%d, offset:%d}",
		e.EventChannel, e.NoteNumber, e.Pressure, e.Offset)
}

type ChannelPressureEvent struct {
	BaseEvent
	Pressure uint8
}

func (e ChannelPressureEvent) Type() EventType {
	return EventTypeChannelPressure
}

func (e ChannelPressureEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0xd0), e.Pressure&0x7f)
}

func (e ChannelPressureEvent) String() string {
	return fmt.Sprintf("ChannelPressure{ch:%d, pressure:%d, offset:%d}",
		e.EventChannel, e.Pressure, e.Offset)
}

type ProgramChangeEvent struct {
	BaseEvent
	Program uint8
}

func (e ProgramChangeEvent) Type() EventType {
	return EventTypeProgramChange
}

func (e ProgramChangeEvent) AppendBytes(dst []byte) []byte {
	return append(dst, e.status(0xc0), e.Program&0x7f)
}

func (e ProgramChangeEvent) String() string {
	return fmt.Sprintf("ProgramChange{ch:%d, prog:%d, offset:%d}",
		e.EventChannel, e.Program, e.Offset)
}

// Transport messages are system real-time messages and carry no channel.

type ClockEvent struct {
	BaseEvent
}

func (e ClockEvent) Type() EventType {
	return EventTypeClock
}

func (e ClockEvent) AppendBytes(dst []byte) []byte {
	return append(dst, 0xf8)
}

func (e ClockEvent) String() string {
	return fmt.Sprintf("Clock{offset:%d}", e.Offset)
}

type StartEvent struct {
	BaseEvent
}

func (e StartEvent) Type() EventType {
	return EventTypeStart
}

func (e StartEvent) AppendBytes(dst []byte) []byte {
	return append(dst, 0xfa)
}

func (e StartEvent) String() string {
	return fmt.Sprintf("Start{offset:%d}", e.Offset)
}

type StopEvent struct {
	BaseEvent
}

func (e StopEvent) Type() EventType {
	return EventTypeStop
}

func (e StopEvent) AppendBytes(dst []byte) []byte {
	return append(dst, 0xfc)
}

func (e StopEvent) String() string {
	return fmt.Sprintf("Stop{offset:%d}", e.Offset)
}

type ContinueEvent struct {
	BaseEvent
}

func (e ContinueEvent) Type() EventType {
	return EventTypeContinue
}

func (e ContinueEvent) AppendBytes(dst []byte) []byte {
	return append(dst, 0xfb)
}

func (e ContinueEvent) String() string {
	return fmt.Sprintf("Continue{offset:%d}", e.Offset)
}

// ParameterChangeEvent is sample-accurate host automation of one parameter.
// Value is normalized to 0-1.
type ParameterChangeEvent struct {
	BaseEvent
	ParamID uint32
	Value   float64
}

func (e ParameterChangeEvent) Type() EventType {
	return EventTypeParameterChange
}

func (e ParameterChangeEvent) AppendBytes(dst []byte) []byte {
	return dst
}

func (e ParameterChangeEvent) String() string {
	return fmt.Sprintf("ParameterChange{id:%d, val:%.6f, offset:%d}",
		e.ParamID, e.Value, e.Offset)
}
