package channel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// RecordKind identifies what a render record carries.
type RecordKind uint8

const (
	// RecordParam is a parameter change: ID and Value are set.
	RecordParam RecordKind = iota + 1
	// RecordMIDI is a raw MIDI message in Data.
	RecordMIDI
)

// String returns the string representation of the record kind.
func (k RecordKind) String() string {
	switch k {
	case RecordParam:
		return "param"
	case RecordMIDI:
		return "midi"
	default:
		return "unknown"
	}
}

// Record is an event framed on the render thread. On the wire it is a
// five-element CBOR array [kind, sampleTime, id, value, data], which sets it
// apart from Messages, which are always CBOR maps.
type Record struct {
	_          struct{} `cbor:",toarray"`
	Kind       RecordKind
	SampleTime int64
	ID         uint32
	Value      float64
	Data       []byte
}

// RecordOverhead is the largest encoded size of a Record without its Data.
const RecordOverhead = 1 + 2 + 9 + 5 + 9 + 9

// AppendRecord appends the encoding of a record to dst. It does not allocate
// when dst has room for RecordOverhead+len(data) more bytes.
func AppendRecord(dst []byte, kind RecordKind, sampleTime int64, id uint32, value float64, data []byte) []byte {
	dst = append(dst, 0x85) // array(5)
	dst = appendHead(dst, 0, uint64(kind))
	if sampleTime >= 0 {
		dst = appendHead(dst, 0, uint64(sampleTime))
	} else {
		dst = appendHead(dst, 1, uint64(^sampleTime))
	}
	dst = appendHead(dst, 0, uint64(id))
	dst = append(dst, 0xfb) // float64
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(value))
	dst = appendHead(dst, 2, uint64(len(data)))
	return append(dst, data...)
}

func appendHead(dst []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(dst, m|byte(n))
	case n <= math.MaxUint8:
		return append(dst, m|24, byte(n))
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(dst, m|25), uint16(n))
	case n <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(dst, m|26), uint32(n))
	default:
		return binary.BigEndian.AppendUint64(append(dst, m|27), n)
	}
}

// IsRecord reports whether data looks like an encoded Record rather than a
// Message.
func IsRecord(data []byte) bool {
	return len(data) > 0 && data[0]>>5 == 4
}

// DecodeRecord parses a record produced by AppendRecord.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if !IsRecord(data) {
		return r, malformed(fmt.Errorf("not a record"))
	}
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, malformed(err)
	}
	return r, nil
}
