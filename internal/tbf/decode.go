package tbf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader walks a TBF byte stream. It never allocates per scalar it reads;
// raw byte strings are returned as subslices of the original buffer.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Pos returns the current byte offset into the stream, for callers that
// need to slice out a verbatim fragment (e.g. for forwarding unchanged).
func (r *Reader) Pos() int { return r.pos }

// PeekTag returns the next tag without consuming it. ok is false at end of
// stream.
func (r *Reader) PeekTag() (Tag, bool) {
	if r.pos >= len(r.data) {
		return TagEnd, false
	}
	return Tag(r.data[r.pos]), true
}

// ConsumeTag reads and advances past the next tag.
func (r *Reader) ConsumeTag() (Tag, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("tbf: unexpected end of stream")
	}
	t := Tag(r.data[r.pos])
	r.pos++
	return t, nil
}

func (r *Reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("tbf: truncated stream (need %d, have %d)", n, r.Len())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) readLen(tag Tag) (int, error) {
	switch tag {
	case TagRaw8:
		b, err := r.readBytes(1)
		if err != nil {
			return 0, err
		}
		return int(b[0]), nil
	case TagRaw16:
		b, err := r.readBytes(2)
		if err != nil {
			return 0, err
		}
		return int(binary.LittleEndian.Uint16(b)), nil
	case TagRaw32:
		b, err := r.readBytes(4)
		if err != nil {
			return 0, err
		}
		return int(binary.LittleEndian.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("tbf: tag 0x%02x is not a raw string", tag)
	}
}

func (r *Reader) readRawBody(tag Tag) ([]byte, error) {
	n, err := r.readLen(tag)
	if err != nil {
		return nil, err
	}
	return r.readBytes(n)
}

func (r *Reader) readIntBody(tag Tag) (int64, error) {
	switch tag {
	case TagInt8:
		b, err := r.readBytes(1)
		if err != nil {
			return 0, err
		}
		return int64(int8(b[0])), nil
	case TagInt16:
		b, err := r.readBytes(2)
		if err != nil {
			return 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case TagInt32:
		b, err := r.readBytes(4)
		if err != nil {
			return 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case TagInt64:
		b, err := r.readBytes(8)
		if err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("tbf: tag 0x%02x is not an integer", tag)
	}
}

func (r *Reader) readDoubleBody() (float64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadName reads a raw byte string used as a series name or map key.
func (r *Reader) ReadName() ([]byte, error) {
	tag, err := r.ConsumeTag()
	if err != nil {
		return nil, NewDecodeError(ErrExpectingSeriesName)
	}
	switch tag {
	case TagRaw8, TagRaw16, TagRaw32:
		raw, err := r.readRawBody(tag)
		if err != nil {
			return nil, NewDecodeError(ErrExpectingSeriesName)
		}
		return raw, nil
	default:
		return nil, NewDecodeError(ErrExpectingSeriesName)
	}
}

// ReadTimestamp reads point[0]: must be an integer.
func (r *Reader) ReadTimestamp() (int64, error) {
	tag, err := r.ConsumeTag()
	if err != nil {
		return 0, NewDecodeError(ErrExpectingIntegerTS)
	}
	switch tag {
	case TagInt8, TagInt16, TagInt32, TagInt64:
		v, err := r.readIntBody(tag)
		if err != nil {
			return 0, NewDecodeError(ErrExpectingIntegerTS)
		}
		return v, nil
	default:
		return 0, NewDecodeError(ErrExpectingIntegerTS)
	}
}

// ReadValue reads point[1]: must be Integer, Float or raw bytes.
func (r *Reader) ReadValue() (Value, error) {
	tag, err := r.ConsumeTag()
	if err != nil {
		return Value{}, NewDecodeError(ErrUnsupportedValue)
	}
	switch tag {
	case TagInt8, TagInt16, TagInt32, TagInt64:
		v, err := r.readIntBody(tag)
		if err != nil {
			return Value{}, NewDecodeError(ErrUnsupportedValue)
		}
		return IntegerValue(v), nil
	case TagDouble:
		v, err := r.readDoubleBody()
		if err != nil {
			return Value{}, NewDecodeError(ErrUnsupportedValue)
		}
		return FloatValue(v), nil
	case TagRaw8, TagRaw16, TagRaw32:
		raw, err := r.readRawBody(tag)
		if err != nil {
			return Value{}, NewDecodeError(ErrUnsupportedValue)
		}
		return RawValue(raw), nil
	default:
		return Value{}, NewDecodeError(ErrUnsupportedValue)
	}
}

// ReadPoint reads one (ts, value) tuple framed as TagArray2, ts, value.
func (r *Reader) ReadPoint() (Point, error) {
	tag, err := r.ConsumeTag()
	if err != nil || tag != TagArray2 {
		return Point{}, NewDecodeError(ErrExpectingIntegerTS)
	}
	ts, err := r.ReadTimestamp()
	if err != nil {
		return Point{}, err
	}
	val, err := r.ReadValue()
	if err != nil {
		return Point{}, err
	}
	return Point{TS: ts, Value: val}, nil
}
