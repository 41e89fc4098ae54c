package yjs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// The binary layer below the Yjs update format is the lib0 encoding:
// little-endian base-128 varuints, length-prefixed strings and byte arrays,
// and a tagged "any" value encoding.

var (
	// ErrUnexpectedEOF is returned when a decoder runs past the end of input.
	ErrUnexpectedEOF = errors.New("yjs: unexpected end of encoded data")
)

// Encoder accumulates lib0-encoded bytes.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder { return &Encoder{buf: make([]byte, 0, 64)} }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(b byte) { e.buf = append(e.buf, b) }

// WriteVarUint appends an unsigned integer in base-128 encoding.
func (e *Encoder) WriteVarUint(n uint64) {
	for n > 0x7f {
		e.buf = append(e.buf, byte(0x80|(n&0x7f)))
		n >>= 7
	}
	e.buf = append(e.buf, byte(n&0x7f))
}

// WriteVarInt appends a signed integer. The first byte carries the sign bit
// (0x40) and six value bits, continuation in bit 0x80.
func (e *Encoder) WriteVarInt(n int64) {
	isNegative := n < 0
	if isNegative {
		n = -n
	}
	first := byte(n & 0x3f)
	if isNegative {
		first |= 0x40
	}
	n >>= 6
	if n > 0 {
		first |= 0x80
	}
	e.buf = append(e.buf, first)
	for n > 0 {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		e.buf = append(e.buf, b)
	}
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteVarUint8Array appends a length-prefixed byte array.
func (e *Encoder) WriteVarUint8Array(data []byte) {
	e.WriteVarUint(uint64(len(data)))
	e.buf = append(e.buf, data...)
}

// WriteBytes appends raw bytes without a length prefix.
func (e *Encoder) WriteBytes(data []byte) { e.buf = append(e.buf, data...) }

// WriteFloat64 appends an IEEE-754 big-endian float64.
func (e *Encoder) WriteFloat64(f float64) {
	bits := math.Float64bits(f)
	for i := 7; i >= 0; i-- {
		e.buf = append(e.buf, byte(bits>>(uint(i)*8)))
	}
}

// WriteAny appends a tagged lib0 "any" value. Supported Go kinds: nil, bool,
// string, float64, int64/int, []any, map[string]any, []byte.
func (e *Encoder) WriteAny(v any) {
	switch val := v.(type) {
	case nil:
		e.WriteUint8(126)
	case bool:
		if val {
			e.WriteUint8(120)
		} else {
			e.WriteUint8(121)
		}
	case string:
		e.WriteUint8(119)
		e.WriteVarString(val)
	case int:
		e.WriteAny(int64(val))
	case int64:
		if val >= math.MinInt32 && val <= math.MaxInt32 {
			e.WriteUint8(125)
			e.WriteVarInt(val)
		} else {
			e.WriteUint8(123)
			e.WriteFloat64(float64(val))
		}
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt32 && val <= math.MaxInt32 {
			e.WriteUint8(125)
			e.WriteVarInt(int64(val))
		} else {
			e.WriteUint8(123)
			e.WriteFloat64(val)
		}
	case []byte:
		e.WriteUint8(116)
		e.WriteVarUint8Array(val)
	case []any:
		e.WriteUint8(117)
		e.WriteVarUint(uint64(len(val)))
		for _, item := range val {
			e.WriteAny(item)
		}
	case map[string]any:
		e.WriteUint8(118)
		e.WriteVarUint(uint64(len(val)))
		for k, item := range val {
			e.WriteVarString(k)
			e.WriteAny(item)
		}
	case json.Number:
		if f, err := val.Float64(); err == nil {
			e.WriteAny(f)
		} else {
			e.WriteAny(val.String())
		}
	default:
		// last resort: stringify through JSON
		b, err := json.Marshal(v)
		if err != nil {
			e.WriteUint8(127) // undefined
			return
		}
		e.WriteUint8(119)
		e.WriteVarString(string(b))
	}
}

// Decoder reads lib0-encoded values from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps data in a decoder.
func NewDecoder(data []byte) *Decoder { return &Decoder{buf: data} }

// HasContent reports whether unread bytes remain.
func (d *Decoder) HasContent() bool { return d.pos < len(d.buf) }

// ReadUint8 reads a single byte.
func (d *Decoder) ReadUint8() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadVarUint reads a base-128 unsigned integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var n uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		n |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return n, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("yjs: varuint overflow")
		}
	}
}

// ReadVarInt reads a signed integer (see WriteVarInt).
func (d *Decoder) ReadVarInt() (int64, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	n := int64(b & 0x3f)
	negative := b&0x40 != 0
	if b&0x80 == 0 {
		if negative {
			return -n, nil
		}
		return n, nil
	}
	var shift uint = 6
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrUnexpectedEOF
		}
		b = d.buf[d.pos]
		d.pos++
		n |= int64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("yjs: varint overflow")
		}
	}
	if negative {
		return -n, nil
	}
	return n, nil
}

// ReadVarString reads a length-prefixed string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarUint8Array()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadVarUint8Array reads a length-prefixed byte array. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, ErrUnexpectedEOF
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

// ReadFloat64 reads a big-endian float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	if len(d.buf)-d.pos < 8 {
		return 0, ErrUnexpectedEOF
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits = bits<<8 | uint64(d.buf[d.pos+i])
	}
	d.pos += 8
	return math.Float64frombits(bits), nil
}

// ReadFloat32 reads a big-endian float32.
func (d *Decoder) ReadFloat32() (float32, error) {
	if len(d.buf)-d.pos < 4 {
		return 0, ErrUnexpectedEOF
	}
	var bits uint32
	for i := 0; i < 4; i++ {
		bits = bits<<8 | uint32(d.buf[d.pos+i])
	}
	d.pos += 4
	return math.Float32frombits(bits), nil
}

// ReadAny reads a tagged lib0 "any" value.
func (d *Decoder) ReadAny() (any, error) {
	tag, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 127: // undefined
		return nil, nil
	case 126: // null
		return nil, nil
	case 125: // integer
		return d.ReadVarInt()
	case 124: // float32
		f, err := d.ReadFloat32()
		return float64(f), err
	case 123: // float64
		return d.ReadFloat64()
	case 122: // bigint
		if len(d.buf)-d.pos < 8 {
			return nil, ErrUnexpectedEOF
		}
		var v int64
		for i := 0; i < 8; i++ {
			v = v<<8 | int64(d.buf[d.pos+i])
		}
		d.pos += 8
		return v, nil
	case 121: // false
		return false, nil
	case 120: // true
		return true, nil
	case 119: // string
		return d.ReadVarString()
	case 118: // object
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			k, err := d.ReadVarString()
			if err != nil {
				return nil, err
			}
			v, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	case 117: // array
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case 116: // Uint8Array
		b, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	default:
		return nil, fmt.Errorf("yjs: unknown any tag %d", tag)
	}
}
