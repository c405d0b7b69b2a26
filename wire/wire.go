// Package wire implements the MQTT 3.1.1 primitive wire types over
// caller-owned, fixed-capacity buffers: single bytes, big-endian uint16,
// raw data views, length-prefixed strings, variable-length integers and
// in-byte bit fields. All operations move a (position, limit) cursor over
// borrowed memory; nothing here allocates or reads past the limit.
package wire

import "errors"

var (
	ErrBufferTooShort = errors.New("wire: buffer too short")
	ErrVarnumOverflow = errors.New("wire: varnum overflow")
)

// VarnumMax is the largest value representable in 4 varnum groups.
const VarnumMax = 268435455

// Buffer is a forward-only cursor over a borrowed byte slice.
// Every operation either advances Pos by exactly the bytes consumed or
// produced, or reports failure. Failed reads leave Pos untouched.
// Buffer never owns the memory it points at.
type Buffer struct {
	B   []byte
	Pos int
}

func (b *Buffer) Remaining() int { return len(b.B) - b.Pos }

func (b *Buffer) ReadByte() (byte, error) {
	if b.Pos >= len(b.B) {
		return 0, ErrBufferTooShort
	}
	v := b.B[b.Pos]
	b.Pos++
	return v, nil
}

func (b *Buffer) WriteByte(v byte) error {
	if b.Pos >= len(b.B) {
		return ErrBufferTooShort
	}
	b.B[b.Pos] = v
	b.Pos++
	return nil
}

// ReadNum reads a big-endian uint16.
func (b *Buffer) ReadNum() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, ErrBufferTooShort
	}
	v := uint16(b.B[b.Pos])<<8 | uint16(b.B[b.Pos+1])
	b.Pos += 2
	return v, nil
}

func (b *Buffer) WriteNum(v uint16) error {
	if b.Remaining() < 2 {
		return ErrBufferTooShort
	}
	b.B[b.Pos] = byte(v >> 8)
	b.B[b.Pos+1] = byte(v)
	b.Pos += 2
	return nil
}

// ReadData returns a view into the underlying buffer, valid only as long
// as that buffer is. n==0 succeeds without touching the buffer and yields
// an unset view.
func (b *Buffer) ReadData(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n < 0 || b.Remaining() < n {
		return nil, ErrBufferTooShort
	}
	v := b.B[b.Pos : b.Pos+n]
	b.Pos += n
	return v, nil
}

func (b *Buffer) WriteData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if b.Remaining() < len(data) {
		return ErrBufferTooShort
	}
	copy(b.B[b.Pos:], data)
	b.Pos += len(data)
	return nil
}

// ReadString reads a 16-bit length followed by that many raw bytes.
// The returned String borrows the buffer. On failure the cursor is left
// where it was, even when the length prefix itself was readable.
func (b *Buffer) ReadString() (String, error) {
	mark := b.Pos
	n, err := b.ReadNum()
	if err != nil {
		return String{}, err
	}
	data, err := b.ReadData(int(n))
	if err != nil {
		b.Pos = mark
		return String{}, err
	}
	return String{Len: n, Data: data}, nil
}

func (b *Buffer) WriteString(s String) error {
	mark := b.Pos
	if err := b.WriteNum(s.Len); err != nil {
		return err
	}
	if err := b.WriteData(s.Data[:s.Len]); err != nil {
		b.Pos = mark
		return err
	}
	return nil
}

// VarnumLength reports how many groups encoding v takes.
func VarnumLength(v uint32) (int, error) {
	switch {
	case v < 128:
		return 1, nil
	case v < 16384:
		return 2, nil
	case v < 2097152:
		return 3, nil
	case v < 268435456:
		return 4, nil
	default:
		return 0, ErrVarnumOverflow
	}
}

// ReadVarnum decodes a 1-4 group variable-length integer, 7 bits per
// group, least significant group first, continuation in the high bit.
// A 5th continuation group is an overflow. The cursor is untouched on
// failure.
func (b *Buffer) ReadVarnum() (uint32, error) {
	mark := b.Pos
	var v uint32
	var shift uint
	for {
		if b.Pos >= len(b.B) {
			b.Pos = mark
			return 0, ErrBufferTooShort
		}
		if shift >= 28 {
			b.Pos = mark
			return 0, ErrVarnumOverflow
		}
		group := b.B[b.Pos]
		b.Pos++
		v |= uint32(group&0x7f) << shift
		shift += 7
		if group&0x80 == 0 {
			return v, nil
		}
	}
}

// WriteVarnum encodes v group at a time. On ErrBufferTooShort some groups
// may already be written; the encoded length always matches VarnumLength.
func (b *Buffer) WriteVarnum(v uint32) error {
	if v > VarnumMax {
		return ErrVarnumOverflow
	}
	for {
		if b.Pos >= len(b.B) {
			return ErrBufferTooShort
		}
		group := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			group |= 0x80
		}
		b.B[b.Pos] = group
		b.Pos++
		if v == 0 {
			return nil
		}
	}
}

// ReadBits extracts width bits at bit offset pos within a single byte.
func ReadBits(b byte, pos, width uint) byte {
	return (b >> pos) & (1<<width - 1)
}

// WriteBits merges width bits of value into *b at bit offset pos.
func WriteBits(b *byte, value byte, pos, width uint) {
	mask := byte(1<<width-1) << pos
	*b = (*b &^ mask) | ((value << pos) & mask)
}
