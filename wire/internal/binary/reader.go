package binary

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum size.
var ErrOverflow = errors.New("leb128: overflow")

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("binary: short buffer")

// Reader decodes from an in-memory buffer with position tracking and
// bounds-checked read methods. A failed read never panics.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a new Reader over the given buffer.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the current byte position.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.wrapError(ErrShortBuffer)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadU16 reads an unsigned LEB128 encoded uint16.
func (r *Reader) ReadU16() (uint16, error) {
	v, err := r.readUvarint(21)
	if err != nil {
		return 0, err
	}
	if v > 0xffff {
		return 0, r.wrapError(ErrOverflow)
	}
	return uint16(v), nil
}

// ReadU32 reads an unsigned LEB128 encoded uint32.
func (r *Reader) ReadU32() (uint32, error) {
	v, err := r.readUvarint(35)
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, r.wrapError(ErrOverflow)
	}
	return uint32(v), nil
}

// ReadU64 reads an unsigned LEB128 encoded uint64.
func (r *Reader) ReadU64() (uint64, error) {
	return r.readUvarint(70)
}

func (r *Reader) readUvarint(maxShift uint) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= maxShift {
			return 0, r.wrapError(ErrOverflow)
		}
	}
}

// ReadBool reads a single-byte boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadBytes reads a length-prefixed byte slice. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(length) > r.Remaining() {
		return nil, r.wrapError(ErrShortBuffer)
	}
	data := r.data[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return data, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	data, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", r.wrapError(errors.New("invalid UTF-8 in string"))
	}
	return string(data), nil
}

func (r *Reader) wrapError(err error) error {
	return fmt.Errorf("at offset %d: %w", r.pos, err)
}
