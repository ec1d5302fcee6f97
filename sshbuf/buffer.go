// Package sshbuf implements the growable packet buffer used throughout the
// SSH binary packet protocol, with typed accessors for the primitive types
// defined by RFC 4251 §5 (bytes, booleans, uint32/uint64, strings, mpints
// and name-lists).
package sshbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// HeaderSpace is the number of bytes a packet buffer reserves in front of the
// payload so the transport encoder can prepend the packet-length and
// padding-length fields in place.
const HeaderSpace = 5

// ErrUnderflow is returned when a read runs past the writable position.
var ErrUnderflow = errors.New("sshbuf: underflow")

const initialCapacity = 256

// Buffer is a byte buffer with independent read and write positions.
// The readable region is data[rpos:wpos]; 0 <= rpos <= wpos <= len(data)
// holds at all times.
type Buffer struct {
	data []byte
	rpos int
	wpos int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{data: make([]byte, initialCapacity)}
}

// NewSize returns an empty buffer pre-allocated to hold size bytes.
func NewSize(size int) *Buffer {
	if size < initialCapacity {
		size = initialCapacity
	}
	return &Buffer{data: make([]byte, size)}
}

// NewPacket returns a buffer primed for an outgoing SSH packet: the header
// space is reserved and the message identifier is the first payload byte.
func NewPacket(msg byte) *Buffer {
	b := New()
	b.rpos = HeaderSpace
	b.wpos = HeaderSpace
	b.PutByte(msg)
	return b
}

// Wrap returns a buffer whose readable region is exactly data. The slice is
// not copied.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data, wpos: len(data)}
}

// RPos returns the current read position.
func (b *Buffer) RPos() int { return b.rpos }

// WPos returns the current write position.
func (b *Buffer) WPos() int { return b.wpos }

// SetRPos moves the read position.
func (b *Buffer) SetRPos(pos int) { b.rpos = pos }

// SetWPos moves the write position, growing the underlying storage if needed.
func (b *Buffer) SetWPos(pos int) {
	b.ensureTotal(pos)
	b.wpos = pos
}

// Available returns the number of readable bytes.
func (b *Buffer) Available() int { return b.wpos - b.rpos }

// Array exposes the underlying storage. Callers must respect RPos/WPos.
func (b *Buffer) Array() []byte { return b.data }

// Bytes returns the readable region without copying.
func (b *Buffer) Bytes() []byte { return b.data[b.rpos:b.wpos] }

// CompactData returns a copy of the readable region.
func (b *Buffer) CompactData() []byte {
	out := make([]byte, b.Available())
	copy(out, b.data[b.rpos:b.wpos])
	return out
}

// Clear resets both positions to zero.
func (b *Buffer) Clear() {
	b.rpos = 0
	b.wpos = 0
}

func (b *Buffer) ensureTotal(n int) {
	if n <= len(b.data) {
		return
	}
	size := len(b.data) * 2
	for size < n {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
}

func (b *Buffer) ensure(n int) int {
	b.ensureTotal(b.wpos + n)
	off := b.wpos
	b.wpos += n
	return off
}

func (b *Buffer) consume(n int) (int, error) {
	if b.Available() < n {
		return 0, ErrUnderflow
	}
	off := b.rpos
	b.rpos += n
	return off, nil
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(v byte) *Buffer {
	off := b.ensure(1)
	b.data[off] = v
	return b
}

// PutBool appends a boolean encoded as a single byte.
func (b *Buffer) PutBool(v bool) *Buffer {
	if v {
		return b.PutByte(1)
	}
	return b.PutByte(0)
}

// PutUint32 appends a big-endian uint32.
func (b *Buffer) PutUint32(v uint32) *Buffer {
	off := b.ensure(4)
	binary.BigEndian.PutUint32(b.data[off:], v)
	return b
}

// PutUint64 appends a big-endian uint64.
func (b *Buffer) PutUint64(v uint64) *Buffer {
	off := b.ensure(8)
	binary.BigEndian.PutUint64(b.data[off:], v)
	return b
}

// PutRaw appends bytes without a length prefix.
func (b *Buffer) PutRaw(p []byte) *Buffer {
	off := b.ensure(len(p))
	copy(b.data[off:], p)
	return b
}

// PutBytes appends a uint32 length-prefixed byte string.
func (b *Buffer) PutBytes(p []byte) *Buffer {
	b.PutUint32(uint32(len(p)))
	return b.PutRaw(p)
}

// PutString appends a uint32 length-prefixed string.
func (b *Buffer) PutString(s string) *Buffer {
	b.PutUint32(uint32(len(s)))
	off := b.ensure(len(s))
	copy(b.data[off:], s)
	return b
}

// PutMPInt appends v as an SSH mpint: big-endian, length-prefixed, with a
// leading zero byte when the high bit of the magnitude is set. Only the
// magnitude of v is written; negative values are not encoded in
// two's-complement form and lose their sign.
func (b *Buffer) PutMPInt(v *big.Int) *Buffer {
	return b.PutMPIntBytes(v.Bytes())
}

// PutMPIntBytes appends an unsigned big-endian magnitude as an mpint.
func (b *Buffer) PutMPIntBytes(mag []byte) *Buffer {
	for len(mag) > 0 && mag[0] == 0 {
		mag = mag[1:]
	}
	if len(mag) == 0 {
		return b.PutUint32(0)
	}
	if mag[0]&0x80 != 0 {
		b.PutUint32(uint32(len(mag) + 1))
		b.PutByte(0)
		return b.PutRaw(mag)
	}
	return b.PutBytes(mag)
}

// PutNameList appends a comma-separated name-list.
func (b *Buffer) PutNameList(names []string) *Buffer {
	return b.PutString(strings.Join(names, ","))
}

// PutBuffer appends the readable region of another buffer.
func (b *Buffer) PutBuffer(other *Buffer) *Buffer {
	return b.PutRaw(other.Bytes())
}

// GetByte reads a single byte.
func (b *Buffer) GetByte() (byte, error) {
	off, err := b.consume(1)
	if err != nil {
		return 0, err
	}
	return b.data[off], nil
}

// GetBool reads a boolean.
func (b *Buffer) GetBool() (bool, error) {
	v, err := b.GetByte()
	return v != 0, err
}

// GetUint32 reads a big-endian uint32.
func (b *Buffer) GetUint32() (uint32, error) {
	off, err := b.consume(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b.data[off:]), nil
}

// GetUint64 reads a big-endian uint64.
func (b *Buffer) GetUint64() (uint64, error) {
	off, err := b.consume(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b.data[off:]), nil
}

// GetRaw reads n bytes without a length prefix.
func (b *Buffer) GetRaw(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("sshbuf: negative length %d", n)
	}
	off, err := b.consume(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.data[off:])
	return out, nil
}

// GetBytes reads a uint32 length-prefixed byte string.
func (b *Buffer) GetBytes() ([]byte, error) {
	n, err := b.GetUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > b.Available() {
		return nil, ErrUnderflow
	}
	return b.GetRaw(int(n))
}

// GetString reads a uint32 length-prefixed string.
func (b *Buffer) GetString() (string, error) {
	p, err := b.GetBytes()
	return string(p), err
}

// GetMPInt reads an mpint as a non-negative big integer.
func (b *Buffer) GetMPInt() (*big.Int, error) {
	p, err := b.GetBytes()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(p), nil
}

// GetNameList reads a comma-separated name-list.
func (b *Buffer) GetNameList() ([]string, error) {
	s, err := b.GetString()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}
