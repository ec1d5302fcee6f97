package sshbuf

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionsInvariant(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.RPos())
	assert.Equal(t, 0, b.WPos())

	b.PutUint32(42)
	assert.Equal(t, 4, b.WPos())
	assert.Equal(t, 4, b.Available())

	v, err := b.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	assert.Equal(t, 0, b.Available())
}

func TestTypedRoundTrip(t *testing.T) {
	b := New()
	b.PutByte(0x7f)
	b.PutBool(true)
	b.PutBool(false)
	b.PutUint32(0xdeadbeef)
	b.PutUint64(1 << 40)
	b.PutString("hello")
	b.PutBytes([]byte{1, 2, 3})

	v8, err := b.GetByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), v8)

	bt, err := b.GetBool()
	require.NoError(t, err)
	assert.True(t, bt)
	bf, err := b.GetBool()
	require.NoError(t, err)
	assert.False(t, bf)

	v32, err := b.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	v64, err := b.GetUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v64)

	s, err := b.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	p, err := b.GetBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p)
}

func TestMPIntEncoding(t *testing.T) {
	// High-bit magnitudes get a leading zero byte; zero encodes as an empty
	// string (RFC 4251 §5).
	tests := []struct {
		value *big.Int
		wire  []byte
	}{
		{big.NewInt(0), []byte{0, 0, 0, 0}},
		{big.NewInt(0x7f), []byte{0, 0, 0, 1, 0x7f}},
		{big.NewInt(0x80), []byte{0, 0, 0, 2, 0x00, 0x80}},
		{big.NewInt(0x9a378f9b2e332a7), []byte{0, 0, 0, 8, 0x09, 0xa3, 0x78, 0xf9, 0xb2, 0xe3, 0x32, 0xa7}},
	}
	for _, tt := range tests {
		b := New()
		b.PutMPInt(tt.value)
		assert.Equal(t, tt.wire, b.CompactData(), "mpint %v", tt.value)

		back, err := b.GetMPInt()
		require.NoError(t, err)
		assert.Zero(t, tt.value.Cmp(back))
	}
}

func TestNameList(t *testing.T) {
	b := New()
	b.PutNameList([]string{"aes128-cbc", "3des-cbc"})
	got, err := b.GetNameList()
	require.NoError(t, err)
	assert.Equal(t, []string{"aes128-cbc", "3des-cbc"}, got)

	b2 := New()
	b2.PutNameList(nil)
	got, err = b2.GetNameList()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUnderflow(t *testing.T) {
	b := Wrap([]byte{1, 2})
	_, err := b.GetUint32()
	assert.ErrorIs(t, err, ErrUnderflow)

	// A declared length larger than the remaining bytes must not be
	// trusted.
	b2 := Wrap([]byte{0xff, 0xff, 0xff, 0xff, 1})
	_, err = b2.GetBytes()
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestNewPacketReservesHeaderSpace(t *testing.T) {
	b := NewPacket(20)
	assert.Equal(t, HeaderSpace, b.RPos())
	assert.Equal(t, 1, b.Available())
	assert.Equal(t, byte(20), b.Bytes()[0])
}

func TestGrowth(t *testing.T) {
	b := NewSize(4)
	big := make([]byte, 10000)
	b.PutRaw(big)
	assert.Equal(t, 10000, b.Available())
}
