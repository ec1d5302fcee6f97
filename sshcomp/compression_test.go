package sshcomp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpat37/commons-net-ssh/sshbuf"
)

func payloadBuffer(data []byte) *sshbuf.Buffer {
	b := sshbuf.NewSize(len(data) + sshbuf.HeaderSpace)
	b.SetRPos(sshbuf.HeaderSpace)
	b.SetWPos(sshbuf.HeaderSpace)
	b.PutRaw(data)
	return b
}

func TestRoundTripSinglePacket(t *testing.T) {
	comp := newZlib(false)
	decomp := newZlib(false)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	buf := payloadBuffer(payload)
	require.NoError(t, comp.Compress(buf))

	out := sshbuf.New()
	require.NoError(t, decomp.Decompress(sshbuf.Wrap(buf.CompactData()), out))
	assert.Equal(t, payload, out.CompactData())
}

func TestStreamSpansPackets(t *testing.T) {
	// The dictionary must carry over: later packets referencing earlier
	// content stay decodable, and typically shrink.
	comp := newZlib(false)
	decomp := newZlib(false)

	packets := [][]byte{
		[]byte(strings.Repeat("abcdefgh", 64)),
		[]byte(strings.Repeat("abcdefgh", 64)), // same content, should compress via back-references
		[]byte("tail packet with fresh content 1234567890"),
	}
	var sizes []int
	for _, p := range packets {
		buf := payloadBuffer(p)
		require.NoError(t, comp.Compress(buf))
		wire := buf.CompactData()
		sizes = append(sizes, len(wire))

		out := sshbuf.New()
		require.NoError(t, decomp.Decompress(sshbuf.Wrap(wire), out))
		assert.Equal(t, p, out.CompactData())
	}
	assert.Less(t, sizes[1], sizes[0], "repeat packet should use the carried dictionary")
}

func TestLargePatternedPayloadSurvives(t *testing.T) {
	comp := newZlib(true)
	decomp := newZlib(true)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i*7 + i>>3)
	}
	buf := payloadBuffer(payload)
	require.NoError(t, comp.Compress(buf))

	out := sshbuf.New()
	require.NoError(t, decomp.Decompress(sshbuf.Wrap(buf.CompactData()), out))
	assert.True(t, bytes.Equal(payload, out.CompactData()))
}

func TestDelayedFlag(t *testing.T) {
	assert.True(t, newZlib(true).Delayed())
	assert.False(t, newZlib(false).Delayed())
}

func TestFactoryNames(t *testing.T) {
	names := make([]string, 0)
	for _, f := range Factories() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"none", "zlib@openssh.com", "zlib"}, names)
	assert.Nil(t, Factories()[0].New, "none has no constructor")
}
