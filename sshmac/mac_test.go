package sshmac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestLengths(t *testing.T) {
	want := map[string]int{
		"hmac-sha1":    20,
		"hmac-sha1-96": 12,
		"hmac-md5":     16,
		"hmac-md5-96":  12,
	}
	for _, f := range Factories() {
		m := f.New()
		m.Init(make([]byte, m.KeySize()))
		m.UpdateUint32(0)
		m.Update([]byte("payload"))
		sum := m.Sum()
		assert.Len(t, sum, want[f.Name], f.Name)
		assert.Equal(t, want[f.Name], m.BlockSize(), f.Name)
	}
}

func TestTruncatedVariantsSharePrefix(t *testing.T) {
	full := Factories()[0].New() // hmac-sha1
	trunc := Factories()[1].New() // hmac-sha1-96

	key := []byte("0123456789abcdefghij")
	full.Init(key)
	trunc.Init(key)

	for _, m := range []MAC{full, trunc} {
		m.UpdateUint32(7)
		m.Update([]byte("the packet"))
	}
	assert.Equal(t, full.Sum()[:12], trunc.Sum())
}

func TestSumResetsState(t *testing.T) {
	m := Factories()[0].New()
	m.Init(make([]byte, m.KeySize()))

	m.UpdateUint32(1)
	m.Update([]byte("abc"))
	first := m.Sum()

	m.UpdateUint32(1)
	m.Update([]byte("abc"))
	second := m.Sum()
	require.Equal(t, first, second)
}

func TestDifferentSequenceDifferentDigest(t *testing.T) {
	m := Factories()[0].New()
	m.Init(make([]byte, m.KeySize()))

	m.UpdateUint32(1)
	m.Update([]byte("abc"))
	a := m.Sum()

	m.UpdateUint32(2)
	m.Update([]byte("abc"))
	b := m.Sum()
	assert.False(t, Equal(a, b))
}
