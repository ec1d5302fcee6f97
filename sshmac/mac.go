// Package sshmac provides the message authentication codes negotiated by the
// SSH transport layer.
package sshmac

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash"
)

// MAC computes a keyed digest over sequence number and packet bytes.
type MAC interface {
	// BlockSize returns the length of the digest appended to each packet.
	BlockSize() int
	// KeySize returns the required key length in bytes.
	KeySize() int
	// Init keys the MAC. Extra key material beyond the required length is
	// ignored.
	Init(key []byte)
	// Update feeds packet bytes.
	Update(p []byte)
	// UpdateUint32 feeds a big-endian uint32, used for the sequence number.
	UpdateUint32(v uint32)
	// Sum returns the digest and resets the MAC for the next packet.
	Sum() []byte
}

// Factory names a MAC constructor.
type Factory struct {
	Name string
	New  func() MAC
}

// Factories returns the MAC suite in client preference order.
func Factories() []Factory {
	return []Factory{
		{"hmac-sha1", func() MAC { return newHMAC(sha1.New, 20, 20) }},
		{"hmac-sha1-96", func() MAC { return newHMAC(sha1.New, 20, 12) }},
		{"hmac-md5", func() MAC { return newHMAC(md5.New, 16, 16) }},
		{"hmac-md5-96", func() MAC { return newHMAC(md5.New, 16, 12) }},
	}
}

type hmacMAC struct {
	newHash func() hash.Hash
	keySize int
	outSize int
	mac     hash.Hash
}

func newHMAC(newHash func() hash.Hash, keySize, outSize int) MAC {
	return &hmacMAC{newHash: newHash, keySize: keySize, outSize: outSize}
}

func (m *hmacMAC) BlockSize() int { return m.outSize }
func (m *hmacMAC) KeySize() int   { return m.keySize }

func (m *hmacMAC) Init(key []byte) {
	if len(key) > m.keySize {
		key = key[:m.keySize]
	}
	m.mac = hmac.New(m.newHash, key)
}

func (m *hmacMAC) Update(p []byte) {
	m.mac.Write(p)
}

func (m *hmacMAC) UpdateUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	m.mac.Write(tmp[:])
}

func (m *hmacMAC) Sum() []byte {
	sum := m.mac.Sum(nil)
	m.mac.Reset()
	return sum[:m.outSize]
}

// Equal reports whether two digests match in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
