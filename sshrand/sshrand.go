// Package sshrand defines the pseudo-random number source consumed by the
// transport for padding and key-exchange secrets. The provider is an explicit
// handle threaded through configuration rather than a process-wide singleton.
package sshrand

import (
	"crypto/rand"
	"fmt"
)

// Random fills byte slices with random data.
type Random interface {
	// Fill overwrites p with random bytes.
	Fill(p []byte)
}

// Factory names a Random constructor.
type Factory struct {
	Name string
	New  func() Random
}

// CryptoRandom sources randomness from crypto/rand.
type CryptoRandom struct{}

// NewCryptoRandom returns the crypto/rand backed provider.
func NewCryptoRandom() Random {
	return CryptoRandom{}
}

// Fill overwrites p with bytes from the operating system CSPRNG.
func (CryptoRandom) Fill(p []byte) {
	if _, err := rand.Read(p); err != nil {
		// crypto/rand never fails on supported platforms; if it does, no
		// secure operation can proceed.
		panic(fmt.Sprintf("sshrand: crypto/rand failed: %v", err))
	}
}
