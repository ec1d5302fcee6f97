// Package sshcipher provides the block ciphers negotiated by the SSH
// transport layer. All ciphers operate in place on full cipher blocks, as
// required by the binary packet protocol.
package sshcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// Mode selects the direction a cipher instance is initialized for.
type Mode int

const (
	Encrypt Mode = iota
	Decrypt
)

// Cipher encrypts or decrypts packet data in place.
type Cipher interface {
	// BlockSize returns the cipher block size in bytes.
	BlockSize() int
	// KeySize returns the required key length in bytes.
	KeySize() int
	// IVSize returns the required initialization vector length in bytes.
	IVSize() int
	// Init prepares the cipher with key material for the given mode.
	Init(mode Mode, key, iv []byte) error
	// Update transforms p[off:off+n] in place. n must be a multiple of the
	// block size.
	Update(p []byte, off, n int) error
}

// Factory names a cipher constructor.
type Factory struct {
	Name string
	New  func() Cipher
}

// Factories returns the cipher suite in client preference order.
func Factories() []Factory {
	return []Factory{
		{"aes128-cbc", func() Cipher { return newCBC(16, 16, newAES) }},
		{"aes192-cbc", func() Cipher { return newCBC(16, 24, newAES) }},
		{"aes256-cbc", func() Cipher { return newCBC(16, 32, newAES) }},
		{"blowfish-cbc", func() Cipher { return newCBC(8, 16, newBlowfish) }},
		{"3des-cbc", func() Cipher { return newCBC(8, 24, newTripleDES) }},
		{"none", func() Cipher { return noneCipher{} }},
	}
}

func newAES(key []byte) (cipher.Block, error) { return aes.NewCipher(key) }

func newTripleDES(key []byte) (cipher.Block, error) { return des.NewTripleDESCipher(key) }

func newBlowfish(key []byte) (cipher.Block, error) {
	return blowfish.NewCipher(key)
}

// cbcCipher wraps a block cipher in CBC mode.
type cbcCipher struct {
	blockSize int
	keySize   int
	newBlock  func(key []byte) (cipher.Block, error)
	mode      cipher.BlockMode
}

func newCBC(blockSize, keySize int, newBlock func([]byte) (cipher.Block, error)) Cipher {
	return &cbcCipher{blockSize: blockSize, keySize: keySize, newBlock: newBlock}
}

func (c *cbcCipher) BlockSize() int { return c.blockSize }
func (c *cbcCipher) KeySize() int   { return c.keySize }
func (c *cbcCipher) IVSize() int    { return c.blockSize }

func (c *cbcCipher) Init(mode Mode, key, iv []byte) error {
	if len(key) < c.keySize {
		return fmt.Errorf("sshcipher: key too short: %d < %d", len(key), c.keySize)
	}
	if len(iv) < c.blockSize {
		return fmt.Errorf("sshcipher: iv too short: %d < %d", len(iv), c.blockSize)
	}
	block, err := c.newBlock(key[:c.keySize])
	if err != nil {
		return err
	}
	if mode == Encrypt {
		c.mode = cipher.NewCBCEncrypter(block, iv[:c.blockSize])
	} else {
		c.mode = cipher.NewCBCDecrypter(block, iv[:c.blockSize])
	}
	return nil
}

func (c *cbcCipher) Update(p []byte, off, n int) error {
	if n%c.blockSize != 0 {
		return fmt.Errorf("sshcipher: update length %d not a multiple of block size %d", n, c.blockSize)
	}
	c.mode.CryptBlocks(p[off:off+n], p[off:off+n])
	return nil
}

// noneCipher is the identity transform used before NEWKEYS.
type noneCipher struct{}

func (noneCipher) BlockSize() int                  { return 8 }
func (noneCipher) KeySize() int                    { return 16 }
func (noneCipher) IVSize() int                     { return 8 }
func (noneCipher) Init(Mode, []byte, []byte) error { return nil }
func (noneCipher) Update([]byte, int, int) error   { return nil }

// None returns the identity cipher.
func None() Cipher { return noneCipher{} }
