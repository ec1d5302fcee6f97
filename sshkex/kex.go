// Package sshkex implements the key-exchange methods run by the transport's
// key exchanger. Each method drives its own followup packets (message codes
// 30-49, whose meaning depends on the method) and yields the shared secret K,
// the exchange hash H, and the server host key.
package sshkex

import (
	"crypto/sha1"
	"hash"
	"math/big"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/sshrand"
)

// PacketWriter is the slice of the transport a key-exchange method needs to
// send its followup packets.
type PacketWriter interface {
	Write(buf *sshbuf.Buffer) (uint32, error)
}

// SignatureVerifier checks a host-key signature over the exchange hash.
type SignatureVerifier func(keyBlob []byte, algorithm string, sig, data []byte) error

// InitParams carries the negotiated context into a key-exchange method.
type InitParams struct {
	Writer     PacketWriter
	PRNG       sshrand.Random
	Verify     SignatureVerifier
	HostKeyAlg string

	// Identification strings and KEXINIT payloads, client and server.
	VC, VS []byte
	IC, IS []byte
}

// KeyExchange is one run of a key-exchange method.
type KeyExchange interface {
	// Init starts the exchange, sending the method's first packet.
	Init(p InitParams) error
	// Next consumes one followup packet; done reports completion.
	Next(msg sshmsg.Message, buf *sshbuf.Buffer) (done bool, err error)
	// HostKey returns the server host key blob (K_S).
	HostKey() []byte
	// H returns the exchange hash.
	H() []byte
	// K returns the shared secret.
	K() *big.Int
	// NewHash returns a fresh instance of the method's hash algorithm, used
	// for key derivation.
	NewHash() hash.Hash
}

// Factory names a key-exchange method constructor.
type Factory struct {
	Name string
	New  func() KeyExchange
}

// Factories returns the key-exchange methods in client preference order.
func Factories() []Factory {
	return []Factory{
		{"diffie-hellman-group14-sha1", func() KeyExchange { return newDHG(group14P()) }},
		{"diffie-hellman-group1-sha1", func() KeyExchange { return newDHG(group1P()) }},
	}
}

// sha1New exists so method implementations share one hash constructor.
func sha1New() hash.Hash { return sha1.New() }
