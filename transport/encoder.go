package transport

import (
	"log"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshmac"
	"github.com/dpat37/commons-net-ssh/sshrand"
)

// minBlockSize is the smallest unit the packet length must align to,
// regardless of cipher block size (RFC 4253 §6).
const minBlockSize = 8

// encoder frames payloads into the binary packet protocol under the current
// outbound algorithm set. All calls are serialized by the transport's write
// lock, which also guards algorithm switches.
type encoder struct {
	prng sshrand.Random

	cipher sshcipher.Cipher
	mac    sshmac.MAC
	comp   sshcomp.Compression

	blockSize int
	seq       uint32
	authed    bool
}

func newEncoder(prng sshrand.Random) *encoder {
	return &encoder{
		prng:      prng,
		cipher:    sshcipher.None(),
		blockSize: minBlockSize,
	}
}

// setAlgorithms installs a freshly keyed outbound algorithm set. Takes effect
// for the next packet encoded.
func (e *encoder) setAlgorithms(cipher sshcipher.Cipher, mac sshmac.MAC, comp sshcomp.Compression) {
	e.cipher = cipher
	e.mac = mac
	e.comp = comp
	e.blockSize = cipher.BlockSize()
	if e.blockSize < minBlockSize {
		e.blockSize = minBlockSize
	}
}

// setAuthenticated activates delayed compression.
func (e *encoder) setAuthenticated() {
	e.authed = true
}

// checkHeaderSpace guarantees the 5-byte headroom the framer writes into.
func (e *encoder) checkHeaderSpace(buf *sshbuf.Buffer) *sshbuf.Buffer {
	if buf.RPos() >= sshbuf.HeaderSpace {
		return buf
	}
	log.Printf("Encoder: payload buffer missing header space, copying")
	nb := sshbuf.NewSize(buf.Available() + sshbuf.HeaderSpace)
	nb.SetRPos(sshbuf.HeaderSpace)
	nb.SetWPos(sshbuf.HeaderSpace)
	nb.PutBuffer(buf)
	return nb
}

// encode frames, compresses, MACs and encrypts one packet in place, leaving
// buf's readable region as the bytes to put on the wire. It returns the
// sequence number of the encoded packet.
func (e *encoder) encode(buf *sshbuf.Buffer) (uint32, *sshbuf.Buffer, error) {
	buf = e.checkHeaderSpace(buf)

	if e.comp != nil && (e.authed || !e.comp.Delayed()) {
		if err := e.comp.Compress(buf); err != nil {
			return 0, buf, chain(err)
		}
	}

	payloadSize := buf.Available()

	padLen := -(payloadSize + sshbuf.HeaderSpace) & (e.blockSize - 1)
	if padLen < 4 {
		padLen += e.blockSize
	}

	start := buf.RPos() - sshbuf.HeaderSpace
	packetLen := payloadSize + 1 + padLen

	buf.SetWPos(start)
	buf.PutUint32(uint32(packetLen))
	buf.PutByte(byte(padLen))

	endOfPadding := start + 4 + packetLen
	buf.SetWPos(endOfPadding)
	e.prng.Fill(buf.Array()[endOfPadding-padLen : endOfPadding])

	seq := e.seq
	e.seq++ // wraps at 2^32 by uint32 arithmetic

	if e.mac != nil {
		e.mac.UpdateUint32(seq)
		e.mac.Update(buf.Array()[start:endOfPadding])
		buf.PutRaw(e.mac.Sum())
	}

	if err := e.cipher.Update(buf.Array(), start, 4+packetLen); err != nil {
		return 0, buf, chain(err)
	}

	buf.SetRPos(start)
	return seq, buf, nil
}
