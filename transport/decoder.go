package transport

import (
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshmac"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// maxPacketLen bounds the declared packet_length field (256 KiB).
const maxPacketLen = 256 * 1024

type decodeState int

const (
	needHeader decodeState = iota
	needBody
)

// decoder reassembles and decrypts inbound packets from the raw byte stream.
// It is driven only from the read pump, so it needs no locking; inbound
// algorithm switches happen between packets on the same goroutine.
type decoder struct {
	cipher sshcipher.Cipher
	mac    sshmac.MAC
	comp   sshcomp.Compression

	blockSize int
	macLen    int
	seq       uint32
	authed    bool

	state     decodeState
	data      []byte
	start     int // offset of the current packet's first byte
	packetLen int // declared packet_length of the packet being assembled
}

func newDecoder() *decoder {
	return &decoder{
		cipher:    sshcipher.None(),
		blockSize: minBlockSize,
	}
}

// setAlgorithms installs a freshly keyed inbound algorithm set. Called from
// the read pump between packets.
func (d *decoder) setAlgorithms(cipher sshcipher.Cipher, mac sshmac.MAC, comp sshcomp.Compression) {
	d.cipher = cipher
	d.mac = mac
	d.comp = comp
	d.blockSize = cipher.BlockSize()
	if d.blockSize < minBlockSize {
		d.blockSize = minBlockSize
	}
	d.macLen = 0
	if mac != nil {
		d.macLen = mac.BlockSize()
	}
}

func (d *decoder) setAuthenticated() {
	d.authed = true
}

func (d *decoder) buffered() int {
	return len(d.data) - d.start
}

// feed appends raw socket bytes and emits every complete packet's payload.
// Any error is fatal for the transport.
func (d *decoder) feed(p []byte, emit func(payload *sshbuf.Buffer) error) error {
	d.data = append(d.data, p...)

	for {
		switch d.state {
		case needHeader:
			if d.buffered() < d.blockSize {
				return d.compact()
			}
			// Decrypt exactly one block to expose the length field.
			if err := d.cipher.Update(d.data, d.start, d.blockSize); err != nil {
				return chain(err)
			}
			d.packetLen = int(uint32(d.data[d.start])<<24 | uint32(d.data[d.start+1])<<16 |
				uint32(d.data[d.start+2])<<8 | uint32(d.data[d.start+3]))
			if d.packetLen < 5 || d.packetLen > maxPacketLen {
				return protocolError("bad packet length %d", d.packetLen)
			}
			if (d.packetLen+4)%d.blockSize != 0 {
				return protocolError("packet length %d not aligned to cipher block size %d",
					d.packetLen, d.blockSize)
			}
			d.state = needBody

		case needBody:
			total := 4 + d.packetLen + d.macLen
			if d.buffered() < total {
				return d.compact()
			}

			// Decrypt the remainder of the ciphertext (the first block was
			// handled in the header state).
			if rest := 4 + d.packetLen - d.blockSize; rest > 0 {
				if err := d.cipher.Update(d.data, d.start+d.blockSize, rest); err != nil {
					return chain(err)
				}
			}

			if d.mac != nil {
				d.mac.UpdateUint32(d.seq)
				d.mac.Update(d.data[d.start : d.start+4+d.packetLen])
				expected := d.mac.Sum()
				got := d.data[d.start+4+d.packetLen : d.start+total]
				if !sshmac.Equal(expected, got) {
					return &Error{
						Kind:   KindMACMismatch,
						Reason: sshmsg.DisconnectMACError,
						Msg:    "MAC verification failed",
					}
				}
			}

			padLen := int(d.data[d.start+4])
			payloadLen := d.packetLen - padLen - 1
			if payloadLen < 0 {
				return protocolError("bad padding length %d", padLen)
			}

			payload := make([]byte, payloadLen)
			copy(payload, d.data[d.start+5:d.start+5+payloadLen])

			buf := sshbuf.Wrap(payload)
			if d.comp != nil && (d.authed || !d.comp.Delayed()) {
				out := sshbuf.NewSize(payloadLen * 2)
				if err := d.comp.Decompress(buf, out); err != nil {
					return &Error{
						Kind:   KindProtocol,
						Reason: sshmsg.DisconnectCompressionError,
						Msg:    "decompression failed",
						Err:    err,
					}
				}
				buf = out
			}

			d.seq++
			d.start += total
			d.state = needHeader

			if err := emit(buf); err != nil {
				return err
			}
		}
	}
}

// compact reclaims consumed prefix space once it grows past a threshold.
func (d *decoder) compact() error {
	const threshold = 64 * 1024
	if d.start > threshold {
		n := copy(d.data, d.data[d.start:])
		d.data = d.data[:n]
		d.start = 0
	}
	return nil
}
