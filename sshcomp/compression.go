// Package sshcomp implements the payload compression methods of the SSH
// transport layer: none, zlib, and the OpenSSH delayed zlib variant that
// activates only after user authentication.
//
// The zlib stream spans packets: each compressed packet is terminated with a
// sync flush so the peer can fully inflate it without waiting for more input,
// and the sliding-window dictionary carries over from packet to packet.
package sshcomp

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"

	"github.com/dpat37/commons-net-ssh/sshbuf"
)

// Compression transforms packet payloads in place.
type Compression interface {
	// Delayed reports whether the method activates only after userauth
	// (zlib@openssh.com).
	Delayed() bool
	// Compress replaces the readable region of buf with its compressed form.
	Compress(buf *sshbuf.Buffer) error
	// Decompress inflates the readable region of buf into out.
	Decompress(buf, out *sshbuf.Buffer) error
}

// Factory names a compression constructor.
type Factory struct {
	Name string
	New  func() Compression
}

// Factories returns the compression methods in client preference order.
func Factories() []Factory {
	return []Factory{
		{"none", nil},
		{"zlib@openssh.com", func() Compression { return newZlib(true) }},
		{"zlib", func() Compression { return newZlib(false) }},
	}
}

const dictSize = 32 * 1024 // deflate window

// zlibHeader is the CMF/FLG pair for deflate with a 32K window and default
// compression, emitted once at stream start.
var zlibHeader = []byte{0x78, 0x9c}

type zlibCompression struct {
	delayed bool

	deflater      *flate.Writer
	deflateBuf    bytes.Buffer
	headerWritten bool

	inflateDict []byte
	headerRead  bool
}

func newZlib(delayed bool) Compression {
	return &zlibCompression{delayed: delayed}
}

func (z *zlibCompression) Delayed() bool { return z.delayed }

func (z *zlibCompression) Compress(buf *sshbuf.Buffer) error {
	payload := buf.CompactData()

	z.deflateBuf.Reset()
	if !z.headerWritten {
		z.deflateBuf.Write(zlibHeader)
		z.headerWritten = true
	}
	// The deflater is created once and never reset: its sliding window must
	// carry over from packet to packet.
	if z.deflater == nil {
		w, err := flate.NewWriter(&z.deflateBuf, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("sshcomp: init deflater: %w", err)
		}
		z.deflater = w
	}
	if _, err := z.deflater.Write(payload); err != nil {
		return fmt.Errorf("sshcomp: deflate: %w", err)
	}
	// Sync flush terminates this packet's data on a block boundary so the
	// peer can inflate it immediately.
	if err := z.deflater.Flush(); err != nil {
		return fmt.Errorf("sshcomp: deflate flush: %w", err)
	}

	out := z.deflateBuf.Bytes()
	buf.SetWPos(buf.RPos())
	buf.PutRaw(out)
	return nil
}

func (z *zlibCompression) Decompress(buf, out *sshbuf.Buffer) error {
	data := buf.Bytes()
	if !z.headerRead {
		if len(data) < 2 {
			return errors.New("sshcomp: short zlib stream header")
		}
		if data[0]&0x0f != 0x08 {
			return fmt.Errorf("sshcomp: unsupported zlib compression method %#x", data[0])
		}
		if data[1]&0x20 != 0 {
			return errors.New("sshcomp: zlib preset dictionary not supported")
		}
		data = data[2:]
		z.headerRead = true
	}

	// Inflate this packet's segment with the carried-over dictionary. The
	// stream never ends, so the reader hits io.ErrUnexpectedEOF once the
	// segment's sync-flush boundary is consumed; everything produced up to
	// that point is the complete payload.
	fr := flate.NewReaderDict(bytes.NewReader(data), z.inflateDict)
	inflated, err := io.ReadAll(fr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("sshcomp: inflate: %w", err)
	}

	z.inflateDict = append(z.inflateDict, inflated...)
	if len(z.inflateDict) > dictSize {
		z.inflateDict = z.inflateDict[len(z.inflateDict)-dictSize:]
	}

	out.PutRaw(inflated)
	return nil
}
