package transport

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dpat37/commons-net-ssh/sshmsg"
)

const (
	maxIdentLine   = 255
	maxIdentPrefix = 16 * 1024
)

// writeIdentification sends the client identification line.
func writeIdentification(w io.Writer, clientID string) error {
	if _, err := w.Write([]byte(clientID + "\r\n")); err != nil {
		return chain(err)
	}
	return nil
}

// readIdentification scans the server's pre-identification text for the
// version line. Servers may send any number of other lines first; those are
// skipped as long as they fit in 16 KiB total. Only protocol version 2.0 is
// accepted.
func readIdentification(r *bufio.Reader) (string, error) {
	total := 0
	for {
		line := make([]byte, 0, 64)
		needLF := false
		for {
			b, err := r.ReadByte()
			if err != nil {
				return "", chain(err)
			}
			total++
			if b == '\r' {
				needLF = true
				continue
			}
			if b == '\n' {
				break
			}
			if needLF {
				return "", protocolError("identification line has bad line ending")
			}
			if len(line) >= maxIdentLine {
				return "", protocolError("identification line too long")
			}
			line = append(line, b)
		}

		id := string(line)
		if len(id) >= 4 && id[:4] == "SSH-" {
			if len(id) < 8 || id[:8] != "SSH-2.0-" {
				return "", &Error{
					Kind:   KindProtocol,
					Reason: sshmsg.DisconnectProtocolVersionUnsupported,
					Msg:    fmt.Sprintf("unsupported protocol version in %q", id),
				}
			}
			return id, nil
		}
		if total > maxIdentPrefix {
			return "", protocolError("no identification line within %d bytes", maxIdentPrefix)
		}
	}
}
