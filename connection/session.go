package connection

import (
	"fmt"
	"log"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// extendedDataStderr is the only extended data type code defined by RFC 4254
// §5.2.
const extendedDataStderr = 1

// Session is a "session" channel: remote command execution or an interactive
// shell, with a separate stderr stream and exit-status collection.
type Session struct {
	*Channel

	stderr *InputStream
	exit   *future.Future[ExitStatus]
}

// ExitStatus is how the remote process ended: a numeric status, or a signal
// when Signal is non-empty.
type ExitStatus struct {
	Status     uint32
	Signal     string
	CoreDumped bool
	Message    string
}

// NewSession opens a session channel, blocking until the server confirms.
func NewSession(conn *Service) (*Session, error) {
	s := &Session{
		stderr: newInputStream(),
		exit:   future.New[ExitStatus]("session exit status"),
	}
	ch := newChannel(conn, "session", s)
	s.Channel = ch
	conn.register(ch)
	if err := ch.openDirect(nil); err != nil {
		conn.forget(ch)
		return nil, err
	}
	return s, nil
}

// Stderr returns the extended-data (stderr) stream.
func (s *Session) Stderr() *InputStream { return s.stderr }

// Exec requests execution of a command.
func (s *Session) Exec(command string) error {
	payload := sshbuf.New()
	payload.PutString(command)
	return s.requestAndWait("exec", payload.Bytes())
}

// Shell requests the user's default shell.
func (s *Session) Shell() error {
	return s.requestAndWait("shell", nil)
}

// Subsystem requests a named subsystem such as "sftp".
func (s *Session) Subsystem(name string) error {
	payload := sshbuf.New()
	payload.PutString(name)
	return s.requestAndWait("subsystem", payload.Bytes())
}

// RequestPTY asks for a pseudo-terminal. modes is an encoded terminal mode
// string per RFC 4254 §8; empty means no modes.
func (s *Session) RequestPTY(term string, cols, rows, width, height uint32, modes []byte) error {
	payload := sshbuf.New()
	payload.PutString(term)
	payload.PutUint32(cols)
	payload.PutUint32(rows)
	payload.PutUint32(width)
	payload.PutUint32(height)
	payload.PutBytes(modes)
	return s.requestAndWait("pty-req", payload.Bytes())
}

// Setenv passes an environment variable. Servers commonly refuse variables
// outside their accept list; that refusal surfaces as ErrRequestFailed.
func (s *Session) Setenv(name, value string) error {
	payload := sshbuf.New()
	payload.PutString(name)
	payload.PutString(value)
	return s.requestAndWait("env", payload.Bytes())
}

// Signal delivers a signal (by name, without the "SIG" prefix) to the remote
// process. No reply is defined for this request.
func (s *Session) Signal(name string) error {
	payload := sshbuf.New()
	payload.PutString(name)
	_, err := s.SendRequest("signal", false, payload.Bytes())
	return err
}

// WindowChange reports new terminal dimensions.
func (s *Session) WindowChange(cols, rows uint32) error {
	payload := sshbuf.New()
	payload.PutUint32(cols)
	payload.PutUint32(rows)
	payload.PutUint32(0)
	payload.PutUint32(0)
	_, err := s.SendRequest("window-change", false, payload.Bytes())
	return err
}

// WaitExitStatus blocks until the server reports how the remote process
// ended.
func (s *Session) WaitExitStatus() (ExitStatus, error) {
	return s.exit.Get(s.conn.Timeout)
}

func (s *Session) requestAndWait(reqType string, payload []byte) error {
	ev, err := s.SendRequest(reqType, true, payload)
	if err != nil {
		return err
	}
	if _, err := ev.Get(s.conn.Timeout); err != nil {
		return err
	}
	return nil
}

// handleRequest collects exit notifications; everything else is refused.
func (s *Session) handleRequest(c *Channel, reqType string, wantReply bool, buf *sshbuf.Buffer) error {
	switch reqType {
	case "exit-status":
		status, err := buf.GetUint32()
		if err != nil {
			return c.protocolError("malformed exit-status")
		}
		s.exit.Set(ExitStatus{Status: status})

	case "exit-signal":
		name, err := buf.GetString()
		if err != nil {
			return c.protocolError("malformed exit-signal")
		}
		core, _ := buf.GetBool()
		msg, _ := buf.GetString()
		s.exit.Set(ExitStatus{Signal: name, CoreDumped: core, Message: msg})

	default:
		log.Printf("chan#%d: rejecting session request %q", c.id, reqType)
		if wantReply {
			return c.sendReply(sshmsg.ChannelFailure)
		}
	}
	return nil
}

// handleExtendedData routes stderr into its own stream.
func (s *Session) handleExtendedData(c *Channel, code uint32, data []byte) error {
	if code != extendedDataStderr {
		return c.protocolError(fmt.Sprintf("unsupported extended data type %d", code))
	}
	s.stderr.receive(data)
	return nil
}
