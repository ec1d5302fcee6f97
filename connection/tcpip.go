package connection

import (
	"fmt"
	"log"

	"github.com/dpat37/commons-net-ssh/sshbuf"
)

// OpenDirectTCPIP opens a "direct-tcpip" channel asking the server to
// connect to dstHost:dstPort on our behalf. The originator address names the
// local peer whose traffic is being forwarded.
func OpenDirectTCPIP(s *Service, dstHost string, dstPort uint32, origHost string, origPort uint32) (*Channel, error) {
	ch := newChannel(s, "direct-tcpip", nil)
	s.register(ch)

	extra := sshbuf.New()
	extra.PutString(dstHost)
	extra.PutUint32(dstPort)
	extra.PutString(origHost)
	extra.PutUint32(origPort)

	if err := ch.openDirect(extra.Bytes()); err != nil {
		s.forget(ch)
		return nil, err
	}
	log.Printf("ConnectionService: direct-tcpip channel %d open to %s:%d", ch.id, dstHost, dstPort)
	return ch, nil
}

// ForwardedTCPIPInfo describes an inbound forwarded-tcpip open: the address
// the server accepted the connection on, and the connecting peer.
type ForwardedTCPIPInfo struct {
	ConnectedHost string
	ConnectedPort uint32
	OriginHost    string
	OriginPort    uint32
}

// ForwardedTCPIPHandler completes the handshake for one forwarded
// connection. It must call Confirm or Reject on the channel, and it runs on
// its own goroutine so it may block.
type ForwardedTCPIPHandler func(ch *Channel, info ForwardedTCPIPInfo)

type forwardedTCPIPOpener struct {
	handler ForwardedTCPIPHandler
}

// HandleForwardedTCPIP registers the handler for "forwarded-tcpip" channel
// opens resulting from a remote forward.
func (s *Service) HandleForwardedTCPIP(h ForwardedTCPIPHandler) {
	s.Attach(&forwardedTCPIPOpener{handler: h})
}

func (o *forwardedTCPIPOpener) ChannelType() string { return "forwarded-tcpip" }

func (o *forwardedTCPIPOpener) HandleOpen(ch *Channel, buf *sshbuf.Buffer) error {
	var info ForwardedTCPIPInfo
	var err error
	if info.ConnectedHost, err = buf.GetString(); err != nil {
		return ch.protocolError("malformed forwarded-tcpip open")
	}
	if info.ConnectedPort, err = buf.GetUint32(); err != nil {
		return ch.protocolError("malformed forwarded-tcpip open")
	}
	if info.OriginHost, err = buf.GetString(); err != nil {
		return ch.protocolError("malformed forwarded-tcpip open")
	}
	if info.OriginPort, err = buf.GetUint32(); err != nil {
		return ch.protocolError("malformed forwarded-tcpip open")
	}

	// The handler may dial or prompt; keep the read pump moving.
	go o.handler(ch, info)
	return nil
}

// RequestRemoteForward asks the server to listen on bindAddr:port and open
// forwarded-tcpip channels back for each connection. When port is 0 the
// server picks one; the assigned port is returned.
func (s *Service) RequestRemoteForward(bindAddr string, port uint32) (uint32, error) {
	payload := sshbuf.New()
	payload.PutString(bindAddr)
	payload.PutUint32(port)

	f, err := s.SendGlobalRequest("tcpip-forward", true, payload.Bytes())
	if err != nil {
		return 0, err
	}
	reply, err := f.Get(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("connection: tcpip-forward refused: %w", err)
	}
	if port == 0 {
		assigned, err := reply.GetUint32()
		if err != nil {
			return 0, s.protocolError("tcpip-forward reply missing assigned port")
		}
		return assigned, nil
	}
	return port, nil
}

// CancelRemoteForward withdraws a remote forward previously established with
// RequestRemoteForward.
func (s *Service) CancelRemoteForward(bindAddr string, port uint32) error {
	payload := sshbuf.New()
	payload.PutString(bindAddr)
	payload.PutUint32(port)

	f, err := s.SendGlobalRequest("cancel-tcpip-forward", true, payload.Bytes())
	if err != nil {
		return err
	}
	if _, err := f.Get(s.Timeout); err != nil {
		return fmt.Errorf("connection: cancel-tcpip-forward refused: %w", err)
	}
	return nil
}
