// Package connection implements the ssh-connection service (RFC 4254):
// channel multiplexing with window-based flow control, channel requests, and
// global requests.
package connection

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/transport"
)

// ServiceName is the name requested from the server.
const ServiceName = "ssh-connection"

// Default per-channel flow control parameters.
const (
	DefaultWindowSize    = 2 * 1024 * 1024
	DefaultMaxPacketSize = 32 * 1024
)

// Transport is the slice of the transport layer the connection service
// consumes. *transport.Transport satisfies it. WriteDeferred is for packets
// sent from inside Handle, which runs on the transport's read pump: a direct
// Write there can park on an ongoing key exchange that only the read pump
// can finish.
type Transport interface {
	Write(buf *sshbuf.Buffer) (uint32, error)
	WriteDeferred(buf *sshbuf.Buffer)
	Config() *transport.Config
}

// ForwardedChannelOpener accepts or rejects channels the server opens toward
// the client. Implementations must call Confirm or Reject on the channel.
type ForwardedChannelOpener interface {
	// ChannelType returns the channel type this opener serves.
	ChannelType() string
	// HandleOpen completes the open handshake. buf holds the type-specific
	// portion of the CHANNEL_OPEN packet.
	HandleOpen(ch *Channel, buf *sshbuf.Buffer) error
}

// Service owns the channel table and routes connection-layer packets.
type Service struct {
	trans Transport

	// WindowSize and MaxPacketSize are advertised for every new local
	// window.
	WindowSize    uint32
	MaxPacketSize uint32

	// Timeout bounds waits on opens, closes and request replies.
	Timeout time.Duration

	mu       sync.Mutex
	channels map[uint32]*Channel
	openers  map[string]ForwardedChannelOpener
	greqs    []*future.Future[*sshbuf.Buffer] // FIFO of global request replies
}

// NewService returns a connection service bound to the transport.
func NewService(trans Transport) *Service {
	return &Service{
		trans:         trans,
		WindowSize:    DefaultWindowSize,
		MaxPacketSize: DefaultMaxPacketSize,
		Timeout:       trans.Config().Timeout,
		channels:      make(map[uint32]*Channel),
		openers:       make(map[string]ForwardedChannelOpener),
	}
}

// Name returns "ssh-connection".
func (s *Service) Name() string { return ServiceName }

// Transport returns the underlying transport.
func (s *Service) Transport() Transport { return s.trans }

// Attach registers a forwarded-channel opener for its channel type.
func (s *Service) Attach(o ForwardedChannelOpener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openers[o.ChannelType()] = o
}

// register inserts ch into the table under the smallest free channel number.
func (s *Service) register(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id uint32
	for {
		if _, taken := s.channels[id]; !taken {
			break
		}
		id++
	}
	ch.id = id
	s.channels[id] = ch
}

// forget removes ch from the table.
func (s *Service) forget(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, ch.id)
}

func (s *Service) lookup(id uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// Handle routes one connection-layer packet from the read pump.
func (s *Service) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	switch msg {
	case sshmsg.GlobalRequest:
		return s.gotGlobalRequest(buf)

	case sshmsg.RequestSuccess, sshmsg.RequestFailure:
		return s.gotGlobalReply(msg, buf)

	case sshmsg.ChannelOpen:
		return s.gotChannelOpen(buf)

	default:
		if !msg.InRange(sshmsg.ChannelOpenConfirmation, sshmsg.ChannelFailure) {
			return &transport.Error{
				Kind:   transport.KindUnexpectedMessage,
				Reason: sshmsg.DisconnectProtocolError,
				Msg:    fmt.Sprintf("connection service got %v", msg),
			}
		}
		id, err := buf.GetUint32()
		if err != nil {
			return &transport.Error{
				Kind:   transport.KindProtocol,
				Reason: sshmsg.DisconnectProtocolError,
				Msg:    "channel message without channel number",
			}
		}
		ch := s.lookup(id)
		if ch == nil {
			return &transport.Error{
				Kind:   transport.KindProtocol,
				Reason: sshmsg.DisconnectProtocolError,
				Msg:    fmt.Sprintf("%v for unknown channel %d", msg, id),
			}
		}
		return ch.handle(msg, buf)
	}
}

// gotChannelOpen builds a forwarded channel and hands it to the registered
// opener, or rejects the open.
func (s *Service) gotChannelOpen(buf *sshbuf.Buffer) error {
	ctype, err := buf.GetString()
	if err != nil {
		return s.protocolError("malformed CHANNEL_OPEN")
	}
	sender, err := buf.GetUint32()
	if err != nil {
		return s.protocolError("malformed CHANNEL_OPEN")
	}
	winSize, err := buf.GetUint32()
	if err != nil {
		return s.protocolError("malformed CHANNEL_OPEN")
	}
	maxPacket, err := buf.GetUint32()
	if err != nil {
		return s.protocolError("malformed CHANNEL_OPEN")
	}

	s.mu.Lock()
	opener := s.openers[ctype]
	s.mu.Unlock()

	if opener == nil {
		log.Printf("ConnectionService: no opener for channel type %q", ctype)
		reply := sshbuf.NewPacket(byte(sshmsg.ChannelOpenFailure))
		reply.PutUint32(sender)
		reply.PutUint32(sshmsg.OpenUnknownChannelType)
		reply.PutString("unknown channel type: " + ctype)
		reply.PutString("")
		s.trans.WriteDeferred(reply)
		return nil
	}

	ch := newChannel(s, ctype, baseKind{})
	ch.initRemote(sender, winSize, maxPacket)
	s.register(ch)
	log.Printf("ConnectionService: forwarded channel open: type=%q id=%d sender=%d", ctype, ch.id, sender)
	return opener.HandleOpen(ch, buf)
}

// SendGlobalRequest sends a global request. With wantReply the returned
// future completes with the REQUEST_SUCCESS payload, or fails with
// ErrRequestFailed.
func (s *Service) SendGlobalRequest(name string, wantReply bool, payload []byte) (*future.Future[*sshbuf.Buffer], error) {
	buf := sshbuf.NewPacket(byte(sshmsg.GlobalRequest))
	buf.PutString(name)
	buf.PutBool(wantReply)
	if len(payload) > 0 {
		buf.PutRaw(payload)
	}

	var f *future.Future[*sshbuf.Buffer]
	s.mu.Lock()
	if wantReply {
		f = future.New[*sshbuf.Buffer]("global request " + name)
		s.greqs = append(s.greqs, f)
	}
	s.mu.Unlock()

	if _, err := s.trans.Write(buf); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) gotGlobalReply(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	s.mu.Lock()
	var f *future.Future[*sshbuf.Buffer]
	if len(s.greqs) > 0 {
		f = s.greqs[0]
		s.greqs = s.greqs[1:]
	}
	s.mu.Unlock()

	if f == nil {
		return s.protocolError("global request reply when none was outstanding")
	}
	if msg == sshmsg.RequestSuccess {
		f.Set(buf)
	} else {
		f.Error(ErrRequestFailed)
	}
	return nil
}

// gotGlobalRequest handles server-initiated global requests. None are
// supported; want-reply requests are answered with REQUEST_FAILURE.
func (s *Service) gotGlobalRequest(buf *sshbuf.Buffer) error {
	name, err := buf.GetString()
	if err != nil {
		return s.protocolError("malformed GLOBAL_REQUEST")
	}
	wantReply, err := buf.GetBool()
	if err != nil {
		return s.protocolError("malformed GLOBAL_REQUEST")
	}
	log.Printf("ConnectionService: global request %q (want-reply=%v)", name, wantReply)
	if wantReply {
		s.trans.WriteDeferred(sshbuf.NewPacket(byte(sshmsg.RequestFailure)))
	}
	return nil
}

// NotifyUnimplemented logs the peer's complaint; connection-layer packets we
// send are all standard.
func (s *Service) NotifyUnimplemented(seq uint32) error {
	log.Printf("ConnectionService: peer did not implement our packet #%d", seq)
	return nil
}

// NotifyError fans a fatal transport error out to every channel and pending
// global request.
func (s *Service) NotifyError(err error) {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	greqs := s.greqs
	s.greqs = nil
	s.mu.Unlock()

	for _, ch := range channels {
		ch.notifyError(err)
	}
	for _, f := range greqs {
		f.Error(err)
	}
}

func (s *Service) protocolError(msg string) error {
	return &transport.Error{
		Kind:   transport.KindProtocol,
		Reason: sshmsg.DisconnectProtocolError,
		Msg:    "connection service: " + msg,
	}
}
