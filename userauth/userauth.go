// Package userauth implements the ssh-userauth service (RFC 4252) for the
// client role: the method loop plus the password, publickey,
// keyboard-interactive and none methods.
package userauth

import (
	"fmt"
	"log"
	"sync"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/transport"
)

// ServiceName is the name requested from the server.
const ServiceName = "ssh-userauth"

// Transport is the slice of the transport layer the userauth service
// consumes. *transport.Transport satisfies it. WriteDeferred is for replies
// sent from inside Handle, which runs on the transport's read pump and must
// never park on an ongoing key exchange.
type Transport interface {
	Write(buf *sshbuf.Buffer) (uint32, error)
	WriteDeferred(buf *sshbuf.Buffer)
	SetService(s transport.Service) error
	ReplaceService(s transport.Service)
	SetAuthenticated()
	SessionID() []byte
	Config() *transport.Config
}

// Params is the context a method needs to build its requests.
type Params struct {
	Username    string
	NextService string
	Transport   Transport
}

// Method is one authentication method strategy. Request sends the initial
// USERAUTH_REQUEST; Handle consumes the method-specific replies in the code
// 60 range.
type Method interface {
	Name() string
	Request(p *Params) error
	Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error
}

// outcome is the result of one authentication attempt.
type outcome struct {
	success bool
	allowed []string
	partial bool
}

// Service drives authentication attempts against the server's advertised
// method list.
type Service struct {
	trans Transport

	mu     sync.Mutex
	active Method
	params *Params
	next   transport.Service
	banner string

	result *future.Future[outcome]
}

// NewService returns a userauth service bound to the transport.
func NewService(trans Transport) *Service {
	return &Service{
		trans:  trans,
		result: future.New[outcome]("userauth attempt"),
	}
}

// Name returns "ssh-userauth".
func (s *Service) Name() string { return ServiceName }

// Banner returns the authentication banner the server sent, if any.
func (s *Service) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// Authenticate requests the userauth service and tries the given methods
// until one succeeds. The method list is filtered against the server's
// advertised methods after the initial "none" probe. On success the next
// service becomes the transport's active service.
func (s *Service) Authenticate(username string, next transport.Service, methods ...Method) error {
	s.mu.Lock()
	s.params = &Params{Username: username, NextService: next.Name(), Transport: s.trans}
	s.next = next
	s.mu.Unlock()

	if err := s.trans.SetService(s); err != nil {
		return err
	}

	// Lead with "none" to learn the allowed methods (and to win immediately
	// against servers that require no authentication).
	res, err := s.attempt(noneMethod{})
	if err != nil {
		return err
	}
	if res.success {
		return nil
	}
	allowed := res.allowed
	partialSeen := false

	for _, m := range methods {
		if !contains(allowed, m.Name()) {
			log.Printf("UserAuth: skipping method %q, not in server's allowed list %v", m.Name(), allowed)
			continue
		}
		log.Printf("UserAuth: trying method %q", m.Name())
		res, err = s.attempt(m)
		if err != nil {
			var me *MethodError
			if asMethodError(err, &me) {
				log.Printf("UserAuth: method %q failed: %v", m.Name(), me)
				continue
			}
			return err
		}
		if res.success {
			return nil
		}
		if res.partial {
			log.Printf("UserAuth: method %q partially succeeded, need more from %v", m.Name(), res.allowed)
			partialSeen = true
		}
		allowed = res.allowed
	}

	if partialSeen {
		return &PartialSuccessError{Remaining: allowed}
	}
	return ErrExhausted
}

func (s *Service) attempt(m Method) (outcome, error) {
	s.mu.Lock()
	s.active = m
	s.result.Clear()
	params := s.params
	s.mu.Unlock()

	if err := m.Request(params); err != nil {
		return outcome{}, err
	}
	res, err := s.result.Get(s.trans.Config().Timeout)
	if err != nil {
		return outcome{}, err
	}
	return res, nil
}

// Handle consumes userauth packets from the read pump.
func (s *Service) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	switch msg {
	case sshmsg.UserAuthBanner:
		text, err := buf.GetString()
		if err != nil {
			return fmt.Errorf("userauth: malformed banner: %w", err)
		}
		log.Printf("UserAuth: banner: %q", text)
		s.mu.Lock()
		s.banner = text
		s.mu.Unlock()

	case sshmsg.UserAuthSuccess:
		// Delayed compression and the service swap both take effect here, on
		// the read pump: the server may follow SUCCESS with connection
		// packets immediately, and those must find the next service active.
		log.Printf("UserAuth: authentication successful")
		s.trans.SetAuthenticated()
		s.mu.Lock()
		next := s.next
		s.mu.Unlock()
		if next != nil {
			s.trans.ReplaceService(next)
		}
		s.result.Set(outcome{success: true})

	case sshmsg.UserAuthFailure:
		allowed, err := buf.GetNameList()
		if err != nil {
			return fmt.Errorf("userauth: malformed failure packet: %w", err)
		}
		partial, err := buf.GetBool()
		if err != nil {
			return fmt.Errorf("userauth: malformed failure packet: %w", err)
		}
		s.result.Set(outcome{allowed: allowed, partial: partial})

	default:
		if !msg.InRange(sshmsg.UserAuth60, sshmsg.UserAuthInfoResponse) {
			return fmt.Errorf("userauth: unexpected message %v", msg)
		}
		s.mu.Lock()
		m := s.active
		s.mu.Unlock()
		if m == nil {
			return fmt.Errorf("userauth: method reply %v with no attempt in flight", msg)
		}
		if err := m.Handle(msg, buf); err != nil {
			var me *MethodError
			if asMethodError(err, &me) {
				s.result.Error(err)
				return nil
			}
			return err
		}
	}
	return nil
}

// NotifyUnimplemented treats an UNIMPLEMENTED reply to an auth request as a
// failed attempt.
func (s *Service) NotifyUnimplemented(seq uint32) error {
	s.result.Error(&MethodError{Msg: fmt.Sprintf("server did not recognize packet #%d", seq)})
	return nil
}

// NotifyError wakes any blocked Authenticate call with the fatal error.
func (s *Service) NotifyError(err error) {
	s.result.Error(err)
}

// newRequest builds the common prefix of every USERAUTH_REQUEST.
func newRequest(p *Params, method string) *sshbuf.Buffer {
	buf := sshbuf.NewPacket(byte(sshmsg.UserAuthRequest))
	buf.PutString(p.Username)
	buf.PutString(p.NextService)
	buf.PutString(method)
	return buf
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
