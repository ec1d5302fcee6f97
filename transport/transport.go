// Package transport implements the SSH transport layer (RFC 4253): version
// exchange, the binary packet protocol, key exchange and re-exchange, and
// packet dispatch to the active service.
//
// A Transport owns the socket and two goroutines: a read pump that drives the
// decoder and dispatches complete packets, and a write pump fed through a
// synchronous handoff so packets reach the wire in the exact order their
// encodes completed.
package transport

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshmac"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// Re-key thresholds per RFC 4253 §9: after 1 GiB of traffic or 1 hour,
// whichever comes first.
const (
	rekeyBytes    = 1 << 30
	rekeyInterval = time.Hour
)

const readBufferSize = 32 * 1024

// Service is an SSH sub-protocol multiplexed over the transport, e.g.
// ssh-userauth or ssh-connection.
type Service interface {
	// Name returns the service name used in SSH_MSG_SERVICE_REQUEST.
	Name() string
	// Handle consumes a packet routed to this service. The buffer's read
	// position is just past the message byte. Returned errors are fatal for
	// the transport.
	Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error
	// NotifyUnimplemented reports that the peer did not recognize the packet
	// we sent with the given sequence number.
	NotifyUnimplemented(seq uint32) error
	// NotifyError informs the service of a fatal transport error so it can
	// wake its own waiters.
	NotifyError(err error)
}

// Transport is the client side of an SSH connection's transport layer.
type Transport struct {
	config *Config

	conn   net.Conn
	reader *bufio.Reader

	clientID string
	serverID string

	enc   *encoder
	dec   *decoder
	kexer *keyExchanger

	// writeLock serializes packet encoding and outbound algorithm switches;
	// the synchronous handoff to the write pump happens under it so wire
	// order equals encode order.
	writeLock sync.Mutex
	outQ      chan []byte

	// Deferred writes: packets queued by handlers running on the read pump,
	// drained by their own goroutine so the read pump never parks on an
	// ongoing key exchange.
	deferredMu sync.Mutex
	deferredQ  []*sshbuf.Buffer
	deferredCh chan struct{}

	serviceMu     sync.Mutex
	service       Service
	serviceAccept *future.Event

	authed atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	dead     atomic.Bool
	errMu    sync.Mutex
	err      error
	pumps    sync.WaitGroup

	kexBytes atomic.Uint64
	kexTime  atomic.Int64 // unix nanos of last completed kex
}

// New returns a transport using the given configuration. Nil selects
// DefaultConfig.
func New(config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	t := &Transport{
		config:        config,
		enc:           newEncoder(config.PRNG),
		dec:           newDecoder(),
		outQ:          make(chan []byte),
		deferredCh:    make(chan struct{}, 1),
		stop:          make(chan struct{}),
		serviceAccept: future.NewEvent("service accept"),
	}
	t.kexer = newKeyExchanger(t)
	return t
}

// Connect performs the version exchange over conn, starts the I/O pumps, and
// blocks until the initial key exchange completes.
func (t *Transport) Connect(conn net.Conn) error {
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, readBufferSize)
	t.clientID = "SSH-2.0-" + t.config.Version

	log.Printf("Transport: client version string: %s", t.clientID)
	if err := writeIdentification(conn, t.clientID); err != nil {
		return err
	}
	serverID, err := readIdentification(t.reader)
	if err != nil {
		return err
	}
	t.serverID = serverID
	log.Printf("Transport: server version string: %s", t.serverID)

	t.pumps.Add(3)
	go t.readPump()
	go t.writePump()
	go t.deferredPump()

	if err := t.kexer.startKex(true); err != nil {
		return err
	}
	return nil
}

// ClientID returns the client identification string (without line ending).
func (t *Transport) ClientID() string { return t.clientID }

// ServerID returns the server identification string (without line ending).
func (t *Transport) ServerID() string { return t.serverID }

// RemoteAddr returns the server's network address.
func (t *Transport) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Config returns the transport's configuration.
func (t *Transport) Config() *Config { return t.config }

// SessionID returns the session identifier, H from the first key exchange.
func (t *Transport) SessionID() []byte { return t.kexer.SessionID() }

// AddHostKeyVerifier registers a host key verification callback, consulted
// on every key exchange after the server's signature has been checked.
func (t *Transport) AddHostKeyVerifier(v HostKeyVerifier) {
	t.kexer.addHostKeyVerifier(v)
}

// IsAuthenticated reports whether userauth has completed on this transport.
func (t *Transport) IsAuthenticated() bool { return t.authed.Load() }

// SetAuthenticated marks the transport authenticated and activates delayed
// compression in both directions. Called by the userauth service from the
// read pump.
func (t *Transport) SetAuthenticated() {
	t.authed.Store(true)
	t.writeLock.Lock()
	t.enc.setAuthenticated()
	t.writeLock.Unlock()
	t.dec.setAuthenticated()
}

// IsRunning reports whether the transport can still carry packets.
func (t *Transport) IsRunning() bool { return !t.dead.Load() }

// Err returns the fatal error that terminated the transport, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// allowedDuringKex reports whether msg may be sent while a key exchange is in
// progress. Everything else parks until NEWKEYS is installed.
func allowedDuringKex(msg sshmsg.Message) bool {
	switch msg {
	case sshmsg.Disconnect, sshmsg.Ignore, sshmsg.Unimplemented, sshmsg.Debug,
		sshmsg.KexInit, sshmsg.NewKeys:
		return true
	}
	return msg.IsKex()
}

// Write encodes the payload as one SSH packet and queues it for the wire,
// returning the packet's outbound sequence number. Non-kex packets block
// while a key exchange is in progress.
func (t *Transport) Write(buf *sshbuf.Buffer) (uint32, error) {
	seq, err := t.writePacket(buf)
	if err == nil {
		// The byte threshold covers traffic in both directions; a busy
		// sender with a quiet server must still re-key. Evaluated here,
		// after the write lock is released.
		t.maybeRekey()
	}
	return seq, err
}

// WriteDeferred queues the payload for the deferred writer and returns
// immediately. Packet handlers running on the read pump must use this for
// anything they send (window adjusts, request replies, closes): a direct
// Write would park on an ongoing key exchange that only the read pump itself
// can complete.
func (t *Transport) WriteDeferred(buf *sshbuf.Buffer) {
	t.deferredMu.Lock()
	t.deferredQ = append(t.deferredQ, buf)
	t.deferredMu.Unlock()
	select {
	case t.deferredCh <- struct{}{}:
	default:
	}
}

func (t *Transport) writePacket(buf *sshbuf.Buffer) (uint32, error) {
	if buf.Available() == 0 {
		return 0, protocolError("empty payload")
	}
	msg := sshmsg.Message(buf.Array()[buf.RPos()])

	for {
		if t.dead.Load() {
			return 0, t.stoppedErr()
		}
		t.writeLock.Lock()
		if t.kexer.isKexOngoing() && !allowedDuringKex(msg) {
			t.writeLock.Unlock()
			if err := t.kexer.waitForDone(); err != nil {
				return 0, err
			}
			continue
		}
		break
	}
	defer t.writeLock.Unlock()

	seq, out, err := t.enc.encode(buf)
	if err != nil {
		return 0, err
	}
	data := out.CompactData()
	t.kexBytes.Add(uint64(len(data)))

	select {
	case t.outQ <- data:
	case <-t.stop:
		return 0, t.stoppedErr()
	}
	return seq, nil
}

// SetService requests the named service from the server and, once accepted,
// makes it the active packet recipient.
func (t *Transport) SetService(s Service) error {
	// The service is installed before the request goes out: the server may
	// follow its SERVICE_ACCEPT with service packets immediately, and those
	// must find a recipient.
	t.serviceMu.Lock()
	t.serviceAccept.Clear()
	t.service = s
	t.serviceMu.Unlock()

	log.Printf("Transport: sending SSH_MSG_SERVICE_REQUEST for %s", s.Name())
	req := sshbuf.NewPacket(byte(sshmsg.ServiceRequest))
	req.PutString(s.Name())
	if _, err := t.Write(req); err != nil {
		return err
	}
	if _, err := t.serviceAccept.Get(t.config.Timeout); err != nil {
		return chain(err)
	}
	return nil
}

// ReplaceService swaps the active service without a service request. Used
// when USERAUTH_SUCCESS implicitly activates the connection service.
func (t *Transport) ReplaceService(s Service) {
	t.serviceMu.Lock()
	defer t.serviceMu.Unlock()
	log.Printf("Transport: active service is now %s", s.Name())
	t.service = s
}

func (t *Transport) activeService() Service {
	t.serviceMu.Lock()
	defer t.serviceMu.Unlock()
	return t.service
}

// StartRekey initiates a key re-exchange. Callers normally never need this;
// the transport re-keys automatically on the RFC thresholds.
func (t *Transport) StartRekey() error {
	return t.kexer.startKex(false)
}

// Disconnect sends SSH_MSG_DISCONNECT with the given reason and terminates
// the transport. Safe to call from any state.
func (t *Transport) Disconnect(reason sshmsg.DisconnectReason, msg string) {
	if t.dead.Load() {
		return
	}
	if t.conn == nil {
		// Never connected: no write pump exists to carry the message.
		t.die(&Error{Kind: KindStopped, Reason: reason, Msg: "disconnected by application"}, false)
		return
	}
	log.Printf("Transport: sending SSH_MSG_DISCONNECT: reason=%v, msg=%q", reason, msg)
	buf := sshbuf.NewPacket(byte(sshmsg.Disconnect))
	buf.PutUint32(uint32(reason))
	buf.PutString(msg)
	buf.PutString("") // language tag
	if _, err := t.Write(buf); err != nil {
		log.Printf("Transport: disconnect write failed: %v", err)
	}
	t.die(&Error{Kind: KindStopped, Reason: reason, Msg: "disconnected by application"}, false)
}

// Close terminates the transport without a disconnect message. Pending
// operations fail with a stopped error.
func (t *Transport) Close() {
	t.die(ErrStopped, false)
}

// Join blocks until the read, write and deferred-write pumps have exited and
// returns the terminal error,
// nil when the transport was closed deliberately.
func (t *Transport) Join() error {
	<-t.stop
	t.pumps.Wait()
	err := t.Err()
	var te *Error
	if errors.As(err, &te) && te.Kind == KindStopped {
		return nil
	}
	return err
}

func (t *Transport) stoppedErr() error {
	if err := t.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// readPump reads socket bytes, drives the decoder, and dispatches packets.
func (t *Transport) readPump() {
	defer t.pumps.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.reader.Read(buf)
		if n > 0 {
			t.kexBytes.Add(uint64(n))
			if ferr := t.dec.feed(buf[:n], t.dispatch); ferr != nil {
				t.fatal(ferr)
				return
			}
		}
		if err != nil {
			select {
			case <-t.stop:
			default:
				t.fatal(chain(err))
			}
			return
		}
	}
}

// writePump drains the handoff queue onto the socket.
func (t *Transport) writePump() {
	defer t.pumps.Done()
	for {
		select {
		case data := <-t.outQ:
			if _, err := t.conn.Write(data); err != nil {
				select {
				case <-t.stop:
				default:
					t.fatal(chain(err))
				}
				return
			}
		case <-t.stop:
			return
		}
	}
}

// deferredPump drains the deferred-write queue in FIFO order. It may park on
// an ongoing key exchange like any other writer; the read pump keeps moving
// meanwhile.
func (t *Transport) deferredPump() {
	defer t.pumps.Done()
	for {
		select {
		case <-t.deferredCh:
			for {
				t.deferredMu.Lock()
				if len(t.deferredQ) == 0 {
					t.deferredMu.Unlock()
					break
				}
				buf := t.deferredQ[0]
				t.deferredQ = t.deferredQ[1:]
				t.deferredMu.Unlock()
				if _, err := t.Write(buf); err != nil {
					log.Printf("Transport: deferred write failed: %v", err)
				}
			}
		case <-t.stop:
			return
		}
	}
}

// dispatch routes one decoded payload.
func (t *Transport) dispatch(payload *sshbuf.Buffer) error {
	msgByte, err := payload.GetByte()
	if err != nil {
		return protocolError("empty packet payload")
	}
	msg := sshmsg.Message(msgByte)

	switch msg {
	case sshmsg.Disconnect:
		reason, _ := payload.GetUint32()
		text, _ := payload.GetString()
		log.Printf("Transport: received SSH_MSG_DISCONNECT (reason=%v, msg=%q)",
			sshmsg.DisconnectReason(reason), text)
		return &Error{
			Kind:   KindStopped,
			Reason: sshmsg.DisconnectReason(reason),
			Msg:    "disconnected by server: " + text,
		}

	case sshmsg.Ignore:
		log.Printf("Transport: received SSH_MSG_IGNORE")

	case sshmsg.Debug:
		display, _ := payload.GetBool()
		text, _ := payload.GetString()
		log.Printf("Transport: received SSH_MSG_DEBUG (display=%v) %q", display, text)

	case sshmsg.Unimplemented:
		seq, err := payload.GetUint32()
		if err != nil {
			return protocolError("malformed SSH_MSG_UNIMPLEMENTED")
		}
		if s := t.activeService(); s != nil {
			return s.NotifyUnimplemented(seq)
		}
		log.Printf("Transport: received SSH_MSG_UNIMPLEMENTED #%d with no active service", seq)

	case sshmsg.ServiceAccept:
		future.Signal(t.serviceAccept)

	default:
		switch {
		case msg == sshmsg.KexInit || msg == sshmsg.NewKeys || msg.IsKex():
			if err := t.kexer.handle(msg, payload); err != nil {
				return err
			}
		case t.activeService() != nil:
			if err := t.activeService().Handle(msg, payload); err != nil {
				return err
			}
		default:
			if err := t.sendUnimplemented(); err != nil {
				return err
			}
		}
	}

	t.maybeRekey()
	return nil
}

// sendUnimplemented reports the just-received packet as unsupported. Runs on
// the read pump, so the reply goes through the deferred writer.
func (t *Transport) sendUnimplemented() error {
	// The decoder has already counted the offending packet.
	seq := t.dec.seq - 1
	buf := sshbuf.NewPacket(byte(sshmsg.Unimplemented))
	buf.PutUint32(seq)
	t.WriteDeferred(buf)
	return nil
}

// SendIgnore sends an SSH_MSG_IGNORE packet with the given payload, usable
// as a keep-alive.
func (t *Transport) SendIgnore(data []byte) error {
	buf := sshbuf.NewPacket(byte(sshmsg.Ignore))
	buf.PutBytes(data)
	_, err := t.Write(buf)
	return err
}

// kexCompleted resets the re-key accounting.
func (t *Transport) kexCompleted() {
	t.kexBytes.Store(0)
	t.kexTime.Store(time.Now().UnixNano())
}

// maybeRekey initiates a re-exchange once the traffic or time threshold is
// crossed.
func (t *Transport) maybeRekey() {
	if !t.kexer.isKexDone() || t.kexer.isKexOngoing() {
		return
	}
	since := time.Duration(time.Now().UnixNano() - t.kexTime.Load())
	if t.kexBytes.Load() >= rekeyBytes || since >= rekeyInterval {
		log.Printf("Transport: re-key threshold reached, initiating key re-exchange")
		if err := t.kexer.startKex(false); err != nil {
			log.Printf("Transport: re-key initiation failed: %v", err)
		}
	}
}

// fatal handles an error from a pump: best-effort DISCONNECT, then error
// fan-out and resource release.
func (t *Transport) fatal(err error) {
	te := chain(err)
	t.die(te, te.Kind != KindStopped)
}

// die terminates the transport exactly once: records the error, optionally
// sends a best-effort DISCONNECT, wakes every waiter, and releases the
// socket.
func (t *Transport) die(err error, sendDisconnect bool) {
	t.stopOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		t.dead.Store(true)

		if sendDisconnect {
			t.sendDisconnectBestEffort(err)
		}

		close(t.stop)

		t.kexer.notifyError(err)
		t.serviceAccept.Error(err)
		if s := t.activeService(); s != nil {
			s.NotifyError(err)
		}
		if t.conn != nil {
			t.conn.Close()
		}
	})
}

// sendDisconnectBestEffort writes a DISCONNECT straight to the socket,
// bypassing the pumps, which may already be dead.
func (t *Transport) sendDisconnectBestEffort(err error) {
	var te *Error
	reason := sshmsg.DisconnectProtocolError
	msg := err.Error()
	if e, ok := err.(*Error); ok {
		te = e
		if te.Reason != 0 {
			reason = te.Reason
		}
	}

	buf := sshbuf.NewPacket(byte(sshmsg.Disconnect))
	buf.PutUint32(uint32(reason))
	buf.PutString(msg)
	buf.PutString("")

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if _, out, encErr := t.enc.encode(buf); encErr == nil && t.conn != nil {
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.Write(out.CompactData())
	}
}

// installOutbound switches the encoder to a freshly keyed algorithm set.
func (t *Transport) installOutbound(c sshcipher.Cipher, m sshmac.MAC, comp sshcomp.Compression) {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	t.enc.setAlgorithms(c, m, comp)
}

// installInbound switches the decoder; runs on the read pump between
// packets.
func (t *Transport) installInbound(c sshcipher.Cipher, m sshmac.MAC, comp sshcomp.Compression) {
	t.dec.setAlgorithms(c, m, comp)
}
