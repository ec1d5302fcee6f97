package connection

import (
	"fmt"
	"log"
	"sync"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/transport"
)

// kindHooks are the points where a channel type customizes the core state
// machine: channel requests from the peer and extended data.
type kindHooks interface {
	handleRequest(c *Channel, reqType string, wantReply bool, buf *sshbuf.Buffer) error
	handleExtendedData(c *Channel, code uint32, data []byte) error
}

// baseKind rejects requests and extended data, the correct default for
// data-only channel types.
type baseKind struct{}

func (baseKind) handleRequest(c *Channel, reqType string, wantReply bool, _ *sshbuf.Buffer) error {
	log.Printf("chan#%d: rejecting request %q", c.id, reqType)
	if wantReply {
		return c.sendReply(sshmsg.ChannelFailure)
	}
	return nil
}

func (baseKind) handleExtendedData(c *Channel, code uint32, _ []byte) error {
	return &transport.Error{
		Kind:   transport.KindProtocol,
		Reason: sshmsg.DisconnectProtocolError,
		Msg:    fmt.Sprintf("extended data not supported on %q channel", c.ctype),
	}
}

// Channel is one multiplexed data stream over the connection service. The
// same core serves locally-opened (direct) and remotely-opened (forwarded)
// channels; the open handshake differs, the rest does not.
type Channel struct {
	conn  *Service
	trans Transport
	hooks kindHooks

	id        uint32
	recipient uint32
	ctype     string

	lwin localWindow
	rwin *remoteWindow

	in  *InputStream
	out *OutputStream

	mu        sync.Mutex
	reqs      []*future.Event // FIFO of outstanding want-reply requests
	eofSent   bool
	eofGot    bool
	closeSent bool

	open   *future.Event
	closed *future.Event
}

func newChannel(conn *Service, ctype string, hooks kindHooks) *Channel {
	c := &Channel{
		conn:  conn,
		trans: conn.trans,
		hooks: hooks,
		ctype: ctype,
		rwin:  newRemoteWindow(),
	}
	if hooks == nil {
		c.hooks = baseKind{}
	}
	c.lwin.init(conn.WindowSize, conn.MaxPacketSize)
	c.in = newInputStream()
	c.out = &OutputStream{ch: c}
	c.open = future.NewEvent(fmt.Sprintf("chan#%d open", c.id))
	c.closed = future.NewEvent(fmt.Sprintf("chan#%d close", c.id))
	return c
}

// ID returns the local channel number.
func (c *Channel) ID() uint32 { return c.id }

// Recipient returns the peer's channel number.
func (c *Channel) Recipient() uint32 { return c.recipient }

// Type returns the channel type string.
func (c *Channel) Type() string { return c.ctype }

// In returns the stream of data received from the peer.
func (c *Channel) In() *InputStream { return c.in }

// Out returns the stream writing data to the peer.
func (c *Channel) Out() *OutputStream { return c.out }

// RemoteMaxPacketSize returns the peer's advertised maximum packet size.
func (c *Channel) RemoteMaxPacketSize() uint32 { return c.rwin.MaxPacketSize() }

// IsOpen reports whether the channel is usable for I/O.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open.IsSet() && !c.closed.IsSet() && !c.closeSent
}

// newPacket frames a channel message addressed to the peer's channel number.
func (c *Channel) newPacket(msg sshmsg.Message) *sshbuf.Buffer {
	buf := sshbuf.NewPacket(byte(msg))
	buf.PutUint32(c.recipient)
	return buf
}

// openDirect sends CHANNEL_OPEN and blocks until the peer confirms or
// rejects. extra is the type-specific tail of the open packet.
func (c *Channel) openDirect(extra []byte) error {
	buf := sshbuf.NewPacket(byte(sshmsg.ChannelOpen))
	buf.PutString(c.ctype)
	buf.PutUint32(c.id)
	buf.PutUint32(c.lwin.initialSize)
	buf.PutUint32(c.lwin.maxPacketSize)
	if len(extra) > 0 {
		buf.PutRaw(extra)
	}
	if _, err := c.trans.Write(buf); err != nil {
		return err
	}
	if _, err := c.open.Get(c.conn.Timeout); err != nil {
		return err
	}
	return nil
}

// initRemote records the peer's numbers from an OPEN_CONFIRMATION or an
// inbound CHANNEL_OPEN.
func (c *Channel) initRemote(recipient, winSize, maxPacket uint32) {
	c.recipient = recipient
	c.rwin.init(winSize, maxPacket)
}

// Confirm accepts a forwarded channel, completing the open handshake.
func (c *Channel) Confirm() error {
	buf := c.newPacket(sshmsg.ChannelOpenConfirmation)
	buf.PutUint32(c.id)
	buf.PutUint32(c.lwin.initialSize)
	buf.PutUint32(c.lwin.maxPacketSize)
	if _, err := c.trans.Write(buf); err != nil {
		return err
	}
	future.Signal(c.open)
	return nil
}

// Reject declines a forwarded channel with the given open-failure code.
func (c *Channel) Reject(code uint32, msg string) error {
	buf := c.newPacket(sshmsg.ChannelOpenFailure)
	buf.PutUint32(code)
	buf.PutString(msg)
	buf.PutString("") // language tag
	c.conn.forget(c)
	_, err := c.trans.Write(buf)
	return err
}

// handle consumes one channel packet routed by the connection service. Runs
// on the read pump.
func (c *Channel) handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	switch msg {
	case sshmsg.ChannelOpenConfirmation:
		recipient, _ := buf.GetUint32()
		winSize, _ := buf.GetUint32()
		maxPacket, err := buf.GetUint32()
		if err != nil {
			return c.protocolError("malformed CHANNEL_OPEN_CONFIRMATION")
		}
		c.initRemote(recipient, winSize, maxPacket)
		log.Printf("chan#%d: open confirmed (recipient=%d win=%d maxpkt=%d)",
			c.id, recipient, winSize, maxPacket)
		future.Signal(c.open)

	case sshmsg.ChannelOpenFailure:
		code, _ := buf.GetUint32()
		text, err := buf.GetString()
		if err != nil {
			return c.protocolError("malformed CHANNEL_OPEN_FAILURE")
		}
		c.conn.forget(c)
		c.open.Error(&OpenError{Code: code, Msg: text})

	case sshmsg.ChannelWindowAdjust:
		n, err := buf.GetUint32()
		if err != nil {
			return c.protocolError("malformed CHANNEL_WINDOW_ADJUST")
		}
		c.rwin.expand(n)

	case sshmsg.ChannelData:
		data, err := buf.GetBytes()
		if err != nil {
			return c.protocolError("malformed CHANNEL_DATA")
		}
		if err := c.receiveInto(c.in, data); err != nil {
			return err
		}

	case sshmsg.ChannelExtendedData:
		code, err := buf.GetUint32()
		if err != nil {
			return c.protocolError("malformed CHANNEL_EXTENDED_DATA")
		}
		data, err := buf.GetBytes()
		if err != nil {
			return c.protocolError("malformed CHANNEL_EXTENDED_DATA")
		}
		if err := c.consumeWindow(uint32(len(data))); err != nil {
			return err
		}
		if err := c.hooks.handleExtendedData(c, code, data); err != nil {
			return err
		}

	case sshmsg.ChannelRequest:
		reqType, err := buf.GetString()
		if err != nil {
			return c.protocolError("malformed CHANNEL_REQUEST")
		}
		wantReply, err := buf.GetBool()
		if err != nil {
			return c.protocolError("malformed CHANNEL_REQUEST")
		}
		log.Printf("chan#%d: got request %q", c.id, reqType)
		if err := c.hooks.handleRequest(c, reqType, wantReply, buf); err != nil {
			return err
		}

	case sshmsg.ChannelSuccess:
		return c.gotResponse(true)

	case sshmsg.ChannelFailure:
		return c.gotResponse(false)

	case sshmsg.ChannelEOF:
		log.Printf("chan#%d: got EOF", c.id)
		c.gotEOF()

	case sshmsg.ChannelClose:
		log.Printf("chan#%d: got close", c.id)
		c.deferClose()
		c.conn.forget(c)
		c.closeStreams(ErrChannelClosed)
		future.Signal(c.closed)

	default:
		return c.protocolError(fmt.Sprintf("unexpected channel message %v", msg))
	}
	return nil
}

// receiveInto validates inbound data against the local limits, debits the
// window, and appends to the stream.
func (c *Channel) receiveInto(stream *InputStream, data []byte) error {
	if uint32(len(data)) > c.lwin.maxPacketSize {
		return c.protocolError(fmt.Sprintf("data length %d exceeds maximum packet size %d",
			len(data), c.lwin.maxPacketSize))
	}
	if err := c.consumeWindow(uint32(len(data))); err != nil {
		return err
	}
	stream.receive(data)
	return nil
}

// consumeWindow debits the local window and replenishes it with a
// WINDOW_ADJUST when it drops to half the initial size. Runs on the read
// pump, so the adjustment goes through the deferred writer: a direct write
// here would park on a concurrent re-key and deadlock the pump.
func (c *Channel) consumeWindow(n uint32) error {
	c.mu.Lock()
	adjust, err := c.lwin.consume(n)
	c.mu.Unlock()
	if err != nil {
		return c.protocolError(err.Error())
	}
	if adjust > 0 {
		buf := c.newPacket(sshmsg.ChannelWindowAdjust)
		buf.PutUint32(adjust)
		c.trans.WriteDeferred(buf)
	}
	return nil
}

// writeData emits one CHANNEL_DATA packet. The window reservation has
// already been made by the output stream.
func (c *Channel) writeData(p []byte) error {
	buf := c.newPacket(sshmsg.ChannelData)
	buf.PutBytes(p)
	_, err := c.trans.Write(buf)
	return err
}

// SendRequest sends a channel request. With wantReply the returned event
// completes when CHANNEL_SUCCESS or CHANNEL_FAILURE arrives; replies are
// matched to requests in FIFO order.
func (c *Channel) SendRequest(reqType string, wantReply bool, payload []byte) (*future.Event, error) {
	log.Printf("chan#%d: sending request %q", c.id, reqType)
	buf := c.newPacket(sshmsg.ChannelRequest)
	buf.PutString(reqType)
	buf.PutBool(wantReply)
	if len(payload) > 0 {
		buf.PutRaw(payload)
	}

	var ev *future.Event
	c.mu.Lock()
	if wantReply {
		ev = future.NewEvent(fmt.Sprintf("chan#%d request %s", c.id, reqType))
		c.reqs = append(c.reqs, ev)
	}
	c.mu.Unlock()

	if _, err := c.trans.Write(buf); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *Channel) gotResponse(success bool) error {
	c.mu.Lock()
	var ev *future.Event
	if len(c.reqs) > 0 {
		ev = c.reqs[0]
		c.reqs = c.reqs[1:]
	}
	c.mu.Unlock()

	if ev == nil {
		return c.protocolError("response to a channel request when none was outstanding")
	}
	if success {
		future.Signal(ev)
	} else {
		ev.Error(ErrRequestFailed)
	}
	return nil
}

// sendReply answers a peer request that asked for a reply. Always invoked
// from a handler on the read pump, hence deferred.
func (c *Channel) sendReply(msg sshmsg.Message) error {
	c.trans.WriteDeferred(c.newPacket(msg))
	return nil
}

// SendEOF announces that no more data will be written. Idempotent. If the
// peer's EOF was already received, the close handshake begins.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.eofSent || c.closeSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	eofGot := c.eofGot
	c.mu.Unlock()

	log.Printf("chan#%d: sending EOF", c.id)
	if _, err := c.trans.Write(c.newPacket(sshmsg.ChannelEOF)); err != nil {
		return err
	}
	if eofGot {
		return c.sendCloseIfNeeded()
	}
	return nil
}

func (c *Channel) gotEOF() {
	c.mu.Lock()
	c.eofGot = true
	eofSent := c.eofSent
	c.mu.Unlock()

	c.in.markEOF()
	if eofSent {
		c.deferClose()
	}
}

// claimClose marks our CHANNEL_CLOSE as sent, reporting whether the caller
// won the right to emit it.
func (c *Channel) claimClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSent {
		return false
	}
	c.closeSent = true
	return true
}

// sendCloseIfNeeded emits our CHANNEL_CLOSE exactly once. Application-thread
// path; inbound packet handlers use deferClose instead.
func (c *Channel) sendCloseIfNeeded() error {
	if !c.claimClose() {
		return nil
	}
	log.Printf("chan#%d: sending close", c.id)
	_, err := c.trans.Write(c.newPacket(sshmsg.ChannelClose))
	return err
}

// deferClose is sendCloseIfNeeded for the read pump: the close is queued on
// the deferred writer so the pump cannot park on an ongoing re-key.
func (c *Channel) deferClose() {
	if !c.claimClose() {
		return
	}
	log.Printf("chan#%d: sending close", c.id)
	c.trans.WriteDeferred(c.newPacket(sshmsg.ChannelClose))
}

// Close initiates the close handshake and blocks until the peer's
// CHANNEL_CLOSE completes it.
func (c *Channel) Close() error {
	if err := c.sendCloseIfNeeded(); err != nil {
		return err
	}
	if _, err := c.closed.Get(c.conn.Timeout); err != nil {
		return err
	}
	return nil
}

func (c *Channel) closeStreams(err error) {
	c.in.markEOF()
	c.rwin.notifyError(err)
	c.out.mu.Lock()
	c.out.closed = true
	c.out.mu.Unlock()
}

// notifyError wakes every waiter associated with this channel.
func (c *Channel) notifyError(err error) {
	c.open.Error(err)
	c.closed.Error(err)
	c.in.notifyError(err)
	c.rwin.notifyError(err)

	c.mu.Lock()
	reqs := c.reqs
	c.reqs = nil
	c.mu.Unlock()
	for _, ev := range reqs {
		ev.Error(err)
	}
}

func (c *Channel) protocolError(msg string) error {
	return &transport.Error{
		Kind:   transport.KindProtocol,
		Reason: sshmsg.DisconnectProtocolError,
		Msg:    fmt.Sprintf("chan#%d: %s", c.id, msg),
	}
}
