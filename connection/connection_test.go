package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/transport"
)

// sentPacket is one packet captured from the service under test. deferred
// records which write API carried it: read-pump handlers must use the
// deferred path.
type sentPacket struct {
	msg      sshmsg.Message
	body     *sshbuf.Buffer // positioned after the message byte
	deferred bool
}

// fakeTransport records written packets for inspection.
type fakeTransport struct {
	mu     sync.Mutex
	seq    uint32
	sent   chan sentPacket
	config *transport.Config
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan sentPacket, 64),
		config: &transport.Config{Timeout: 5 * time.Second},
	}
}

func (f *fakeTransport) record(buf *sshbuf.Buffer, deferred bool) (uint32, error) {
	body := sshbuf.Wrap(buf.CompactData())
	msgByte, err := body.GetByte()
	if err != nil {
		return 0, err
	}
	f.sent <- sentPacket{msg: sshmsg.Message(msgByte), body: body, deferred: deferred}
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.seq
	f.seq++
	return seq, nil
}

func (f *fakeTransport) Write(buf *sshbuf.Buffer) (uint32, error) {
	return f.record(buf, false)
}

// WriteDeferred captures synchronously; the tests then observe deferred
// packets in the order the handlers queued them.
func (f *fakeTransport) WriteDeferred(buf *sshbuf.Buffer) {
	f.record(buf, true)
}

func (f *fakeTransport) Config() *transport.Config { return f.config }

func (f *fakeTransport) next(t *testing.T) sentPacket {
	t.Helper()
	select {
	case p := <-f.sent:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet written")
		return sentPacket{}
	}
}

func (f *fakeTransport) expect(t *testing.T, want sshmsg.Message) *sshbuf.Buffer {
	t.Helper()
	p := f.next(t)
	require.Equal(t, want, p.msg)
	return p.body
}

func (f *fakeTransport) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-f.sent:
		t.Fatalf("unexpected packet %v", p.msg)
	case <-time.After(d):
	}
}

// openTestChannel runs a direct-tcpip open against the fake and completes the
// confirmation from the "server" side.
func openTestChannel(t *testing.T, svc *Service, fake *fakeTransport, remoteWin, remoteMax uint32) *Channel {
	t.Helper()
	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := OpenDirectTCPIP(svc, "localhost", 80, "127.0.0.1", 40000)
		done <- result{ch, err}
	}()

	open := fake.expect(t, sshmsg.ChannelOpen)
	ctype, err := open.GetString()
	require.NoError(t, err)
	require.Equal(t, "direct-tcpip", ctype)
	senderID, err := open.GetUint32()
	require.NoError(t, err)

	confirm := sshbuf.New()
	confirm.PutUint32(senderID) // our channel
	confirm.PutUint32(7)        // server's channel
	confirm.PutUint32(remoteWin)
	confirm.PutUint32(remoteMax)
	require.NoError(t, svc.Handle(sshmsg.ChannelOpenConfirmation, confirm))

	res := <-done
	require.NoError(t, res.err)
	return res.ch
}

func TestChannelIDAllocationSmallestFree(t *testing.T) {
	svc := NewService(newFakeTransport())
	a := newChannel(svc, "session", nil)
	svc.register(a)
	b := newChannel(svc, "session", nil)
	svc.register(b)
	c := newChannel(svc, "session", nil)
	svc.register(c)
	assert.Equal(t, uint32(0), a.id)
	assert.Equal(t, uint32(1), b.id)
	assert.Equal(t, uint32(2), c.id)

	svc.forget(b)
	d := newChannel(svc, "session", nil)
	svc.register(d)
	assert.Equal(t, uint32(1), d.id, "freed ids are reused, smallest first")
}

func TestWindowBackpressure(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	wrote := make(chan int, 1)
	go func() {
		n, err := ch.Out().Write(make([]byte, 50000))
		require.NoError(t, err)
		wrote <- n
	}()

	// The first 32768 bytes flow as two max-packet chunks; the third write
	// blocks on the exhausted window.
	for _, wantLen := range []int{16384, 16384} {
		body := fake.expect(t, sshmsg.ChannelData)
		recipient, err := body.GetUint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(7), recipient)
		data, err := body.GetBytes()
		require.NoError(t, err)
		assert.Len(t, data, wantLen)
	}
	fake.expectQuiet(t, 100*time.Millisecond)

	// Replenishing the window releases the remaining 17232 bytes.
	adjust := sshbuf.New()
	adjust.PutUint32(ch.ID())
	adjust.PutUint32(32768)
	require.NoError(t, svc.Handle(sshmsg.ChannelWindowAdjust, adjust))

	var rest int
	for rest < 17232 {
		body := fake.expect(t, sshmsg.ChannelData)
		body.GetUint32()
		data, err := body.GetBytes()
		require.NoError(t, err)
		rest += len(data)
	}
	assert.Equal(t, 17232, rest)
	assert.Equal(t, 50000, <-wrote)
}

func TestLocalWindowReplenishment(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	svc.WindowSize = 1000
	svc.MaxPacketSize = 600
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	inject := func(n int) {
		buf := sshbuf.New()
		buf.PutUint32(ch.ID())
		buf.PutBytes(make([]byte, n))
		require.NoError(t, svc.Handle(sshmsg.ChannelData, buf))
	}

	// 300 bytes leaves 700 > 500: no adjustment yet.
	inject(300)
	fake.expectQuiet(t, 50*time.Millisecond)

	// Another 300 drops the window to 400 <= 500: replenish to initial. The
	// adjustment is sent via the deferred writer; the read pump must never
	// issue a write that can park on a re-key.
	inject(300)
	p := fake.next(t)
	require.Equal(t, sshmsg.ChannelWindowAdjust, p.msg)
	assert.True(t, p.deferred, "window adjust must go through the deferred writer")
	p.body.GetUint32()
	adj, err := p.body.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(600), adj)
}

func TestOversizedDataIsFatal(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	svc.MaxPacketSize = 1024
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	buf := sshbuf.New()
	buf.PutUint32(ch.ID())
	buf.PutBytes(make([]byte, 2048))
	err := svc.Handle(sshmsg.ChannelData, buf)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindProtocol, te.Kind)
}

func TestCloseHandshake(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	// Peer closes first: we must answer with exactly one CHANNEL_CLOSE and
	// drop the channel from the table.
	closeBuf := sshbuf.New()
	closeBuf.PutUint32(ch.ID())
	require.NoError(t, svc.Handle(sshmsg.ChannelClose, closeBuf))

	p := fake.next(t)
	require.Equal(t, sshmsg.ChannelClose, p.msg)
	assert.True(t, p.deferred, "close answering an inbound close is a read-pump send")
	assert.Nil(t, svc.lookup(ch.ID()), "channel gone after both closes")

	// Close on our side is now a no-op and returns promptly.
	require.NoError(t, ch.Close())
	fake.expectQuiet(t, 50*time.Millisecond)

	// Data for the dead id from a malicious peer is a protocol error.
	data := sshbuf.New()
	data.PutUint32(ch.ID())
	data.PutBytes([]byte("late"))
	err := svc.Handle(sshmsg.ChannelData, data)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindProtocol, te.Kind)
}

func TestEOFThenCloseSequence(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	require.NoError(t, ch.SendEOF())
	fake.expect(t, sshmsg.ChannelEOF)
	require.NoError(t, ch.SendEOF(), "EOF is idempotent")
	fake.expectQuiet(t, 50*time.Millisecond)

	// Peer EOF after ours triggers our close, again via the deferred writer.
	eof := sshbuf.New()
	eof.PutUint32(ch.ID())
	require.NoError(t, svc.Handle(sshmsg.ChannelEOF, eof))
	p := fake.next(t)
	require.Equal(t, sshmsg.ChannelClose, p.msg)
	assert.True(t, p.deferred)
}

func TestRequestRepliesAreFIFO(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	first, err := ch.SendRequest("first", true, nil)
	require.NoError(t, err)
	fake.expect(t, sshmsg.ChannelRequest)
	second, err := ch.SendRequest("second", true, nil)
	require.NoError(t, err)
	fake.expect(t, sshmsg.ChannelRequest)

	reply := func(msg sshmsg.Message) {
		buf := sshbuf.New()
		buf.PutUint32(ch.ID())
		require.NoError(t, svc.Handle(msg, buf))
	}
	reply(sshmsg.ChannelSuccess)
	reply(sshmsg.ChannelFailure)

	_, err = first.Get(time.Second)
	assert.NoError(t, err)
	_, err = second.Get(time.Second)
	assert.ErrorIs(t, err, ErrRequestFailed)

	// A reply with nothing outstanding is fatal.
	buf := sshbuf.New()
	buf.PutUint32(ch.ID())
	err = svc.Handle(sshmsg.ChannelSuccess, buf)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindProtocol, te.Kind)
}

func TestUnknownChannelTypeRejected(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)

	open := sshbuf.New()
	open.PutString("x11")
	open.PutUint32(3)
	open.PutUint32(1 << 20)
	open.PutUint32(1 << 14)
	require.NoError(t, svc.Handle(sshmsg.ChannelOpen, open))

	p := fake.next(t)
	require.Equal(t, sshmsg.ChannelOpenFailure, p.msg)
	assert.True(t, p.deferred)
	recipient, _ := p.body.GetUint32()
	code, _ := p.body.GetUint32()
	assert.Equal(t, uint32(3), recipient)
	assert.Equal(t, sshmsg.OpenUnknownChannelType, code)
}

func TestOpenRejectedByPeer(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)

	done := make(chan error, 1)
	go func() {
		_, err := OpenDirectTCPIP(svc, "blocked.example", 22, "o", 1)
		done <- err
	}()
	open := fake.expect(t, sshmsg.ChannelOpen)
	open.GetString()
	senderID, _ := open.GetUint32()

	failure := sshbuf.New()
	failure.PutUint32(senderID)
	failure.PutUint32(sshmsg.OpenAdministrativelyProhibited)
	failure.PutString("no")
	failure.PutString("")
	require.NoError(t, svc.Handle(sshmsg.ChannelOpenFailure, failure))

	err := <-done
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, sshmsg.OpenAdministrativelyProhibited, oe.Code)
	assert.Nil(t, svc.lookup(0), "failed open leaves no table entry")
}

func TestGlobalRequestReplies(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)

	f, err := svc.SendGlobalRequest("tcpip-forward", true, nil)
	require.NoError(t, err)
	fake.expect(t, sshmsg.GlobalRequest)

	reply := sshbuf.New()
	reply.PutUint32(1234)
	require.NoError(t, svc.Handle(sshmsg.RequestSuccess, reply))
	body, err := f.Get(time.Second)
	require.NoError(t, err)
	port, err := body.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), port)

	// Server-initiated unknown request with want-reply gets REQUEST_FAILURE,
	// queued on the deferred writer.
	req := sshbuf.New()
	req.PutString("hostkeys-00@openssh.com")
	req.PutBool(true)
	require.NoError(t, svc.Handle(sshmsg.GlobalRequest, req))
	p := fake.next(t)
	require.Equal(t, sshmsg.RequestFailure, p.msg)
	assert.True(t, p.deferred)
}

func TestNotifyErrorWakesEverything(t *testing.T) {
	fake := newFakeTransport()
	svc := NewService(fake)
	ch := openTestChannel(t, svc, fake, 32768, 16384)

	f, err := svc.SendGlobalRequest("x", true, nil)
	require.NoError(t, err)
	fake.expect(t, sshmsg.GlobalRequest)

	boom := errors.New("transport died")
	blocked := make(chan error, 1)
	go func() {
		// Exhaust the window so the writer parks, then fail the transport.
		_, err := ch.Out().Write(make([]byte, 40000))
		blocked <- err
	}()
	fake.expect(t, sshmsg.ChannelData)
	fake.expect(t, sshmsg.ChannelData)

	svc.NotifyError(boom)

	assert.ErrorIs(t, <-blocked, boom)
	_, err = f.Get(time.Second)
	assert.ErrorIs(t, err, boom)
	_, err = ch.In().Read(make([]byte, 1))
	assert.ErrorIs(t, err, boom)
}
