package client

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dpat37/commons-net-ssh/connection"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// forwardBufferSize is the relay copy buffer size (32KB), matched to the
// channel maximum packet size neighbourhood.
const forwardBufferSize = 32 * 1024

// forwardBufferPool reuses relay buffers across forwarded connections.
var forwardBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, forwardBufferSize)
		return &buf
	},
}

func copyWithPooledBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := forwardBufferPool.Get().(*[]byte)
	defer forwardBufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// LocalForwarder accepts connections on a local listener and forwards each
// through a direct-tcpip channel.
type LocalForwarder struct {
	client   *Client
	listener net.Listener
	dstHost  string
	dstPort  uint32

	mu     sync.Mutex
	closed bool
}

// LocalForward starts listening on localAddr and forwarding to
// dstHost:dstPort via the server. It returns immediately; the accept loop
// runs until Close.
func (c *Client) LocalForward(localAddr, dstHost string, dstPort uint32) (*LocalForwarder, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("client: listen %s: %w", localAddr, err)
	}
	f := &LocalForwarder{client: c, listener: ln, dstHost: dstHost, dstPort: dstPort}
	go f.serve()
	log.Printf("LocalForwarder: %s -> %s:%d", ln.Addr(), dstHost, dstPort)
	return f, nil
}

// Addr returns the local listening address.
func (f *LocalForwarder) Addr() net.Addr { return f.listener.Addr() }

// Close stops the accept loop and the listener.
func (f *LocalForwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.listener.Close()
}

func (f *LocalForwarder) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if !closed {
				log.Printf("LocalForwarder: accept failed: %v", err)
			}
			return
		}
		go f.handle(conn)
	}
}

func (f *LocalForwarder) handle(conn net.Conn) {
	origHost, origPortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	var origPort uint32
	fmt.Sscanf(origPortStr, "%d", &origPort)

	ch, err := connection.OpenDirectTCPIP(f.client.conn, f.dstHost, f.dstPort, origHost, origPort)
	if err != nil {
		log.Printf("LocalForwarder: channel open to %s:%d failed: %v", f.dstHost, f.dstPort, err)
		conn.Close()
		return
	}
	relay(ch, conn)
}

// relay pumps data between a channel and a TCP connection in both
// directions, closing both when either side finishes.
func relay(ch *connection.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := copyWithPooledBuffer(ch.Out(), conn); err != nil && err != io.EOF {
			log.Printf("relay: error copying %s->channel: %v", conn.RemoteAddr(), err)
		}
		ch.Out().Close()
	}()
	go func() {
		defer wg.Done()
		if _, err := copyWithPooledBuffer(conn, ch.In()); err != nil && err != io.EOF {
			log.Printf("relay: error copying channel->%s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
	}()
	wg.Wait()
	ch.Close()
	conn.Close()
}

// RemoteForward asks the server to listen on bindAddr:port and relays each
// forwarded connection to a local target address.
func (c *Client) RemoteForward(bindAddr string, port uint32, localTarget string) (uint32, error) {
	c.conn.HandleForwardedTCPIP(func(ch *connection.Channel, info connection.ForwardedTCPIPInfo) {
		target, err := net.Dial("tcp", localTarget)
		if err != nil {
			log.Printf("RemoteForward: dial %s failed: %v", localTarget, err)
			ch.Reject(sshmsg.OpenConnectFailed, err.Error())
			return
		}
		if err := ch.Confirm(); err != nil {
			log.Printf("RemoteForward: confirm failed: %v", err)
			target.Close()
			return
		}
		relay(ch, target)
	})
	return c.conn.RequestRemoteForward(bindAddr, port)
}
