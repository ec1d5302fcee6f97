// Package client provides the high-level SSH client: it dials the server,
// runs the transport handshake, authenticates, and exposes sessions and port
// forwarding over the connection service.
package client

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/connection"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/transport"
	"github.com/dpat37/commons-net-ssh/userauth"
)

// DefaultPort is the standard SSH port.
const DefaultPort = 22

// Client ties the transport, userauth and connection services together for
// one server connection.
type Client struct {
	trans *transport.Transport
	auth  *userauth.Service
	conn  *connection.Service
}

// New returns an unconnected client. A nil config selects the default
// algorithm suites.
func New(config *transport.Config) *Client {
	trans := transport.New(config)
	c := &Client{trans: trans}
	c.auth = userauth.NewService(trans)
	c.conn = connection.NewService(trans)
	return c
}

// Transport exposes the underlying transport.
func (c *Client) Transport() *transport.Transport { return c.trans }

// Connection exposes the connection service. Valid after authentication.
func (c *Client) Connection() *connection.Service { return c.conn }

// AddHostKeyVerifier registers a host-key verification callback. At least
// one verifier must accept the server's key or the connection fails during
// key exchange.
func (c *Client) AddHostKeyVerifier(v transport.HostKeyVerifier) {
	c.trans.AddHostKeyVerifier(v)
}

// Dial connects to addr (host or host:port) and completes the version
// exchange and initial key exchange.
func (c *Client) Dial(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprintf("%d", DefaultPort))
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return c.Connect(conn)
}

// Connect runs the handshake over an established connection.
func (c *Client) Connect(conn net.Conn) error {
	return c.trans.Connect(conn)
}

// Authenticate runs the userauth method loop for username and activates the
// connection service on success.
func (c *Client) Authenticate(username string, methods ...userauth.Method) error {
	return c.auth.Authenticate(username, c.conn, methods...)
}

// AuthPassword authenticates with a password.
func (c *Client) AuthPassword(username, password string) error {
	return c.Authenticate(username, &userauth.Password{Password: password})
}

// AuthPublicKey authenticates with private key files, tried in order. Keys
// are loaded with x/crypto/ssh and must be unencrypted.
func (c *Client) AuthPublicKey(username string, keyFiles ...string) error {
	var methods []userauth.Method
	for _, path := range keyFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("client: read key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return fmt.Errorf("client: parse key %s: %w", path, err)
		}
		methods = append(methods, &userauth.PublicKey{Signer: signer})
	}
	return c.Authenticate(username, methods...)
}

// NewSession opens a session channel for command execution or a shell.
func (c *Client) NewSession() (*connection.Session, error) {
	return connection.NewSession(c.conn)
}

// Disconnect closes the connection with SSH_MSG_DISCONNECT reason
// "by application".
func (c *Client) Disconnect() {
	c.trans.Disconnect(sshmsg.DisconnectByApplication, "disconnected by user")
}

// Join blocks until the transport terminates.
func (c *Client) Join() error {
	return c.trans.Join()
}

// SetTimeout bounds blocking waits on transport and connection events.
func (c *Client) SetTimeout(d time.Duration) {
	c.trans.Config().Timeout = d
	c.conn.Timeout = d
}
