package userauth

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// PublicKey authenticates with a client key pair in two phases: a signature-
// less probe, then, on SSH_MSG_USERAUTH_PK_OK, the same request signed over
// the session identifier and request fields (RFC 4252 §7).
type PublicKey struct {
	Signer ssh.Signer

	params *Params
}

// Name returns "publickey".
func (m *PublicKey) Name() string { return "publickey" }

// Request sends the signature-less probe.
func (m *PublicKey) Request(p *Params) error {
	m.params = p
	buf := m.buildRequest(false)
	_, err := p.Transport.Write(buf)
	return err
}

// Handle processes SSH_MSG_USERAUTH_PK_OK by re-sending the request with a
// signature attached.
func (m *PublicKey) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	if msg != sshmsg.UserAuth60 {
		return fmt.Errorf("userauth: unexpected reply %v to publickey request", msg)
	}
	alg, err := buf.GetString()
	if err != nil {
		return fmt.Errorf("userauth: malformed PK_OK: %w", err)
	}
	blob, err := buf.GetBytes()
	if err != nil {
		return fmt.Errorf("userauth: malformed PK_OK: %w", err)
	}
	pub := m.Signer.PublicKey()
	if alg != pub.Type() || !bytes.Equal(blob, pub.Marshal()) {
		return fmt.Errorf("userauth: PK_OK does not match the offered key")
	}

	req := m.buildRequest(true)

	// The signed data is the session identifier followed by the request
	// payload (with has-signature = true).
	signed := sshbuf.New()
	signed.PutBytes(m.params.Transport.SessionID())
	signed.PutRaw(req.Bytes())

	sig, err := m.Signer.Sign(rand.Reader, signed.Bytes())
	if err != nil {
		return &MethodError{Method: "publickey", Msg: "signing failed", Err: err}
	}

	sigBlob := sshbuf.New()
	sigBlob.PutString(sig.Format)
	sigBlob.PutBytes(sig.Blob)
	req.PutBytes(sigBlob.Bytes())

	m.params.Transport.WriteDeferred(req)
	return nil
}

func (m *PublicKey) buildRequest(withSig bool) *sshbuf.Buffer {
	pub := m.Signer.PublicKey()
	buf := newRequest(m.params, "publickey")
	buf.PutBool(withSig)
	buf.PutString(pub.Type())
	buf.PutBytes(pub.Marshal())
	return buf
}
