// Package sshsig verifies server host-key signatures and identifies host key
// types. Key parsing and signature verification are delegated to
// golang.org/x/crypto/ssh, which understands the wire encodings of RFC 4253
// §6.6.
package sshsig

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/sshbuf"
)

// Host key algorithm names.
const (
	SSHRSA = "ssh-rsa"
	SSHDSS = "ssh-dss"
)

// Factory names a host-key algorithm this client can verify.
type Factory struct {
	Name string
}

// Factories returns the host-key algorithms in client preference order.
func Factories() []Factory {
	return []Factory{{SSHRSA}, {SSHDSS}}
}

// ParsePublicKey decodes a wire-format public key blob (K_S).
func ParsePublicKey(blob []byte) (ssh.PublicKey, error) {
	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("sshsig: parse host key: %w", err)
	}
	return key, nil
}

// Verify checks sig, a wire-format signature blob (string format || string
// blob), over data using the public key encoded in keyBlob. The signature
// format must match the negotiated host-key algorithm.
func Verify(keyBlob []byte, algorithm string, sig, data []byte) error {
	key, err := ParsePublicKey(keyBlob)
	if err != nil {
		return err
	}
	if key.Type() != algorithm {
		return fmt.Errorf("sshsig: host key type %q does not match negotiated algorithm %q",
			key.Type(), algorithm)
	}

	b := sshbuf.Wrap(sig)
	format, err := b.GetString()
	if err != nil {
		return fmt.Errorf("sshsig: malformed signature: %w", err)
	}
	blob, err := b.GetBytes()
	if err != nil {
		return fmt.Errorf("sshsig: malformed signature: %w", err)
	}
	if format != algorithm {
		return fmt.Errorf("sshsig: signature format %q does not match negotiated algorithm %q",
			format, algorithm)
	}

	if err := key.Verify(data, &ssh.Signature{Format: format, Blob: blob}); err != nil {
		return fmt.Errorf("sshsig: signature verification failed: %w", err)
	}
	return nil
}

// Fingerprint returns the legacy hex-encoded MD5 fingerprint of a key blob,
// or "(unparseable key)" when the blob cannot be decoded.
func Fingerprint(keyBlob []byte) string {
	key, err := ssh.ParsePublicKey(keyBlob)
	if err != nil {
		return "(unparseable key)"
	}
	return ssh.FingerprintLegacyMD5(key)
}
