package client

import (
	"log"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dpat37/commons-net-ssh/transport"
)

// KnownHostsVerifier checks server host keys against OpenSSH known_hosts
// files.
type KnownHostsVerifier struct {
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier loads one or more known_hosts files.
func NewKnownHostsVerifier(files ...string) (*KnownHostsVerifier, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, err
	}
	return &KnownHostsVerifier{callback: cb}, nil
}

// Verify reports whether the key matches a known_hosts entry for the remote
// address.
func (v *KnownHostsVerifier) Verify(remote net.Addr, key ssh.PublicKey) bool {
	if remote == nil {
		return false
	}
	if err := v.callback(remote.String(), remote, key); err != nil {
		log.Printf("KnownHostsVerifier: rejected %s key for %s: %v", key.Type(), remote, err)
		return false
	}
	return true
}

// InsecureAcceptAnyHostKey returns a verifier that accepts every host key.
// Only for testing.
func InsecureAcceptAnyHostKey() transport.HostKeyVerifier {
	return transport.HostKeyVerifierFunc(func(remote net.Addr, key ssh.PublicKey) bool {
		log.Printf("HostKeyVerifier: blindly accepting %s host key", key.Type())
		return true
	})
}
