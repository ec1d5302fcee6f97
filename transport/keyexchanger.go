package transport

import (
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshkex"
	"github.com/dpat37/commons-net-ssh/sshmac"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/sshsig"
)

// HostKeyVerifier decides whether a server host key is acceptable. Verifiers
// are invoked on every key exchange, re-keys included, after the server's
// signature over the exchange hash has already been checked.
type HostKeyVerifier interface {
	Verify(remote net.Addr, key ssh.PublicKey) bool
}

// HostKeyVerifierFunc adapts a function to the HostKeyVerifier interface.
type HostKeyVerifierFunc func(remote net.Addr, key ssh.PublicKey) bool

// Verify calls f.
func (f HostKeyVerifierFunc) Verify(remote net.Addr, key ssh.PublicKey) bool {
	return f(remote, key)
}

type expectedMessage int

const (
	// expectKexInit: we have sent or are about to send KEXINIT and await the
	// server's.
	expectKexInit expectedMessage = iota
	// expectFollowup: the negotiated method's own packets are in flight.
	expectFollowup
	// expectNewKeys: awaiting SSH_MSG_NEWKEYS.
	expectNewKeys
)

// keyExchanger runs algorithm negotiation and key exchange, initial and
// re-key, and installs the derived algorithm sets into the codecs. Outbound
// algorithms switch immediately after our NEWKEYS is sent; inbound switch
// when the server's NEWKEYS arrives.
type keyExchanger struct {
	trans *Transport

	mu            sync.Mutex
	hostVerifiers []HostKeyVerifier

	kexOngoing atomic.Bool
	expected   expectedMessage

	kex        sshkex.KeyExchange
	sessionID  []byte
	clientProp *proposal
	serverProp *proposal
	negotiated *negotiatedAlgorithms

	pendingInbound pendingAlgorithms

	kexInitSent *future.Event
	done        *future.Event
}

func newKeyExchanger(trans *Transport) *keyExchanger {
	return &keyExchanger{
		trans:       trans,
		kexInitSent: future.NewEvent("kexinit sent"),
		done:        future.NewEvent("kex done"),
	}
}

func (k *keyExchanger) addHostKeyVerifier(v HostKeyVerifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hostVerifiers = append(k.hostVerifiers, v)
}

// SessionID returns a copy of the session identifier (H from the first
// exchange), or nil before the first exchange completes.
func (k *keyExchanger) SessionID() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sessionID == nil {
		return nil
	}
	out := make([]byte, len(k.sessionID))
	copy(out, k.sessionID)
	return out
}

func (k *keyExchanger) isKexOngoing() bool { return k.kexOngoing.Load() }
func (k *keyExchanger) isKexDone() bool    { return k.done.IsSet() }

// startKex begins an exchange unless one is already running, optionally
// blocking until it completes.
func (k *keyExchanger) startKex(waitForDone bool) error {
	if !k.kexOngoing.Swap(true) {
		k.done.Clear()
		if err := k.sendKexInit(); err != nil {
			return err
		}
	}
	if waitForDone {
		return k.waitForDone()
	}
	return nil
}

func (k *keyExchanger) waitForDone() error {
	if _, err := k.done.Get(k.trans.config.Timeout); err != nil {
		return chain(err)
	}
	return nil
}

func (k *keyExchanger) sendKexInit() error {
	log.Printf("KeyExchanger: sending SSH_MSG_KEXINIT")
	k.mu.Lock()
	k.clientProp = newProposal(k.trans.config, k.trans.config.PRNG)
	prop := k.clientProp
	k.mu.Unlock()
	if _, err := k.trans.Write(prop.packetBuffer()); err != nil {
		return err
	}
	future.Signal(k.kexInitSent)
	return nil
}

func (k *keyExchanger) ensureKexOngoing() error {
	if !k.isKexOngoing() {
		return newError(KindUnexpectedMessage, sshmsg.DisconnectProtocolError,
			"key exchange packet received when key exchange was not ongoing")
	}
	return nil
}

// handle consumes one packet routed to the exchanger. buf's read position is
// just past the message byte.
func (k *keyExchanger) handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	switch k.expected {

	case expectKexInit:
		if msg != sshmsg.KexInit {
			return newError(KindUnexpectedMessage, sshmsg.DisconnectProtocolError,
				"was expecting SSH_MSG_KEXINIT, got %v", msg)
		}
		log.Printf("KeyExchanger: received SSH_MSG_KEXINIT")
		// The server may have initiated this exchange; make sure our own
		// KEXINIT is on the wire before negotiating against it.
		if err := k.startKex(false); err != nil {
			return err
		}
		if _, err := k.kexInitSent.Get(k.trans.config.Timeout); err != nil {
			return chain(err)
		}
		buf.SetRPos(buf.RPos() - 1) // negotiation needs the full payload
		if err := k.gotKexInit(buf); err != nil {
			return err
		}
		k.expected = expectFollowup

	case expectFollowup:
		if err := k.ensureKexOngoing(); err != nil {
			return err
		}
		done, err := k.kex.Next(msg, buf)
		if err != nil {
			return &Error{Kind: KindKexFailed, Reason: sshmsg.DisconnectKeyExchangeFailed,
				Msg: "key exchange followup failed", Err: err}
		}
		if done {
			if err := k.verifyHost(k.kex.HostKey()); err != nil {
				return err
			}
			if err := k.finishExchange(); err != nil {
				return err
			}
			k.expected = expectNewKeys
		}

	case expectNewKeys:
		if msg != sshmsg.NewKeys {
			return newError(KindUnexpectedMessage, sshmsg.DisconnectProtocolError,
				"was expecting SSH_MSG_NEWKEYS, got %v", msg)
		}
		if err := k.ensureKexOngoing(); err != nil {
			return err
		}
		log.Printf("KeyExchanger: received SSH_MSG_NEWKEYS")
		k.installInbound()
		k.setKexDone()
		k.expected = expectKexInit
	}

	return nil
}

func (k *keyExchanger) gotKexInit(buf *sshbuf.Buffer) error {
	serverProp, err := parseProposal(buf)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.serverProp = serverProp
	k.negotiated, err = k.clientProp.negotiate(serverProp)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("KeyExchanger: negotiated kex=%s hostkey=%s cipher=%s/%s mac=%s/%s comp=%s/%s",
		k.negotiated.kex, k.negotiated.hostKey,
		k.negotiated.cipherC2S, k.negotiated.cipherS2C,
		k.negotiated.macC2S, k.negotiated.macS2C,
		k.negotiated.compC2S, k.negotiated.compS2C)

	kex, ok := k.trans.config.newKex(k.negotiated.kex)
	if !ok {
		return kexError("no factory for negotiated kex algorithm %q", k.negotiated.kex)
	}
	k.kex = kex

	return kex.Init(sshkex.InitParams{
		Writer:     k.trans,
		PRNG:       k.trans.config.PRNG,
		Verify:     sshsig.Verify,
		HostKeyAlg: k.negotiated.hostKey,
		VC:         []byte(k.trans.ClientID()),
		VS:         []byte(k.trans.ServerID()),
		IC:         k.clientProp.packet,
		IS:         serverProp.packet,
	})
}

// verifyHost runs the registered verifiers until one accepts the key.
func (k *keyExchanger) verifyHost(keyBlob []byte) error {
	key, err := sshsig.ParsePublicKey(keyBlob)
	if err != nil {
		return &Error{Kind: KindKexFailed, Reason: sshmsg.DisconnectKeyExchangeFailed, Err: err}
	}

	k.mu.Lock()
	verifiers := append([]HostKeyVerifier(nil), k.hostVerifiers...)
	k.mu.Unlock()

	for _, v := range verifiers {
		if v.Verify(k.trans.RemoteAddr(), key) {
			return nil
		}
	}
	return &Error{
		Kind:   KindHostKeyNotVerifiable,
		Reason: sshmsg.DisconnectHostKeyNotVerifiable,
		Msg: "could not verify `" + key.Type() + "` host key with fingerprint `" +
			sshsig.Fingerprint(keyBlob) + "`",
	}
}

// finishExchange derives the session keys, sends NEWKEYS, and switches the
// outbound algorithms. The inbound set is held until the server's NEWKEYS.
func (k *keyExchanger) finishExchange() error {
	if k.sessionID == nil {
		h := k.kex.H()
		k.sessionID = make([]byte, len(h))
		copy(k.sessionID, h)
	}

	outCipher, outMAC, outComp, inCipher, inMAC, inComp, err := k.deriveAlgorithms()
	if err != nil {
		return err
	}
	k.pendingInbound = pendingAlgorithms{cipher: inCipher, mac: inMAC, comp: inComp}

	log.Printf("KeyExchanger: sending SSH_MSG_NEWKEYS")
	if _, err := k.trans.Write(sshbuf.NewPacket(byte(sshmsg.NewKeys))); err != nil {
		return err
	}
	// Our NEWKEYS is on the wire; everything we send from here on uses the
	// new algorithms. Writers carrying non-kex traffic are parked on the
	// done event, so nothing can interleave.
	k.trans.installOutbound(outCipher, outMAC, outComp)
	return nil
}

func (k *keyExchanger) installInbound() {
	p := k.pendingInbound
	k.trans.installInbound(p.cipher, p.mac, p.comp)
	k.pendingInbound = pendingAlgorithms{}
}

func (k *keyExchanger) setKexDone() {
	k.kexOngoing.Store(false)
	k.kexInitSent.Clear()
	future.Signal(k.done)
	k.trans.kexCompleted()
}

func (k *keyExchanger) notifyError(err error) {
	k.kexInitSent.Error(err)
	k.done.Error(err)
}

type pendingAlgorithms struct {
	cipher sshcipher.Cipher
	mac    sshmac.MAC
	comp   sshcomp.Compression
}
