package sshkex

import (
	"errors"
	"fmt"
	"hash"
	"math/big"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// dh holds the Diffie-Hellman state for one exchange: group parameters, our
// keypair and, once the reply arrives, the shared secret.
type dh struct {
	p, g *big.Int
	x    *big.Int // private exponent
	e    *big.Int // our public value
	f    *big.Int // server public value
	k    *big.Int // shared secret
}

func (d *dh) generateE(prng interface{ Fill([]byte) }) error {
	// Private exponent with the byte length of p, redrawn until it lies in
	// [2, p-2].
	raw := make([]byte, (d.p.BitLen()+7)/8)
	for {
		prng.Fill(raw)
		d.x = new(big.Int).SetBytes(raw)
		pMinus2 := new(big.Int).Sub(d.p, big.NewInt(2))
		if d.x.Cmp(big.NewInt(2)) >= 0 && d.x.Cmp(pMinus2) <= 0 {
			break
		}
	}
	d.e = new(big.Int).Exp(d.g, d.x, d.p)
	return nil
}

func (d *dh) computeK(f *big.Int) error {
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(d.p, one)
	if f.Cmp(one) <= 0 || f.Cmp(pMinus1) >= 0 {
		return errors.New("sshkex: server DH public value out of range")
	}
	d.f = f
	d.k = new(big.Int).Exp(f, d.x, d.p)
	return nil
}

// dhg is the diffie-hellman-groupN-sha1 method: fixed group, SHA-1 exchange
// hash, followup packets KEXDH_INIT / KEXDH_REPLY.
type dhg struct {
	dh      dh
	params  InitParams
	hostKey []byte
	h       []byte
}

func newDHG(p *big.Int) KeyExchange {
	return &dhg{dh: dh{p: p, g: big.NewInt(2)}}
}

func (k *dhg) Init(p InitParams) error {
	k.params = p
	if err := k.dh.generateE(p.PRNG); err != nil {
		return err
	}
	req := sshbuf.NewPacket(byte(sshmsg.KexDHInit))
	req.PutMPInt(k.dh.e)
	_, err := p.Writer.Write(req)
	return err
}

func (k *dhg) Next(msg sshmsg.Message, buf *sshbuf.Buffer) (bool, error) {
	if msg != sshmsg.KexDHReply {
		return false, fmt.Errorf("sshkex: expected SSH_MSG_KEXDH_REPLY, got %v", msg)
	}

	hostKey, err := buf.GetBytes()
	if err != nil {
		return false, fmt.Errorf("sshkex: malformed KEXDH_REPLY: %w", err)
	}
	f, err := buf.GetMPInt()
	if err != nil {
		return false, fmt.Errorf("sshkex: malformed KEXDH_REPLY: %w", err)
	}
	sig, err := buf.GetBytes()
	if err != nil {
		return false, fmt.Errorf("sshkex: malformed KEXDH_REPLY: %w", err)
	}

	if err := k.dh.computeK(f); err != nil {
		return false, err
	}
	k.hostKey = hostKey
	k.h = k.exchangeHash()

	if err := k.params.Verify(hostKey, k.params.HostKeyAlg, sig, k.h); err != nil {
		return false, err
	}
	return true, nil
}

// exchangeHash computes H per RFC 4253 §8.
func (k *dhg) exchangeHash() []byte {
	b := sshbuf.New()
	b.PutBytes(k.params.VC)
	b.PutBytes(k.params.VS)
	b.PutBytes(k.params.IC)
	b.PutBytes(k.params.IS)
	b.PutBytes(k.hostKey)
	b.PutMPInt(k.dh.e)
	b.PutMPInt(k.dh.f)
	b.PutMPInt(k.dh.k)

	sum := sha1New()
	sum.Write(b.Bytes())
	return sum.Sum(nil)
}

func (k *dhg) HostKey() []byte    { return k.hostKey }
func (k *dhg) H() []byte          { return k.h }
func (k *dhg) K() *big.Int        { return k.dh.k }
func (k *dhg) NewHash() hash.Hash { return sha1New() }
