package transport

import (
	"math/big"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshmac"
)

// deriveAlgorithms produces both freshly keyed algorithm sets from the
// exchange output, per RFC 4253 §7.2: six byte strings
// HASH(K || H || X || session_id) for X in 'A'..'F', each extended by
// repeated hashing until long enough for its consumer.
func (k *keyExchanger) deriveAlgorithms() (
	outCipher sshcipher.Cipher, outMAC sshmac.MAC, outComp sshcomp.Compression,
	inCipher sshcipher.Cipher, inMAC sshmac.MAC, inComp sshcomp.Compression,
	err error,
) {
	kk := k.kex.K()
	h := k.kex.H()

	base := sshbuf.New()
	base.PutMPInt(kk)
	base.PutRaw(h)
	marker := base.WPos()
	base.PutByte(0) // placeholder for X
	base.PutRaw(k.sessionID)

	derive := func(x byte) []byte {
		base.Array()[marker] = x
		sum := k.kex.NewHash()
		sum.Write(base.Bytes())
		return sum.Sum(nil)
	}

	ivC2S := derive('A')
	ivS2C := derive('B')
	encKeyC2S := derive('C')
	encKeyS2C := derive('D')
	intKeyC2S := derive('E')
	intKeyS2C := derive('F')

	n := k.negotiated

	outCipher, ok := k.trans.config.newCipher(n.cipherC2S)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for cipher %q", n.cipherC2S)
	}
	inCipher, ok = k.trans.config.newCipher(n.cipherS2C)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for cipher %q", n.cipherS2C)
	}

	encKeyC2S = k.resizedKey(encKeyC2S, outCipher.KeySize(), kk, h)
	ivC2S = k.resizedKey(ivC2S, outCipher.IVSize(), kk, h)
	if err = outCipher.Init(sshcipher.Encrypt, encKeyC2S, ivC2S); err != nil {
		return nil, nil, nil, nil, nil, nil, chain(err)
	}

	encKeyS2C = k.resizedKey(encKeyS2C, inCipher.KeySize(), kk, h)
	ivS2C = k.resizedKey(ivS2C, inCipher.IVSize(), kk, h)
	if err = inCipher.Init(sshcipher.Decrypt, encKeyS2C, ivS2C); err != nil {
		return nil, nil, nil, nil, nil, nil, chain(err)
	}

	outMAC, ok = k.trans.config.newMAC(n.macC2S)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for MAC %q", n.macC2S)
	}
	outMAC.Init(k.resizedKey(intKeyC2S, outMAC.KeySize(), kk, h))

	inMAC, ok = k.trans.config.newMAC(n.macS2C)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for MAC %q", n.macS2C)
	}
	inMAC.Init(k.resizedKey(intKeyS2C, inMAC.KeySize(), kk, h))

	outComp, ok = k.trans.config.newCompression(n.compC2S)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for compression %q", n.compC2S)
	}
	inComp, ok = k.trans.config.newCompression(n.compS2C)
	if !ok {
		return nil, nil, nil, nil, nil, nil, kexError("no factory for compression %q", n.compS2C)
	}

	return outCipher, outMAC, outComp, inCipher, inMAC, inComp, nil
}

// resizedKey extends key material by hashing HASH(K || H || prior) until it
// covers the needed length.
func (k *keyExchanger) resizedKey(key []byte, needed int, kk *big.Int, h []byte) []byte {
	for len(key) < needed {
		buf := sshbuf.New()
		buf.PutMPInt(kk)
		buf.PutRaw(h)
		buf.PutRaw(key)
		sum := k.kex.NewHash()
		sum.Write(buf.Bytes())
		key = append(key, sum.Sum(nil)...)
	}
	return key
}
