package sshkex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/sshrand"
	"github.com/dpat37/commons-net-ssh/sshsig"
)

// captureWriter records packets a key exchange sends.
type captureWriter struct {
	packets []*sshbuf.Buffer
}

func (w *captureWriter) Write(buf *sshbuf.Buffer) (uint32, error) {
	w.packets = append(w.packets, buf)
	return uint32(len(w.packets)), nil
}

func TestDHSharedSecretAgreement(t *testing.T) {
	p := group14P()
	g := big.NewInt(2)
	prng := sshrand.NewCryptoRandom()

	client := &dh{p: p, g: g}
	require.NoError(t, client.generateE(prng))

	server := &dh{p: p, g: g}
	require.NoError(t, server.generateE(prng))

	require.NoError(t, client.computeK(server.e))
	require.NoError(t, server.computeK(client.e))
	assert.Zero(t, client.k.Cmp(server.k), "both sides must derive the same K")
}

func TestDHRejectsDegeneratePublicValues(t *testing.T) {
	p := group1P()
	d := &dh{p: p, g: big.NewInt(2)}
	require.NoError(t, d.generateE(sshrand.NewCryptoRandom()))

	assert.Error(t, d.computeK(big.NewInt(0)))
	assert.Error(t, d.computeK(big.NewInt(1)))
	assert.Error(t, d.computeK(new(big.Int).Sub(p, big.NewInt(1))))
}

// TestDHGFullExchange plays the server role against the dhg method and
// checks that the exchange hash verifies.
func TestDHGFullExchange(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(rsaKey)
	require.NoError(t, err)
	hostKeyBlob := signer.PublicKey().Marshal()

	w := &captureWriter{}
	kex := newDHG(group1P())

	vc := []byte("SSH-2.0-NET_3_0")
	vs := []byte("SSH-2.0-OpenSSH_8.9")
	ic := []byte{byte(sshmsg.KexInit), 1, 2, 3}
	is := []byte{byte(sshmsg.KexInit), 4, 5, 6}

	require.NoError(t, kex.Init(InitParams{
		Writer:     w,
		PRNG:       sshrand.NewCryptoRandom(),
		Verify:     sshsig.Verify,
		HostKeyAlg: "ssh-rsa",
		VC:         vc, VS: vs, IC: ic, IS: is,
	}))
	require.Len(t, w.packets, 1, "Init must send KEXDH_INIT")

	// Server: read e, pick y, compute f and K, sign H.
	init := w.packets[0]
	msgByte, err := init.GetByte()
	require.NoError(t, err)
	require.Equal(t, sshmsg.KexDHInit, sshmsg.Message(msgByte))
	e, err := init.GetMPInt()
	require.NoError(t, err)

	p := group1P()
	y := big.NewInt(0xbeefcafe)
	f := new(big.Int).Exp(big.NewInt(2), y, p)
	k := new(big.Int).Exp(e, y, p)

	hashIn := sshbuf.New()
	hashIn.PutBytes(vc)
	hashIn.PutBytes(vs)
	hashIn.PutBytes(ic)
	hashIn.PutBytes(is)
	hashIn.PutBytes(hostKeyBlob)
	hashIn.PutMPInt(e)
	hashIn.PutMPInt(f)
	hashIn.PutMPInt(k)
	sum := sha1.Sum(hashIn.Bytes())

	sig, err := signer.Sign(rand.Reader, sum[:])
	require.NoError(t, err)
	sigBlob := sshbuf.New()
	sigBlob.PutString(sig.Format)
	sigBlob.PutBytes(sig.Blob)

	reply := sshbuf.New()
	reply.PutBytes(hostKeyBlob)
	reply.PutMPInt(f)
	reply.PutBytes(sigBlob.Bytes())

	done, err := kex.Next(sshmsg.KexDHReply, reply)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, sum[:], kex.H())
	assert.Zero(t, k.Cmp(kex.K()))
	assert.Equal(t, hostKeyBlob, kex.HostKey())
}

func TestDHGRejectsWrongMessage(t *testing.T) {
	kex := newDHG(group1P())
	w := &captureWriter{}
	require.NoError(t, kex.Init(InitParams{
		Writer: w,
		PRNG:   sshrand.NewCryptoRandom(),
		Verify: sshsig.Verify,
		VC:     []byte("a"), VS: []byte("b"), IC: []byte("c"), IS: []byte("d"),
	}))
	_, err := kex.Next(sshmsg.NewKeys, sshbuf.New())
	assert.Error(t, err)
}
