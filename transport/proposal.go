package transport

import (
	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
	"github.com/dpat37/commons-net-ssh/sshrand"
)

const cookieLen = 16

// proposal is one side's KEXINIT contents: the cookie and the ten ordered
// name-lists of RFC 4253 §7.1.
type proposal struct {
	cookie [cookieLen]byte

	kexAlgs     []string
	hostKeyAlgs []string
	ciphersC2S  []string
	ciphersS2C  []string
	macsC2S     []string
	macsS2C     []string
	compC2S     []string
	compS2C     []string
	langC2S     []string
	langS2C     []string

	// packet is the KEXINIT payload (message byte included), kept for the
	// exchange-hash inputs I_C / I_S.
	packet []byte
}

// newProposal builds the client proposal from the configured factories.
func newProposal(config *Config, prng sshrand.Random) *proposal {
	p := &proposal{
		kexAlgs:     config.kexNames(),
		hostKeyAlgs: config.hostKeyNames(),
		ciphersC2S:  config.cipherNames(),
		ciphersS2C:  config.cipherNames(),
		macsC2S:     config.macNames(),
		macsS2C:     config.macNames(),
		compC2S:     config.compressionNames(),
		compS2C:     config.compressionNames(),
	}
	prng.Fill(p.cookie[:])

	buf := sshbuf.NewPacket(byte(sshmsg.KexInit))
	buf.PutRaw(p.cookie[:])
	buf.PutNameList(p.kexAlgs)
	buf.PutNameList(p.hostKeyAlgs)
	buf.PutNameList(p.ciphersC2S)
	buf.PutNameList(p.ciphersS2C)
	buf.PutNameList(p.macsC2S)
	buf.PutNameList(p.macsS2C)
	buf.PutNameList(p.compC2S)
	buf.PutNameList(p.compS2C)
	buf.PutNameList(p.langC2S)
	buf.PutNameList(p.langS2C)
	buf.PutBool(false) // first_kex_packet_follows
	buf.PutUint32(0)   // reserved
	p.packet = buf.CompactData()
	return p
}

// parseProposal reads a received KEXINIT whose read position is at the
// message byte.
func parseProposal(buf *sshbuf.Buffer) (*proposal, error) {
	p := &proposal{packet: buf.CompactData()}

	if _, err := buf.GetByte(); err != nil { // message id
		return nil, protocolError("truncated KEXINIT")
	}
	cookie, err := buf.GetRaw(cookieLen)
	if err != nil {
		return nil, protocolError("truncated KEXINIT cookie")
	}
	copy(p.cookie[:], cookie)

	lists := []*[]string{
		&p.kexAlgs, &p.hostKeyAlgs,
		&p.ciphersC2S, &p.ciphersS2C,
		&p.macsC2S, &p.macsS2C,
		&p.compC2S, &p.compS2C,
		&p.langC2S, &p.langS2C,
	}
	for _, list := range lists {
		if *list, err = buf.GetNameList(); err != nil {
			return nil, protocolError("truncated KEXINIT name-list")
		}
	}
	if _, err := buf.GetBool(); err != nil { // first_kex_packet_follows
		return nil, protocolError("truncated KEXINIT")
	}
	return p, nil
}

// packetBuffer returns the proposal payload framed for sending.
func (p *proposal) packetBuffer() *sshbuf.Buffer {
	buf := sshbuf.NewSize(len(p.packet) + sshbuf.HeaderSpace)
	buf.SetRPos(sshbuf.HeaderSpace)
	buf.SetWPos(sshbuf.HeaderSpace)
	buf.PutRaw(p.packet)
	return buf
}

// negotiatedAlgorithms is the outcome of matching a client proposal against
// a server proposal.
type negotiatedAlgorithms struct {
	kex     string
	hostKey string

	cipherC2S string
	cipherS2C string
	macC2S    string
	macS2C    string
	compC2S   string
	compS2C   string
}

// negotiate picks, per slot, the first client algorithm also present in the
// server list (RFC 4253 §7.1). An empty intersection in any required slot
// fails the exchange.
func (p *proposal) negotiate(server *proposal) (*negotiatedAlgorithms, error) {
	n := &negotiatedAlgorithms{}
	slots := []struct {
		name           string
		client, server []string
		result         *string
	}{
		{"kex", p.kexAlgs, server.kexAlgs, &n.kex},
		{"host key", p.hostKeyAlgs, server.hostKeyAlgs, &n.hostKey},
		{"cipher c2s", p.ciphersC2S, server.ciphersC2S, &n.cipherC2S},
		{"cipher s2c", p.ciphersS2C, server.ciphersS2C, &n.cipherS2C},
		{"mac c2s", p.macsC2S, server.macsC2S, &n.macC2S},
		{"mac s2c", p.macsS2C, server.macsS2C, &n.macS2C},
		{"compression c2s", p.compC2S, server.compC2S, &n.compC2S},
		{"compression s2c", p.compS2C, server.compS2C, &n.compS2C},
	}
	for _, slot := range slots {
		match, ok := firstMatch(slot.client, slot.server)
		if !ok {
			return nil, kexError("no agreement on %s algorithm (client %v, server %v)",
				slot.name, slot.client, slot.server)
		}
		*slot.result = match
	}
	return n, nil
}

func firstMatch(client, server []string) (string, bool) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, true
			}
		}
	}
	return "", false
}
