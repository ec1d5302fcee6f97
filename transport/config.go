package transport

import (
	"time"

	"github.com/dpat37/commons-net-ssh/sshcipher"
	"github.com/dpat37/commons-net-ssh/sshcomp"
	"github.com/dpat37/commons-net-ssh/sshkex"
	"github.com/dpat37/commons-net-ssh/sshmac"
	"github.com/dpat37/commons-net-ssh/sshrand"
	"github.com/dpat37/commons-net-ssh/sshsig"
)

// Config is the crypto provider handle for a transport: the named algorithm
// factories advertised during negotiation, the PRNG, and operational knobs.
// The factory list order is the client's preference order.
type Config struct {
	// Version is the software version string sent in the identification line
	// after "SSH-2.0-".
	Version string

	KexFactories         []sshkex.Factory
	HostKeyFactories     []sshsig.Factory
	CipherFactories      []sshcipher.Factory
	MACFactories         []sshmac.Factory
	CompressionFactories []sshcomp.Factory

	PRNG sshrand.Random

	// Timeout bounds blocking waits on transport events (kex done, service
	// accept). Zero means wait forever.
	Timeout time.Duration
}

// DefaultConfig returns a config advertising every algorithm whose factory
// constructs successfully. Ciphers are probed with dummy key material so a
// missing implementation drops out of the proposal instead of failing the
// connection later.
func DefaultConfig() *Config {
	c := &Config{
		Version:              "NET_3_0",
		KexFactories:         sshkex.Factories(),
		HostKeyFactories:     sshsig.Factories(),
		MACFactories:         sshmac.Factories(),
		CompressionFactories: sshcomp.Factories(),
		PRNG:                 sshrand.NewCryptoRandom(),
	}

	for _, f := range sshcipher.Factories() {
		if f.Name == "none" {
			continue
		}
		cipher := f.New()
		key := make([]byte, cipher.KeySize())
		iv := make([]byte, cipher.IVSize())
		if err := cipher.Init(sshcipher.Encrypt, key, iv); err != nil {
			continue
		}
		c.CipherFactories = append(c.CipherFactories, f)
	}

	return c
}

func (c *Config) kexNames() []string {
	names := make([]string, len(c.KexFactories))
	for i, f := range c.KexFactories {
		names[i] = f.Name
	}
	return names
}

func (c *Config) hostKeyNames() []string {
	names := make([]string, len(c.HostKeyFactories))
	for i, f := range c.HostKeyFactories {
		names[i] = f.Name
	}
	return names
}

func (c *Config) cipherNames() []string {
	names := make([]string, len(c.CipherFactories))
	for i, f := range c.CipherFactories {
		names[i] = f.Name
	}
	return names
}

func (c *Config) macNames() []string {
	names := make([]string, len(c.MACFactories))
	for i, f := range c.MACFactories {
		names[i] = f.Name
	}
	return names
}

func (c *Config) compressionNames() []string {
	names := make([]string, len(c.CompressionFactories))
	for i, f := range c.CompressionFactories {
		names[i] = f.Name
	}
	return names
}

func (c *Config) newKex(name string) (sshkex.KeyExchange, bool) {
	for _, f := range c.KexFactories {
		if f.Name == name {
			return f.New(), true
		}
	}
	return nil, false
}

func (c *Config) newCipher(name string) (sshcipher.Cipher, bool) {
	for _, f := range c.CipherFactories {
		if f.Name == name {
			return f.New(), true
		}
	}
	return nil, false
}

func (c *Config) newMAC(name string) (sshmac.MAC, bool) {
	for _, f := range c.MACFactories {
		if f.Name == name {
			return f.New(), true
		}
	}
	return nil, false
}

// newCompression returns nil for the "none" method.
func (c *Config) newCompression(name string) (sshcomp.Compression, bool) {
	for _, f := range c.CompressionFactories {
		if f.Name == name {
			if f.New == nil {
				return nil, true
			}
			return f.New(), true
		}
	}
	return nil, false
}
