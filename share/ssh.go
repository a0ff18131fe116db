package wgshare

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a PEM encoded ed25519 keypair usable as an SSH host key,
// using an optional seed that will produce the same keypair every time. If
// seed is "", a random key will be generated.
func GenerateKey(seed string) ([]byte, error) {
	var r io.Reader = rand.Reader
	if seed != "" {
		r = NewSeedReader([]byte(seed))
	}
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("Unable to marshal ed25519 private key: %v", err)
	}
	return pem.EncodeToMemory(block), nil
}

// GenerateSigner is GenerateKey followed by ssh.ParsePrivateKey
func GenerateSigner(seed string) (ssh.Signer, error) {
	key, err := GenerateKey(seed)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// FingerprintKey returns the colon separated hex MD5 fingerprint of an SSH
// public key (e.g. "0e:6a:c8:b1:..."), the form shown to users when asking
// them to confirm a host key.
func FingerprintKey(k ssh.PublicKey) string {
	return ssh.FingerprintLegacyMD5(k)
}
