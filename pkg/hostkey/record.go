// Package hostkey decides whether the host key presented by a backend SSH server
// is trusted, either against a caller supplied known-hosts line or against an
// OpenSSH known_hosts file.
package hostkey

import (
	"net"
	"strconv"

	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultSSHPort is the port that is omitted from known-hosts addresses
const DefaultSSHPort = 22

// Record is the host key presented by a remote host during a handshake
type Record struct {
	Host string
	Port int
	Key  ssh.PublicKey
}

// NewRecord creates a Record for a key presented by host:port
func NewRecord(host string, port int, key ssh.PublicKey) *Record {
	return &Record{Host: host, Port: port, Key: key}
}

// Address returns the dialed "host:port" address
func (r *Record) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// KnownHostsAddress returns the address as it appears in a known_hosts file:
// "host" for port 22, "[host]:port" otherwise
func (r *Record) KnownHostsAddress() string {
	return knownhosts.Normalize(r.Address())
}

// KeyType returns the SSH key algorithm name, e.g. "ssh-rsa"
func (r *Record) KeyType() string {
	return r.Key.Type()
}

// Fingerprint returns the MD5 colon-hex fingerprint of the key
func (r *Record) Fingerprint() string {
	return wgshare.FingerprintKey(r.Key)
}

// Line returns the canonical known_hosts line for this key, without a trailing newline
func (r *Record) Line() string {
	return knownhosts.Line([]string{r.Address()}, r.Key)
}

func (r *Record) String() string {
	return r.KnownHostsAddress() + " " + r.KeyType() + " " + r.Fingerprint()
}
