package hostkey

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	markerRevoked       = "revoked"
	markerCertAuthority = "cert-authority"
)

// Entry is one key line of a known_hosts file
type Entry struct {
	Marker string
	Hosts  []string
	Key    ssh.PublicKey
}

// Revoked reports whether the entry carries an @revoked marker
func (e *Entry) Revoked() bool {
	return e.Marker == markerRevoked
}

// Store is a source of known host keys
type Store interface {
	// Check returns nil if key is known for host:port. Otherwise it returns a
	// *knownhosts.RevokedError if key is revoked, or a *knownhosts.KeyError
	// whose Want lists the keys known for host:port, if any.
	Check(host string, port int, key ssh.PublicKey) error
}

// ParseKnownHosts parses the content of an OpenSSH known_hosts file for
// listing. Lines that cannot be parsed are skipped with a warning;
// @cert-authority lines are ignored. Host patterns are returned as written,
// so hashed hosts stay hashed.
func ParseKnownHosts(logger wgshare.Logger, data []byte) []Entry {
	var entries []Entry
	for i, line := range bytes.Split(data, []byte("\n")) {
		marker, hosts, key, _, _, err := ssh.ParseKnownHosts(line)
		if err == io.EOF {
			continue
		}
		if err != nil {
			logger.WLogf("Skipping known hosts line %d: %s", i+1, err)
			continue
		}
		if marker == markerCertAuthority {
			logger.DLogf("Skipping @cert-authority on line %d", i+1)
			continue
		}
		entries = append(entries, Entry{Marker: marker, Hosts: hosts, Key: key})
	}
	return entries
}

// KnownHosts is a Store backed by a known_hosts file that can optionally be
// reloaded when the file changes. Matching follows OpenSSH: hashed hosts,
// wildcards, negations, @revoked and @cert-authority are all honored.
type KnownHosts struct {
	wgshare.Logger
	path     string
	lock     sync.RWMutex
	callback ssh.HostKeyCallback
	count    int
	watcher  *wgshare.FileWatcher
}

// NewKnownHosts loads path. An empty path or /dev/null gives an empty store.
// If watch is true the file is reloaded whenever it changes; a reload that
// fails keeps the keys loaded before it.
func NewKnownHosts(logger wgshare.Logger, path string, watch bool) (*KnownHosts, error) {
	k := &KnownHosts{
		Logger: logger.Fork("known-hosts"),
		path:   path,
	}
	if path == "" || path == os.DevNull {
		callback, err := knownhosts.New()
		if err != nil {
			return nil, err
		}
		k.callback = callback
		return k, nil
	}
	if err := k.Load(); err != nil {
		return nil, err
	}
	if watch {
		w, err := wgshare.NewFileWatcher(k.Logger, path, k.Load)
		if err != nil {
			return nil, err
		}
		k.watcher = w
	}
	return k, nil
}

// Load rereads the file. A file with any malformed line is rejected.
func (k *KnownHosts) Load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return k.Errorf("Unable to read %s: %s", k.path, err)
	}
	callback, err := knownhosts.New(k.path)
	if err != nil {
		return k.Errorf("Unable to load %s: %s", k.path, err)
	}
	count := len(ParseKnownHosts(k.Logger, data))
	k.lock.Lock()
	k.callback = callback
	k.count = count
	k.lock.Unlock()
	k.DLogf("Loaded %d keys from %s", count, k.path)
	return nil
}

// Len returns the number of host keys currently loaded, not counting
// @cert-authority keys
func (k *KnownHosts) Len() int {
	k.lock.RLock()
	defer k.lock.RUnlock()
	return k.count
}

// Check verifies key for host:port
func (k *KnownHosts) Check(host string, port int, key ssh.PublicKey) error {
	k.lock.RLock()
	callback := k.callback
	k.lock.RUnlock()
	remote := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	return callback(net.JoinHostPort(host, strconv.Itoa(port)), remote, key)
}

// Close stops watching the file
func (k *KnownHosts) Close() error {
	if k.watcher == nil {
		return nil
	}
	return k.watcher.Close()
}
