package hostkey

import (
	"errors"
	"net"
	"strings"

	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Policy decides whether a presented host key is trusted
type Policy struct {
	wgshare.Logger
	store Store
}

// NewPolicy creates a Policy that trusts keys found in store. store may be nil,
// in which case only keys matching a per-request override are trusted.
func NewPolicy(logger wgshare.Logger, store Store) *Policy {
	return &Policy{
		Logger: logger.Fork("host-key"),
		store:  store,
	}
}

// Verify returns nil if rec is trusted. If override is non-empty it is the only
// acceptable known_hosts line for the host; otherwise the store is consulted.
// An untrusted key yields a *wsproto.Problem with reason unknown-hostkey that
// carries the presented key's line and fingerprint so the user can confirm it.
func (p *Policy) Verify(rec *Record, override string) error {
	line := rec.Line()
	if override != "" {
		if strings.TrimRight(override, "\r\n") == line {
			p.DLogf("%s matches supplied host key", rec)
			return nil
		}
		p.ILogf("%s does not match supplied host key", rec)
		return p.unknown(rec, "presented host key does not match the expected key")
	}

	if p.store == nil {
		return p.unknown(rec, "no known host keys")
	}
	var revoked *knownhosts.RevokedError
	var keyErr *knownhosts.KeyError
	err := p.store.Check(rec.Host, rec.Port, rec.Key)
	switch {
	case err == nil:
		p.DLogf("%s is a known host key", rec)
		return nil
	case errors.As(err, &revoked):
		p.WLogf("%s is revoked", rec)
		return p.unknown(rec, "host key is revoked")
	case errors.As(err, &keyErr):
		for _, want := range keyErr.Want {
			if want.Key.Type() == rec.KeyType() {
				p.WLogf("Host key for %s has CHANGED; presented %s, %s:%d has %s",
					rec.KnownHostsAddress(), rec.Fingerprint(), want.Filename, want.Line, wgshare.FingerprintKey(want.Key))
				return p.unknown(rec, "host key has changed")
			}
		}
		p.ILogf("%s is not a known host key", rec)
		return p.unknown(rec, "host key is not known")
	default:
		p.WLogf("Unable to check %s: %s", rec, err)
		return p.unknown(rec, err.Error())
	}
}

func (p *Policy) unknown(rec *Record, why string) error {
	return wsproto.Problemf(wsproto.ReasonUnknownHostKey, "%s: %s", rec.KnownHostsAddress(), why).
		WithOption(wsproto.OptionHostKey, rec.Line()).
		WithOption(wsproto.OptionHostFingerprint, rec.Fingerprint())
}

// HostKeyCallback returns an ssh.HostKeyCallback that verifies the key presented
// for host:port. Every presented record is passed to seen, if not nil, before
// the decision is made.
func (p *Policy) HostKeyCallback(host string, port int, override string, seen func(*Record)) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		rec := NewRecord(host, port, key)
		if seen != nil {
			seen(rec)
		}
		return p.Verify(rec, override)
	}
}
