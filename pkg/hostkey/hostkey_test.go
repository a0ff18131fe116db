package hostkey

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const mockRSAKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQCYzo07OA0H6f7orVun9nIVjGYrkf8AuPDScqWGzlKpAqSipoQ9oY/mwONwIOu4uhKh7FTQCq5p+NaOJ6+Q4z++xBzSOLFseKX+zyLxgNG28jnF06WSmrMsSfvPdNuZKt9rZcQFKn9fRNa8oixa+RsqEEVEvTYhGtRf7w2wsV49xIoIza/bln1ABX1YLaCByZow+dK3ZlHn/UU0r4ewpAIZhve4vCvAsMe5+6KJH8ft/OKXXQY06h6jCythLV4h18gY/sYosOa+/4XgpmBiE7fDeFRKVjP3mvkxMpxce+ckOFae2+aJu51h513S9kxY2PmKaV/JU9HBYO+yO4j+j24v"
const mockRSAFingerprint = "0e:6a:c8:b1:07:72:e2:04:95:9f:0e:b3:56:af:48:e2"

func mockKey(t *testing.T) ssh.PublicKey {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(mockRSAKey))
	if err != nil {
		t.Fatalf("Unable to parse mock key: %s", err)
	}
	return key
}

func otherKey(t *testing.T) ssh.PublicKey {
	signer, err := wgshare.GenerateSigner("")
	if err != nil {
		t.Fatalf("GenerateSigner failed: %s", err)
	}
	return signer.PublicKey()
}

func otherRSAKey(t *testing.T) ssh.PublicKey {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %s", err)
	}
	key, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("NewPublicKey failed: %s", err)
	}
	return key
}

func testLogger() wgshare.Logger {
	return wgshare.NewLogger("test", wgshare.LogLevelWarning)
}

func writeKnownHosts(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	return path
}

func TestRecord(t *testing.T) {
	rec := NewRecord("127.0.0.1", 2222, mockKey(t))
	if rec.Fingerprint() != mockRSAFingerprint {
		t.Fatalf("fingerprint was %s", rec.Fingerprint())
	}
	if rec.Line() != "[127.0.0.1]:2222 "+mockRSAKey {
		t.Fatalf("line was %q", rec.Line())
	}
	if rec.KeyType() != "ssh-rsa" {
		t.Fatalf("key type was %s", rec.KeyType())
	}

	rec = NewRecord("example.com", 22, mockKey(t))
	if rec.Line() != "example.com "+mockRSAKey {
		t.Fatalf("line for default port was %q", rec.Line())
	}
}

func newKnownHosts(t *testing.T, content string) *KnownHosts {
	t.Helper()
	k, err := NewKnownHosts(testLogger(), writeKnownHosts(t, t.TempDir(), content), false)
	if err != nil {
		t.Fatalf("NewKnownHosts failed: %s", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func hashedLine(addr string, key ssh.PublicKey) string {
	return knownhosts.HashHostname(knownhosts.Normalize(addr)) + " " + string(ssh.MarshalAuthorizedKey(key))
}

func requireKeyError(t *testing.T, err error, wantKnown int) {
	t.Helper()
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected a KeyError, got %v", err)
	}
	if len(keyErr.Want) != wantKnown {
		t.Fatalf("expected %d known keys, got %d", wantKnown, len(keyErr.Want))
	}
}

func TestKnownHostsCheck(t *testing.T) {
	key := mockKey(t)
	other := otherKey(t)
	k := newKnownHosts(t, "# comment\n\n"+
		"[127.0.0.1]:2222 "+mockRSAKey+"\n"+
		"alpha,beta "+mockRSAKey+" comment\n"+
		"*.example.com,!bad.example.com "+mockRSAKey+"\n"+
		hashedLine("10.0.0.5:2222", other)+
		"@cert-authority *.example.org "+mockRSAKey+"\n")

	if k.Len() != 4 {
		t.Fatalf("expected 4 keys, got %d", k.Len())
	}
	if err := k.Check("127.0.0.1", 2222, key); err != nil {
		t.Fatalf("[127.0.0.1]:2222 not matched: %s", err)
	}
	requireKeyError(t, k.Check("127.0.0.1", 22, key), 0)
	if err := k.Check("beta", 22, key); err != nil {
		t.Fatalf("beta not matched: %s", err)
	}
	if err := k.Check("www.example.com", 22, key); err != nil {
		t.Fatalf("wildcard not matched: %s", err)
	}
	requireKeyError(t, k.Check("bad.example.com", 22, key), 0)
	if err := k.Check("10.0.0.5", 2222, other); err != nil {
		t.Fatalf("hashed host not matched: %s", err)
	}
	requireKeyError(t, k.Check("10.0.0.5", 2222, key), 1)
}

func TestKnownHostsMalformed(t *testing.T) {
	path := writeKnownHosts(t, t.TempDir(), "[127.0.0.1]:2222 "+mockRSAKey+"\ngarbage line\n")
	if _, err := NewKnownHosts(testLogger(), path, false); err == nil {
		t.Fatalf("malformed known hosts file accepted")
	}
}

func TestKnownHostsEmpty(t *testing.T) {
	for _, path := range []string{"", os.DevNull} {
		k, err := NewKnownHosts(testLogger(), path, true)
		if err != nil {
			t.Fatalf("NewKnownHosts(%q) failed: %s", path, err)
		}
		if k.Len() != 0 {
			t.Fatalf("expected empty store for %q", path)
		}
		requireKeyError(t, k.Check("127.0.0.1", 22, mockKey(t)), 0)
		k.Close()
	}
	if _, err := NewKnownHosts(testLogger(), filepath.Join(t.TempDir(), "missing"), false); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestKnownHostsReload(t *testing.T) {
	dir := t.TempDir()
	path := writeKnownHosts(t, dir, "")
	k, err := NewKnownHosts(testLogger(), path, true)
	if err != nil {
		t.Fatalf("NewKnownHosts failed: %s", err)
	}
	defer k.Close()
	if k.Len() != 0 {
		t.Fatalf("expected empty store")
	}

	writeKnownHosts(t, dir, "[127.0.0.1]:2222 "+mockRSAKey+"\n")
	deadline := time.Now().Add(5 * time.Second)
	for k.Check("127.0.0.1", 2222, mockKey(t)) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("known hosts file was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func requireUnknown(t *testing.T, err error, rec *Record) {
	t.Helper()
	var p *wsproto.Problem
	if !errors.As(err, &p) {
		t.Fatalf("expected a Problem, got %v", err)
	}
	if p.Reason != wsproto.ReasonUnknownHostKey {
		t.Fatalf("reason was %s", p.Reason)
	}
	if p.Options[wsproto.OptionHostKey] != rec.Line() {
		t.Fatalf("host-key was %q", p.Options[wsproto.OptionHostKey])
	}
	if p.Options[wsproto.OptionHostFingerprint] != rec.Fingerprint() {
		t.Fatalf("host-fingerprint was %q", p.Options[wsproto.OptionHostFingerprint])
	}
}

func TestPolicyOverride(t *testing.T) {
	p := NewPolicy(testLogger(), nil)
	rec := NewRecord("127.0.0.1", 2222, mockKey(t))

	err := p.Verify(rec, "")
	requireUnknown(t, err, rec)
	if rec.Fingerprint() != mockRSAFingerprint {
		t.Fatalf("fingerprint was %s", rec.Fingerprint())
	}

	if err := p.Verify(rec, "[127.0.0.1]:2222 "+mockRSAKey); err != nil {
		t.Fatalf("matching override rejected: %s", err)
	}
	if err := p.Verify(rec, "[127.0.0.1]:2222 "+mockRSAKey+"\n"); err != nil {
		t.Fatalf("matching override with newline rejected: %s", err)
	}
	requireUnknown(t, p.Verify(rec, "[127.0.0.1]:2223 "+mockRSAKey), rec)
	requireUnknown(t, p.Verify(rec, "[127.0.0.1]:2222 "+NewRecord("x", 22, otherKey(t)).Line()), rec)
}

func TestPolicyStore(t *testing.T) {
	key := mockKey(t)
	rec := NewRecord("127.0.0.1", 2222, key)

	p := NewPolicy(testLogger(), newKnownHosts(t, "[127.0.0.1]:2222 "+mockRSAKey+"\n"))
	if err := p.Verify(rec, ""); err != nil {
		t.Fatalf("known key rejected: %s", err)
	}

	// a different key of the same type, then of another type
	changed := NewRecord("127.0.0.1", 2222, otherRSAKey(t))
	requireUnknown(t, p.Verify(changed, ""), changed)
	otherType := NewRecord("127.0.0.1", 2222, otherKey(t))
	requireUnknown(t, p.Verify(otherType, ""), otherType)

	requireUnknown(t, p.Verify(NewRecord("127.0.0.1", 2223, key), ""), NewRecord("127.0.0.1", 2223, key))

	p = NewPolicy(testLogger(), newKnownHosts(t, "[127.0.0.1]:2222 "+mockRSAKey+"\n@revoked * "+mockRSAKey+"\n"))
	requireUnknown(t, p.Verify(rec, ""), rec)
}

func TestPolicyHashedEntry(t *testing.T) {
	rec := NewRecord("10.0.0.5", 2222, mockKey(t))
	p := NewPolicy(testLogger(), newKnownHosts(t, hashedLine("[10.0.0.5]:2222", rec.Key)))
	if err := p.Verify(rec, ""); err != nil {
		t.Fatalf("hashed known host rejected: %s", err)
	}
	other := NewRecord("10.0.0.6", 2222, mockKey(t))
	requireUnknown(t, p.Verify(other, ""), other)
}

func TestHostKeyCallback(t *testing.T) {
	p := NewPolicy(testLogger(), nil)
	var seen *Record
	cb := p.HostKeyCallback("127.0.0.1", 2222, "", func(r *Record) { seen = r })
	err := cb("127.0.0.1:2222", nil, mockKey(t))
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if seen == nil || seen.Fingerprint() != mockRSAFingerprint {
		t.Fatalf("record not reported")
	}
}
