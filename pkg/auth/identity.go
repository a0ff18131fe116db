// Package auth resolves who a browser channel acts as: a cookie session
// established by logging in, or credentials supplied inline when a channel is
// opened.
package auth

import (
	"sync"
)

// Source records how an Identity was established
type Source int

const (
	// SourceSession identities come from a session established by Login; their
	// password has already been checked
	SourceSession Source = iota

	// SourceInline identities come from credentials in an open request and have
	// not been checked by anyone yet
	SourceInline
)

func (s Source) String() string {
	if s == SourceInline {
		return "inline"
	}
	return "session"
}

// Identity is a resolved user and password. It is immutable once created, and
// reference counted: every channel using it, and the connection or session that
// resolved it, holds one reference. When the last reference is dropped the
// password is wiped and release hooks run.
type Identity struct {
	user   string
	source Source

	lock      sync.Mutex
	password  []byte
	refs      int
	onRelease []func()
}

// NewIdentity creates an Identity holding one reference
func NewIdentity(user, password string, source Source) *Identity {
	return &Identity{
		user:     user,
		source:   source,
		password: []byte(password),
		refs:     1,
	}
}

// User returns the principal name
func (i *Identity) User() string {
	return i.user
}

// Source returns how the identity was established
func (i *Identity) Source() Source {
	return i.source
}

// Password returns the secret, or "" once the identity has been released
func (i *Identity) Password() string {
	i.lock.Lock()
	defer i.lock.Unlock()
	return string(i.password)
}

// Ref adds a reference and returns i
func (i *Identity) Ref() *Identity {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.refs < 1 {
		panic("auth: Ref of released identity " + i.user)
	}
	i.refs++
	return i
}

// Unref drops a reference. The last Unref wipes the password and runs the
// release hooks, in the order they were added.
func (i *Identity) Unref() {
	i.lock.Lock()
	if i.refs < 1 {
		i.lock.Unlock()
		panic("auth: Unref of released identity " + i.user)
	}
	i.refs--
	if i.refs > 0 {
		i.lock.Unlock()
		return
	}
	for j := range i.password {
		i.password[j] = 0
	}
	i.password = nil
	hooks := i.onRelease
	i.onRelease = nil
	i.lock.Unlock()

	for _, f := range hooks {
		f()
	}
}

// OnRelease adds a hook to run when the last reference is dropped. If the
// identity is already released f runs immediately.
func (i *Identity) OnRelease(f func()) {
	i.lock.Lock()
	if i.refs > 0 {
		i.onRelease = append(i.onRelease, f)
		i.lock.Unlock()
		return
	}
	i.lock.Unlock()
	f()
}

// Refs returns the current reference count
func (i *Identity) Refs() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.refs
}

func (i *Identity) String() string {
	return i.user + "(" + i.source.String() + ")"
}
