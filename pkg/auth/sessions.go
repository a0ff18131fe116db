package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	wgshare "github.com/sammck-go/wsgate/share"
)

// ErrNoSession is returned by Lookup for unknown, expired or logged out tokens
var ErrNoSession = errors.New("no session")

// SessionLookup finds the Identity for a session token. The returned Identity
// carries a reference owned by the caller.
type SessionLookup interface {
	Lookup(token string) (*Identity, error)
}

// Verifier checks a user's credentials and, if target is not empty, their
// permission to reach target
type Verifier interface {
	Verify(user, password, target string) error
}

type session struct {
	identity *Identity
	expires  time.Time
}

// SessionStore holds the sessions created by Login, keyed by a random token
type SessionStore struct {
	wgshare.Logger
	verifier Verifier
	lifetime time.Duration
	now      func() time.Time

	lock     sync.Mutex
	sessions map[string]*session
}

// NewSessionStore creates a SessionStore whose logins are checked by verifier
// and last for lifetime (forever if lifetime is 0)
func NewSessionStore(logger wgshare.Logger, verifier Verifier, lifetime time.Duration) *SessionStore {
	return &SessionStore{
		Logger:   logger.Fork("sessions"),
		verifier: verifier,
		lifetime: lifetime,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Login checks the credentials and returns a new session token
func (s *SessionStore) Login(user, password string) (string, error) {
	if err := s.verifier.Verify(user, password, ""); err != nil {
		return "", err
	}
	return s.Add(NewIdentity(user, password, SourceSession)), nil
}

// Add creates a session for identity, taking over the caller's reference, and
// returns its token
func (s *SessionStore) Add(identity *Identity) string {
	token := uuid.NewString()
	sess := &session{identity: identity}
	if s.lifetime > 0 {
		sess.expires = s.now().Add(s.lifetime)
	}
	s.lock.Lock()
	s.sessions[token] = sess
	s.lock.Unlock()
	s.DLogf("New session for %s", identity.User())
	return token
}

// Lookup returns a new reference to the identity of a live session
func (s *SessionStore) Lookup(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	s.lock.Lock()
	sess, ok := s.sessions[token]
	if ok && s.expired(sess) {
		delete(s.sessions, token)
		s.lock.Unlock()
		s.DLogf("Session for %s expired", sess.identity.User())
		sess.identity.Unref()
		return nil, ErrNoSession
	}
	s.lock.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return sess.identity.Ref(), nil
}

// Logout ends a session. Channels already using its identity keep their references.
func (s *SessionStore) Logout(token string) bool {
	s.lock.Lock()
	sess, ok := s.sessions[token]
	delete(s.sessions, token)
	s.lock.Unlock()
	if ok {
		s.DLogf("Logout of %s", sess.identity.User())
		sess.identity.Unref()
	}
	return ok
}

// Expire removes all expired sessions and returns how many were removed
func (s *SessionStore) Expire() int {
	var dead []*session
	s.lock.Lock()
	for token, sess := range s.sessions {
		if s.expired(sess) {
			dead = append(dead, sess)
			delete(s.sessions, token)
		}
	}
	s.lock.Unlock()
	for _, sess := range dead {
		sess.identity.Unref()
	}
	return len(dead)
}

// Len returns the number of sessions, including expired ones not yet removed
func (s *SessionStore) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) expired(sess *session) bool {
	return !sess.expires.IsZero() && !s.now().Before(sess.expires)
}
