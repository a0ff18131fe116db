package auth

import (
	"net/http"

	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

// DefaultCookieName is the name of the session cookie set by login
const DefaultCookieName = "wsgate"

// Resolver decides which Identity a connection and each of its channels act as
type Resolver struct {
	wgshare.Logger
	sessions   SessionLookup
	cookieName string
}

// NewResolver creates a Resolver that finds sessions in sessions (which may be
// nil, meaning only inline credentials are accepted)
func NewResolver(logger wgshare.Logger, sessions SessionLookup, cookieName string) *Resolver {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Resolver{
		Logger:     logger.Fork("auth"),
		sessions:   sessions,
		cookieName: cookieName,
	}
}

// CookieName returns the session cookie name
func (r *Resolver) CookieName() string {
	return r.cookieName
}

// ResolveConnection returns the Identity of the session named by the request's
// session cookie, or nil if there is no valid session. The caller owns the
// returned reference.
func (r *Resolver) ResolveConnection(header http.Header) *Identity {
	if r.sessions == nil {
		return nil
	}
	req := http.Request{Header: header}
	cookie, err := req.Cookie(r.cookieName)
	if err != nil {
		r.DLogf("No session cookie")
		return nil
	}
	identity, err := r.sessions.Lookup(cookie.Value)
	if err != nil {
		r.DLogf("Session cookie rejected: %s", err)
		return nil
	}
	r.DLogf("Connection authenticated as %s", identity)
	return identity
}

// ResolveChannel returns the Identity a channel opened with options acts as.
// Inline "user"/"password" options create a fresh identity for the channel;
// otherwise a new reference to conn is returned. With neither, the result is a
// *wsproto.Problem with reason no-session. The caller owns the returned reference.
func (r *Resolver) ResolveChannel(conn *Identity, options map[string]string) (*Identity, error) {
	if user := options[wsproto.OptionUser]; user != "" {
		return NewIdentity(user, options[wsproto.OptionPassword], SourceInline), nil
	}
	if conn == nil {
		return nil, wsproto.Problemf(wsproto.ReasonNoSession, "no session and no credentials")
	}
	return conn.Ref(), nil
}
