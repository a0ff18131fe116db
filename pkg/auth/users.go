package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

// ErrNotAuthorized is returned (wrapped in a *wsproto.Problem) when a user
// name, password or target is rejected
var ErrNotAuthorized = errors.New("not authorized")

// UserAllowAll is a regular expression used to match any target
var UserAllowAll = regexp.MustCompile("")

// ParseAuth parses a ":"-delimited authorization string pair. Returns
// two empty strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// User describes a single user's authorization info, including name, password,
// and a list of target host regular expressions that the user may reach
type User struct {
	Name  string
	Pass  string
	Addrs []*regexp.Regexp
}

// HasAccess returns True if a given target matches the allowed target patterns
// for the user
func (u *User) HasAccess(addr string) bool {
	m := false
	for _, r := range u.Addrs {
		if r.MatchString(addr) {
			m = true
			break
		}
	}
	return m
}

// Users is a thread-safe set of users keyed by name
type Users struct {
	sync.RWMutex
	inner map[string]*User
}

// NewUsers creates an empty user set
func NewUsers() *Users {
	return &Users{inner: map[string]*User{}}
}

// Len returns the number of users
func (u *Users) Len() int {
	u.RLock()
	l := len(u.inner)
	u.RUnlock()
	return l
}

// Get finds a user by name
func (u *Users) Get(name string) (*User, bool) {
	u.RLock()
	user, found := u.inner[name]
	u.RUnlock()
	return user, found
}

// Del removes a user by name
func (u *Users) Del(name string) {
	u.Lock()
	delete(u.inner, name)
	u.Unlock()
}

// AddUser adds or replaces a user
func (u *Users) AddUser(user *User) {
	u.Lock()
	u.inner[user.Name] = user
	u.Unlock()
}

// Reset replaces all users
func (u *Users) Reset(users []*User) {
	m := map[string]*User{}
	for _, user := range users {
		m[user.Name] = user
	}
	u.Lock()
	u.inner = m
	u.Unlock()
}

// UserIndex is a reloadable user source. Users come from an auth file of the form
//
//	{"user:pass": ["target-regex", ...], ...}
//
// (an empty list, "" or "*" allows any target) and from users added directly.
type UserIndex struct {
	wgshare.Logger
	*Users
	configFile string
	extra      []*User
	watcher    *wgshare.FileWatcher
}

// NewUserIndex creates an empty UserIndex
func NewUserIndex(logger wgshare.Logger) *UserIndex {
	return &UserIndex{
		Logger: logger.Fork("users"),
		Users:  NewUsers(),
	}
}

// AddAuth adds a "user:pass" user that may reach any target. Users added this
// way survive reloads of the auth file.
func (u *UserIndex) AddAuth(auth string) error {
	user := &User{Addrs: []*regexp.Regexp{UserAllowAll}}
	user.Name, user.Pass = ParseAuth(auth)
	if user.Name == "" {
		return u.Errorf("Invalid user:pass string")
	}
	u.extra = append(u.extra, user)
	u.AddUser(user)
	return nil
}

// LoadUsers loads users from configFile and, if watch is true, reloads them
// whenever the file changes
func (u *UserIndex) LoadUsers(configFile string, watch bool) error {
	u.configFile = configFile
	u.ILogf("Loading configuration file %s", configFile)
	if err := u.loadUserIndex(); err != nil {
		return err
	}
	if watch {
		w, err := wgshare.NewFileWatcher(u.Logger, configFile, u.loadUserIndex)
		if err != nil {
			return err
		}
		u.watcher = w
	}
	return nil
}

func (u *UserIndex) loadUserIndex() error {
	if u.configFile == "" {
		return u.Errorf("Configuration file not set")
	}
	b, err := os.ReadFile(u.configFile)
	if err != nil {
		return u.Errorf("Failed to read auth file: %s, error: %s", u.configFile, err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return u.Errorf("Invalid JSON: %s", err)
	}
	users := []*User{}
	for auth, remotes := range raw {
		user := &User{}
		user.Name, user.Pass = ParseAuth(auth)
		if user.Name == "" {
			return u.Errorf("Invalid user:pass string")
		}
		if len(remotes) == 0 {
			user.Addrs = append(user.Addrs, UserAllowAll)
		}
		for _, r := range remotes {
			if r == "" || r == "*" {
				user.Addrs = append(user.Addrs, UserAllowAll)
			} else {
				re, err := regexp.Compile(r)
				if err != nil {
					return u.Errorf("Invalid address regex %q: %s", r, err)
				}
				user.Addrs = append(user.Addrs, re)
			}
		}
		users = append(users, user)
	}
	users = append(users, u.extra...)
	u.Reset(users)
	u.DLogf("Loaded %d users", len(users))
	return nil
}

// Verify checks a user's password and, if target is not empty, that the user
// may reach target. Failures are *wsproto.Problem values with reason
// not-authorized wrapping ErrNotAuthorized.
func (u *UserIndex) Verify(name, password, target string) error {
	user, found := u.Get(name)
	if !found || subtle.ConstantTimeCompare([]byte(user.Pass), []byte(password)) != 1 {
		u.DLogf("Login failed for user: %s", name)
		return wsproto.NewProblem(wsproto.ReasonNotAuthorized, ErrNotAuthorized)
	}
	if target != "" && !user.HasAccess(target) {
		u.DLogf("User %s denied access to %s", name, target)
		return wsproto.NewProblem(wsproto.ReasonNotAuthorized, ErrNotAuthorized)
	}
	return nil
}

// Close stops watching the auth file
func (u *UserIndex) Close() error {
	if u.watcher == nil {
		return nil
	}
	return u.watcher.Close()
}
