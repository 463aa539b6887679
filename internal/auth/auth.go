// Package auth holds the authenticated identity the sync engine acts as.
//
// A drain never runs without an identity; the REST client pulls bearer
// tokens from the same Session through oauth2.TokenSource.
package auth

import (
	"errors"
	"sync"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"golang.org/x/oauth2"
)

// ErrNoIdentity is returned when no user is signed in.
var ErrNoIdentity = errors.New("auth: no authenticated identity")

// Identity is the signed-in user.
type Identity struct {
	UserID      string
	AccessToken config.Secret
}

// Provider returns the current identity, if any.
type Provider interface {
	Current() (Identity, bool)
}

// Session is a mutable Provider. Sign-in flows live outside this module;
// they call SetIdentity and Clear.
type Session struct {
	mu       sync.RWMutex
	identity Identity
	set      bool
	onChange []func(Identity, bool)
}

var (
	_ Provider           = (*Session)(nil)
	_ oauth2.TokenSource = (*Session)(nil)
)

// NewSession returns a Session holding id when id.UserID is non-empty,
// otherwise a signed-out Session.
func NewSession(id Identity) *Session {
	s := &Session{}
	if id.UserID != "" {
		s.identity = id
		s.set = true
	}
	return s
}

// FromConfig builds a Session from the auth config section.
func FromConfig(cfg config.AuthConfig) *Session {
	return NewSession(Identity{UserID: cfg.UserID, AccessToken: cfg.AccessToken})
}

// Current implements Provider.
func (s *Session) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.set
}

// SetIdentity signs id in. An empty UserID is treated as Clear.
func (s *Session) SetIdentity(id Identity) {
	if id.UserID == "" {
		s.Clear()
		return
	}
	s.mu.Lock()
	s.identity = id
	s.set = true
	callbacks := append([]func(Identity, bool){}, s.onChange...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(id, true)
	}
}

// Clear signs the current user out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.identity = Identity{}
	s.set = false
	callbacks := append([]func(Identity, bool){}, s.onChange...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(Identity{}, false)
	}
}

// OnChange registers fn to run after every SetIdentity or Clear.
func (s *Session) OnChange(fn func(id Identity, signedIn bool)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Token implements oauth2.TokenSource with the current access token.
func (s *Session) Token() (*oauth2.Token, error) {
	id, ok := s.Current()
	if !ok || !id.AccessToken.IsSet() {
		return nil, ErrNoIdentity
	}
	return &oauth2.Token{AccessToken: id.AccessToken.Value(), TokenType: "Bearer"}, nil
}

// UserID returns the signed-in user id or "".
func UserID(p Provider) string {
	if p == nil {
		return ""
	}
	id, ok := p.Current()
	if !ok {
		return ""
	}
	return id.UserID
}
