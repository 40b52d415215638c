// Package credentials persists the signed-in session of a backend in the
// OS keyring, with an environment variable fallback for headless use.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"todocal/backend"
	"todocal/internal/utils"
)

// EnvAccessToken supplies a Supabase access token when no session is stored
const EnvAccessToken = "TODOCAL_ACCESS_TOKEN"

// sessionAccount is the keyring account holding the session JSON
const sessionAccount = "session"

// Source indicates where a session was loaded from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// SessionStore implements backend.SessionStore on a Keyring
type SessionStore struct {
	keyring  Keyring
	service  string
	allowEnv bool
}

// Option is a functional option for SessionStore
type Option func(*SessionStore)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) Option {
	return func(s *SessionStore) {
		s.keyring = k
	}
}

// WithEnvFallback enables reading TODOCAL_ACCESS_TOKEN when the keyring is empty
func WithEnvFallback() Option {
	return func(s *SessionStore) {
		s.allowEnv = true
	}
}

// NewSessionStore creates the store for one backend ("sqlite", "supabase")
func NewSessionStore(backendName string, opts ...Option) *SessionStore {
	s := &SessionStore{
		keyring: systemKeyring{},
		service: ServiceName(backendName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServiceName returns the keyring service name for a backend
func ServiceName(backendName string) string {
	return "todocal-" + strings.ToLower(strings.TrimSpace(backendName))
}

// LoadSession returns the stored session, or nil when there is none
func (s *SessionStore) LoadSession() (*backend.Session, error) {
	session, _, err := s.Lookup()
	return session, err
}

// Lookup is LoadSession that also reports where the session came from
func (s *SessionStore) Lookup() (*backend.Session, Source, error) {
	raw, err := s.keyring.Get(s.service, sessionAccount)
	switch {
	case err == nil:
		var session backend.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			utils.Warnf("Ignoring unreadable session in keyring %s: %v", s.service, err)
			return s.fromEnv()
		}
		return &session, SourceKeyring, nil
	case errors.Is(err, ErrSecretNotFound), errors.Is(err, ErrKeyringNotAvailable):
		utils.Debugf("No session in keyring %s: %v", s.service, err)
		return s.fromEnv()
	default:
		return nil, SourceNone, fmt.Errorf("read session: %w", err)
	}
}

// SaveSession stores the session as JSON
func (s *SessionStore) SaveSession(session *backend.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.keyring.Set(s.service, sessionAccount, string(data)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession removes the stored session. Clearing twice is not an error.
func (s *SessionStore) ClearSession() error {
	err := s.keyring.Delete(s.service, sessionAccount)
	if err == nil || errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrKeyringNotAvailable) {
		return nil
	}
	return fmt.Errorf("clear session: %w", err)
}

// fromEnv builds a session from TODOCAL_ACCESS_TOKEN. The user is read from
// the token's claims; the signature is the server's business.
func (s *SessionStore) fromEnv() (*backend.Session, Source, error) {
	if !s.allowEnv {
		return nil, SourceNone, nil
	}
	token := strings.TrimSpace(os.Getenv(EnvAccessToken))
	if token == "" {
		return nil, SourceNone, nil
	}
	session, err := SessionFromAccessToken(token)
	if err != nil {
		return nil, SourceNone, fmt.Errorf("%s: %w", EnvAccessToken, err)
	}
	return session, SourceEnvironment, nil
}

// SessionFromAccessToken decodes the sub, email and exp claims of a JWT
func SessionFromAccessToken(token string) (*backend.Session, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("access token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Exp   int64  `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	if claims.Sub == "" {
		return nil, errors.New("access token has no subject")
	}

	session := &backend.Session{
		User:        backend.User{ID: claims.Sub, Email: claims.Email},
		AccessToken: token,
		TokenType:   "bearer",
	}
	if claims.Exp > 0 {
		session.Expiry = time.Unix(claims.Exp, 0)
	}
	return session, nil
}

var _ backend.SessionStore = (*SessionStore)(nil)
