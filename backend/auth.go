package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned by SignIn when the email/password pair is rejected.
var ErrInvalidCredentials = errors.New("invalid login credentials")

// User is the authenticated account as seen by the client
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is what an identity provider persists between runs.
// Token fields are empty for backends that do not issue tokens.
type Session struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// SessionStore persists a Session. A nil store keeps the session in memory only.
type SessionStore interface {
	LoadSession() (*Session, error)
	SaveSession(s *Session) error
	ClearSession() error
}

// Identity is the contract to the identity provider. A nil CurrentUser
// means nobody is signed in, which suppresses range loads and mutations.
type Identity interface {
	CurrentUser() *User
	SignIn(ctx context.Context, email, password string) (*User, error)
	SignUp(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context) error
	// Restore resumes a previously persisted session, if any.
	Restore(ctx context.Context) (*User, error)
}

// Backend bundles the three contracts a backend implementation provides.
type Backend interface {
	Gateway
	Identity
	Feed
}

// ValidateCredentials checks an email/password pair before it is sent anywhere.
func ValidateCredentials(email, password string) error {
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return &ValidationError{Field: "email", Reason: "must be an email address"}
	}
	if len(password) < 6 {
		return &ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}
	return nil
}
