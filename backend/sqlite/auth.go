package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"todocal/backend"
)

// CurrentUser returns the signed-in user or nil
func (b *Backend) CurrentUser() *backend.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.user == nil {
		return nil
	}
	u := *b.user
	return &u
}

// SignUp registers a local account and signs it in
func (b *Backend) SignUp(ctx context.Context, email, password string) (*backend.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := backend.ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	var count int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE email = ?", email).Scan(&count); err != nil {
		return nil, backend.Remote("signUp", 0, err)
	}
	if count > 0 {
		return nil, &backend.ValidationError{Field: "email", Reason: "already registered"}
	}

	user := &backend.User{ID: backend.GenerateID(), Email: email}
	_, err = b.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created) VALUES (?, ?, ?, ?)",
		user.ID, user.Email, string(hash), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, backend.Remote("signUp", 0, err)
	}

	if err := b.setUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignIn checks the password against the stored bcrypt hash
func (b *Backend) SignIn(ctx context.Context, email, password string) (*backend.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user backend.User
	var hash string
	err := b.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash FROM users WHERE email = ?", email,
	).Scan(&user.ID, &user.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrInvalidCredentials
	}
	if err != nil {
		return nil, backend.Remote("signIn", 0, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, backend.ErrInvalidCredentials
	}

	if err := b.setUser(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignOut forgets the current user and the persisted session
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	b.user = nil
	b.mu.Unlock()
	if b.session != nil {
		return b.session.ClearSession()
	}
	return nil
}

// Restore resumes the persisted session if its user still exists
func (b *Backend) Restore(ctx context.Context) (*backend.User, error) {
	if b.session == nil {
		return b.CurrentUser(), nil
	}
	s, err := b.session.LoadSession()
	if err != nil || s == nil {
		return nil, err
	}

	var user backend.User
	err = b.db.QueryRowContext(ctx, "SELECT id, email FROM users WHERE id = ?", s.User.ID).Scan(&user.ID, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		_ = b.session.ClearSession()
		return nil, nil
	}
	if err != nil {
		return nil, backend.Remote("restore", 0, err)
	}

	b.mu.Lock()
	b.user = &user
	b.mu.Unlock()
	return &user, nil
}

func (b *Backend) setUser(user *backend.User) error {
	b.mu.Lock()
	u := *user
	b.user = &u
	b.mu.Unlock()
	if b.session != nil {
		return b.session.SaveSession(&backend.Session{User: u})
	}
	return nil
}
