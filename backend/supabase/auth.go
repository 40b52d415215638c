package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"todocal/backend"
)

// refreshTimeout bounds a token refresh started from inside an HTTP round trip
const refreshTimeout = 15 * time.Second

// ErrSessionExpired is returned when the access token expired and cannot be refreshed
var ErrSessionExpired = errors.New("session expired, please log in again")

// sessionResponse is GoTrue's token grant / signup response
type sessionResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *authUser `json:"user"`

	// Signup without a session (email confirmation pending) returns the user at top level
	ID    string `json:"id"`
	Email string `json:"email"`
}

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (r *sessionResponse) token() *oauth2.Token {
	if r.AccessToken == "" {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.ExpiresAt > 0:
		tok.Expiry = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return tok
}

func (r *sessionResponse) user() *backend.User {
	if r.User != nil && r.User.ID != "" {
		return &backend.User{ID: r.User.ID, Email: r.User.Email}
	}
	if r.ID != "" {
		return &backend.User{ID: r.ID, Email: r.Email}
	}
	return nil
}

// =============================================================================
// Identity
// =============================================================================

// CurrentUser returns the signed-in user or nil
func (b *Backend) CurrentUser() *backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.user == nil || b.token == nil {
		return nil
	}
	u := *b.user
	return &u
}

// SignUp registers an account. When the project requires email confirmation
// no session is issued and CurrentUser stays nil.
func (b *Backend) SignUp(ctx context.Context, email, password string) (*backend.User, error) {
	email = strings.TrimSpace(email)
	if err := backend.ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	var resp sessionResponse
	body := map[string]string{"email": email, "password": password}
	if err := b.doAuth(ctx, "signup", nil, "", body, &resp); err != nil {
		return nil, authError("signUp", err)
	}
	user := resp.user()
	if user == nil {
		return nil, &backend.RemoteError{Op: "signUp", Err: fmt.Errorf("no user returned")}
	}
	if tok := resp.token(); tok != nil {
		if err := b.setSession(tok, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// SignIn exchanges email and password for a session
func (b *Backend) SignIn(ctx context.Context, email, password string) (*backend.User, error) {
	var resp sessionResponse
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	q := url.Values{"grant_type": {"password"}}
	if err := b.doAuth(ctx, "token", q, "", body, &resp); err != nil {
		return nil, authError("signIn", err)
	}

	tok, user := resp.token(), resp.user()
	if tok == nil || user == nil {
		return nil, &backend.RemoteError{Op: "signIn", Err: fmt.Errorf("no session returned")}
	}
	if err := b.setSession(tok, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignOut revokes the session on the server and forgets it locally.
// The local session is cleared even when the server call fails.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	tok := b.token
	b.token, b.user = nil, nil
	b.mu.Unlock()

	var errs []error
	if b.config.Session != nil {
		errs = append(errs, b.config.Session.ClearSession())
	}
	if tok != nil {
		if err := b.doAuth(ctx, "logout", nil, tok.AccessToken, nil, nil); err != nil {
			errs = append(errs, authError("signOut", err))
		}
	}
	return errors.Join(errs...)
}

// Restore resumes the persisted session, refreshing the token if it expired
func (b *Backend) Restore(ctx context.Context) (*backend.User, error) {
	if b.config.Session == nil {
		return b.CurrentUser(), nil
	}
	s, err := b.config.Session.LoadSession()
	if err != nil || s == nil || s.AccessToken == "" {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		Expiry:       s.Expiry,
	}
	user := s.User

	b.mu.Lock()
	b.token, b.user = tok, &user
	b.mu.Unlock()

	if tok.Valid() {
		return &user, nil
	}
	if _, err := b.Token(); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			b.mu.Lock()
			b.token, b.user = nil, nil
			b.mu.Unlock()
			return nil, b.config.Session.ClearSession()
		}
		return nil, err
	}
	return b.CurrentUser(), nil
}

// =============================================================================
// Token source
// =============================================================================

// Token implements oauth2.TokenSource for the REST transport. An expired
// access token is exchanged for a new one with the refresh token.
func (b *Backend) Token() (*oauth2.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token == nil {
		return nil, backend.ErrNotSignedIn
	}
	if b.token.Valid() {
		return b.token, nil
	}
	if b.token.RefreshToken == "" {
		return nil, ErrSessionExpired
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	var resp sessionResponse
	q := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": b.token.RefreshToken}
	if err := b.doAuth(ctx, "token", q, "", body, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return nil, ErrSessionExpired
		}
		return nil, authError("refresh", err)
	}

	tok := resp.token()
	if tok == nil {
		return nil, ErrSessionExpired
	}
	if u := resp.user(); u != nil {
		b.user = u
	}
	b.token = tok
	if b.config.Session != nil && b.user != nil {
		_ = b.config.Session.SaveSession(sessionFor(tok, *b.user))
	}
	return tok, nil
}

// AccessToken returns the current access token for the realtime join
func (b *Backend) AccessToken() (string, error) {
	tok, err := b.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (b *Backend) setSession(tok *oauth2.Token, user *backend.User) error {
	b.mu.Lock()
	u := *user
	b.token, b.user = tok, &u
	b.mu.Unlock()

	if b.config.Session != nil {
		return b.config.Session.SaveSession(sessionFor(tok, u))
	}
	return nil
}

func sessionFor(tok *oauth2.Token, user backend.User) *backend.Session {
	return &backend.Session{
		User:         user,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// doAuth posts to a GoTrue endpoint. bearer, when set, authorizes the call as the user.
func (b *Backend) doAuth(ctx context.Context, endpoint string, query url.Values, bearer string, body, out any) error {
	target := b.baseURL + authPath + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", b.config.AnonKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := b.auth.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// authError maps GoTrue failures onto the backend taxonomy
func authError(op string, err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode
		if code == "" {
			code = apiErr.ErrorName
		}
		switch {
		case code == "invalid_credentials" || code == "invalid_grant":
			return backend.ErrInvalidCredentials
		case apiErr.Status == http.StatusUnprocessableEntity || code == "user_already_exists" || code == "weak_password":
			return &backend.ValidationError{Field: "credentials", Reason: apiErr.Error()}
		}
	}
	return translate(op, "user", "", err)
}
