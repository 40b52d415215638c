package supabase

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"todocal/backend"
)

// =============================================================================
// Fake Supabase project
// =============================================================================

type fakeUser struct {
	id       string
	password string
}

// fakeSupabase serves the subset of PostgREST, GoTrue and realtime used by the backend
type fakeSupabase struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	nextID    int
	lists     []wireList // without tasks
	tasks     []wireTask
	users     map[string]fakeUser
	tokens    map[string]string // access token -> user id
	refreshes map[string]string // refresh token -> user id
	requests  []string
	bearers   []string

	// failure injection
	failNext        map[string]int // "METHOD table" -> status for the next matching request
	failTaskInserts bool
	rejectJoin      bool

	// realtime
	frames []phoenixMessage
	push   chan phoenixMessage
}

func newFakeSupabase(t *testing.T) *fakeSupabase {
	t.Helper()
	f := &fakeSupabase{
		t:         t,
		users:     map[string]fakeUser{},
		tokens:    map[string]string{},
		refreshes: map[string]string{},
		failNext:  map[string]int{},
		push:      make(chan phoenixMessage, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/", f.handleAuth)
	mux.HandleFunc("/rest/v1/", f.handleREST)
	mux.HandleFunc("/realtime/v1/websocket", f.handleRealtime)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSupabase) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeSupabase) issueSession(userID, email string) map[string]any {
	access := "access-" + f.id("")
	refresh := "refresh-" + f.id("")
	f.tokens[access] = userID
	f.refreshes[refresh] = userID
	return map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"user":          map[string]string{"id": userID, "email": email},
	}
}

func (f *fakeSupabase) handleAuth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)

	if r.Header.Get("apikey") != "anon" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no apikey"})
		return
	}
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch strings.TrimPrefix(r.URL.Path, "/auth/v1/") {
	case "signup":
		if _, ok := f.users[body["email"]]; ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "error_code": "user_already_exists", "msg": "User already registered"})
			return
		}
		id := f.id("user-")
		f.users[body["email"]] = fakeUser{id: id, password: body["password"]}
		writeJSON(w, http.StatusOK, f.issueSession(id, body["email"]))
	case "token":
		switch r.URL.Query().Get("grant_type") {
		case "password":
			u, ok := f.users[body["email"]]
			if !ok || u.password != body["password"] {
				writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"})
				return
			}
			writeJSON(w, http.StatusOK, f.issueSession(u.id, body["email"]))
		case "refresh_token":
			userID, ok := f.refreshes[body["refresh_token"]]
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid Refresh Token"})
				return
			}
			delete(f.refreshes, body["refresh_token"])
			writeJSON(w, http.StatusOK, f.issueSession(userID, "refreshed@example.com"))
		}
	case "logout":
		delete(f.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// listWithTasks embeds l's tasks. Like Postgres, the fake gives no order
// guarantee (it stores newest first) unless tasks.order asks for one.
func (f *fakeSupabase) listWithTasks(l wireList, order string) wireList {
	l.Tasks = []wireTask{}
	for _, t := range f.tasks {
		if t.ListID == l.ID {
			l.Tasks = append(l.Tasks, t)
		}
	}
	if order == "position.asc" {
		slices.SortFunc(l.Tasks, func(a, b wireTask) int { return cmp.Compare(a.Position, b.Position) })
	}
	return l
}

func (f *fakeSupabase) handleREST(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	f.requests = append(f.requests, r.Method+" "+table+"?"+r.URL.RawQuery)
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.bearers = append(f.bearers, bearer)

	if r.Header.Get("apikey") != "anon" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no apikey"})
		return
	}
	if _, ok := f.tokens[bearer]; !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "PGRST301", "message": "JWT expired"})
		return
	}
	if status, ok := f.failNext[r.Method+" "+table]; ok {
		delete(f.failNext, r.Method+" "+table)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}

	q := r.URL.Query()
	idFilter := strings.TrimPrefix(q.Get("id"), "eq.")
	data, _ := io.ReadAll(r.Body)

	switch r.Method + " " + table {
	case "GET lists":
		out := []wireList{}
		var gte, lte string
		for _, d := range q["date"] {
			if v, ok := strings.CutPrefix(d, "gte."); ok {
				gte = v
			}
			if v, ok := strings.CutPrefix(d, "lte."); ok {
				lte = v
			}
		}
		userID := strings.TrimPrefix(q.Get("user_id"), "eq.")
		for _, l := range f.lists {
			if idFilter != "" && l.ID != idFilter {
				continue
			}
			if userID != "" && l.UserID != userID {
				continue
			}
			day := backend.NormalizeDate(l.Date)
			if (gte != "" && day < gte) || (lte != "" && day > lte) {
				continue
			}
			out = append(out, f.listWithTasks(l, q.Get("tasks.order")))
		}
		writeJSON(w, http.StatusOK, out)

	case "POST lists":
		var in []wireList
		_ = json.Unmarshal(data, &in)
		out := []wireList{}
		for _, l := range in {
			l.ID = f.id("L")
			// stored as a timestamp column to exercise date normalization
			l.Date += "T00:00:00+00:00"
			f.lists = append(f.lists, l)
			out = append(out, l)
		}
		writeJSON(w, http.StatusCreated, out)

	case "POST tasks":
		if f.failTaskInserts {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
			return
		}
		var in []wireTask
		_ = json.Unmarshal(data, &in)
		out := []wireTask{}
		for _, t := range in {
			found := false
			for _, l := range f.lists {
				found = found || l.ID == t.ListID
			}
			if !found {
				writeJSON(w, http.StatusConflict, map[string]string{"code": "23503", "message": "foreign key violation"})
				return
			}
			if t.Position != 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"code": "428C9", "message": "cannot insert into identity column position"})
				return
			}
			t.ID = f.id("T")
			t.Position = int64(f.nextID)
			f.tasks = append([]wireTask{t}, f.tasks...)
			out = append(out, t)
		}
		writeJSON(w, http.StatusCreated, out)

	case "PATCH lists":
		var patch map[string]string
		_ = json.Unmarshal(data, &patch)
		out := []wireList{}
		for i, l := range f.lists {
			if l.ID != idFilter {
				continue
			}
			if v, ok := patch["title"]; ok {
				f.lists[i].Title = v
			}
			if v, ok := patch["date"]; ok {
				f.lists[i].Date = v
			}
			out = append(out, f.listWithTasks(f.lists[i], q.Get("tasks.order")))
		}
		writeJSON(w, http.StatusOK, out)

	case "PATCH tasks":
		var patch map[string]any
		_ = json.Unmarshal(data, &patch)
		out := []wireTask{}
		for i, t := range f.tasks {
			if t.ID != idFilter {
				continue
			}
			if v, ok := patch["title"].(string); ok {
				f.tasks[i].Title = v
			}
			if v, ok := patch["completed"].(bool); ok {
				f.tasks[i].Completed = v
			}
			out = append(out, f.tasks[i])
		}
		writeJSON(w, http.StatusOK, out)

	case "DELETE lists":
		var keep []wireList
		for _, l := range f.lists {
			if l.ID != idFilter {
				keep = append(keep, l)
			}
		}
		f.lists = keep
		var keepTasks []wireTask
		for _, t := range f.tasks {
			if t.ListID != idFilter {
				keepTasks = append(keepTasks, t)
			}
		}
		f.tasks = keepTasks
		w.WriteHeader(http.StatusNoContent)

	case "DELETE tasks":
		var keep []wireTask
		for _, t := range f.tasks {
			if t.ID != idFilter {
				keep = append(keep, t)
			}
		}
		f.tasks = keep
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSupabase) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// mustBackend returns a backend signed in as a fresh user
func mustBackend(t *testing.T, f *fakeSupabase, store backend.SessionStore) (*Backend, *backend.User) {
	t.Helper()
	b, err := New(Config{
		URL:               f.server.URL,
		AnonKey:           "anon",
		Session:           store,
		RetryDelay:        time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	user, err := b.SignUp(context.Background(), "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignUp error: %v", err)
	}
	return b, user
}

type memSession struct {
	mu sync.Mutex
	s  *backend.Session
}

func (m *memSession) LoadSession() (*backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *memSession) SaveSession(s *backend.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func (m *memSession) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// Configuration
// =============================================================================

func TestNewValidation(t *testing.T) {
	tests := []Config{
		{AnonKey: "anon"},
		{URL: "https://x.supabase.co"},
		{URL: "ftp://x", AnonKey: "anon"},
		{URL: "not a url", AnonKey: "anon"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) expected error", cfg)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TODOCAL_SUPABASE_URL", "https://x.supabase.co")
	t.Setenv("TODOCAL_SUPABASE_ANON_KEY", "anon")
	cfg := ConfigFromEnv()
	if cfg.URL != "https://x.supabase.co" || cfg.AnonKey != "anon" {
		t.Errorf("ConfigFromEnv() = %+v", cfg)
	}
}

// =============================================================================
// Gateway
// =============================================================================

func TestNotSignedIn(t *testing.T) {
	f := newFakeSupabase(t)
	b, err := New(Config{URL: f.server.URL, AnonKey: "anon"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if b.CurrentUser() != nil {
		t.Error("CurrentUser() should be nil before sign in")
	}
	_, err = b.FetchRange(context.Background(), "U", "2024-06-01", "2024-06-30")
	if !errors.Is(err, backend.ErrNotSignedIn) {
		t.Errorf("FetchRange error = %v, want ErrNotSignedIn", err)
	}
}

func TestCreateListAndFetchRange(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	ctx := context.Background()

	created, err := b.CreateList(ctx,
		backend.ListDraft{Title: "Groceries", Date: "2024-06-01", UserID: user.ID},
		[]backend.TaskDraft{{Title: "Milk"}, {Title: "Eggs"}})
	if err != nil {
		t.Fatalf("CreateList error: %v", err)
	}
	if created.Date != "2024-06-01" {
		t.Errorf("Date = %q, want normalized 2024-06-01", created.Date)
	}
	if len(created.Tasks) != 2 || created.Tasks[0].Title != "Milk" || created.Tasks[1].ListID != created.ID {
		t.Errorf("created tasks = %+v", created.Tasks)
	}

	lists, err := b.FetchRange(ctx, user.ID, "2024-06-01", "2024-06-30")
	if err != nil {
		t.Fatalf("FetchRange error: %v", err)
	}
	if len(lists) != 1 || len(lists[0].Tasks) != 2 {
		t.Fatalf("lists = %+v", lists)
	}
	if lists[0].Tasks[0].Title != "Milk" || lists[0].Tasks[1].Title != "Eggs" {
		t.Errorf("fetched tasks out of insertion order: %+v", lists[0].Tasks)
	}

	var fetch string
	for _, r := range f.requestLog() {
		if strings.HasPrefix(r, "GET lists") {
			fetch = r
		}
	}
	for _, want := range []string{"user_id=eq." + user.ID, "date=gte.2024-06-01", "date=lte.2024-06-30", "order=date.asc", "tasks.order=position.asc", "select=%2A%2Ctasks%28%2A%29"} {
		if !strings.Contains(fetch, want) {
			t.Errorf("fetch query %q missing %q", fetch, want)
		}
	}
	f.mu.Lock()
	last := f.bearers[len(f.bearers)-1]
	f.mu.Unlock()
	if !strings.HasPrefix(last, "access-") {
		t.Errorf("Authorization bearer = %q, want the session access token", last)
	}
}

func TestCreateListCleansUpOnTaskFailure(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	f.failTaskInserts = true

	_, err := b.CreateList(context.Background(),
		backend.ListDraft{Title: "Groceries", Date: "2024-06-01", UserID: user.ID},
		[]backend.TaskDraft{{Title: "Milk"}})
	if !backend.IsRemote(err) {
		t.Fatalf("CreateList error = %v, want RemoteError", err)
	}

	f.mu.Lock()
	remaining := len(f.lists)
	f.mu.Unlock()
	if remaining != 0 {
		t.Errorf("orphaned list left behind: %d lists", remaining)
	}
	found := false
	for _, r := range f.requestLog() {
		found = found || strings.HasPrefix(r, "DELETE lists?id=eq.")
	}
	if !found {
		t.Error("expected a cleanup DELETE of the new list")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	ctx := context.Background()

	l, err := b.CreateList(ctx, backend.ListDraft{Title: "Groceries", Date: "2024-06-01", UserID: user.ID}, []backend.TaskDraft{{Title: "Milk"}})
	if err != nil {
		t.Fatalf("CreateList error: %v", err)
	}

	updated, err := b.UpdateList(ctx, l.ID, backend.ListPatch{Title: ptr("Food")})
	if err != nil {
		t.Fatalf("UpdateList error: %v", err)
	}
	if updated.Title != "Food" || updated.Date != "2024-06-01" || len(updated.Tasks) != 1 {
		t.Errorf("updated = %+v", updated)
	}
	for _, r := range f.requestLog() {
		if strings.HasPrefix(r, "PATCH lists") && !strings.Contains(r, "tasks.order=position.asc") {
			t.Errorf("list update %q does not order embedded tasks", r)
		}
	}

	task, err := b.UpdateTask(ctx, l.Tasks[0].ID, backend.TaskPatch{Completed: ptr(true)})
	if err != nil {
		t.Fatalf("UpdateTask error: %v", err)
	}
	if !task.Completed || task.ListID != l.ID {
		t.Errorf("task = %+v", task)
	}

	if _, err := b.UpdateList(ctx, "missing", backend.ListPatch{Title: ptr("x")}); !backend.IsNotFound(err) {
		t.Errorf("UpdateList(missing) error = %v, want NotFoundError", err)
	}
	if _, err := b.UpdateTask(ctx, "missing", backend.TaskPatch{Title: ptr("x")}); !backend.IsNotFound(err) {
		t.Errorf("UpdateTask(missing) error = %v, want NotFoundError", err)
	}

	if err := b.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask error: %v", err)
	}
	if err := b.DeleteList(ctx, l.ID); err != nil {
		t.Fatalf("DeleteList error: %v", err)
	}
	lists, _ := b.FetchRange(ctx, user.ID, "2024-06-01", "2024-06-30")
	if len(lists) != 0 {
		t.Errorf("lists after delete = %v", lists)
	}
}

func TestCreateTaskMissingList(t *testing.T) {
	f := newFakeSupabase(t)
	b, _ := mustBackend(t, f, nil)
	_, err := b.CreateTask(context.Background(), "missing", "Milk")
	if !backend.IsNotFound(err) {
		t.Errorf("CreateTask error = %v, want NotFoundError", err)
	}
}

func TestDuplicateList(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	ctx := context.Background()

	src, _ := b.CreateList(ctx,
		backend.ListDraft{Title: "Groceries", Date: "2024-06-01", UserID: user.ID},
		[]backend.TaskDraft{{Title: "Milk", Completed: true}, {Title: "Eggs"}})

	dup, err := b.DuplicateList(ctx, src.ID, "2024-06-08")
	if err != nil {
		t.Fatalf("DuplicateList error: %v", err)
	}
	if dup.Title != "Groceries (Copy)" || dup.Date != "2024-06-08" || dup.UserID != user.ID {
		t.Errorf("dup = %+v", dup)
	}
	if len(dup.Tasks) != 2 || dup.Tasks[0].Completed || dup.Tasks[0].Title != "Milk" {
		t.Errorf("dup tasks = %+v", dup.Tasks)
	}

	if _, err := b.DuplicateList(ctx, "missing", "2024-06-08"); !backend.IsNotFound(err) {
		t.Errorf("DuplicateList(missing) error = %v, want NotFoundError", err)
	}
}

func TestThrottledRequestIsRetried(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	f.mu.Lock()
	f.failNext["GET lists"] = http.StatusTooManyRequests
	f.mu.Unlock()

	if _, err := b.FetchRange(context.Background(), user.ID, "2024-06-01", "2024-06-30"); err != nil {
		t.Fatalf("FetchRange error: %v", err)
	}
	count := 0
	for _, r := range f.requestLog() {
		if strings.HasPrefix(r, "GET lists") {
			count++
		}
	}
	if count != 2 {
		t.Errorf("GET lists sent %d times, want 2", count)
	}
}

func TestServerErrorMapsToRemoteError(t *testing.T) {
	f := newFakeSupabase(t)
	b, user := mustBackend(t, f, nil)
	f.mu.Lock()
	f.failNext["GET lists"] = http.StatusInternalServerError
	f.mu.Unlock()

	_, err := b.FetchRange(context.Background(), user.ID, "2024-06-01", "2024-06-30")
	var re *backend.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if re.Status != http.StatusInternalServerError || re.Op != "fetchRange" {
		t.Errorf("RemoteError = %+v", re)
	}
}

// =============================================================================
// Identity
// =============================================================================

func TestSignInAndSignOut(t *testing.T) {
	f := newFakeSupabase(t)
	store := &memSession{}
	b, user := mustBackend(t, f, store)
	ctx := context.Background()

	if s, _ := store.LoadSession(); s == nil || s.AccessToken == "" || s.User.ID != user.ID {
		t.Fatalf("session not persisted: %+v", s)
	}

	if err := b.SignOut(ctx); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}
	if b.CurrentUser() != nil {
		t.Error("CurrentUser() should be nil after SignOut")
	}
	if s, _ := store.LoadSession(); s != nil {
		t.Error("SignOut should clear the stored session")
	}

	if _, err := b.SignIn(ctx, "ada@example.com", "nope-nope"); !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Errorf("SignIn(wrong) error = %v, want ErrInvalidCredentials", err)
	}
	signedIn, err := b.SignIn(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	if signedIn.ID != user.ID {
		t.Errorf("SignIn user = %+v, want %+v", signedIn, user)
	}
}

func TestSignUpExistingUser(t *testing.T) {
	f := newFakeSupabase(t)
	b, _ := mustBackend(t, f, nil)
	if _, err := b.SignUp(context.Background(), "ada@example.com", "secret1"); !backend.IsValidation(err) {
		t.Errorf("SignUp(existing) error = %v, want ValidationError", err)
	}
}

func TestRestoreRefreshesExpiredToken(t *testing.T) {
	f := newFakeSupabase(t)
	store := &memSession{}
	_, user := mustBackend(t, f, store)

	s, _ := store.LoadSession()
	s.Expiry = time.Now().Add(-time.Hour)
	_ = store.SaveSession(s)

	b, err := New(Config{URL: f.server.URL, AnonKey: "anon", Session: store, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	restored, err := b.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if restored == nil || restored.ID != user.ID {
		t.Fatalf("Restore() = %+v, want %+v", restored, user)
	}
	if saved, _ := store.LoadSession(); saved.AccessToken == s.AccessToken {
		t.Error("refreshed token should be persisted")
	}
	if _, err := b.FetchRange(context.Background(), user.ID, "2024-06-01", "2024-06-30"); err != nil {
		t.Errorf("FetchRange after refresh error: %v", err)
	}
}

func TestRestoreWithRevokedRefreshToken(t *testing.T) {
	f := newFakeSupabase(t)
	store := &memSession{s: &backend.Session{
		User:         backend.User{ID: "user-x", Email: "x@example.com"},
		AccessToken:  "stale",
		RefreshToken: "unknown",
		Expiry:       time.Now().Add(-time.Hour),
	}}
	b, err := New(Config{URL: f.server.URL, AnonKey: "anon", Session: store, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	user, err := b.Restore(context.Background())
	if err != nil || user != nil {
		t.Errorf("Restore() = %v, %v; want nil, nil", user, err)
	}
	if s, _ := store.LoadSession(); s != nil {
		t.Error("unusable session should be cleared")
	}
}
