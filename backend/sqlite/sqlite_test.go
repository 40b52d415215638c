package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"todocal/backend"
)

// mustNewBackend creates an in-memory backend and registers cleanup
func mustNewBackend(t *testing.T, opts ...Option) (*Backend, context.Context) {
	t.Helper()
	b, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("New(:memory:) error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, context.Background()
}

// helper to create a list and fail on error
func mustCreateList(t *testing.T, b *Backend, ctx context.Context, title, date string, tasks ...string) *backend.List {
	t.Helper()
	drafts := make([]backend.TaskDraft, len(tasks))
	for i, title := range tasks {
		drafts[i] = backend.TaskDraft{Title: title}
	}
	list, err := b.CreateList(ctx, backend.ListDraft{Title: title, Date: date, UserID: "U"}, drafts)
	if err != nil {
		t.Fatalf("CreateList error: %v", err)
	}
	return list
}

func ptr[T any](v T) *T { return &v }

// memSession is an in-memory SessionStore
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

// =============================================================================
// Gateway tests
// =============================================================================

// TestNewBackend verifies that New creates a backend with the given path.
func TestNewBackend(t *testing.T) {
	b, err := New(":memory:")
	if err != nil {
		t.Fatalf("New(:memory:) error: %v", err)
	}
	defer func() { _ = b.Close() }()

	if b.Path() != ":memory:" {
		t.Errorf("Path() = %q, want %q", b.Path(), ":memory:")
	}
}

// TestCreateListWithTasks verifies tasks are created in request order.
func TestCreateListWithTasks(t *testing.T) {
	b, ctx := mustNewBackend(t)

	list := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk", "Eggs", "Bread")
	if list.ID == "" || backend.IsPlaceholderID(list.ID) {
		t.Errorf("list.ID = %q, want server id", list.ID)
	}
	if len(list.Tasks) != 3 {
		t.Fatalf("len(Tasks) = %d, want 3", len(list.Tasks))
	}
	for i, want := range []string{"Milk", "Eggs", "Bread"} {
		if list.Tasks[i].Title != want {
			t.Errorf("Tasks[%d].Title = %q, want %q", i, list.Tasks[i].Title, want)
		}
		if list.Tasks[i].ListID != list.ID {
			t.Errorf("Tasks[%d].ListID = %q, want %q", i, list.Tasks[i].ListID, list.ID)
		}
	}

	got, err := b.GetList(ctx, list.ID)
	if err != nil {
		t.Fatalf("GetList error: %v", err)
	}
	if len(got.Tasks) != 3 || got.Tasks[2].Title != "Bread" {
		t.Errorf("stored tasks = %v", got.Tasks)
	}
}

// TestFetchRange verifies inclusive bounds, user filtering and ascending order.
func TestFetchRange(t *testing.T) {
	b, ctx := mustNewBackend(t)

	mustCreateList(t, b, ctx, "Late", "2024-06-30", "x")
	mustCreateList(t, b, ctx, "Early", "2024-06-01")
	mustCreateList(t, b, ctx, "Outside", "2024-07-01")
	_, err := b.CreateList(ctx, backend.ListDraft{Title: "Other user", Date: "2024-06-10", UserID: "V"}, nil)
	if err != nil {
		t.Fatalf("CreateList error: %v", err)
	}

	lists, err := b.FetchRange(ctx, "U", "2024-06-01", "2024-06-30")
	if err != nil {
		t.Fatalf("FetchRange error: %v", err)
	}
	if len(lists) != 2 {
		t.Fatalf("len(lists) = %d, want 2: %v", len(lists), lists)
	}
	if lists[0].Title != "Early" || lists[1].Title != "Late" {
		t.Errorf("order = %q, %q; want Early, Late", lists[0].Title, lists[1].Title)
	}
	if lists[0].Tasks == nil {
		t.Error("Tasks should never be nil")
	}
	if len(lists[1].Tasks) != 1 {
		t.Errorf("Late tasks = %v, want 1", lists[1].Tasks)
	}
}

func TestFetchRangeEmpty(t *testing.T) {
	b, ctx := mustNewBackend(t)
	lists, err := b.FetchRange(ctx, "U", "2024-06-01", "2024-06-30")
	if err != nil {
		t.Fatalf("FetchRange error: %v", err)
	}
	if lists == nil || len(lists) != 0 {
		t.Errorf("FetchRange() = %v, want empty slice", lists)
	}
}

func TestUpdateList(t *testing.T) {
	b, ctx := mustNewBackend(t)
	list := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk")

	updated, err := b.UpdateList(ctx, list.ID, backend.ListPatch{Date: ptr("2024-06-02")})
	if err != nil {
		t.Fatalf("UpdateList error: %v", err)
	}
	if updated.Date != "2024-06-02" || updated.Title != "Groceries" {
		t.Errorf("updated = %+v", updated)
	}
	if len(updated.Tasks) != 1 {
		t.Errorf("updated list should carry its tasks, got %v", updated.Tasks)
	}

	_, err = b.UpdateList(ctx, "missing", backend.ListPatch{Title: ptr("x")})
	if !backend.IsNotFound(err) {
		t.Errorf("UpdateList(missing) error = %v, want NotFoundError", err)
	}
}

// TestDeleteListCascades verifies tasks are removed with their list.
func TestDeleteListCascades(t *testing.T) {
	b, ctx := mustNewBackend(t)
	list := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk")
	taskID := list.Tasks[0].ID

	if err := b.DeleteList(ctx, list.ID); err != nil {
		t.Fatalf("DeleteList error: %v", err)
	}
	if _, err := b.GetTask(ctx, taskID); !backend.IsNotFound(err) {
		t.Errorf("GetTask after cascade error = %v, want NotFoundError", err)
	}
	if err := b.DeleteList(ctx, list.ID); err != nil {
		t.Errorf("deleting twice should not fail, got %v", err)
	}
}

func TestTaskOperations(t *testing.T) {
	b, ctx := mustNewBackend(t)
	list := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk")

	task, err := b.CreateTask(ctx, list.ID, "Eggs")
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	if task.ListID != list.ID || task.Completed {
		t.Errorf("created task = %+v", task)
	}

	updated, err := b.UpdateTask(ctx, task.ID, backend.TaskPatch{Completed: ptr(true)})
	if err != nil {
		t.Fatalf("UpdateTask error: %v", err)
	}
	if !updated.Completed || updated.Title != "Eggs" {
		t.Errorf("updated task = %+v", updated)
	}

	if err := b.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask error: %v", err)
	}
	got, _ := b.GetList(ctx, list.ID)
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "Milk" {
		t.Errorf("remaining tasks = %v", got.Tasks)
	}

	if _, err := b.CreateTask(ctx, "missing", "x"); !backend.IsNotFound(err) {
		t.Errorf("CreateTask(missing list) error = %v, want NotFoundError", err)
	}
	if _, err := b.UpdateTask(ctx, "missing", backend.TaskPatch{Title: ptr("x")}); !backend.IsNotFound(err) {
		t.Errorf("UpdateTask(missing) error = %v, want NotFoundError", err)
	}
}

// TestDuplicateList verifies the copy title and that tasks are reset.
func TestDuplicateList(t *testing.T) {
	b, ctx := mustNewBackend(t)
	src := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk", "Eggs")
	if _, err := b.UpdateTask(ctx, src.Tasks[1].ID, backend.TaskPatch{Completed: ptr(true)}); err != nil {
		t.Fatalf("UpdateTask error: %v", err)
	}

	dup, err := b.DuplicateList(ctx, src.ID, "2024-06-08")
	if err != nil {
		t.Fatalf("DuplicateList error: %v", err)
	}
	if dup.Title != "Groceries (Copy)" || dup.Date != "2024-06-08" || dup.UserID != "U" {
		t.Errorf("dup = %+v", dup)
	}
	if len(dup.Tasks) != 2 {
		t.Fatalf("len(dup.Tasks) = %d, want 2", len(dup.Tasks))
	}
	for _, task := range dup.Tasks {
		if task.Completed {
			t.Errorf("copied task %q should not be completed", task.Title)
		}
		if task.ListID != dup.ID {
			t.Errorf("copied task ListID = %q, want %q", task.ListID, dup.ID)
		}
	}

	orig, _ := b.GetList(ctx, src.ID)
	if !orig.Tasks[1].Completed {
		t.Error("source list must be unchanged")
	}

	if _, err := b.DuplicateList(ctx, "missing", "2024-06-08"); !backend.IsNotFound(err) {
		t.Errorf("DuplicateList(missing) error = %v, want NotFoundError", err)
	}
}

// TestPersistsToFile verifies data survives reopening the database.
func TestPersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todocal.db")
	ctx := context.Background()

	b, err := New(path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk")
	_ = b.Close()

	b2, err := New(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = b2.Close() }()
	lists, err := b2.FetchRange(ctx, "U", "2024-06-01", "2024-06-01")
	if err != nil {
		t.Fatalf("FetchRange error: %v", err)
	}
	if len(lists) != 1 || len(lists[0].Tasks) != 1 {
		t.Errorf("lists = %v", lists)
	}
}

// =============================================================================
// Feed tests
// =============================================================================

func nextEvent(t *testing.T, sub backend.Subscription) backend.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return backend.ChangeEvent{}
}

func TestFeedPublishesCommittedChanges(t *testing.T) {
	b, ctx := mustNewBackend(t)

	lists, err := b.Subscribe(ctx, backend.TableLists, backend.EqFilter("user_id", "U"))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	tasks, err := b.Subscribe(ctx, backend.TableTasks, "")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	list := mustCreateList(t, b, ctx, "Groceries", "2024-06-01", "Milk")
	ev := nextEvent(t, lists)
	if ev.Type != backend.EventInsert || ev.NewList == nil || ev.NewList.ID != list.ID {
		t.Errorf("list event = %v", ev)
	}
	ev = nextEvent(t, tasks)
	if ev.Type != backend.EventInsert || ev.NewTask == nil || ev.NewTask.Title != "Milk" {
		t.Errorf("task event = %v", ev)
	}

	if _, err := b.UpdateList(ctx, list.ID, backend.ListPatch{Title: ptr("Food")}); err != nil {
		t.Fatalf("UpdateList error: %v", err)
	}
	ev = nextEvent(t, lists)
	if ev.Type != backend.EventUpdate || ev.OldList.Title != "Groceries" || ev.NewList.Title != "Food" {
		t.Errorf("update event = %v", ev)
	}

	if err := b.DeleteList(ctx, list.ID); err != nil {
		t.Fatalf("DeleteList error: %v", err)
	}
	ev = nextEvent(t, tasks)
	if ev.Type != backend.EventDelete || ev.OldTask == nil {
		t.Errorf("cascade task event = %v", ev)
	}
	ev = nextEvent(t, lists)
	if ev.Type != backend.EventDelete || ev.OldList == nil || ev.OldList.ID != list.ID {
		t.Errorf("delete event = %v", ev)
	}
}

func TestFeedFilterExcludesOtherUsers(t *testing.T) {
	b, ctx := mustNewBackend(t)
	sub, err := b.Subscribe(ctx, backend.TableLists, backend.EqFilter("user_id", "U"))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if _, err := b.CreateList(ctx, backend.ListDraft{Title: "x", Date: "2024-06-01", UserID: "V"}, nil); err != nil {
		t.Fatalf("CreateList error: %v", err)
	}
	mustCreateList(t, b, ctx, "mine", "2024-06-01")

	ev := nextEvent(t, sub)
	if ev.NewList == nil || ev.NewList.Title != "mine" {
		t.Errorf("first event = %v, want only lists of user U", ev)
	}
}

// =============================================================================
// Identity tests
// =============================================================================

func TestSignUpAndSignIn(t *testing.T) {
	store := &memSession{}
	b, ctx := mustNewBackend(t, WithSessionStore(store))

	if b.CurrentUser() != nil {
		t.Fatal("no user should be signed in initially")
	}

	user, err := b.SignUp(ctx, "Ada@Example.com ", "secret1")
	if err != nil {
		t.Fatalf("SignUp error: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("Email = %q, want normalized address", user.Email)
	}
	if cur := b.CurrentUser(); cur == nil || cur.ID != user.ID {
		t.Errorf("CurrentUser() = %v, want %v", cur, user)
	}
	if s, _ := store.LoadSession(); s == nil || s.User.ID != user.ID {
		t.Errorf("session not persisted: %v", s)
	}

	if _, err := b.SignUp(ctx, "ada@example.com", "secret1"); !backend.IsValidation(err) {
		t.Errorf("duplicate SignUp error = %v, want ValidationError", err)
	}

	if err := b.SignOut(ctx); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}
	if b.CurrentUser() != nil {
		t.Error("SignOut should clear the current user")
	}

	if _, err := b.SignIn(ctx, "ada@example.com", "wrong-password"); !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Errorf("SignIn(wrong) error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := b.SignIn(ctx, "ada@example.com", "secret1"); err != nil {
		t.Errorf("SignIn error: %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	b, ctx := mustNewBackend(t)
	tests := []struct {
		email, password string
	}{
		{"", "secret1"},
		{"no-at-sign", "secret1"},
		{"a@b.c", "short"},
	}
	for _, tt := range tests {
		if _, err := b.SignUp(ctx, tt.email, tt.password); !backend.IsValidation(err) {
			t.Errorf("SignUp(%q, %q) error = %v, want ValidationError", tt.email, tt.password, err)
		}
	}
}

func TestRestoreSession(t *testing.T) {
	store := &memSession{}
	path := filepath.Join(t.TempDir(), "todocal.db")
	ctx := context.Background()

	b, err := New(path, WithSessionStore(store))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	user, err := b.SignUp(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignUp error: %v", err)
	}
	_ = b.Close()

	b2, err := New(path, WithSessionStore(store))
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = b2.Close() }()
	restored, err := b2.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if restored == nil || restored.ID != user.ID {
		t.Errorf("Restore() = %v, want %v", restored, user)
	}
}

func TestRestoreUnknownUserClearsSession(t *testing.T) {
	store := &memSession{s: &backend.Session{User: backend.User{ID: "gone", Email: "x@y.z"}}}
	b, ctx := mustNewBackend(t, WithSessionStore(store))

	user, err := b.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if user != nil {
		t.Errorf("Restore() = %v, want nil", user)
	}
	if s, _ := store.LoadSession(); s != nil {
		t.Error("stale session should be cleared")
	}
}
