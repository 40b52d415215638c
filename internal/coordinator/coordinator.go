// Package coordinator applies user actions optimistically: the local cache
// changes first, the gateway is called second, and the outcome either
// reconciles the cache with the server's answer or rolls the change back.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"todocal/backend"
	"todocal/internal/cache"
	"todocal/internal/calendar"
	"todocal/internal/utils"
)

// Users reports the signed-in user
type Users interface {
	CurrentUser() *backend.User
}

// Coordinator runs every mutation through the same optimistic routine
type Coordinator struct {
	gateway backend.Gateway
	users   Users
	store   *cache.Store

	mu         sync.Mutex
	start, end string // last loaded range
}

// New creates a coordinator over store
func New(gateway backend.Gateway, users Users, store *cache.Store) *Coordinator {
	return &Coordinator{gateway: gateway, users: users, store: store}
}

// Store returns the cache the coordinator mutates
func (c *Coordinator) Store() *cache.Store {
	return c.store
}

// action is one optimistic operation. apply runs before the gateway call,
// reconcile after it succeeds and rollback after it fails.
type action[T any] struct {
	name      string
	apply     func()
	remote    func(ctx context.Context) (T, error)
	reconcile func(T)
	rollback  func()
}

// run executes a. Validation has already happened.
func run[T any](ctx context.Context, a action[T]) (T, error) {
	a.apply()

	result, err := a.remote(ctx)
	if err != nil {
		a.rollback()
		utils.Debugf("%s failed, rolled back: %v", a.name, err)
		var zero T
		return zero, fmt.Errorf("%s: %w", a.name, err)
	}

	a.reconcile(result)
	utils.Debugf("%s confirmed", a.name)
	return result, nil
}

// =============================================================================
// Loading
// =============================================================================

// LoadRange fetches [start, end] and replaces the cache with the result.
// The cache is left untouched when the fetch fails.
func (c *Coordinator) LoadRange(ctx context.Context, start, end string) error {
	user, err := c.requireUser()
	if err != nil {
		return err
	}
	if err := validateDate(start); err != nil {
		return err
	}
	if err := validateDate(end); err != nil {
		return err
	}
	if start > end {
		return &backend.ValidationError{Field: "range", Reason: fmt.Sprintf("%s is after %s", start, end)}
	}

	lists, err := c.gateway.FetchRange(ctx, user.ID, start, end)
	if err != nil {
		return fmt.Errorf("load %s..%s: %w", start, end, err)
	}
	c.store.ReplaceAll(lists)

	c.mu.Lock()
	c.start, c.end = start, end
	c.mu.Unlock()
	utils.Debugf("loaded %d lists for %s..%s", len(lists), start, end)
	return nil
}

// LoadMonth loads every list dated within m
func (c *Coordinator) LoadMonth(ctx context.Context, m calendar.Month) error {
	start, end := m.Range()
	return c.LoadRange(ctx, start, end)
}

// Reload repeats the last successful load. It does nothing before the first load.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	start, end := c.start, c.end
	c.mu.Unlock()
	if start == "" {
		return nil
	}
	return c.LoadRange(ctx, start, end)
}

// LoadedRange returns the bounds of the last successful load
func (c *Coordinator) LoadedRange() (start, end string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start, c.end
}

// =============================================================================
// Lists
// =============================================================================

// CreateList adds a list with its initial tasks. Blank task titles are skipped.
func (c *Coordinator) CreateList(ctx context.Context, title, date string, taskTitles []string) (*backend.List, error) {
	user, err := c.requireUser()
	if err != nil {
		return nil, err
	}
	title, err = validateTitle("title", title)
	if err != nil {
		return nil, err
	}
	if err := validateDate(date); err != nil {
		return nil, err
	}

	placeholder := backend.List{
		ID:     backend.NewPlaceholderID(),
		Title:  title,
		Date:   date,
		UserID: user.ID,
		Tasks:  []backend.Task{},
	}
	var drafts []backend.TaskDraft
	for _, t := range taskTitles {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		drafts = append(drafts, backend.TaskDraft{Title: t})
		placeholder.Tasks = append(placeholder.Tasks, backend.Task{
			ID: backend.NewPlaceholderID(), Title: t, ListID: placeholder.ID,
		})
	}

	return run(ctx, action[*backend.List]{
		name:  "create list",
		apply: func() { c.store.AddList(placeholder) },
		remote: func(ctx context.Context) (*backend.List, error) {
			return c.gateway.CreateList(ctx, backend.ListDraft{Title: title, Date: date, UserID: user.ID}, drafts)
		},
		reconcile: func(l *backend.List) { c.store.ReplaceList(placeholder.ID, *l) },
		rollback:  func() { c.store.DeleteList(placeholder.ID) },
	})
}

// UpdateList changes the provided fields of a list
func (c *Coordinator) UpdateList(ctx context.Context, id string, patch backend.ListPatch) (*backend.List, error) {
	if _, err := c.requireUser(); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return nil, &backend.ValidationError{Field: "patch", Reason: "nothing to change"}
	}
	if patch.Title != nil {
		title, err := validateTitle("title", *patch.Title)
		if err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if patch.Date != nil {
		if err := validateDate(*patch.Date); err != nil {
			return nil, err
		}
	}
	prev, err := c.confirmedList(id)
	if err != nil {
		return nil, err
	}

	// revert only the fields this action touches
	var revert backend.ListPatch
	if patch.Title != nil {
		revert.Title = &prev.Title
	}
	if patch.Date != nil {
		revert.Date = &prev.Date
	}

	return run(ctx, action[*backend.List]{
		name:  "update list",
		apply: func() { c.store.UpdateList(id, patch) },
		remote: func(ctx context.Context) (*backend.List, error) {
			return c.gateway.UpdateList(ctx, id, patch)
		},
		reconcile: func(l *backend.List) {
			c.store.UpdateList(id, backend.ListPatch{Title: &l.Title, Date: &l.Date})
		},
		rollback: func() { c.store.UpdateList(id, revert) },
	})
}

// RenameList changes a list's title
func (c *Coordinator) RenameList(ctx context.Context, id, title string) (*backend.List, error) {
	return c.UpdateList(ctx, id, backend.ListPatch{Title: &title})
}

// MoveList changes a list's date
func (c *Coordinator) MoveList(ctx context.Context, id, date string) (*backend.List, error) {
	return c.UpdateList(ctx, id, backend.ListPatch{Date: &date})
}

// DeleteList removes a list and its tasks
func (c *Coordinator) DeleteList(ctx context.Context, id string) error {
	if _, err := c.requireUser(); err != nil {
		return err
	}
	prev, err := c.confirmedList(id)
	if err != nil {
		return err
	}
	index := c.store.ListPosition(id)

	_, err = run(ctx, action[struct{}]{
		name:  "delete list",
		apply: func() { c.store.DeleteList(id) },
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.gateway.DeleteList(ctx, id)
		},
		reconcile: func(struct{}) {},
		rollback:  func() { c.store.RestoreList(index, prev) },
	})
	return err
}

// DuplicateList copies a list and its tasks, all not completed, to date
func (c *Coordinator) DuplicateList(ctx context.Context, id, date string) (*backend.List, error) {
	if _, err := c.requireUser(); err != nil {
		return nil, err
	}
	if err := validateDate(date); err != nil {
		return nil, err
	}
	src, err := c.confirmedList(id)
	if err != nil {
		return nil, err
	}

	placeholder := backend.List{
		ID:     backend.NewPlaceholderID(),
		Title:  backend.CopyTitle(src.Title),
		Date:   date,
		UserID: src.UserID,
		Tasks:  make([]backend.Task, 0, len(src.Tasks)),
	}
	for _, t := range src.Tasks {
		placeholder.Tasks = append(placeholder.Tasks, backend.Task{
			ID: backend.NewPlaceholderID(), Title: t.Title, ListID: placeholder.ID,
		})
	}

	return run(ctx, action[*backend.List]{
		name:  "duplicate list",
		apply: func() { c.store.AddList(placeholder) },
		remote: func(ctx context.Context) (*backend.List, error) {
			return c.gateway.DuplicateList(ctx, id, date)
		},
		reconcile: func(l *backend.List) { c.store.ReplaceList(placeholder.ID, *l) },
		rollback:  func() { c.store.DeleteList(placeholder.ID) },
	})
}

// =============================================================================
// Tasks
// =============================================================================

// CreateTask appends a task to a list
func (c *Coordinator) CreateTask(ctx context.Context, listID, title string) (*backend.Task, error) {
	if _, err := c.requireUser(); err != nil {
		return nil, err
	}
	title, err := validateTitle("title", title)
	if err != nil {
		return nil, err
	}
	if _, err := c.confirmedList(listID); err != nil {
		return nil, err
	}

	placeholder := backend.Task{ID: backend.NewPlaceholderID(), Title: title, ListID: listID}

	return run(ctx, action[*backend.Task]{
		name:  "create task",
		apply: func() { c.store.AddTask(listID, placeholder) },
		remote: func(ctx context.Context) (*backend.Task, error) {
			return c.gateway.CreateTask(ctx, listID, title)
		},
		reconcile: func(t *backend.Task) { c.store.ReplaceTask(listID, placeholder.ID, *t) },
		rollback:  func() { c.store.DeleteTask(listID, placeholder.ID) },
	})
}

// UpdateTask changes the provided fields of a task
func (c *Coordinator) UpdateTask(ctx context.Context, listID, taskID string, patch backend.TaskPatch) (*backend.Task, error) {
	if _, err := c.requireUser(); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return nil, &backend.ValidationError{Field: "patch", Reason: "nothing to change"}
	}
	if patch.Title != nil {
		title, err := validateTitle("title", *patch.Title)
		if err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	prev, err := c.confirmedTask(listID, taskID)
	if err != nil {
		return nil, err
	}

	var revert backend.TaskPatch
	if patch.Title != nil {
		revert.Title = &prev.Title
	}
	if patch.Completed != nil {
		revert.Completed = &prev.Completed
	}

	return run(ctx, action[*backend.Task]{
		name:  "update task",
		apply: func() { c.store.UpdateTask(listID, taskID, patch) },
		remote: func(ctx context.Context) (*backend.Task, error) {
			return c.gateway.UpdateTask(ctx, taskID, patch)
		},
		reconcile: func(t *backend.Task) {
			c.store.UpdateTask(listID, taskID, backend.TaskPatch{Title: &t.Title, Completed: &t.Completed})
		},
		rollback: func() { c.store.UpdateTask(listID, taskID, revert) },
	})
}

// RenameTask changes a task's title
func (c *Coordinator) RenameTask(ctx context.Context, listID, taskID, title string) (*backend.Task, error) {
	return c.UpdateTask(ctx, listID, taskID, backend.TaskPatch{Title: &title})
}

// SetTaskCompleted sets a task's completion flag
func (c *Coordinator) SetTaskCompleted(ctx context.Context, listID, taskID string, completed bool) (*backend.Task, error) {
	return c.UpdateTask(ctx, listID, taskID, backend.TaskPatch{Completed: &completed})
}

// ToggleTask flips a task's completion flag. A failed toggle restores the
// flag the task had before, not the inverse of the attempted value.
func (c *Coordinator) ToggleTask(ctx context.Context, listID, taskID string) (*backend.Task, error) {
	if _, err := c.requireUser(); err != nil {
		return nil, err
	}
	t, err := c.confirmedTask(listID, taskID)
	if err != nil {
		return nil, err
	}
	return c.SetTaskCompleted(ctx, listID, taskID, !t.Completed)
}

// DeleteTask removes a task
func (c *Coordinator) DeleteTask(ctx context.Context, listID, taskID string) error {
	if _, err := c.requireUser(); err != nil {
		return err
	}
	prev, err := c.confirmedTask(listID, taskID)
	if err != nil {
		return err
	}
	index := c.store.TaskPosition(listID, taskID)

	_, err = run(ctx, action[struct{}]{
		name:  "delete task",
		apply: func() { c.store.DeleteTask(listID, taskID) },
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.gateway.DeleteTask(ctx, taskID)
		},
		reconcile: func(struct{}) {},
		rollback:  func() { c.store.RestoreTask(listID, index, prev) },
	})
	return err
}

// =============================================================================
// Validation
// =============================================================================

func (c *Coordinator) requireUser() (*backend.User, error) {
	if c.users == nil {
		return nil, backend.ErrNotSignedIn
	}
	u := c.users.CurrentUser()
	if u == nil {
		return nil, backend.ErrNotSignedIn
	}
	return u, nil
}

// confirmedList returns the cached list, rejecting lists still being created
func (c *Coordinator) confirmedList(id string) (backend.List, error) {
	if backend.IsPlaceholderID(id) {
		return backend.List{}, &backend.ValidationError{Field: "list", Reason: "still being saved"}
	}
	l, ok := c.store.List(id)
	if !ok {
		return backend.List{}, &backend.NotFoundError{Entity: "list", ID: id}
	}
	return l, nil
}

func (c *Coordinator) confirmedTask(listID, taskID string) (backend.Task, error) {
	if _, err := c.confirmedList(listID); err != nil {
		return backend.Task{}, err
	}
	if backend.IsPlaceholderID(taskID) {
		return backend.Task{}, &backend.ValidationError{Field: "task", Reason: "still being saved"}
	}
	t, ok := c.store.Task(listID, taskID)
	if !ok {
		return backend.Task{}, &backend.NotFoundError{Entity: "task", ID: taskID}
	}
	return t, nil
}

func validateTitle(field, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", &backend.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return title, nil
}

func validateDate(date string) error {
	if _, err := backend.ParseDate(date); err != nil {
		return &backend.ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", date)}
	}
	return nil
}
