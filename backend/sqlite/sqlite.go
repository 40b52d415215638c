package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
	"todocal/backend"
)

// Backend implements backend.Backend on a local SQLite database file.
// Every committed change is published on an in-process hub, which serves
// as the backend's change feed.
type Backend struct {
	db      *sql.DB
	path    string
	hub     *backend.Hub
	session backend.SessionStore

	mu   sync.RWMutex
	user *backend.User
}

// Option configures a Backend
type Option func(*Backend)

// WithSessionStore persists sign-in state between runs.
func WithSessionStore(store backend.SessionStore) Option {
	return func(b *Backend) {
		b.session = store
	}
}

// New opens (or creates) the database at path and initializes the schema
func New(path string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, path: path, hub: backend.NewHub()}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

// Path returns the database location passed to New
func (b *Backend) Path() string {
	return b.path
}

// initSchema creates the database tables if they don't exist
func (b *Backend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS lists (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			date TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			list_id TEXT NOT NULL,
			title TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			created TEXT NOT NULL,
			FOREIGN KEY (list_id) REFERENCES lists(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_lists_user_date ON lists(user_id, date);
		CREATE INDEX IF NOT EXISTS idx_tasks_list_id ON tasks(list_id);
	`

	// Enable foreign keys
	if _, err := b.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	// Another process may hold the write lock while syncing the same file
	if _, err := b.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}

	_, err := b.db.Exec(schema)
	return err
}

// =============================================================================
// Gateway: lists
// =============================================================================

// FetchRange returns the user's lists dated within [start, end], ascending by date
func (b *Backend) FetchRange(ctx context.Context, userID, start, end string) ([]backend.List, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, title, date, user_id FROM lists
		 WHERE user_id = ? AND date >= ? AND date <= ?
		 ORDER BY date ASC, created ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, backend.Remote("fetchRange", 0, err)
	}
	defer func() { _ = rows.Close() }()

	lists := []backend.List{}
	index := map[string]int{}
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, backend.Remote("fetchRange", 0, err)
		}
		index[l.ID] = len(lists)
		lists = append(lists, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Remote("fetchRange", 0, err)
	}
	if len(lists) == 0 {
		return lists, nil
	}

	taskRows, err := b.db.QueryContext(ctx,
		`SELECT t.id, t.list_id, t.title, t.completed FROM tasks t
		 JOIN lists l ON l.id = t.list_id
		 WHERE l.user_id = ? AND l.date >= ? AND l.date <= ?
		 ORDER BY t.position ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, backend.Remote("fetchRange", 0, err)
	}
	defer func() { _ = taskRows.Close() }()

	for taskRows.Next() {
		t, err := scanTask(taskRows)
		if err != nil {
			return nil, backend.Remote("fetchRange", 0, err)
		}
		if i, ok := index[t.ListID]; ok {
			lists[i].Tasks = append(lists[i].Tasks, *t)
		}
	}
	return lists, backend.Remote("fetchRange", 0, taskRows.Err())
}

// GetList returns a list with its tasks. A missing list yields a NotFoundError.
func (b *Backend) GetList(ctx context.Context, id string) (*backend.List, error) {
	l, err := scanList(b.db.QueryRowContext(ctx,
		"SELECT id, title, date, user_id FROM lists WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{Entity: "list", ID: id}
	}
	if err != nil {
		return nil, backend.Remote("getList", 0, err)
	}

	tasks, err := b.listTasks(ctx, b.db, id)
	if err != nil {
		return nil, backend.Remote("getList", 0, err)
	}
	l.Tasks = tasks
	return l, nil
}

// CreateList inserts the list and its initial tasks in one transaction
func (b *Backend) CreateList(ctx context.Context, draft backend.ListDraft, tasks []backend.TaskDraft) (*backend.List, error) {
	var created *backend.List
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertList(ctx, tx, draft, tasks)
		return err
	})
	if err != nil {
		return nil, backend.Remote("createList", 0, err)
	}

	b.publishListInsert(*created)
	return created, nil
}

// UpdateList changes only the provided fields
func (b *Backend) UpdateList(ctx context.Context, id string, patch backend.ListPatch) (*backend.List, error) {
	old, err := b.GetList(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return old, nil
	}

	sets, args := []string{}, []any{}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Date != nil {
		sets = append(sets, "date = ?")
		args = append(args, *patch.Date)
	}
	args = append(args, id)

	res, err := b.db.ExecContext(ctx, "UPDATE lists SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, backend.Remote("updateList", 0, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &backend.NotFoundError{Entity: "list", ID: id}
	}

	updated := *old
	updated.Tasks = nil
	patch.Apply(&updated)
	prev := *old
	prev.Tasks = nil
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableLists, Type: backend.EventUpdate,
		OldList: &prev, NewList: &updated, CommitTime: time.Now().UTC(),
	})

	result := updated.Clone()
	result.Tasks = old.Tasks
	return &result, nil
}

// DeleteList removes the list; tasks go with it through the foreign key cascade.
// Deleting an unknown id is not an error.
func (b *Backend) DeleteList(ctx context.Context, id string) error {
	old, err := b.GetList(ctx, id)
	if backend.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := b.db.ExecContext(ctx, "DELETE FROM lists WHERE id = ?", id); err != nil {
		return backend.Remote("deleteList", 0, err)
	}

	now := time.Now().UTC()
	for i := range old.Tasks {
		task := old.Tasks[i]
		b.hub.Publish(backend.ChangeEvent{
			Table: backend.TableTasks, Type: backend.EventDelete, OldTask: &task, CommitTime: now,
		})
	}
	old.Tasks = nil
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableLists, Type: backend.EventDelete, OldList: old, CommitTime: now,
	})
	return nil
}

// DuplicateList copies a list to newDate with every task reset to not completed
func (b *Backend) DuplicateList(ctx context.Context, id, newDate string) (*backend.List, error) {
	src, err := b.GetList(ctx, id)
	if err != nil {
		return nil, err
	}

	drafts := make([]backend.TaskDraft, len(src.Tasks))
	for i, t := range src.Tasks {
		drafts[i] = backend.TaskDraft{Title: t.Title, Completed: false}
	}
	draft := backend.ListDraft{Title: backend.CopyTitle(src.Title), Date: newDate, UserID: src.UserID}

	var created *backend.List
	err = b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertList(ctx, tx, draft, drafts)
		return err
	})
	if err != nil {
		return nil, backend.Remote("duplicateList", 0, err)
	}

	b.publishListInsert(*created)
	return created, nil
}

// =============================================================================
// Gateway: tasks
// =============================================================================

// CreateTask appends a task to a list
func (b *Backend) CreateTask(ctx context.Context, listID, title string) (*backend.Task, error) {
	var created *backend.Task
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM lists WHERE id = ?", listID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return &backend.NotFoundError{Entity: "list", ID: listID}
		}
		created, err = insertTask(ctx, tx, listID, backend.TaskDraft{Title: title})
		return err
	})
	if err != nil {
		return nil, backend.Remote("createTask", 0, err)
	}

	task := *created
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableTasks, Type: backend.EventInsert, NewTask: &task, CommitTime: time.Now().UTC(),
	})
	return created, nil
}

// GetTask returns a single task by id
func (b *Backend) GetTask(ctx context.Context, id string) (*backend.Task, error) {
	t, err := scanTask(b.db.QueryRowContext(ctx,
		"SELECT id, list_id, title, completed FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, backend.Remote("getTask", 0, err)
	}
	return t, nil
}

// UpdateTask changes only the provided fields
func (b *Backend) UpdateTask(ctx context.Context, id string, patch backend.TaskPatch) (*backend.Task, error) {
	old, err := b.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return old, nil
	}

	sets, args := []string{}, []any{}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, boolToInt(*patch.Completed))
	}
	args = append(args, id)

	res, err := b.db.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, backend.Remote("updateTask", 0, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &backend.NotFoundError{Entity: "task", ID: id}
	}

	updated := *old
	patch.Apply(&updated)
	prev := *old
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableTasks, Type: backend.EventUpdate,
		OldTask: &prev, NewTask: &updated, CommitTime: time.Now().UTC(),
	})
	result := updated
	return &result, nil
}

// DeleteTask removes a task. Deleting an unknown id is not an error.
func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	old, err := b.GetTask(ctx, id)
	if backend.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := b.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return backend.Remote("deleteTask", 0, err)
	}
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableTasks, Type: backend.EventDelete, OldTask: old, CommitTime: time.Now().UTC(),
	})
	return nil
}

// =============================================================================
// Feed
// =============================================================================

// Subscribe implements backend.Feed on the in-process hub
func (b *Backend) Subscribe(ctx context.Context, table backend.Table, filter string) (backend.Subscription, error) {
	return b.hub.Subscribe(ctx, table, filter)
}

// Close ends every feed subscription and closes the database connection
func (b *Backend) Close() error {
	b.hub.Close()
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// scanner is an interface satisfied by both *sql.Rows and *sql.Row
type scanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanList(s scanner) (*backend.List, error) {
	var l backend.List
	if err := s.Scan(&l.ID, &l.Title, &l.Date, &l.UserID); err != nil {
		return nil, err
	}
	l.Tasks = []backend.Task{}
	return &l, nil
}

func scanTask(s scanner) (*backend.Task, error) {
	var t backend.Task
	var completed int
	if err := s.Scan(&t.ID, &t.ListID, &t.Title, &completed); err != nil {
		return nil, err
	}
	t.Completed = completed != 0
	return &t, nil
}

func (b *Backend) listTasks(ctx context.Context, q queryer, listID string) ([]backend.Task, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, list_id, title, completed FROM tasks WHERE list_id = ? ORDER BY position ASC", listID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := []backend.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// withTx runs fn in a transaction, committing when it returns nil
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertList(ctx context.Context, tx *sql.Tx, draft backend.ListDraft, tasks []backend.TaskDraft) (*backend.List, error) {
	id := backend.GenerateID()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := tx.ExecContext(ctx,
		"INSERT INTO lists (id, title, date, user_id, created) VALUES (?, ?, ?, ?, ?)",
		id, draft.Title, draft.Date, draft.UserID, now,
	)
	if err != nil {
		return nil, err
	}

	list := &backend.List{ID: id, Title: draft.Title, Date: draft.Date, UserID: draft.UserID, Tasks: []backend.Task{}}
	for _, td := range tasks {
		t, err := insertTask(ctx, tx, id, td)
		if err != nil {
			return nil, err
		}
		list.Tasks = append(list.Tasks, *t)
	}
	return list, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, listID string, draft backend.TaskDraft) (*backend.Task, error) {
	id := backend.GenerateID()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, list_id, title, completed, position, created)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tasks WHERE list_id = ?), ?)`,
		id, listID, draft.Title, boolToInt(draft.Completed), listID, now,
	)
	if err != nil {
		return nil, err
	}
	return &backend.Task{ID: id, Title: draft.Title, Completed: draft.Completed, ListID: listID}, nil
}

// publishListInsert emits the list row and then each of its task rows,
// the order in which they were written
func (b *Backend) publishListInsert(l backend.List) {
	now := time.Now().UTC()
	head := l
	head.Tasks = nil
	b.hub.Publish(backend.ChangeEvent{
		Table: backend.TableLists, Type: backend.EventInsert, NewList: &head, CommitTime: now,
	})
	for i := range l.Tasks {
		task := l.Tasks[i]
		b.hub.Publish(backend.ChangeEvent{
			Table: backend.TableTasks, Type: backend.EventInsert, NewTask: &task, CommitTime: now,
		})
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Verify interface compliance at compile time
var _ backend.Backend = (*Backend)(nil)
