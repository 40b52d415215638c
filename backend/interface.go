package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and display format of a list date (date-only precision).
const DateLayout = "2006-01-02"

// placeholderPrefix marks ids generated on the client before the backend
// has assigned an authoritative one.
const placeholderPrefix = "tmp-"

// Task represents a todo item owned by exactly one list
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	ListID    string `json:"listId"`
}

// List represents a dated task list shown in a single calendar cell
type List struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Date   string `json:"date"`
	UserID string `json:"userId"`
	Tasks  []Task `json:"tasks"`
}

// Clone returns a deep copy of the list. A nil task slice becomes empty.
func (l List) Clone() List {
	tasks := make([]Task, len(l.Tasks))
	copy(tasks, l.Tasks)
	l.Tasks = tasks
	return l
}

// ListDraft holds the fields needed to create a list
type ListDraft struct {
	Title  string
	Date   string
	UserID string
}

// TaskDraft holds the fields needed to create a task inside a new list
type TaskDraft struct {
	Title     string
	Completed bool
}

// ListPatch is a partial list update. Nil fields are left untouched.
type ListPatch struct {
	Title *string `json:"title,omitempty"`
	Date  *string `json:"date,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ListPatch) IsEmpty() bool {
	return p.Title == nil && p.Date == nil
}

// Apply merges the patch into the list.
func (p ListPatch) Apply(l *List) {
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Date != nil {
		l.Date = *p.Date
	}
}

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Completed == nil
}

// Apply merges the patch into the task.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
}

// Gateway defines the contract to the remote data service.
// Every operation is a request/response round trip that may fail.
type Gateway interface {
	// FetchRange returns the user's lists dated within [start, end] inclusive,
	// ascending by date, each populated with its tasks.
	FetchRange(ctx context.Context, userID, start, end string) ([]List, error)

	// CreateList creates the list and then its initial tasks. If a task cannot
	// be created the list is removed again before the error is returned.
	CreateList(ctx context.Context, draft ListDraft, tasks []TaskDraft) (*List, error)
	UpdateList(ctx context.Context, id string, patch ListPatch) (*List, error)
	DeleteList(ctx context.Context, id string) error

	CreateTask(ctx context.Context, listID, title string) (*Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// DuplicateList copies a list to newDate as "<title> (Copy)" with every
	// task reset to not completed.
	DuplicateList(ctx context.Context, id, newDate string) (*List, error)

	// Connection management
	Close() error
}

// CopyTitle returns the title given to a duplicated list.
func CopyTitle(title string) string {
	return title + " (Copy)"
}

// NewPlaceholderID generates a temporary client-side identity.
func NewPlaceholderID() string {
	return placeholderPrefix + uuid.New().String()
}

// IsPlaceholderID reports whether id was produced by NewPlaceholderID.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// GenerateID generates a unique identifier using UUID v4.
// This is used by backends that assign ids locally.
func GenerateID() string {
	return uuid.New().String()
}

// FormatDate renders t as a list date in t's own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a list date. Only the YYYY-MM-DD form is accepted.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.Local)
}

// NormalizeDate trims a timestamp such as "2024-06-01T00:00:00+00:00"
// down to its date part. Values that are already dates are returned as is.
func NormalizeDate(s string) string {
	if len(s) > len(DateLayout) && s[len(DateLayout)] == 'T' {
		return s[:len(DateLayout)]
	}
	return s
}
