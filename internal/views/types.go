package views

import (
	"time"

	"todocal/backend"
	"todocal/internal/calendar"
)

// Result codes printed after a command in no-prompt mode and carried in
// every JSON response
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// TaskJSON is the wire shape of a task in --json output
type TaskJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	ListID    string `json:"list_id"`
}

// ListJSON is the wire shape of a list in --json output
type ListJSON struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Date   string     `json:"date"`
	UserID string     `json:"user_id"`
	Done   int        `json:"done"`
	Tasks  []TaskJSON `json:"tasks"`
}

// MonthJSON is the response of 'todocal month --json'
type MonthJSON struct {
	Month  string     `json:"month"`
	Start  string     `json:"start"`
	End    string     `json:"end"`
	Lists  []ListJSON `json:"lists"`
	Count  int        `json:"count"`
	Result string     `json:"result"`
}

// DayJSON is the response of 'todocal day --json'
type DayJSON struct {
	Date   string     `json:"date"`
	Lists  []ListJSON `json:"lists"`
	Count  int        `json:"count"`
	Result string     `json:"result"`
}

// ActionJSON is the response of a mutating command
type ActionJSON struct {
	Action string    `json:"action"`
	List   *ListJSON `json:"list,omitempty"`
	Task   *TaskJSON `json:"task,omitempty"`
	Result string    `json:"result"`
}

// ErrorJSON is printed instead of a response when a command fails
type ErrorJSON struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
	Result     string `json:"result"`
}

// TaskToJSON converts a backend.Task
func TaskToJSON(t backend.Task) TaskJSON {
	return TaskJSON{ID: t.ID, Title: t.Title, Completed: t.Completed, ListID: t.ListID}
}

// ListToJSON converts a backend.List with its tasks
func ListToJSON(l backend.List) ListJSON {
	out := ListJSON{
		ID:     l.ID,
		Title:  l.Title,
		Date:   l.Date,
		UserID: l.UserID,
		Tasks:  make([]TaskJSON, 0, len(l.Tasks)),
	}
	for _, t := range l.Tasks {
		if t.Completed {
			out.Done++
		}
		out.Tasks = append(out.Tasks, TaskToJSON(t))
	}
	return out
}

func listsToJSON(lists []backend.List) []ListJSON {
	out := make([]ListJSON, 0, len(lists))
	for _, l := range lists {
		out = append(out, ListToJSON(l))
	}
	return out
}

// NewMonthJSON builds the month response from the lists dated within m
func NewMonthJSON(m calendar.Month, lists []backend.List) MonthJSON {
	start, end := m.Range()
	var in []backend.List
	for _, l := range lists {
		if m.Contains(l.Date) {
			in = append(in, l)
		}
	}
	return MonthJSON{
		Month:  m.String(),
		Start:  start,
		End:    end,
		Lists:  listsToJSON(in),
		Count:  len(in),
		Result: ResultInfoOnly,
	}
}

// NewDayJSON builds the day response
func NewDayJSON(date string, lists []backend.List) DayJSON {
	on := calendar.ListsOn(lists, date)
	return DayJSON{Date: date, Lists: listsToJSON(on), Count: len(on), Result: ResultInfoOnly}
}

// UserJSON is the response of the auth commands
type UserJSON struct {
	Backend  string `json:"backend"`
	SignedIn bool   `json:"signed_in"`
	ID       string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	Result   string `json:"result"`
}

// NewUserJSON describes who is signed in to backendName; user may be nil
func NewUserJSON(backendName string, user *backend.User, result string) UserJSON {
	out := UserJSON{Backend: backendName, Result: result}
	if user != nil {
		out.SignedIn = true
		out.ID = user.ID
		out.Email = user.Email
	}
	return out
}

// EventJSON is one line of 'todocal watch --json'. The record is the new
// row, or the old one for a delete.
type EventJSON struct {
	Table      string    `json:"table"`
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	List       *ListJSON `json:"list,omitempty"`
	Task       *TaskJSON `json:"task,omitempty"`
	CommitTime string    `json:"commit_time,omitempty"`
}

// NewEventJSON converts a merged change event
func NewEventJSON(ev backend.ChangeEvent) EventJSON {
	out := EventJSON{Table: string(ev.Table), Type: string(ev.Type)}
	if !ev.CommitTime.IsZero() {
		out.CommitTime = ev.CommitTime.UTC().Format(time.RFC3339)
	}
	l, t := ev.NewList, ev.NewTask
	if l == nil {
		l = ev.OldList
	}
	if t == nil {
		t = ev.OldTask
	}
	switch {
	case l != nil:
		lj := ListToJSON(*l)
		out.ID, out.List = l.ID, &lj
	case t != nil:
		tj := TaskToJSON(*t)
		out.ID, out.Task = t.ID, &tj
	}
	return out
}
