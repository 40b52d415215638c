// Package prompt resolves the list and task references typed on the command
// line. An ambiguous reference becomes a numbered selection prompt, or an
// error in no-prompt mode.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"todocal/backend"
	"todocal/internal/calendar"
	"todocal/internal/utils"
)

// Sentinel errors for prompt operations.
var (
	ErrNoPromptMode = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoItems      = errors.New("nothing to select from")
	ErrNoMatches    = errors.New("nothing matches the filter")
)

// Selector asks the user to pick one of Items: an optional filter first,
// then a numbered choice among what is left.
type Selector[T any] struct {
	Items    []T
	Prompt   string
	Label    func(T) string
	Prompter *utils.Prompter
	NoPrompt bool
}

// Run executes the selection. A single candidate is chosen without asking.
func (s *Selector[T]) Run() (T, error) {
	var zero T
	if s.NoPrompt || s.Prompter == nil {
		return zero, ErrNoPromptMode
	}
	if len(s.Items) == 0 {
		return zero, ErrNoItems
	}
	if len(s.Items) == 1 {
		return s.Items[0], nil
	}

	filter, err := s.Prompter.Line(s.Prompt + "\nFilter (or press Enter to show all)")
	if err != nil {
		return zero, utils.ErrSelectionCancelled
	}

	filtered := s.Items
	if filter != "" {
		filtered = nil
		needle := strings.ToLower(filter)
		for _, item := range s.Items {
			if strings.Contains(strings.ToLower(s.Label(item)), needle) {
				filtered = append(filtered, item)
			}
		}
	}

	switch len(filtered) {
	case 0:
		return zero, ErrNoMatches
	case 1:
		s.Prompter.Printf("Auto-selected: %s\n", s.Label(filtered[0]))
		return filtered[0], nil
	}

	i, err := utils.PromptSelection(s.Prompter, filtered, "Select", func(_ int, item T) string {
		return s.Label(item)
	})
	if err != nil {
		return zero, err
	}
	return filtered[i], nil
}

// NewListSelector selects among lists
func NewListSelector(lists []backend.List, p *utils.Prompter, noPrompt bool) *Selector[backend.List] {
	return &Selector[backend.List]{
		Items:    lists,
		Prompt:   "Select list:",
		Label:    ListLabel,
		Prompter: p,
		NoPrompt: noPrompt,
	}
}

// NewTaskSelector selects among a list's tasks
func NewTaskSelector(tasks []backend.Task, p *utils.Prompter, noPrompt bool) *Selector[backend.Task] {
	return &Selector[backend.Task]{
		Items:    tasks,
		Prompt:   "Select task:",
		Label:    TaskLabel,
		Prompter: p,
		NoPrompt: noPrompt,
	}
}

// ListLabel formats a list as "DATE  TITLE (done/total)"
func ListLabel(l backend.List) string {
	done := 0
	for _, t := range l.Tasks {
		if t.Completed {
			done++
		}
	}
	return fmt.Sprintf("%s  %s (%d/%d)", l.Date, l.Title, done, len(l.Tasks))
}

// TaskLabel formats a task with its completion box
func TaskLabel(t backend.Task) string {
	if t.Completed {
		return "[x] " + t.Title
	}
	return "[ ] " + t.Title
}

// =============================================================================
// References
// =============================================================================

// Resolver turns user-typed references into cached lists and tasks
type Resolver struct {
	Prompter *utils.Prompter
	NoPrompt bool
}

// SplitListRef splits "DATE/TITLE". ok is false unless the part before the
// first slash is a date and a title follows it.
func SplitListRef(ref string) (date, title string, ok bool) {
	i := strings.Index(ref, "/")
	if i <= 0 {
		return "", "", false
	}
	date, err := utils.ResolveDate(ref[:i])
	if err != nil {
		return "", "", false
	}
	title = strings.TrimSpace(ref[i+1:])
	if title == "" {
		return "", "", false
	}
	return date, title, true
}

// ResolveList finds the list ref names among lists: an exact id, a
// DATE/TITLE pair, or a title. Titles match case-insensitively, falling
// back to a substring match.
func (r *Resolver) ResolveList(lists []backend.List, ref string) (*backend.List, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &backend.ValidationError{Field: "list", Reason: "reference must not be empty"}
	}
	for i := range lists {
		if lists[i].ID == ref {
			return &lists[i], nil
		}
	}

	candidates, title := lists, ref
	if date, t, ok := SplitListRef(ref); ok {
		candidates, title = calendar.ListsOn(lists, date), t
	}

	matches := matchTitle(candidates, title, func(l backend.List) string { return l.Title })
	switch len(matches) {
	case 0:
		return nil, utils.ErrListNotFound(ref)
	case 1:
		return &matches[0], nil
	}
	if r.NoPrompt || r.Prompter == nil {
		return nil, utils.ErrAmbiguousList(ref, len(matches))
	}

	i, err := utils.PromptSelection(r.Prompter, matches, fmt.Sprintf("Several lists match %q. Select", ref),
		func(_ int, l backend.List) string { return ListLabel(l) })
	if err != nil {
		return nil, err
	}
	return &matches[i], nil
}

// ResolveTask finds the task ref names in list: an exact id, a title, or a
// 1-based position.
func (r *Resolver) ResolveTask(list backend.List, ref string) (*backend.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &backend.ValidationError{Field: "task", Reason: "reference must not be empty"}
	}
	for i := range list.Tasks {
		if list.Tasks[i].ID == ref {
			return &list.Tasks[i], nil
		}
	}
	for i := range list.Tasks {
		if strings.EqualFold(list.Tasks[i].Title, ref) {
			return &list.Tasks[i], nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(list.Tasks) {
			return &list.Tasks[n-1], nil
		}
		return nil, utils.ErrTaskNotFound(list.Title, ref)
	}

	matches := matchTitle(list.Tasks, ref, func(t backend.Task) string { return t.Title })
	switch len(matches) {
	case 0:
		return nil, utils.ErrTaskNotFound(list.Title, ref)
	case 1:
		return &matches[0], nil
	}
	if r.NoPrompt || r.Prompter == nil {
		return nil, utils.ErrAmbiguousTask(list.Title, ref, len(matches))
	}

	i, err := utils.PromptSelection(r.Prompter, matches, fmt.Sprintf("Several tasks match %q. Select", ref),
		func(_ int, t backend.Task) string { return TaskLabel(t) })
	if err != nil {
		return nil, err
	}
	return &matches[i], nil
}

// matchTitle returns the items whose title equals ref ignoring case or,
// when there are none, the items whose title contains it.
func matchTitle[T any](items []T, ref string, title func(T) string) []T {
	var exact, partial []T
	needle := strings.ToLower(ref)
	for _, item := range items {
		t := title(item)
		switch {
		case strings.EqualFold(t, ref):
			exact = append(exact, item)
		case strings.Contains(strings.ToLower(t), needle):
			partial = append(partial, item)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}
