package tui_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"

	"todocal/backend"
	"todocal/backend/sqlite"
	"todocal/internal/cache"
	"todocal/internal/calendar"
	"todocal/internal/coordinator"
	"todocal/internal/tui"
)

const today = "2024-06-12"

// sendKeyAndWait sends a key message and waits briefly for processing.
func sendKeyAndWait(tm *teatest.TestModel, key tea.KeyMsg) {
	tm.Send(key)
	time.Sleep(20 * time.Millisecond)
}

// sendRunesAndWait sends a rune key message and waits briefly for processing.
func sendRunesAndWait(tm *teatest.TestModel, runes []rune) {
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyRunes, Runes: runes})
}

func typeText(tm *teatest.TestModel, s string) {
	for _, r := range s {
		tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	time.Sleep(20 * time.Millisecond)
}

// readAll reads all output from a reader and returns as bytes
func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return out
}

// waitUntil polls cond until it holds or a second has passed
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newGrid returns a grid over an in-memory database holding one list on
// today with two tasks
func newGrid(t *testing.T) (*teatest.TestModel, *tui.Model, *cache.Store) {
	t.Helper()
	ctx := context.Background()

	b, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if _, err := b.SignUp(ctx, "ada@example.com", "secret-pass"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	store := cache.New()
	c := coordinator.New(b, b, store)
	if _, err := c.CreateList(ctx, "Groceries", today, []string{"Milk", "Eggs"}); err != nil {
		t.Fatalf("CreateList: %v", err)
	}

	model := tui.New(c, store, tui.WithToday(today))
	t.Cleanup(model.Close)
	tm := teatest.NewTestModel(t, model, teatest.WithInitialTermSize(80, 30))
	time.Sleep(100 * time.Millisecond)
	return tm, model, store
}

func listTitles(lists []backend.List) []string {
	var titles []string
	for _, l := range lists {
		titles = append(titles, l.Title)
	}
	return titles
}

// =============================================================================
// Launch and navigation
// =============================================================================

func TestTUILaunch(t *testing.T) {
	tm, _, _ := newGrid(t)

	sendRunesAndWait(tm, []rune{'q'})

	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	for _, want := range []string{"June 2024", "Groceries", "Milk", "Eggs", "Wednesday 12 June 2024"} {
		if !bytes.Contains(out, []byte(want)) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestTUIMonthNavigation(t *testing.T) {
	tm, model, _ := newGrid(t)

	sendRunesAndWait(tm, []rune{']'})
	sendRunesAndWait(tm, []rune{']'})
	sendRunesAndWait(tm, []rune{'['})
	sendRunesAndWait(tm, []rune{'q'})

	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("August 2024")) {
		t.Error("expected August to be shown")
	}
	if got := model.Month(); got != (calendar.Month{Year: 2024, Month: time.July}) {
		t.Errorf("Month() = %v, want 2024-07", got)
	}
	if got := model.Cursor(); got != "2024-07-12" {
		t.Errorf("Cursor() = %s, want day of month kept", got)
	}
}

func TestTUIDayNavigationCrossesMonths(t *testing.T) {
	tm, model, _ := newGrid(t)

	// Three weeks down from June 12 is July 3
	for range 3 {
		sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyDown})
	}
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))

	if got := model.Cursor(); got != "2024-07-03" {
		t.Errorf("Cursor() = %s, want 2024-07-03", got)
	}
	if got := model.Month().String(); got != "2024-07" {
		t.Errorf("Month() = %s, want 2024-07", got)
	}
}

func TestTUIJumpToToday(t *testing.T) {
	tm, model, _ := newGrid(t)

	sendRunesAndWait(tm, []rune{'['})
	sendRunesAndWait(tm, []rune{'h'})
	sendRunesAndWait(tm, []rune{'t'})
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))

	if got := model.Cursor(); got != today {
		t.Errorf("Cursor() = %s, want %s", got, today)
	}
}

// =============================================================================
// Mutations
// =============================================================================

func TestTUINewList(t *testing.T) {
	tm, _, store := newGrid(t)

	sendRunesAndWait(tm, []rune{'l'})
	sendRunesAndWait(tm, []rune{'n'})
	typeText(tm, "Standup")
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyEnter})

	waitUntil(t, "list on 2024-06-13", func() bool {
		lists := store.ListsOn("2024-06-13")
		return len(lists) == 1 && lists[0].Title == "Standup" && !backend.IsPlaceholderID(lists[0].ID)
	})

	sendRunesAndWait(tm, []rune{'q'})
	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("Standup")) {
		t.Error("expected new list to be rendered")
	}
}

func TestTUIInputEscapeCancels(t *testing.T) {
	tm, _, store := newGrid(t)

	sendRunesAndWait(tm, []rune{'n'})
	typeText(tm, "Nope")
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyEsc})
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))

	if got := listTitles(store.ListsOn(today)); len(got) != 1 {
		t.Errorf("lists on today = %v, want only Groceries", got)
	}
}

func TestTUIAddTask(t *testing.T) {
	tm, _, store := newGrid(t)

	sendRunesAndWait(tm, []rune{'a'})
	typeText(tm, "Bread")
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyEnter})

	waitUntil(t, "third task", func() bool {
		lists := store.ListsOn(today)
		return len(lists) == 1 && len(lists[0].Tasks) == 3 && lists[0].Tasks[2].Title == "Bread"
	})
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))
}

func TestTUIToggleTask(t *testing.T) {
	tm, _, store := newGrid(t)

	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyTab})
	sendRunesAndWait(tm, []rune{'j'})
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})

	waitUntil(t, "Milk completed", func() bool {
		lists := store.ListsOn(today)
		return len(lists) == 1 && lists[0].Tasks[0].Completed
	})

	sendRunesAndWait(tm, []rune{'q'})
	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("[x]")) {
		t.Error("expected completion indicator")
	}
}

func TestTUIRenameTask(t *testing.T) {
	tm, _, store := newGrid(t)

	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyTab})
	sendRunesAndWait(tm, []rune{'j'})
	sendRunesAndWait(tm, []rune{'j'})
	sendRunesAndWait(tm, []rune{'e'})
	typeText(tm, " (dozen)")
	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyEnter})

	waitUntil(t, "renamed task", func() bool {
		lists := store.ListsOn(today)
		return len(lists) == 1 && lists[0].Tasks[1].Title == "Eggs (dozen)"
	})
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))
}

func TestTUIDeleteListWithConfirmation(t *testing.T) {
	tm, _, store := newGrid(t)

	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyTab})
	sendRunesAndWait(tm, []rune{'d'})
	sendRunesAndWait(tm, []rune{'n'})
	if store.Len() != 1 {
		t.Fatal("list deleted without confirmation")
	}

	sendRunesAndWait(tm, []rune{'d'})
	sendRunesAndWait(tm, []rune{'y'})
	waitUntil(t, "list deleted", func() bool { return store.Len() == 0 })

	sendRunesAndWait(tm, []rune{'q'})
	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("Deleted Groceries")) {
		t.Error("expected deletion notice in status bar")
	}
}

func TestTUICopyListToAnotherDay(t *testing.T) {
	tm, _, store := newGrid(t)

	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyTab})
	sendRunesAndWait(tm, []rune{'c'})
	sendRunesAndWait(tm, []rune{'l'})
	sendRunesAndWait(tm, []rune{'l'})
	sendRunesAndWait(tm, []rune{'c'})

	waitUntil(t, "copy on 2024-06-14", func() bool {
		lists := store.ListsOn("2024-06-14")
		return len(lists) == 1 && len(lists[0].Tasks) == 2 && !backend.IsPlaceholderID(lists[0].ID)
	})
	sendRunesAndWait(tm, []rune{'q'})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))

	if got := len(store.ListsOn(today)); got != 1 {
		t.Errorf("source day has %d lists, want 1", got)
	}
}

func TestTUIExternalChangeRedraws(t *testing.T) {
	tm, _, store := newGrid(t)

	// A realtime merge writes to the cache directly
	store.AddList(backend.List{ID: "remote", Title: "Pushed from phone", Date: today, Tasks: []backend.Task{}})
	time.Sleep(50 * time.Millisecond)

	sendRunesAndWait(tm, []rune{'q'})
	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("Pushed from phone")) {
		t.Error("expected cache change to be rendered")
	}
}

// =============================================================================
// Errors and dialogs
// =============================================================================

// failingActions rejects every call
type failingActions struct{}

var errOffline = errors.New("network unreachable\n\nSuggestion: check your connection")

func (failingActions) LoadMonth(context.Context, calendar.Month) error { return errOffline }
func (failingActions) CreateList(context.Context, string, string, []string) (*backend.List, error) {
	return nil, errOffline
}
func (failingActions) RenameList(context.Context, string, string) (*backend.List, error) {
	return nil, errOffline
}
func (failingActions) DeleteList(context.Context, string) error { return errOffline }
func (failingActions) DuplicateList(context.Context, string, string) (*backend.List, error) {
	return nil, errOffline
}
func (failingActions) CreateTask(context.Context, string, string) (*backend.Task, error) {
	return nil, errOffline
}
func (failingActions) RenameTask(context.Context, string, string, string) (*backend.Task, error) {
	return nil, errOffline
}
func (failingActions) ToggleTask(context.Context, string, string) (*backend.Task, error) {
	return nil, errOffline
}
func (failingActions) DeleteTask(context.Context, string, string) error { return errOffline }

func TestTUILoadErrorShownInStatusBar(t *testing.T) {
	model := tui.New(failingActions{}, cache.New(), tui.WithToday(today))
	t.Cleanup(model.Close)
	tm := teatest.NewTestModel(t, model, teatest.WithInitialTermSize(80, 30))
	time.Sleep(100 * time.Millisecond)

	sendRunesAndWait(tm, []rune{'q'})
	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("network unreachable")) {
		t.Error("expected load error in status bar")
	}
	if bytes.Contains(out, []byte("Suggestion")) {
		t.Error("status bar should only show the first line of the error")
	}
}

func TestTUIStatusMsg(t *testing.T) {
	tm, _, _ := newGrid(t)

	tm.Send(tui.StatusMsg("connection lost, reconnecting"))
	time.Sleep(20 * time.Millisecond)
	sendRunesAndWait(tm, []rune{'q'})

	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	if !bytes.Contains(out, []byte("connection lost")) {
		t.Error("expected status message to be shown")
	}
}

func TestTUIHelp(t *testing.T) {
	tm, _, _ := newGrid(t)

	sendRunesAndWait(tm, []rune{'?'})
	time.Sleep(20 * time.Millisecond)
	sendRunesAndWait(tm, []rune{'x'})
	sendRunesAndWait(tm, []rune{'q'})

	out := readAll(t, tm.FinalOutput(t, teatest.WithFinalTimeout(time.Second)))
	for _, want := range []string{"Key Bindings", "Copy list"} {
		if !bytes.Contains(out, []byte(want)) {
			t.Errorf("expected %q in help dialog", want)
		}
	}
}

func TestTUIQuitWithCtrlC(t *testing.T) {
	tm, _, _ := newGrid(t)

	sendKeyAndWait(tm, tea.KeyMsg{Type: tea.KeyCtrlC})
	tm.WaitFinished(t, teatest.WithFinalTimeout(time.Second))
}
