// Package tui provides the interactive month grid.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"todocal/backend"
	"todocal/internal/cache"
	"todocal/internal/calendar"
)

// Actions is the subset of the coordinator the grid mutates through
type Actions interface {
	LoadMonth(ctx context.Context, m calendar.Month) error
	CreateList(ctx context.Context, title, date string, taskTitles []string) (*backend.List, error)
	RenameList(ctx context.Context, id, title string) (*backend.List, error)
	DeleteList(ctx context.Context, id string) error
	DuplicateList(ctx context.Context, id, date string) (*backend.List, error)
	CreateTask(ctx context.Context, listID, title string) (*backend.Task, error)
	RenameTask(ctx context.Context, listID, taskID, title string) (*backend.Task, error)
	ToggleTask(ctx context.Context, listID, taskID string) (*backend.Task, error)
	DeleteTask(ctx context.Context, listID, taskID string) error
}

// Focus indicates which pane has focus
type Focus int

const (
	FocusGrid Focus = iota
	FocusDay
)

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeNewList
	ModeAddTask
	ModeRename
	ModeHelp
	ModeConfirmDelete
)

// cellLines is the height of one day in the grid
const cellLines = 3

// row is one line of the day pane: a list, or a task of that list
type row struct {
	list backend.List
	task *backend.Task
}

// Model represents the TUI state. It reads the cache and mutates only
// through Actions.
type Model struct {
	actions Actions
	store   *cache.Store
	ctx     context.Context

	// Change notification
	changes     <-chan struct{}
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once

	// Calendar
	month     calendar.Month
	cursor    string // selected date
	today     string
	weekStart time.Weekday
	loading   bool

	// Selection
	focus      Focus
	rowCursor  int
	copySource *backend.List

	// Mode and input
	mode      Mode
	textInput textinput.Model
	target    row // what rename and delete apply to

	status    string
	statusErr bool

	// UI dimensions
	width  int
	height int

	// Styles
	titleStyle     lipgloss.Style
	cellStyle      lipgloss.Style
	cursorStyle    lipgloss.Style
	todayStyle     lipgloss.Style
	outsideStyle   lipgloss.Style
	selectedStyle  lipgloss.Style
	completedStyle lipgloss.Style
	dayPaneStyle   lipgloss.Style
	helpStyle      lipgloss.Style
	errorStyle     lipgloss.Style
	dialogStyle    lipgloss.Style
	statusBarStyle lipgloss.Style
}

// Option configures a Model
type Option func(*Model)

// WithToday overrides today's date (YYYY-MM-DD)
func WithToday(date string) Option {
	return func(m *Model) { m.today = date }
}

// WithWeekStart sets the first column of the grid
func WithWeekStart(day time.Weekday) Option {
	return func(m *Model) { m.weekStart = day }
}

// WithMonth opens the grid on m instead of the current month
func WithMonth(month calendar.Month) Option {
	return func(m *Model) { m.month = month }
}

// WithContext sets the context for backend calls
func WithContext(ctx context.Context) Option {
	return func(m *Model) { m.ctx = ctx }
}

// StatusMsg shows a notice in the status bar, e.g. from the realtime session
type StatusMsg string

// Message types
type monthLoadedMsg struct {
	month calendar.Month
	err   error
}

type storeChangedMsg struct{}

type actionDoneMsg struct {
	what string
	err  error
}

// New creates the grid over store. Call Close when the program has ended.
func New(actions Actions, store *cache.Store, opts ...Option) *Model {
	ti := textinput.New()
	ti.CharLimit = 256

	m := &Model{
		actions:   actions,
		store:     store,
		ctx:       context.Background(),
		today:     calendar.Today(),
		weekStart: time.Sunday,
		done:      make(chan struct{}),
		textInput: ti,
		width:     80,
		height:    24,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		cellStyle: lipgloss.NewStyle().
			Height(cellLines),
		cursorStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		todayStyle: lipgloss.NewStyle().
			Reverse(true),
		outsideStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		completedStyle: lipgloss.NewStyle().
			Strikethrough(true).
			Foreground(lipgloss.Color("240")),
		dayPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.month == (calendar.Month{}) {
		if t, err := backend.ParseDate(m.today); err == nil {
			m.month = calendar.MonthOf(t)
		} else {
			m.month = calendar.Current()
		}
	}
	m.cursor = m.defaultCursor(m.month)
	m.changes, m.unsubscribe = store.Subscribe()
	return m
}

// Close stops listening for cache changes
func (m *Model) Close() {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		close(m.done)
	})
}

// Month returns the displayed month
func (m *Model) Month() calendar.Month { return m.month }

// Cursor returns the selected date
func (m *Model) Cursor() string { return m.cursor }

// Init loads the month and starts listening for cache changes
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadMonth(m.month), m.waitForChange())
}

// waitForChange delivers the next cache change notification
func (m *Model) waitForChange() tea.Cmd {
	changes, done := m.changes, m.done
	return func() tea.Msg {
		select {
		case <-changes:
			return storeChangedMsg{}
		case <-done:
			return nil
		}
	}
}

func (m *Model) loadMonth(month calendar.Month) tea.Cmd {
	m.loading = true
	return func() tea.Msg {
		return monthLoadedMsg{month: month, err: m.actions.LoadMonth(m.ctx, month)}
	}
}

// run executes an action off the UI goroutine. The cache changes before
// the action returns, so the grid redraws without waiting for it.
func (m *Model) run(what string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{what: what, err: fn(ctx)}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case monthLoadedMsg:
		if msg.month != m.month {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.setError(msg.err)
		}
		m.clampRow()
		return m, nil

	case storeChangedMsg:
		m.clampRow()
		return m, m.waitForChange()

	case actionDoneMsg:
		if msg.err != nil {
			m.setError(msg.err)
		} else if msg.what != "" {
			m.setStatus(msg.what)
		}
		m.clampRow()
		return m, nil

	case StatusMsg:
		m.setStatus(string(msg))
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeNewList, ModeAddTask, ModeRename:
			return m.handleInputMode(msg)
		case ModeHelp:
			m.mode = ModeNormal
			return m, nil
		case ModeConfirmDelete:
			return m.handleConfirmDeleteMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	return m, nil
}

func (m *Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "esc":
		m.copySource = nil
		m.status = ""
		return m, nil

	case "tab":
		if m.focus == FocusGrid {
			m.focus = FocusDay
		} else {
			m.focus = FocusGrid
		}
		m.rowCursor = 0
		return m, nil

	case "left", "h":
		return m, m.moveCursor(-1)
	case "right", "l":
		return m, m.moveCursor(1)

	case "up", "k":
		if m.focus == FocusDay {
			if m.rowCursor > 0 {
				m.rowCursor--
			}
			return m, nil
		}
		return m, m.moveCursor(-7)

	case "down", "j":
		if m.focus == FocusDay {
			if m.rowCursor < len(m.rows())-1 {
				m.rowCursor++
			}
			return m, nil
		}
		return m, m.moveCursor(7)

	case "[":
		return m, m.showMonth(m.month.Prev())
	case "]":
		return m, m.showMonth(m.month.Next())

	case "t":
		d, err := backend.ParseDate(m.today)
		if err != nil {
			return m, nil
		}
		return m, m.jumpTo(d)

	case "n":
		m.openInput(ModeNewList, "New list title...", "")
		return m, textinput.Blink

	case "a":
		list, ok := m.selectedList()
		if !ok {
			m.setStatus("No list on this day: press n to create one")
			return m, nil
		}
		m.target = row{list: list}
		m.openInput(ModeAddTask, "New task in "+list.Title+"...", "")
		return m, textinput.Blink

	case " ", "space":
		r, ok := m.selectedRow()
		if !ok || r.task == nil {
			return m, nil
		}
		listID, taskID := r.list.ID, r.task.ID
		return m, m.run("", func(ctx context.Context) error {
			_, err := m.actions.ToggleTask(ctx, listID, taskID)
			return err
		})

	case "e":
		r, ok := m.selectedRow()
		if !ok {
			return m, nil
		}
		m.target = r
		current := r.list.Title
		if r.task != nil {
			current = r.task.Title
		}
		m.openInput(ModeRename, "New title...", current)
		return m, textinput.Blink

	case "d":
		r, ok := m.selectedRow()
		if !ok {
			return m, nil
		}
		m.target = r
		m.mode = ModeConfirmDelete
		return m, nil

	case "c":
		if m.copySource != nil {
			src, date := *m.copySource, m.cursor
			m.copySource = nil
			return m, m.run(fmt.Sprintf("Copied %s to %s", src.Title, date), func(ctx context.Context) error {
				_, err := m.actions.DuplicateList(ctx, src.ID, date)
				return err
			})
		}
		list, ok := m.selectedList()
		if !ok {
			return m, nil
		}
		m.copySource = &list
		m.setStatus(fmt.Sprintf("Copying %s: move to a day and press c (esc cancels)", list.Title))
		return m, nil

	case "?":
		m.mode = ModeHelp
		return m, nil
	}
	return m, nil
}

func (m *Model) openInput(mode Mode, placeholder, value string) {
	m.mode = mode
	m.textInput.Reset()
	m.textInput.Placeholder = placeholder
	m.textInput.SetValue(value)
	m.textInput.Focus()
}

func (m *Model) handleInputMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		value := strings.TrimSpace(m.textInput.Value())
		mode, target, date := m.mode, m.target, m.cursor
		m.mode = ModeNormal
		m.textInput.Blur()
		if value == "" {
			return m, nil
		}
		return m, m.submit(mode, target, date, value)

	case tea.KeyEsc:
		m.mode = ModeNormal
		m.textInput.Blur()
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// submit runs the action an input dialog was opened for
func (m *Model) submit(mode Mode, target row, date, value string) tea.Cmd {
	switch mode {
	case ModeNewList:
		return m.run("", func(ctx context.Context) error {
			_, err := m.actions.CreateList(ctx, value, date, nil)
			return err
		})
	case ModeAddTask:
		return m.run("", func(ctx context.Context) error {
			_, err := m.actions.CreateTask(ctx, target.list.ID, value)
			return err
		})
	case ModeRename:
		if target.task != nil {
			return m.run("", func(ctx context.Context) error {
				_, err := m.actions.RenameTask(ctx, target.list.ID, target.task.ID, value)
				return err
			})
		}
		return m.run("", func(ctx context.Context) error {
			_, err := m.actions.RenameList(ctx, target.list.ID, value)
			return err
		})
	}
	return nil
}

func (m *Model) handleConfirmDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.mode = ModeNormal
		target := m.target
		if target.task != nil {
			return m, m.run("Deleted "+target.task.Title, func(ctx context.Context) error {
				return m.actions.DeleteTask(ctx, target.list.ID, target.task.ID)
			})
		}
		return m, m.run("Deleted "+target.list.Title, func(ctx context.Context) error {
			return m.actions.DeleteList(ctx, target.list.ID)
		})

	case "n", "N", "esc", "q":
		m.mode = ModeNormal
		return m, nil
	}
	return m, nil
}

// =============================================================================
// Navigation
// =============================================================================

// defaultCursor is today when it falls in month, else the first day
func (m *Model) defaultCursor(month calendar.Month) string {
	if month.Contains(m.today) {
		return m.today
	}
	start, _ := month.Range()
	return start
}

func (m *Model) moveCursor(days int) tea.Cmd {
	d, err := backend.ParseDate(m.cursor)
	if err != nil {
		return nil
	}
	return m.jumpTo(d.AddDate(0, 0, days))
}

// jumpTo selects d, loading its month when it is not displayed
func (m *Model) jumpTo(d time.Time) tea.Cmd {
	m.cursor = backend.FormatDate(d)
	m.rowCursor = 0
	if month := calendar.MonthOf(d); month != m.month {
		m.month = month
		return m.loadMonth(month)
	}
	return nil
}

// showMonth switches to month keeping the day of month where possible
func (m *Model) showMonth(month calendar.Month) tea.Cmd {
	day := 1
	if d, err := backend.ParseDate(m.cursor); err == nil {
		day = d.Day()
	}
	if last := month.Last().Day(); day > last {
		day = last
	}
	m.month = month
	m.cursor = backend.FormatDate(time.Date(month.Year, month.Month, day, 0, 0, 0, 0, time.UTC))
	m.rowCursor = 0
	return m.loadMonth(month)
}

// rows flattens the selected day into lists and their tasks
func (m *Model) rows() []row {
	var rows []row
	for _, l := range m.store.ListsOn(m.cursor) {
		rows = append(rows, row{list: l})
		for i := range l.Tasks {
			rows = append(rows, row{list: l, task: &l.Tasks[i]})
		}
	}
	return rows
}

func (m *Model) selectedRow() (row, bool) {
	if m.focus != FocusDay {
		return row{}, false
	}
	rows := m.rows()
	if m.rowCursor < 0 || m.rowCursor >= len(rows) {
		return row{}, false
	}
	return rows[m.rowCursor], true
}

// selectedList is the list under the day cursor, or the day's first list
// when the grid has focus
func (m *Model) selectedList() (backend.List, bool) {
	if r, ok := m.selectedRow(); ok {
		return r.list, true
	}
	lists := m.store.ListsOn(m.cursor)
	if len(lists) == 0 {
		return backend.List{}, false
	}
	return lists[0], true
}

func (m *Model) clampRow() {
	if n := len(m.rows()); m.rowCursor >= n {
		m.rowCursor = max(n-1, 0)
	}
}

func (m *Model) setStatus(s string) {
	m.status, m.statusErr = s, false
}

func (m *Model) setError(err error) {
	m.status, m.statusErr = firstLine(err.Error()), true
}

// =============================================================================
// Rendering
// =============================================================================

// View renders the TUI
func (m *Model) View() string {
	switch m.mode {
	case ModeNewList:
		return m.renderInputDialog("New list on " + m.cursor)
	case ModeAddTask:
		return m.renderInputDialog("Add task to " + m.target.list.Title)
	case ModeRename:
		title := "Rename " + m.target.list.Title
		if m.target.task != nil {
			title = "Rename " + m.target.task.Title
		}
		return m.renderInputDialog(title)
	case ModeHelp:
		return m.centerDialog(m.dialogStyle.Render(helpText))
	case ModeConfirmDelete:
		return m.renderConfirmDeleteDialog()
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderGrid())
	b.WriteString("\n")
	b.WriteString(m.renderDayPane())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderHeader() string {
	title := m.titleStyle.Render("‹ " + m.month.Title() + " ›")
	if m.loading {
		title += m.helpStyle.Render("  loading...")
	}
	return title
}

func (m *Model) cellWidth() int {
	return max(m.width/7, 8)
}

func (m *Model) renderGrid() string {
	cw := m.cellWidth()
	var header []string
	for _, name := range calendar.Weekdays(m.weekStart) {
		header = append(header, m.helpStyle.Width(cw).Render(" "+name))
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, header...)}

	for _, week := range m.month.Grid(m.weekStart, m.today) {
		var cells []string
		for _, day := range week {
			cells = append(cells, m.renderCell(day, cw))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderCell(day calendar.Day, width int) string {
	style := m.cellStyle.Width(width)
	number := fmt.Sprintf("%2d", day.Day)
	if day.Today {
		number = m.todayStyle.Render(number)
	}
	if !day.InMonth {
		return style.Render(m.outsideStyle.Render(" " + fmt.Sprintf("%2d", day.Day)))
	}

	marker := " "
	if day.Date == m.cursor {
		marker = ">"
	}
	lines := []string{marker + number}

	lists := m.store.ListsOn(day.Date)
	for i, l := range lists {
		if i == cellLines-2 && len(lists) > cellLines-1 {
			lines = append(lines, fmt.Sprintf(" +%d more", len(lists)-i))
			break
		}
		lines = append(lines, " "+truncate(fmt.Sprintf("%s %s", l.Title, progress(l)), width-2))
	}

	cell := strings.Join(lines, "\n")
	if day.Date == m.cursor {
		cell = m.cursorStyle.Render(cell)
	}
	return style.Render(cell)
}

func (m *Model) renderDayPane() string {
	var b strings.Builder
	heading := m.cursor
	if d, err := backend.ParseDate(m.cursor); err == nil {
		heading = d.Format("Monday 2 January 2006")
	}
	b.WriteString(m.selectedStyle.Render(heading))
	b.WriteString("\n")

	rows := m.rows()
	if len(rows) == 0 {
		b.WriteString(m.helpStyle.Render("No lists (n: new list)"))
	}
	for i, r := range rows {
		cursor := " "
		if m.focus == FocusDay && i == m.rowCursor {
			cursor = ">"
		}
		var line string
		if r.task == nil {
			line = fmt.Sprintf("%s %s %s", cursor, r.list.Title, progress(r.list))
			if m.copySource != nil && m.copySource.ID == r.list.ID {
				line += " (copying)"
			}
		} else {
			title := r.task.Title
			box := "[ ]"
			if r.task.Completed {
				box = "[x]"
				title = m.completedStyle.Render(title)
			}
			line = fmt.Sprintf("%s   %s %s", cursor, box, title)
		}
		if m.focus == FocusDay && i == m.rowCursor {
			line = m.selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < len(rows)-1 {
			b.WriteString("\n")
		}
	}
	return m.dayPaneStyle.Width(max(m.width-2, 20)).Render(b.String())
}

func (m *Model) renderStatusBar() string {
	left := m.status
	if m.statusErr {
		left = m.errorStyle.Render(left)
	}
	right := "tab:focus  ?:help  q:quit"

	padding := m.width - lipgloss.Width(left) - len(right) - 2
	if padding < 1 {
		padding = 1
	}
	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) renderInputDialog(title string) string {
	dialog := m.dialogStyle.Render(
		title + "\n\n" +
			m.textInput.View() + "\n\n" +
			m.helpStyle.Render("Enter: confirm  Esc: cancel"),
	)
	return m.centerDialog(dialog)
}

func (m *Model) renderConfirmDeleteDialog() string {
	what := "list " + m.target.list.Title + " and its tasks"
	if m.target.task != nil {
		what = "task " + m.target.task.Title
	}
	dialog := m.dialogStyle.Render(
		"Delete " + what + "?\n\n" +
			m.helpStyle.Render("y: yes  n: no"),
	)
	return m.centerDialog(dialog)
}

const helpText = `Help - Key Bindings

Navigation:
  ←/→ h/l   Previous/next day
  ↑/↓ k/j   Previous/next week (rows in the day pane)
  [ ]       Previous/next month
  t         Today
  Tab       Switch focus between grid and day

Actions:
  n         New list on the selected day
  a         Add task to the selected list
  Space     Toggle task completion
  e         Rename list or task
  d         Delete list or task (with confirm)
  c         Copy list: press on a list, then on the target day

General:
  ?         Show this help
  q         Quit

Press any key to close`

func (m *Model) centerDialog(dialog string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, dialog)
}

// progress formats done/total
func progress(l backend.List) string {
	done := 0
	for _, t := range l.Tasks {
		if t.Completed {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(l.Tasks))
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width < 1 {
		return ""
	}
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
