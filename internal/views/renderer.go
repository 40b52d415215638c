// Package views renders the cached month for the command line, as styled
// text or as JSON.
package views

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"todocal/backend"
	"todocal/internal/calendar"
	"todocal/internal/utils"
)

// cellWidth is the width of one day in the text grid
const cellWidth = 5

// Renderer writes text views. Styles degrade to plain text when the writer
// is not a terminal.
type Renderer struct {
	writer    io.Writer
	weekStart time.Weekday
	today     string

	titleStyle lipgloss.Style
	dateStyle  lipgloss.Style
	todayStyle lipgloss.Style
	doneStyle  lipgloss.Style
	idStyle    lipgloss.Style
}

// NewRenderer creates a renderer for w. today (YYYY-MM-DD) is highlighted.
func NewRenderer(w io.Writer, weekStart time.Weekday, today string) *Renderer {
	r := lipgloss.NewRenderer(w)
	return &Renderer{
		writer:     w,
		weekStart:  weekStart,
		today:      today,
		titleStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		dateStyle:  r.NewStyle().Bold(true),
		todayStyle: r.NewStyle().Reverse(true),
		doneStyle:  r.NewStyle().Foreground(lipgloss.Color("241")).Strikethrough(true),
		idStyle:    r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// RenderMonth prints the grid for m, marking days that have lists with '*',
// followed by the agenda of every list in the month.
func (r *Renderer) RenderMonth(m calendar.Month, lists []backend.List) {
	_, _ = fmt.Fprintln(r.writer, r.titleStyle.Render(m.Title()))

	var header strings.Builder
	for _, name := range calendar.Weekdays(r.weekStart) {
		header.WriteString(fmt.Sprintf("%*s", cellWidth, name))
	}
	_, _ = fmt.Fprintln(r.writer, header.String())

	for _, week := range m.Grid(r.weekStart, r.today) {
		var line strings.Builder
		for _, day := range week {
			line.WriteString(r.cell(day, len(calendar.ListsOn(lists, day.Date)) > 0))
		}
		_, _ = fmt.Fprintln(r.writer, strings.TrimRight(line.String(), " "))
	}

	start, end := m.Range()
	var dates []string
	for _, l := range lists {
		if l.Date >= start && l.Date <= end && !slices.Contains(dates, l.Date) {
			dates = append(dates, l.Date)
		}
	}
	slices.Sort(dates)
	if len(dates) == 0 {
		_, _ = fmt.Fprintf(r.writer, "\nNo lists in %s\n", m.Title())
		return
	}
	for _, date := range dates {
		_, _ = fmt.Fprintln(r.writer)
		r.renderDate(date, calendar.ListsOn(lists, date))
	}
}

// RenderDay prints every list dated date
func (r *Renderer) RenderDay(date string, lists []backend.List) {
	on := calendar.ListsOn(lists, date)
	if len(on) == 0 {
		_, _ = fmt.Fprintf(r.writer, "No lists on %s\n", date)
		return
	}
	r.renderDate(date, on)
}

// RenderList prints one list and its numbered tasks
func (r *Renderer) RenderList(l backend.List) {
	done := 0
	for _, t := range l.Tasks {
		if t.Completed {
			done++
		}
	}
	_, _ = fmt.Fprintf(r.writer, "  %s (%d/%d)  %s\n", l.Title, done, len(l.Tasks), r.idStyle.Render(l.ID))
	for i, t := range l.Tasks {
		title := t.Title
		box := "[ ]"
		if t.Completed {
			box = "[x]"
			title = r.doneStyle.Render(title)
		}
		_, _ = fmt.Fprintf(r.writer, "    %d. %s %s\n", i+1, box, title)
	}
}

func (r *Renderer) renderDate(date string, lists []backend.List) {
	heading := date
	if t, err := backend.ParseDate(date); err == nil {
		heading = fmt.Sprintf("%s %s", date, t.Weekday().String()[:3])
	}
	if date == r.today {
		heading += " (today)"
	}
	_, _ = fmt.Fprintln(r.writer, r.dateStyle.Render(heading))
	for _, l := range lists {
		r.RenderList(l)
	}
}

// cell formats one grid day right-aligned in cellWidth
func (r *Renderer) cell(day calendar.Day, hasLists bool) string {
	if !day.InMonth {
		return strings.Repeat(" ", cellWidth)
	}
	mark := " "
	if hasLists {
		mark = "*"
	}
	digits := fmt.Sprint(day.Day)
	pad := strings.Repeat(" ", cellWidth-1-len(digits))
	if day.Today {
		// Only the digits are styled so the columns stay aligned
		digits = r.todayStyle.Render(digits)
	}
	return pad + digits + mark
}

// =============================================================================
// JSON
// =============================================================================

// WriteJSON prints v as one line of JSON
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteErrorJSON prints err as an ErrorJSON, including its suggestion
func WriteErrorJSON(w io.Writer, err error) {
	resp := ErrorJSON{Error: err.Error(), Code: 1, Result: ResultError}
	var sugg *utils.ErrorWithSuggestion
	if errors.As(err, &sugg) {
		resp.Error = sugg.Err.Error()
		resp.Suggestion = sugg.GetSuggestion()
	}
	_ = WriteJSON(w, resp)
}
