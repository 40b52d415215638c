// Package calendar models the month grid: month ranges, navigation and the
// mapping of lists onto days.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"todocal/backend"
)

// Month identifies one calendar month
type Month struct {
	Year  int
	Month time.Month
}

// Day is one cell of the month grid
type Day struct {
	Date    string // YYYY-MM-DD
	Day     int
	InMonth bool
	Today   bool
}

// MonthOf returns the month containing t
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// Current returns the month containing today
func Current() Month {
	return MonthOf(time.Now())
}

// ParseMonth parses YYYY-MM
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: use YYYY-MM", s)
	}
	return MonthOf(t), nil
}

// String returns the month as YYYY-MM
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Title returns a display title such as "June 2024"
func (m Month) Title() string {
	return fmt.Sprintf("%s %d", m.Month, m.Year)
}

// First returns midnight UTC of the first day
func (m Month) First() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Last returns midnight UTC of the last day
func (m Month) Last() time.Time {
	return m.First().AddDate(0, 1, -1)
}

// Range returns the inclusive date bounds used to load the month
func (m Month) Range() (start, end string) {
	return backend.FormatDate(m.First()), backend.FormatDate(m.Last())
}

// Next returns the following month
func (m Month) Next() Month { return MonthOf(m.First().AddDate(0, 1, 0)) }

// Prev returns the preceding month
func (m Month) Prev() Month { return MonthOf(m.First().AddDate(0, -1, 0)) }

// Contains reports whether date (YYYY-MM-DD) falls in the month
func (m Month) Contains(date string) bool {
	start, end := m.Range()
	return len(date) == len(backend.DateLayout) && date >= start && date <= end
}

// Grid returns the weeks covering the month, padded with days of the
// adjacent months so every week has seven days starting on weekStart.
// today (YYYY-MM-DD) marks the matching cell.
func (m Month) Grid(weekStart time.Weekday, today string) [][]Day {
	first := m.First()
	offset := (int(first.Weekday()) - int(weekStart) + 7) % 7
	cursor := first.AddDate(0, 0, -offset)
	last := m.Last()

	var weeks [][]Day
	for !cursor.After(last) {
		week := make([]Day, 7)
		for i := range week {
			date := backend.FormatDate(cursor)
			week[i] = Day{
				Date:    date,
				Day:     cursor.Day(),
				InMonth: cursor.Month() == m.Month,
				Today:   date == today,
			}
			cursor = cursor.AddDate(0, 0, 1)
		}
		weeks = append(weeks, week)
	}
	return weeks
}

// Weekdays returns the short weekday headers starting at weekStart
func Weekdays(weekStart time.Weekday) []string {
	names := make([]string, 7)
	for i := range names {
		names[i] = time.Weekday((int(weekStart) + i) % 7).String()[:3]
	}
	return names
}

// ParseWeekStart maps the config value to a weekday. Empty means Sunday.
func ParseWeekStart(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	}
	return time.Sunday, fmt.Errorf("invalid week start %q: use sunday or monday", s)
}

// Today returns today's date in the local time zone as YYYY-MM-DD
func Today() string {
	return time.Now().Format(backend.DateLayout)
}

// ListsOn filters lists to those whose date string equals date exactly
func ListsOn(lists []backend.List, date string) []backend.List {
	var out []backend.List
	for _, l := range lists {
		if l.Date == date {
			out = append(out, l)
		}
	}
	return out
}
