package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// dateLayout is the list date format
const dateLayout = "2006-01-02"

// relativePattern matches relative date formats like +7d, -3d, +2w, +1m
var relativePattern = regexp.MustCompile(`^([+-])(\d+)([dwm])$`)

// naturalDates parses phrases like "next friday" or "in 3 days"
var naturalDates = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseRelativeDate parses "today", "tomorrow", "yesterday", "+7d", "-3d", "+2w", "+1m".
// Returns nil if the string is not a relative date format.
func parseRelativeDate(dateStr string, now time.Time) (*time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	lower := strings.ToLower(dateStr)

	switch lower {
	case "today":
		return &today, nil
	case "tomorrow":
		t := today.AddDate(0, 0, 1)
		return &t, nil
	case "yesterday":
		t := today.AddDate(0, 0, -1)
		return &t, nil
	}

	matches := relativePattern.FindStringSubmatch(lower)
	if matches == nil {
		return nil, nil // Not a relative format
	}

	num, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	if matches[1] == "-" {
		num = -num
	}

	var result time.Time
	switch matches[3] {
	case "d":
		result = today.AddDate(0, 0, num)
	case "w":
		result = today.AddDate(0, 0, num*7)
	case "m":
		result = today.AddDate(0, num, 0)
	}
	return &result, nil
}

// ResolveDate turns a user-supplied date into YYYY-MM-DD.
// Supported forms: YYYY-MM-DD, today, tomorrow, yesterday, +Nd, -Nd, +Nw, +Nm,
// and English phrases such as "next friday".
func ResolveDate(dateStr string) (string, error) {
	return ResolveDateAt(dateStr, time.Now())
}

// ResolveDateAt is ResolveDate relative to now.
func ResolveDateAt(dateStr string, now time.Time) (string, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return "", ErrInvalidDate(dateStr)
	}

	t, err := parseRelativeDate(dateStr, now)
	if err != nil {
		return "", err
	}
	if t != nil {
		return t.Format(dateLayout), nil
	}

	if parsed, err := time.ParseInLocation(dateLayout, dateStr, now.Location()); err == nil {
		return parsed.Format(dateLayout), nil
	}
	// Reject digit-only near misses like 2024-6-1 instead of guessing.
	if strings.IndexFunc(dateStr, func(r rune) bool { return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' }) < 0 {
		return "", ErrInvalidDate(dateStr)
	}

	r, err := naturalDates.Parse(dateStr, now)
	if err != nil || r == nil {
		return "", ErrInvalidDate(dateStr)
	}
	return r.Time.Format(dateLayout), nil
}
