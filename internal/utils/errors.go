package utils

import (
	"errors"
	"fmt"
	"strings"

	"todocal/backend"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrListNotFound returns an error for a list reference that matched nothing.
func ErrListNotFound(ref string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("list not found: %s", ref),
		Suggestion: "Use 'todocal month' or 'todocal day <date>' to see list ids, or refer to a list as DATE/TITLE",
	}
}

// ErrTaskNotFound returns an error for a task reference that matched nothing.
func ErrTaskNotFound(listTitle, ref string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found in %q: %s", listTitle, ref),
		Suggestion: "Refer to a task by id, title or 1-based position",
	}
}

// ErrAmbiguousList returns an error when a title matches several lists and
// prompting is disabled.
func ErrAmbiguousList(ref string, count int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%d lists match %q", count, ref),
		Suggestion: "Refer to the list by id or as DATE/TITLE",
	}
}

// ErrAmbiguousTask is ErrAmbiguousList for tasks within one list.
func ErrAmbiguousTask(listTitle, ref string, count int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%d tasks in %q match %q", count, listTitle, ref),
		Suggestion: "Refer to the task by id or 1-based position",
	}
}

// ErrNotSignedIn returns the user-facing form of backend.ErrNotSignedIn.
func ErrNotSignedIn() error {
	return &ErrorWithSuggestion{
		Err:        backend.ErrNotSignedIn,
		Suggestion: "Run 'todocal auth login' or 'todocal auth signup' first",
	}
}

// ErrBackendNotConfigured returns an error when a backend is not configured.
func ErrBackendNotConfigured(name string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("backend not configured: %s", name),
		Suggestion: fmt.Sprintf("Add %s settings to your config file or set TODOCAL_SUPABASE_URL and TODOCAL_SUPABASE_ANON_KEY", name),
	}
}

// ErrBackendOffline returns an error when a backend is unreachable with smart suggestions.
func ErrBackendOffline(name, reason string) error {
	suggestion := getSmartSuggestion(reason)
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("backend %s is offline: %s", name, reason),
		Suggestion: suggestion,
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "deadline exceeded") {
		return "The server may be slow or unreachable. Try again later"
	}

	if strings.Contains(lowerReason, "status 401") || strings.Contains(lowerReason, "status 403") {
		return "Your session may have expired. Run 'todocal auth login' again"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %q", dateStr),
		Suggestion: "Use YYYY-MM-DD (e.g., 2026-01-15), today, tomorrow, +3d, or a phrase like 'next friday'",
	}
}

// ErrInvalidMonth returns an error for an invalid month argument.
func ErrInvalidMonth(monthStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid month: %q", monthStr),
		Suggestion: "Use YYYY-MM (e.g., 2026-01)",
	}
}

// ErrAuthenticationFailed returns an error when authentication fails.
func ErrAuthenticationFailed(backendName string, err error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("authentication failed for %s: %w", backendName, err),
		Suggestion: "Verify your email and password, or create an account with 'todocal auth signup'",
	}
}

// Explain attaches a suggestion to errors from the backend taxonomy. Errors
// that already carry a suggestion, and unknown errors, are returned as is.
func Explain(backendName string, err error) error {
	if err == nil {
		return nil
	}
	var ws *ErrorWithSuggestion
	if errors.As(err, &ws) {
		return err
	}

	var re *backend.RemoteError
	switch {
	case errors.Is(err, backend.ErrNotSignedIn):
		return WrapWithSuggestion(err, "Run 'todocal auth login' or 'todocal auth signup' first")
	case backend.IsValidation(err):
		return WrapWithSuggestion(err, "Check the command arguments; dates are YYYY-MM-DD and titles must not be empty")
	case backend.IsNotFound(err):
		return WrapWithSuggestion(err, "The item may have been deleted elsewhere. Run 'todocal month' to refresh")
	case errors.As(err, &re):
		if re.Status == 401 || re.Status == 403 {
			return WrapWithSuggestion(err, getSmartSuggestion(fmt.Sprintf("status %d", re.Status)))
		}
		return &ErrorWithSuggestion{
			Err:        err,
			Suggestion: fmt.Sprintf("%s (backend %s)", getSmartSuggestion(err.Error()), backendName),
		}
	}
	return err
}
