package credentials

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
	"todocal/internal/utils"
)

// PromptPassword reads a password. On a terminal the input is hidden with
// x/term; otherwise (pipes, tests) a plain line is read through p.
func PromptPassword(in io.Reader, out io.Writer, p *utils.Prompter, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintf(out, "%s: ", label)
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	return p.Line(label)
}

// IsInteractive reports whether in is a terminal
func IsInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
