package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrSelectionCancelled is returned when the user cancels a selection.
var ErrSelectionCancelled = errors.New("selection cancelled")

// ErrNoInput is returned when the input ends before a line was read.
var ErrNoInput = errors.New("no input")

// Prompter reads answers line by line from one reader. Commands that ask
// several questions share a Prompter so buffered input is not lost between them.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter reading from r and writing prompts to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(r), out: w}
}

// Printf writes to the prompt output.
func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// readLine returns the next line without its terminator.
func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// YesNo asks until it gets y/yes or n/no. End of input counts as no.
func (p *Prompter) YesNo(prompt string) bool {
	for {
		_, _ = fmt.Fprintf(p.out, "%s (y/n): ", prompt)
		line, err := p.readLine()
		if err != nil {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		// Invalid input, loop continues
	}
}

// Line prints prompt and returns the trimmed answer.
func (p *Prompter) Line(prompt string) (string, error) {
	_, _ = fmt.Fprintf(p.out, "%s: ", prompt)
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// PromptSelection displays items and asks for a 1-based choice.
// Returns 0-based index of selected item or ErrSelectionCancelled (user enters 0).
func PromptSelection[T any](p *Prompter, items []T, prompt string, display func(index int, item T) string) (int, error) {
	for i, item := range items {
		_, _ = fmt.Fprintf(p.out, "  %d. %s\n", i+1, display(i, item))
	}

	for {
		_, _ = fmt.Fprintf(p.out, "%s (0 to cancel): ", prompt)
		line, err := p.readLine()
		if err != nil {
			return -1, ErrSelectionCancelled
		}

		num, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			_, _ = fmt.Fprintln(p.out, "Please enter a number")
			continue
		}

		if num == 0 {
			return -1, ErrSelectionCancelled
		}

		if num < 1 || num > len(items) {
			_, _ = fmt.Fprintf(p.out, "Please enter a number between 1 and %d\n", len(items))
			continue
		}

		return num - 1, nil // Convert to 0-based index
	}
}
