// Package prompt asks the user questions on the terminal.
package prompt

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// Prompter asks yes/no questions and reads free-form input.
type Prompter interface {
	// Confirm asks question and returns def when no answer can be given.
	Confirm(ctx context.Context, question string, def bool) (bool, error)
	// Input asks for a line of text. The second return value is false when
	// the user could not be asked or declined to answer.
	Input(ctx context.Context, title string) (string, bool, error)
}

// Terminal prompts on the controlling terminal.
type Terminal struct {
	interactive bool
	mu          sync.Mutex
}

// New creates a terminal prompter. Prompting is disabled when nonInteractive
// is set or stdin is not a terminal, in which case defaults are returned.
func New(nonInteractive bool) *Terminal {
	fd := os.Stdin.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return &Terminal{interactive: !nonInteractive && tty}
}

// Interactive reports whether the user will actually be asked.
func (t *Terminal) Interactive() bool {
	return t.interactive
}

func (t *Terminal) Confirm(ctx context.Context, question string, def bool) (bool, error) {
	if !t.interactive {
		return def, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	answer := def
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(question).
			Affirmative("Yes").
			Negative("No").
			Value(&answer),
	)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return answer, nil
}

func (t *Terminal) Input(ctx context.Context, title string) (string, bool, error) {
	if !t.interactive {
		return "", false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var value string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			Value(&value),
	)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	value = strings.TrimSpace(value)
	return value, value != "", nil
}

// Fixed answers every question the same way.
type Fixed struct {
	Answer bool
	Text   string
}

func (f Fixed) Confirm(context.Context, string, bool) (bool, error) {
	return f.Answer, nil
}

func (f Fixed) Input(context.Context, string) (string, bool, error) {
	return f.Text, f.Text != "", nil
}
