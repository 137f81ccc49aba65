// Package command wraps external program execution.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Name   string
	Args   []string
	Code   int
	Stdout string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command `%s` exited with status %d", e.commandLine(), e.Code)

	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", s)
	}

	return b.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func (e *ExitError) commandLine() string {
	if len(e.Args) == 0 {
		return e.Name
	}
	return e.Name + " " + strings.Join(e.Args, " ")
}

// Command describes a program to run. The zero value is not usable, use New.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// New creates a command for the named program.
func New(name string, args ...string) *Command {
	return &Command{Name: name, Args: args}
}

// With returns a copy of c with extra arguments appended.
func (c *Command) With(args ...string) *Command {
	out := *c
	out.Args = append(append([]string(nil), c.Args...), args...)
	return &out
}

// WorkingDir returns a copy of c that runs in dir.
func (c *Command) WorkingDir(dir string) *Command {
	out := *c
	out.Dir = dir
	return &out
}

func (c *Command) cmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// Output runs the command and returns its stdout.
func (c *Command) Output(ctx context.Context) (string, error) {
	cmd := c.cmd(ctx)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", c.wrap(err, stdout.String(), stderr.String())
	}

	return stdout.String(), nil
}

// Run runs the command, discarding output unless it fails.
func (c *Command) Run(ctx context.Context) error {
	_, err := c.Output(ctx)
	return err
}

// Lines runs the command and returns stdout split into lines.
func (c *Command) Lines(ctx context.Context) ([]string, error) {
	out, err := c.Output(ctx)
	if err != nil {
		return nil, err
	}
	return SplitLines(out), nil
}

// RunInherited runs the command attached to the current terminal.
func (c *Command) RunInherited(ctx context.Context) error {
	cmd := c.cmd(ctx)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return c.wrap(err, "", "")
	}
	return nil
}

// Status runs the command and reports whether it exited successfully.
// A missing executable is reported as an error.
func (c *Command) Status(ctx context.Context) (bool, error) {
	err := c.cmd(ctx).Run()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}

	return false, err
}

// Test reports whether the program is installed and working by running it
// with --version.
func (c *Command) Test(ctx context.Context) (bool, error) {
	ok, err := c.With("--version").Status(ctx)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func (c *Command) wrap(err error, stdout, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Name:   c.Name,
			Args:   c.Args,
			Code:   exitErr.ExitCode(),
			Stdout: stdout,
			Stderr: stderr,
			Err:    err,
		}
	}
	return fmt.Errorf("failed to run `%s`: %w", c, err)
}

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// SplitLines splits s into lines without trailing newlines.
func SplitLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
