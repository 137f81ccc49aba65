package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// System creates and opens repositories
type System interface {
	// Test reports whether a working git command is available
	Test(ctx context.Context) (bool, error)
	// Clone clones url into path
	Clone(ctx context.Context, url, path string) (Repo, error)
	// Open opens the existing checkout at path
	Open(path string) Repo
}

// Repo is a local checkout tracking a remote
type Repo interface {
	Path() string
	// Head returns the commit currently checked out
	Head(ctx context.Context) (string, error)
	// NeedsUpdate fetches the remote and reports whether it has commits the
	// local checkout does not
	NeedsUpdate(ctx context.Context) (bool, error)
	// IsFresh reports whether the working tree has no local modifications
	IsFresh(ctx context.Context) (bool, error)
	// Update fast-forwards to the last fetched commit
	Update(ctx context.Context) error
	// ForceUpdate resets to the last fetched commit, discarding local changes
	ForceUpdate(ctx context.Context) error
}

// ShellSystem implements System by shelling out to the git command
type ShellSystem struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellSystem creates a new git system that uses the git command
func NewShellSystem(sshKeyFile, httpsTokenFile string) *ShellSystem {
	return &ShellSystem{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Test runs git --version
func (s *ShellSystem) Test(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "--version")
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clone clones the repository at url into path
func (s *ShellSystem) Clone(ctx context.Context, url, path string) (Repo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", url, path)
	if err := s.configureAuth(cmd, url); err != nil {
		return nil, err
	}

	if err := runCommand(cmd); err != nil {
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	return s.Open(path), nil
}

// Open returns a handle for the checkout at path
func (s *ShellSystem) Open(path string) Repo {
	return &shellRepo{sys: s, path: path}
}

type shellRepo struct {
	sys  *ShellSystem
	path string
}

func (r *shellRepo) Path() string {
	return r.path
}

func (r *shellRepo) git(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "git", append([]string{"-C", r.path}, args...)...)
}

func (r *shellRepo) output(ctx context.Context, args ...string) (string, error) {
	out, err := r.git(ctx, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *shellRepo) Head(ctx context.Context) (string, error) {
	return r.output(ctx, "rev-parse", "HEAD")
}

func (r *shellRepo) NeedsUpdate(ctx context.Context) (bool, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return false, err
	}

	remote, err := r.output(ctx, "remote", "get-url", "origin")
	if err != nil {
		return false, err
	}

	cmd := r.git(ctx, "fetch", "origin", "HEAD")
	if err := r.sys.configureAuth(cmd, remote); err != nil {
		return false, err
	}
	if err := runCommand(cmd); err != nil {
		return false, fmt.Errorf("git fetch failed: %w", err)
	}

	remoteHead, err := r.output(ctx, "rev-parse", "FETCH_HEAD")
	if err != nil {
		return false, err
	}

	if remoteHead == head {
		return false, nil
	}

	// The remote is behind or equal to us when it is our merge base.
	base, err := r.output(ctx, "merge-base", remoteHead, head)
	if err != nil {
		return false, err
	}

	return base != remoteHead, nil
}

func (r *shellRepo) IsFresh(ctx context.Context) (bool, error) {
	err := r.git(ctx, "diff-index", "--quiet", "HEAD").Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git diff-index failed: %w", err)
}

func (r *shellRepo) Update(ctx context.Context) error {
	if err := runCommand(r.git(ctx, "merge", "--ff-only", "FETCH_HEAD")); err != nil {
		return fmt.Errorf("git merge failed: %w", err)
	}
	return nil
}

func (r *shellRepo) ForceUpdate(ctx context.Context) error {
	if err := runCommand(r.git(ctx, "reset", "--hard", "FETCH_HEAD")); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (s *ShellSystem) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if s.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(s.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if s.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(s.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token is passed through the environment to a credential
		// helper so it never appears in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "HOSTCFG_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$HOSTCFG_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
