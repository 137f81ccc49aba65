package unit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/hostcfg/internal/command"
	"github.com/schaermu/hostcfg/internal/packages"
	"github.com/schaermu/hostcfg/internal/state"
	"github.com/schaermu/hostcfg/internal/template"
)

// System marks the boundary of a system. It does nothing when applied.
type System struct {
	Name  string
	Phase string
}

func (System) isUnit() {}

func (u System) String() string {
	if u.Name == "" {
		return "system unit"
	}
	return fmt.Sprintf("system `%s` (%s)", u.Name, u.Phase)
}

func (System) Apply(context.Context, *Input) error { return nil }

// CreateDir creates a single directory.
type CreateDir struct {
	Path string
}

func (CreateDir) isUnit() {}

func (u CreateDir) String() string { return "create directory " + u.Path }

func (u CreateDir) Apply(_ context.Context, in *Input) error {
	in.Logger.Info("creating dir", "path", u.Path)

	err := os.Mkdir(u.Path, 0755)
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrExist) {
		if info, statErr := os.Stat(u.Path); statErr == nil && info.IsDir() {
			return nil
		}
	}

	return err
}

// CopyFile copies a file and gives the copy the modification time of the
// source.
type CopyFile struct {
	From         string
	FromModified time.Time
	To           string
}

func (CopyFile) isUnit() {}

func (u CopyFile) String() string {
	return fmt.Sprintf("copy file %s -> %s", u.From, u.To)
}

func (u CopyFile) Apply(_ context.Context, in *Input) error {
	in.Logger.Info("copying file", "from", u.From, "to", u.To)

	if err := copyFile(u.From, u.To); err != nil {
		return err
	}

	return touch(u.To, u.FromModified)
}

// CopyTemplate renders a file template with hierarchy data.
type CopyTemplate struct {
	From         string
	FromModified time.Time
	To           string
	ToExists     bool
}

func (CopyTemplate) isUnit() {}

func (u CopyTemplate) String() string {
	return fmt.Sprintf("copy template %s -> %s", u.From, u.To)
}

// ID is the state key of the rendered template.
func (u CopyTemplate) ID() (string, error) {
	h, err := state.Hash(struct{ From, To string }{u.From, u.To})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("copy-template/%x", h), nil
}

type templateInput struct {
	Data    map[string]any
	Content string
}

func (u CopyTemplate) Apply(_ context.Context, in *Input) error {
	content, err := os.ReadFile(u.From)
	if err != nil {
		return fmt.Errorf("failed to read path: %s: %w", u.From, err)
	}

	data, err := in.Data.LoadFromSpec(string(content))
	if err != nil {
		return fmt.Errorf("failed to load hierarchy for path: %s: %w", u.From, err)
	}

	id, err := u.ID()
	if err != nil {
		return err
	}

	hashed := templateInput{Data: data, Content: string(content)}

	if u.ToExists {
		fresh, err := in.ReadState.IsHashFreshWithin(id, hashed, in.ReadState.Refresh().Templates)
		if err != nil {
			return err
		}
		if fresh {
			in.Logger.Info("touching", "path", u.To)
			return touch(u.To, u.FromModified)
		}
	}

	out, err := template.Render(u.From, string(content), data)
	if err != nil {
		return err
	}

	info, err := os.Stat(u.From)
	if err != nil {
		return err
	}

	in.Logger.Info("rendering template", "from", u.From, "to", u.To)

	if err := writeFile(u.To, out, info.Mode().Perm()); err != nil {
		return err
	}

	if err := touch(u.To, u.FromModified); err != nil {
		return err
	}

	return in.State.TouchHash(id, hashed)
}

// Symlink creates a symbolic link at Path pointing to Link.
type Symlink struct {
	// Remove the existing link at Path first.
	Remove bool
	Path   string
	Link   string
}

func (Symlink) isUnit() {}

func (u Symlink) String() string {
	return fmt.Sprintf("link file %s to %s", u.Path, u.Link)
}

func (u Symlink) Apply(_ context.Context, in *Input) error {
	if u.Remove {
		in.Logger.Info("re-linking", "path", u.Path, "link", u.Link)
		if err := os.Remove(u.Path); err != nil {
			return err
		}
	} else {
		in.Logger.Info("linking", "path", u.Path, "link", u.Link)
	}

	return os.Symlink(u.Link, u.Path)
}

// Install installs the missing packages of a package set and records the
// hash of the whole set.
type Install struct {
	Manager packages.Manager
	// All is the full, sorted set of wanted packages.
	All       []string
	ToInstall []string
	ID        string
}

func (Install) isUnit() {}

func (u Install) String() string {
	if len(u.ToInstall) == 0 {
		return "install packages"
	}
	return fmt.Sprintf("install packages for `%s`: %s", u.ID, strings.Join(u.ToInstall, ", "))
}

func (u Install) Apply(ctx context.Context, in *Input) error {
	if len(u.ToInstall) > 0 {
		in.Logger.Info("installing packages", "id", u.ID, "packages", strings.Join(u.ToInstall, ", "))
		if err := u.Manager.InstallPackages(ctx, u.ToInstall); err != nil {
			return err
		}
	}

	all := append([]string(nil), u.All...)
	sort.Strings(all)
	return in.State.TouchHash(u.ID, all)
}

// AddMode adds permission bits to a file.
type AddMode struct {
	Path string
	Mode fs.FileMode
}

func (AddMode) isUnit() {}

func (u AddMode) String() string {
	return fmt.Sprintf("add mode %o to %s", u.Mode, u.Path)
}

func (u AddMode) Apply(_ context.Context, _ *Input) error {
	info, err := os.Stat(u.Path)
	if err != nil {
		return err
	}

	if err := os.Chmod(u.Path, info.Mode().Perm()|u.Mode); err != nil {
		return fmt.Errorf("failed to add mode: %s: %w", u.Path, err)
	}

	return nil
}

// RunOnce runs an executable and records that it ran.
type RunOnce struct {
	ID    string
	Path  string
	Shell bool
	Args  []string
}

// binSh runs scripts when Shell is set.
const binSh = "/bin/sh"

func (RunOnce) isUnit() {}

func (u RunOnce) String() string {
	return fmt.Sprintf("run `%s` once as `%s`", u.Path, u.ID)
}

func (u RunOnce) Apply(ctx context.Context, in *Input) error {
	in.Logger.Info("running", "path", u.Path)

	cmd := command.New(u.Path, u.Args...)
	if u.Shell {
		cmd = command.New(binSh, append([]string{u.Path}, u.Args...)...)
	}

	if err := cmd.RunInherited(ctx); err != nil {
		return fmt.Errorf("failed to run: %s: %w", u.Path, err)
	}

	in.State.TouchOnce(u.ID)
	return nil
}

// GitClone clones a repository.
type GitClone struct {
	ID     string
	Remote string
	Path   string
}

func (GitClone) isUnit() {}

func (u GitClone) String() string {
	return fmt.Sprintf("git clone %s into %s", u.Remote, u.Path)
}

func (u GitClone) Apply(ctx context.Context, in *Input) error {
	in.Logger.Info("cloning", "remote", u.Remote, "path", u.Path)

	if _, err := in.Git.Clone(ctx, u.Remote, u.Path); err != nil {
		return err
	}

	in.State.Touch(u.ID)
	return nil
}

// GitUpdate brings an existing checkout up to date with its remote.
type GitUpdate struct {
	ID    string
	Path  string
	Force bool
}

func (GitUpdate) isUnit() {}

func (u GitUpdate) String() string {
	return "git update: " + u.Path
}

func (u GitUpdate) Apply(ctx context.Context, in *Input) error {
	repo := in.Git.Open(u.Path)

	needs, err := repo.NeedsUpdate(ctx)
	if err != nil {
		return err
	}

	if needs {
		if u.Force {
			in.Logger.Info("force updating", "path", u.Path)
			err = repo.ForceUpdate(ctx)
		} else {
			in.Logger.Info("updating", "path", u.Path)
			err = repo.Update(ctx)
		}
		if err != nil {
			return err
		}
	}

	in.State.Touch(u.ID)
	return nil
}
