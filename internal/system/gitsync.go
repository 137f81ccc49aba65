package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/hostcfg/internal/duration"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
)

const defaultGitSyncRefresh = 24 * time.Hour

// GitSync keeps a checkout of a remote repository up to date.
type GitSync struct {
	Common  `yaml:",inline"`
	Path    template.Template `yaml:"path"`
	Remote  string            `yaml:"remote" validate:"required"`
	Refresh duration.Duration `yaml:"refresh"`
}

func (s *GitSync) String() string {
	return fmt.Sprintf("git sync `%s` to `%s`", s.Remote, s.Path)
}

func (s *GitSync) Translate() Translation { return Translation{Kind: Keep} }

func (s *GitSync) check() error {
	if s.ID == "" {
		return errMissingID
	}
	return requireTemplate("path", s.Path)
}

func (s *GitSync) refresh() time.Duration {
	if s.Refresh.Duration > 0 {
		return s.Refresh.Duration
	}
	return defaultGitSyncRefresh
}

func (s *GitSync) Apply(ctx context.Context, in *Input) ([]*unit.SystemUnit, error) {
	if s.ID == "" {
		return nil, errMissingID
	}

	id := "git-sync/" + s.ID

	target, ok, err := in.path(s.Path)
	if err != nil || !ok {
		return nil, err
	}

	if in.State.IsTouchFresh(id, s.refresh()) {
		return nil, nil
	}

	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		dirs, err := in.FS.CreateDirAll(filepath.Dir(target))
		if err != nil {
			return nil, err
		}

		clone := in.Alloc.Unit(unit.GitClone{ID: id, Remote: s.Remote, Path: target})
		clone.ThreadLocal = true
		for _, d := range dirs {
			clone.Dependencies = append(clone.Dependencies, d.Provides...)
		}

		return append(dirs, clone), nil
	}

	ok, err = in.Git.Test(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		in.Logger.Warn("no working git command found")
		return nil, nil
	}

	update := in.Alloc.Unit(unit.GitUpdate{ID: id, Path: target, Force: in.Force})
	update.ThreadLocal = true
	return []*unit.SystemUnit{update}, nil
}
