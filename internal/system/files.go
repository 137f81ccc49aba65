package system

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/schaermu/hostcfg/internal/filesystem"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
)

// CopyDir recursively copies a directory, optionally rendering every file
// as a template.
type CopyDir struct {
	Common    `yaml:",inline"`
	From      template.Template `yaml:"from"`
	To        template.Template `yaml:"to"`
	Templates bool              `yaml:"templates"`
}

func (s *CopyDir) String() string {
	return fmt.Sprintf("copy directory `%s` to `%s`", s.From, s.To)
}

func (s *CopyDir) Translate() Translation { return Translation{Kind: Keep} }

func (s *CopyDir) check() error {
	if err := requireTemplate("from", s.From); err != nil {
		return err
	}
	return requireTemplate("to", s.To)
}

func (s *CopyDir) Apply(_ context.Context, in *Input) ([]*unit.SystemUnit, error) {
	from, ok, err := in.path(s.From)
	if err != nil || !ok {
		return nil, err
	}

	to, ok, err := in.path(s.To)
	if err != nil || !ok {
		return nil, err
	}

	entries, err := filesystem.Walk(from)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", from, err)
	}

	var units []*unit.SystemUnit

	for _, e := range entries {
		target := filepath.Join(to, e.Rel)

		toInfo, err := filesystem.Lstat(target)
		if err != nil {
			return nil, err
		}

		switch {
		case e.Info.IsDir():
			create, err := filesystem.ShouldCreateDir(target, toInfo)
			if err != nil {
				return nil, err
			}
			if create {
				dirs, err := in.FS.CreateDirAll(target)
				if err != nil {
					return nil, err
				}
				units = append(units, dirs...)
			}
		case e.Info.Mode().IsRegular():
			u, err := in.FS.CopyFile(e.Path, e.Info, target, toInfo, s.Templates)
			if err != nil {
				return nil, err
			}
			if u != nil {
				units = append(units, u)
			}
		default:
			return nil, fmt.Errorf("cannot handle file with mode %s: %s", e.Info.Mode(), e.Path)
		}
	}

	return units, nil
}

// LinkDir mirrors a directory structure, symlinking every file.
type LinkDir struct {
	Common `yaml:",inline"`
	From   template.Template `yaml:"from"`
	To     template.Template `yaml:"to"`
}

func (s *LinkDir) String() string {
	return fmt.Sprintf("link directory `%s` to `%s`", s.From, s.To)
}

func (s *LinkDir) Translate() Translation { return Translation{Kind: Keep} }

func (s *LinkDir) check() error {
	if err := requireTemplate("from", s.From); err != nil {
		return err
	}
	return requireTemplate("to", s.To)
}

func (s *LinkDir) Apply(_ context.Context, in *Input) ([]*unit.SystemUnit, error) {
	from, ok, err := in.path(s.From)
	if err != nil || !ok {
		return nil, err
	}

	to, ok, err := in.path(s.To)
	if err != nil || !ok {
		return nil, err
	}

	entries, err := filesystem.Walk(from)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", from, err)
	}

	var units []*unit.SystemUnit

	for _, e := range entries {
		target := filepath.Join(to, e.Rel)

		toInfo, err := filesystem.Lstat(target)
		if err != nil {
			return nil, err
		}

		if e.Info.IsDir() {
			create, err := filesystem.ShouldCreateDir(target, toInfo)
			if err != nil {
				return nil, err
			}
			if create {
				dirs, err := in.FS.CreateDirAll(target)
				if err != nil {
					return nil, err
				}
				units = append(units, dirs...)
			}
			continue
		}

		link, ok := filesystem.RelativeFrom(e.Path, filepath.Dir(target))
		if !ok {
			link = e.Path
		}

		u, err := in.FS.Symlink(target, link, toInfo)
		if err != nil {
			return nil, err
		}
		if u != nil {
			units = append(units, u)
		}
	}

	return units, nil
}

// Link creates a single symlink.
type Link struct {
	Common `yaml:",inline"`
	Path   template.Template `yaml:"path"`
	Link   template.Template `yaml:"link"`
}

func (s *Link) String() string {
	return fmt.Sprintf("link `%s` to `%s`", s.Path, s.Link)
}

func (s *Link) Translate() Translation { return Translation{Kind: Keep} }

func (s *Link) check() error {
	if err := requireTemplate("path", s.Path); err != nil {
		return err
	}
	return requireTemplate("link", s.Link)
}

func (s *Link) Apply(_ context.Context, in *Input) ([]*unit.SystemUnit, error) {
	path, ok, err := in.path(s.Path)
	if err != nil || !ok {
		return nil, err
	}

	link, ok, err := in.path(s.Link)
	if err != nil || !ok {
		return nil, err
	}

	if rel, ok := filesystem.RelativeFrom(link, filepath.Dir(path)); ok {
		link = rel
	}

	info, err := filesystem.Lstat(path)
	if err != nil {
		return nil, err
	}

	u, err := in.FS.Symlink(path, link, info)
	if err != nil || u == nil {
		return nil, err
	}
	return []*unit.SystemUnit{u}, nil
}
