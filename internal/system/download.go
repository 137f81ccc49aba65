package system

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/schaermu/hostcfg/internal/state"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
)

// Download fetches a URL once.
type Download struct {
	Common `yaml:",inline"`
	URL    string            `yaml:"url" validate:"required,url"`
	Path   template.Template `yaml:"path"`
}

func (s *Download) String() string {
	return fmt.Sprintf("download `%s`", s.URL)
}

func (s *Download) Translate() Translation { return Translation{Kind: Keep} }

func (s *Download) check() error {
	return requireTemplate("path", s.Path)
}

// downloadID derives the state id of a download from its URL.
func downloadID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("illegal `url`: %w", err)
	}

	h, err := state.Hash(raw)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%x", h)
	if base := path.Base(u.Path); base != "." && base != "/" {
		id += "-" + base
	}
	return id, nil
}

func (s *Download) Apply(_ context.Context, in *Input) ([]*unit.SystemUnit, error) {
	id, err := downloadID(s.URL)
	if err != nil {
		return nil, err
	}

	if in.State.HasRunOnce(id) {
		return nil, nil
	}

	target, ok, err := in.path(s.Path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("target path is not supported: %s", s.Path)
	}

	dirs, err := in.FS.CreateDirAll(filepath.Dir(target))
	if err != nil {
		return nil, err
	}

	download := in.Alloc.Unit(unit.Download{URL: s.URL, Path: target, ID: id})
	if err := in.FS.DependOnParent(download, target); err != nil {
		return nil, err
	}

	file, err := in.FS.FileDependency(target)
	if err != nil {
		return nil, err
	}
	download.Provides = append(download.Provides, file)

	return append(dirs, download), nil
}

// DownloadAndRun downloads an executable into the state directory and runs
// it once.
type DownloadAndRun struct {
	Common `yaml:",inline"`
	URL    string `yaml:"url" validate:"required,url"`
	// Shell runs the file through /bin/sh.
	Shell bool                `yaml:"shell"`
	Args  []template.Template `yaml:"args"`
}

func (s *DownloadAndRun) String() string {
	return fmt.Sprintf("download and run `%s`", s.URL)
}

func (s *DownloadAndRun) Translate() Translation { return Translation{Kind: Keep} }

func (s *DownloadAndRun) check() error {
	if s.ID == "" {
		return errMissingID
	}
	return nil
}

func (s *DownloadAndRun) Apply(_ context.Context, in *Input) ([]*unit.SystemUnit, error) {
	if s.ID == "" {
		return nil, errMissingID
	}

	if in.State.HasRunOnce(s.ID) {
		return nil, nil
	}

	args := make([]string, 0, len(s.Args))
	for i, a := range s.Args {
		arg, ok, err := a.AsString(in.Facts, in.Env)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("cannot render argument #%d", i)
		}
		args = append(args, arg)
	}

	target := in.FS.StatePath(s.ID)

	var units []*unit.SystemUnit

	addMode := in.Alloc.Unit(unit.AddMode{Path: target, Mode: 0o111})

	if info, err := os.Stat(target); err != nil || !info.Mode().IsRegular() {
		dirs, err := in.FS.CreateDirAll(filepath.Dir(target))
		if err != nil {
			return nil, err
		}

		download := in.Alloc.Unit(unit.Download{URL: s.URL, Path: target})
		if err := in.FS.DependOnParent(download, target); err != nil {
			return nil, err
		}
		addMode.DependOn(download)

		units = append(units, dirs...)
		units = append(units, download)
	}

	run := in.Alloc.Unit(unit.RunOnce{ID: s.ID, Path: target, Shell: s.Shell, Args: args})
	run.DependOn(addMode)
	run.ThreadLocal = true

	return append(units, addMode, run), nil
}
