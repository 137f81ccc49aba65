// Package filesystem plans file system modifications for systems running in
// parallel.
//
// Every path touched by a run is claimed either as a file or as a directory,
// and each claim maps to exactly one dependency id. Systems that expand
// concurrently share a Planner so that a directory created by one system
// satisfies the files copied into it by another.
package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/unit"
)

// ErrConflict is returned by Validate when systems modified the same path in
// different ways.
var ErrConflict = errors.New("multiple systems with conflicting path modifications")

// Planner tracks every path claimed during a run. It is safe for concurrent
// use.
type Planner struct {
	alloc    *unit.Allocator
	stateDir string
	data     *hierarchy.Data
	force    bool

	mu      sync.Mutex
	paths   map[string]unit.Dependency
	invalid bool
}

// New creates a planner. Dependency ids are taken from alloc so they never
// collide with unit ids.
func New(alloc *unit.Allocator, stateDir string, data *hierarchy.Data, force bool) *Planner {
	return &Planner{
		alloc:    alloc,
		stateDir: stateDir,
		data:     data,
		force:    force,
		paths:    make(map[string]unit.Dependency),
	}
}

// Validate fails if any conflicting claim was made.
func (p *Planner) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.invalid {
		return ErrConflict
	}
	return nil
}

// FileDependency returns the file dependency of path, allocating it on first
// use.
func (p *Planner) FileDependency(path string) (unit.Dependency, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claim(path, unit.KindFile)
}

// DirDependency returns the directory dependency of path, allocating it on
// first use.
func (p *Planner) DirDependency(path string) (unit.Dependency, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claim(path, unit.KindDir)
}

// claim must be called with mu held.
func (p *Planner) claim(path string, kind unit.Kind) (unit.Dependency, error) {
	path = filepath.Clean(path)

	if dep, ok := p.paths[path]; ok {
		if dep.Kind == kind {
			return dep, nil
		}
		p.invalid = true
		return unit.Dependency{}, fmt.Errorf("multiple systems modifying path `%s` in different ways", path)
	}

	dep := unit.Dependency{Kind: kind, ID: p.alloc.Allocate()}
	p.paths[path] = dep
	return dep, nil
}

// Symlink plans a symlink at path pointing to link. info is the Lstat result
// of path, or nil if it does not exist. It returns nil when the link is
// already in place.
func (p *Planner) Symlink(path, link string, info fs.FileInfo) (*unit.SystemUnit, error) {
	remove := false

	if info != nil {
		if info.Mode()&fs.ModeSymlink == 0 {
			return nil, fmt.Errorf("file exists but is not a symlink: %s", path)
		}

		actual, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}

		if actual == link {
			return nil, nil
		}

		if !p.force {
			return nil, fmt.Errorf("symlink exists `%s`, but contains the wrong link `%s`, expected: %s (use `--force` to override)", path, actual, link)
		}

		remove = true
	}

	u := p.alloc.Unit(unit.Symlink{Remove: remove, Path: path, Link: link})

	if err := p.DependOnParent(u, path); err != nil {
		return nil, err
	}

	dep, err := p.FileDependency(path)
	if err != nil {
		return nil, err
	}
	u.Provides = append(u.Provides, dep)

	return u, nil
}

// CopyFile plans copying from to to. fromInfo must describe from and toInfo
// is the Lstat result of to, or nil if it does not exist. When template is
// set the file is rendered against the hierarchy instead.
//
// It returns nil when the destination is up to date, which is decided by
// comparing modification times: the copy always gets the source time.
func (p *Planner) CopyFile(from string, fromInfo fs.FileInfo, to string, toInfo fs.FileInfo, template bool) (*unit.SystemUnit, error) {
	modified, ok, err := p.shouldCopyFile(fromInfo, to, toInfo, template)
	if err != nil || !ok {
		return nil, err
	}

	var u *unit.SystemUnit
	if template {
		u = p.alloc.Unit(unit.CopyTemplate{From: from, FromModified: modified, To: to, ToExists: toInfo != nil})
	} else {
		u = p.alloc.Unit(unit.CopyFile{From: from, FromModified: modified, To: to})
	}

	if err := p.DependOnParent(u, to); err != nil {
		return nil, err
	}

	dep, err := p.FileDependency(to)
	if err != nil {
		return nil, err
	}
	u.Provides = append(u.Provides, dep)

	return u, nil
}

func (p *Planner) shouldCopyFile(from fs.FileInfo, to string, toInfo fs.FileInfo, template bool) (time.Time, bool, error) {
	modified := from.ModTime()

	if template && p.data != nil && modified.Before(p.data.LastModified) {
		modified = p.data.LastModified
	}

	if toInfo == nil {
		return modified, true, nil
	}

	if !toInfo.Mode().IsRegular() {
		return time.Time{}, false, fmt.Errorf("exists but is not a file: %s", to)
	}

	if !modified.Equal(toInfo.ModTime()) {
		return modified, true, nil
	}

	return time.Time{}, false, nil
}

// DependOnParent adds a dependency on the parent directory of path unless it
// already exists.
func (p *Planner) DependOnParent(u *unit.SystemUnit, path string) error {
	parent := filepath.Dir(path)
	if isDir(parent) {
		return nil
	}

	dep, err := p.DirDependency(parent)
	if err != nil {
		return err
	}
	u.Dependencies = append(u.Dependencies, dep)
	return nil
}

// CreateDirAll plans the creation of dir and every missing parent. Each
// directory depends on its parent, and directories already planned by
// another system are left to that system.
func (p *Planner) CreateDirAll(dir string) ([]*unit.SystemUnit, error) {
	dir = filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.paths[dir]; ok {
		if existing.Kind != unit.KindDir {
			return nil, p.notDir(dir)
		}
		return nil, nil
	}

	if isDir(dir) {
		return nil, nil
	}

	dirs := []string{dir}
	for c := dir; ; {
		parent := filepath.Dir(c)
		if parent == c || isDir(parent) {
			break
		}
		if existing, ok := p.paths[parent]; ok {
			if existing.Kind != unit.KindDir {
				return nil, p.notDir(parent)
			}
			break
		}
		dirs = append(dirs, parent)
		c = parent
	}

	var out []*unit.SystemUnit

	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]

		if existing, ok := p.paths[d]; ok {
			if existing.Kind == unit.KindDir {
				continue
			}
			return nil, p.notDir(d)
		}

		u := p.alloc.Unit(unit.CreateDir{Path: d})
		dep := unit.OnDir(u.ID)
		p.paths[d] = dep
		u.Provides = append(u.Provides, dep)

		if parent, ok := p.paths[filepath.Dir(d)]; ok {
			u.Dependencies = append(u.Dependencies, parent)
		}

		out = append(out, u)
	}

	return out, nil
}

// notDir marks the plan invalid. It must be called with mu held.
func (p *Planner) notDir(path string) error {
	p.invalid = true
	return fmt.Errorf("other system is modifying path, but not as a directory: %s", path)
}

// StatePath returns the path of the state file or directory named id.
func (p *Planner) StatePath(id string) string {
	return filepath.Join(p.stateDir, filepath.FromSlash(id))
}

// Lstat is os.Lstat returning a nil info when path does not exist.
func Lstat(path string) (fs.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metadata: %s: %w", path, err)
	}
	return info, nil
}

// ShouldCreateDir reports whether a directory must be created at path given
// its Lstat result.
func ShouldCreateDir(path string, info fs.FileInfo) (bool, error) {
	if info == nil {
		return true, nil
	}
	if !info.IsDir() {
		return false, fmt.Errorf("exists but is not a dir: %s", path)
	}
	return false, nil
}

// RelativeFrom returns path relative to the directory base. An absolute path
// is returned unchanged when base is relative, and a relative path cannot be
// made relative to an absolute base.
func RelativeFrom(path, base string) (string, bool) {
	if filepath.IsAbs(path) != filepath.IsAbs(base) {
		if filepath.IsAbs(path) {
			return path, true
		}
		return "", false
	}

	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", false
	}
	return rel, true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
