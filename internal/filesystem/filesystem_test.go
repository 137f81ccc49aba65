package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlanner(t *testing.T, force bool) *Planner {
	t.Helper()
	return New(&unit.Allocator{}, filepath.Join(t.TempDir(), ".state"), hierarchy.New(time.Time{}, template.MapEnv{}), force)
}

func TestDependencyClaims(t *testing.T) {
	p := newPlanner(t, false)

	f1, err := p.FileDependency("/a/b")
	require.NoError(t, err)
	f2, err := p.FileDependency("/a/./b")
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "same path maps to the same dependency")
	assert.Equal(t, unit.KindFile, f1.Kind)

	d, err := p.DirDependency("/a")
	require.NoError(t, err)
	assert.NotEqual(t, f1.ID, d.ID)

	require.NoError(t, p.Validate())

	_, err = p.DirDependency("/a/b")
	assert.Error(t, err)
	assert.True(t, errors.Is(p.Validate(), ErrConflict))
}

func TestDependencyClaimsConcurrent(t *testing.T) {
	p := newPlanner(t, false)

	const workers = 16
	deps := make([]unit.Dependency, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dep, err := p.FileDependency("/shared")
			assert.NoError(t, err)
			deps[i] = dep
		}(i)
	}
	wg.Wait()

	for _, dep := range deps {
		assert.Equal(t, deps[0], dep)
	}
}

func TestCreateDirAll(t *testing.T) {
	root := t.TempDir()
	p := newPlanner(t, false)

	target := filepath.Join(root, "a", "b", "c")
	units, err := p.CreateDirAll(target)
	require.NoError(t, err)
	require.Len(t, units, 3)

	want := []string{filepath.Join(root, "a"), filepath.Join(root, "a", "b"), target}
	for i, u := range units {
		assert.Equal(t, unit.CreateDir{Path: want[i]}, u.Unit)
		require.Len(t, u.Provides, 1)
		assert.Equal(t, unit.OnDir(u.ID), u.Provides[0])
	}

	assert.Empty(t, units[0].Dependencies, "first dir has an existing parent")
	assert.Equal(t, units[0].Provides, units[1].Dependencies)
	assert.Equal(t, units[1].Provides, units[2].Dependencies)

	// planned directories are not planned again
	again, err := p.CreateDirAll(target)
	require.NoError(t, err)
	assert.Empty(t, again)

	sibling, err := p.CreateDirAll(filepath.Join(root, "a", "x"))
	require.NoError(t, err)
	require.Len(t, sibling, 1)
	assert.Equal(t, units[0].Provides, sibling[0].Dependencies)
}

func TestCreateDirAllExisting(t *testing.T) {
	p := newPlanner(t, false)
	units, err := p.CreateDirAll(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestCreateDirAllConflict(t *testing.T) {
	root := t.TempDir()
	p := newPlanner(t, false)

	_, err := p.FileDependency(filepath.Join(root, "a"))
	require.NoError(t, err)

	_, err = p.CreateDirAll(filepath.Join(root, "a", "b"))
	assert.Error(t, err)
	assert.ErrorIs(t, p.Validate(), ErrConflict)
}

func TestCreateDirAllClaimedAsFile(t *testing.T) {
	root := t.TempDir()
	p := newPlanner(t, false)

	_, err := p.FileDependency(filepath.Join(root, "a"))
	require.NoError(t, err)

	units, err := p.CreateDirAll(filepath.Join(root, "a"))
	assert.Error(t, err)
	assert.Empty(t, units)
	assert.ErrorIs(t, p.Validate(), ErrConflict)
}

func TestCopyFile(t *testing.T) {
	root := t.TempDir()
	from := filepath.Join(root, "from")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0644))
	fromInfo, err := os.Stat(from)
	require.NoError(t, err)

	p := newPlanner(t, false)

	t.Run("missing destination", func(t *testing.T) {
		to := filepath.Join(root, "to-missing")
		u, err := p.CopyFile(from, fromInfo, to, nil, false)
		require.NoError(t, err)
		require.NotNil(t, u)

		cf, ok := u.Unit.(unit.CopyFile)
		require.True(t, ok)
		assert.True(t, cf.FromModified.Equal(fromInfo.ModTime()))
		assert.Empty(t, u.Dependencies, "parent exists")

		dep, err := p.FileDependency(to)
		require.NoError(t, err)
		assert.Equal(t, []unit.Dependency{dep}, u.Provides)
	})

	t.Run("same mtime is up to date", func(t *testing.T) {
		to := filepath.Join(root, "to-same")
		require.NoError(t, os.WriteFile(to, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(to, fromInfo.ModTime(), fromInfo.ModTime()))
		toInfo, err := os.Lstat(to)
		require.NoError(t, err)

		u, err := p.CopyFile(from, fromInfo, to, toInfo, false)
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("different mtime copies", func(t *testing.T) {
		to := filepath.Join(root, "to-old")
		require.NoError(t, os.WriteFile(to, []byte("x"), 0644))
		old := fromInfo.ModTime().Add(-time.Hour)
		require.NoError(t, os.Chtimes(to, old, old))
		toInfo, err := os.Lstat(to)
		require.NoError(t, err)

		u, err := p.CopyFile(from, fromInfo, to, toInfo, false)
		require.NoError(t, err)
		assert.NotNil(t, u)
	})

	t.Run("destination is a directory", func(t *testing.T) {
		to := filepath.Join(root, "to-dir")
		require.NoError(t, os.Mkdir(to, 0755))
		toInfo, err := os.Lstat(to)
		require.NoError(t, err)

		_, err = p.CopyFile(from, fromInfo, to, toInfo, false)
		assert.Error(t, err)
	})

	t.Run("missing parent depends on dir", func(t *testing.T) {
		to := filepath.Join(root, "new", "file")
		u, err := p.CopyFile(from, fromInfo, to, nil, false)
		require.NoError(t, err)

		dir, err := p.DirDependency(filepath.Join(root, "new"))
		require.NoError(t, err)
		assert.Equal(t, []unit.Dependency{dir}, u.Dependencies)
	})
}

func TestCopyTemplateUsesHierarchyTime(t *testing.T) {
	root := t.TempDir()
	from := filepath.Join(root, "from")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0644))
	fromInfo, err := os.Stat(from)
	require.NoError(t, err)

	data := hierarchy.New(fromInfo.ModTime().Add(time.Hour), template.MapEnv{})
	p := New(&unit.Allocator{}, root, data, false)

	to := filepath.Join(root, "to")
	require.NoError(t, os.WriteFile(to, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(to, fromInfo.ModTime(), fromInfo.ModTime()))
	toInfo, err := os.Lstat(to)
	require.NoError(t, err)

	// a plain copy is up to date
	u, err := p.CopyFile(from, fromInfo, to, toInfo, false)
	require.NoError(t, err)
	assert.Nil(t, u)

	// the template is stale since the hierarchy changed
	u, err = p.CopyFile(from, fromInfo, to, toInfo, true)
	require.NoError(t, err)
	require.NotNil(t, u)

	ct, ok := u.Unit.(unit.CopyTemplate)
	require.True(t, ok)
	assert.True(t, ct.ToExists)
	assert.True(t, ct.FromModified.Equal(data.LastModified))
}

func TestSymlink(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "link")

	p := newPlanner(t, false)

	u, err := p.Symlink(path, "target", nil)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, unit.Symlink{Path: path, Link: "target"}, u.Unit)

	require.NoError(t, os.Symlink("target", path))
	info, err := Lstat(path)
	require.NoError(t, err)

	u, err = newPlanner(t, false).Symlink(path, "target", info)
	require.NoError(t, err)
	assert.Nil(t, u, "correct link needs nothing")

	_, err = newPlanner(t, false).Symlink(path, "other", info)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	u, err = newPlanner(t, true).Symlink(path, "other", info)
	require.NoError(t, err)
	assert.Equal(t, unit.Symlink{Remove: true, Path: path, Link: "other"}, u.Unit)

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	info, err = Lstat(file)
	require.NoError(t, err)
	_, err = newPlanner(t, true).Symlink(file, "other", info)
	assert.Error(t, err)
}

func TestLstatMissing(t *testing.T) {
	info, err := Lstat(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestShouldCreateDir(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	ok, err := ShouldCreateDir(root, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := os.Lstat(root)
	require.NoError(t, err)
	ok, err = ShouldCreateDir(root, info)
	require.NoError(t, err)
	assert.False(t, ok)

	info, err = os.Lstat(file)
	require.NoError(t, err)
	_, err = ShouldCreateDir(file, info)
	assert.Error(t, err)
}

func TestRelativeFrom(t *testing.T) {
	tests := []struct {
		path, base string
		want       string
		ok         bool
	}{
		{"/foo/bar", "/foo/bar/baz", "..", true},
		{"/foo/bar/baz", "/foo/bar", "baz", true},
		{"/foo/bar/quux", "/foo/bar/baz", "../quux", true},
		{"/foo/bar/baz", "/foo/bar/quux", "../baz", true},
		{"/abs", "rel", "/abs", true},
		{"rel", "/abs", "", false},
	}

	for _, tt := range tests {
		got, ok := RelativeFrom(tt.path, tt.base)
		assert.Equal(t, tt.ok, ok, "%s from %s", tt.path, tt.base)
		assert.Equal(t, tt.want, got, "%s from %s", tt.path, tt.base)
	}
}

func TestStatePath(t *testing.T) {
	p := New(&unit.Allocator{}, "/cfg/.state", nil, false)
	assert.Equal(t, "/cfg/.state/tool", p.StatePath("tool"))
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b", "c"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".bashrc"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "c", "f"), nil, 0644))

	entries, err := Walk(root)
	require.NoError(t, err)

	var rels []string
	for _, e := range entries {
		rels = append(rels, e.Rel)
	}
	assert.Equal(t, []string{".", ".bashrc", "b", filepath.Join("b", "c"), filepath.Join("b", "c", "f")}, rels)
	assert.True(t, entries[0].Info.IsDir())
}
