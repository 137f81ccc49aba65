package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRefresh = Refresh{
	Git:       time.Hour,
	Packages:  time.Hour,
	Templates: time.Hour,
}

func TestTouchMarksDirty(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	s := New(testRefresh, now)
	assert.False(t, s.Dirty())

	s.Touch("git")
	assert.True(t, s.Dirty())

	got, ok := s.LastUpdate("git")
	require.True(t, ok)
	assert.True(t, got.Equal(now))
}

func TestIsTouchFresh(t *testing.T) {
	now := time.Unix(1_000_000, 0)

	earlier := New(testRefresh, now.Add(-30*time.Minute))
	earlier.Touch("git-sync/dotfiles")

	s := New(testRefresh, now)
	s.Extend(earlier)

	assert.True(t, s.IsTouchFresh("git-sync/dotfiles", time.Hour))
	assert.False(t, s.IsTouchFresh("git-sync/dotfiles", 10*time.Minute))
	assert.False(t, s.IsTouchFresh("unknown", time.Hour))
}

func TestOnce(t *testing.T) {
	s := New(testRefresh, time.Now())
	assert.False(t, s.HasRunOnce("rustup"))
	s.TouchOnce("rustup")
	assert.True(t, s.HasRunOnce("rustup"))
	assert.True(t, s.Dirty())
}

func TestHashFreshness(t *testing.T) {
	base := time.Unix(1_000_000, 0)
	packages := []string{"curl", "git"}

	writer := New(testRefresh, base)
	require.NoError(t, writer.TouchHash("fedora", packages))

	tests := []struct {
		name  string
		now   time.Time
		value []string
		want  bool
	}{
		{"same value within refresh", base.Add(30 * time.Minute), packages, true},
		{"same value after refresh", base.Add(2 * time.Hour), packages, false},
		{"different value", base.Add(time.Minute), []string{"curl"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testRefresh, tt.now)
			s.Extend(writer)

			fresh, err := s.IsHashFresh("fedora", tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fresh)
		})
	}

	s := New(testRefresh, base)
	fresh, err := s.IsHashFresh("missing", packages)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestIsHashFreshWithin(t *testing.T) {
	base := time.Unix(1_000_000, 0)
	value := map[string]any{"name": "hostcfg"}

	writer := New(testRefresh, base)
	require.NoError(t, writer.TouchHash("copy-template/1", value))

	s := New(testRefresh, base.Add(time.Second))
	s.Extend(writer)

	fresh, err := s.IsHashFreshWithin("copy-template/1", value, time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = s.IsHashFreshWithin("copy-template/1", value, time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	// freshly recorded hashes are fresh for any positive window
	fresh, err = writer.IsHashFreshWithin("copy-template/1", value, time.Nanosecond)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestExtendLastWriterWins(t *testing.T) {
	t1 := time.Unix(1_000, 0)
	t2 := time.Unix(2_000, 0)

	shared := New(testRefresh, t1)
	shared.Touch("a")
	shared.Touch("b")

	local := New(testRefresh, t2)
	local.Touch("b")
	local.TouchOnce("c")

	shared.Extend(local)

	a, _ := shared.LastUpdate("a")
	b, _ := shared.LastUpdate("b")
	assert.True(t, a.Equal(t1))
	assert.True(t, b.Equal(t2))
	assert.True(t, shared.HasRunOnce("c"))
	assert.True(t, shared.Dirty())
}

func TestExtendIgnoresCleanState(t *testing.T) {
	shared := New(testRefresh, time.Now())
	shared.Extend(New(testRefresh, time.Now()))
	shared.Extend(nil)

	assert.False(t, shared.Dirty())

	_, ok := shared.Serialize()
	assert.False(t, ok)
}

func TestExtendLeavesStateUnchangedForCleanOther(t *testing.T) {
	t1 := time.UnixMilli(1_000_000)
	t2 := time.UnixMilli(2_000_000)

	shared := New(testRefresh, t1)
	shared.Touch("git")
	shared.TouchOnce("download/rustup")
	require.NoError(t, shared.TouchHash("fedora", []string{"git"}))

	before, ok := shared.Serialize()
	require.True(t, ok)

	// loaded from disk, so clean despite holding newer values for the same keys
	clean := (&DiskState{
		LastUpdate: map[string]Timestamp{"git": {t2}, "other": {t2}},
		Once:       map[string]Timestamp{"download/rustup": {t2}},
		Hashes:     map[string]Hashed{"fedora": {Hash: 42, Updated: Timestamp{t2}}},
	}).Into(testRefresh, t2)
	require.False(t, clean.Dirty())

	shared.Extend(clean)

	after, ok := shared.Serialize()
	require.True(t, ok)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Extend with a clean state changed the state (-before +after):\n%s", diff)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	path := filepath.Join(t.TempDir(), ".state.yaml")

	s := New(testRefresh, now)
	s.Touch("git")
	s.TouchOnce("download-and-run/rustup")
	require.NoError(t, s.TouchHash("fedora", []string{"git"}))

	disk, ok := s.Serialize()
	require.True(t, ok)
	require.NoError(t, disk.Save(path))

	loaded, err := LoadDisk(path)
	require.NoError(t, err)

	restored := loaded.Into(testRefresh, now)
	assert.False(t, restored.Dirty())

	got, ok := restored.LastUpdate("git")
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), got.UnixMilli())
	assert.True(t, restored.HasRunOnce("download-and-run/rustup"))

	fresh, err := restored.IsHashFresh("fedora", []string{"git"})
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestLoadDiskMissingFile(t *testing.T) {
	d, err := LoadDisk(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, d.LastUpdate)
	assert.Empty(t, d.Once)
	assert.Empty(t, d.Hashes)
}
