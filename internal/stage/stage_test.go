package stage

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/hostcfg/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(st *Stage) []unit.ID {
	if st == nil {
		return nil
	}
	out := make([]unit.ID, 0, len(st.Units))
	for _, u := range st.Units {
		out = append(out, u.ID)
	}
	return out
}

// scenario builds A, B depending on A, and C providing file resource 100,
// which A depends on.
func scenario() (a, b, c *unit.SystemUnit) {
	var alloc unit.Allocator
	a = alloc.Unit(unit.System{Name: "a"})
	b = alloc.Unit(unit.System{Name: "b"})
	c = alloc.Unit(unit.System{Name: "c"})

	a.Dependencies = []unit.Dependency{unit.OnFile(100)}
	b.DependOn(a)
	c.Provides = []unit.Dependency{unit.OnFile(100)}
	return a, b, c
}

func TestStagerOrdering(t *testing.T) {
	a, b, c := scenario()
	s := New([]*unit.SystemUnit{a, b, c})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{c.ID}, ids(st))
	s.Mark(c)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{a.ID}, ids(st))
	s.Mark(a)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{b.ID}, ids(st))
	s.Mark(b)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Empty(t, s.Unstaged())
}

func TestStagerMissingDependency(t *testing.T) {
	a, b, _ := scenario()
	s := New([]*unit.SystemUnit{a, b})

	st, err := s.Stage()
	assert.Nil(t, st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnschedulable))
	assert.Contains(t, err.Error(), "2 unit(s)")

	unstaged := s.Unstaged()
	if diff := cmp.Diff([]unit.ID{a.ID, b.ID}, ids(&Stage{Units: unstaged})); diff != "" {
		t.Errorf("unstaged mismatch (-want +got):\n%s", diff)
	}
}

func TestStagerFailedUnitBlocksDependents(t *testing.T) {
	a, b, c := scenario()
	s := New([]*unit.SystemUnit{a, b, c})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{c.ID}, ids(st))
	s.Mark(c)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{a.ID}, ids(st))
	// a fails and is never marked

	_, err = s.Stage()
	require.ErrorIs(t, err, ErrUnschedulable)
	assert.Equal(t, []unit.ID{b.ID}, ids(&Stage{Units: s.Unstaged()}))
	assert.False(t, s.Satisfied(unit.OnUnit(a.ID)))
}

func TestStagerThreadLocalAfterParallel(t *testing.T) {
	var alloc unit.Allocator
	tl1 := alloc.Unit(unit.System{Name: "tl1"})
	tl1.ThreadLocal = true
	p1 := alloc.Unit(unit.System{Name: "p1"})
	tl2 := alloc.Unit(unit.System{Name: "tl2"})
	tl2.ThreadLocal = true
	p2 := alloc.Unit(unit.System{Name: "p2"})

	s := New([]*unit.SystemUnit{tl1, p1, tl2, p2})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.False(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{p1.ID, p2.ID}, ids(st))

	// thread-local units are buffered in order and handed out next
	st, err = s.Stage()
	require.NoError(t, err)
	assert.True(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{tl1.ID, tl2.ID}, ids(st))

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStagerParallelPreferredOverBufferedThreadLocal(t *testing.T) {
	var alloc unit.Allocator
	tl := alloc.Unit(unit.System{Name: "tl"})
	tl.ThreadLocal = true
	p := alloc.Unit(unit.System{Name: "p"})
	later := alloc.Unit(unit.System{Name: "later"})
	later.DependOn(p)

	s := New([]*unit.SystemUnit{tl, p, later})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{p.ID}, ids(st))
	s.Mark(p)

	// later becomes ready and wins over the buffered thread-local unit
	st, err = s.Stage()
	require.NoError(t, err)
	assert.False(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{later.ID}, ids(st))
	s.Mark(later)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.True(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{tl.ID}, ids(st))
}

func TestStagerRestageWithoutMark(t *testing.T) {
	a, b, c := scenario()
	s := New([]*unit.SystemUnit{a, b, c})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{c.ID}, ids(st))

	// c was not marked yet, so nothing else is ready
	_, err = s.Stage()
	require.ErrorIs(t, err, ErrUnschedulable)

	s.Mark(c)
	st, err = s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{a.ID}, ids(st))
}

func TestMarkIsMonotonic(t *testing.T) {
	var alloc unit.Allocator
	u := alloc.Unit(unit.CreateDir{Path: "/x"})
	u.Provides = []unit.Dependency{unit.OnDir(7)}

	s := New(nil)
	assert.False(t, s.Satisfied(unit.OnDir(7)))

	s.Mark(u)
	s.Mark(u)
	assert.True(t, s.Satisfied(unit.OnDir(7)))
	assert.True(t, s.Satisfied(unit.OnUnit(u.ID)))
	assert.False(t, s.Satisfied(unit.OnFile(7)))
}

func TestEmptyStager(t *testing.T) {
	st, err := New(nil).Stage()
	assert.NoError(t, err)
	assert.Nil(t, st)
}

func TestStagerDirThenFileWithThreadLocal(t *testing.T) {
	var alloc unit.Allocator
	dir := unit.OnDir(alloc.Allocate())

	a := alloc.Unit(unit.CreateDir{Path: "/x"})
	a.Provides = []unit.Dependency{dir}
	b := alloc.Unit(unit.CopyFile{From: "/src/f", To: "/x/f"})
	b.Dependencies = []unit.Dependency{dir}
	c := alloc.Unit(unit.Install{ID: "packages"})
	c.ThreadLocal = true

	s := New([]*unit.SystemUnit{a, b, c})

	st, err := s.Stage()
	require.NoError(t, err)
	assert.False(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{a.ID}, ids(st))

	st, err = s.Stage()
	require.NoError(t, err)
	assert.True(t, st.ThreadLocal)
	assert.Equal(t, []unit.ID{c.ID}, ids(st))

	s.Mark(a)
	s.Mark(c)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{b.ID}, ids(st))
	s.Mark(b)

	st, err = s.Stage()
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Empty(t, s.Unstaged())
}

func TestStagerUnknownUnitDependency(t *testing.T) {
	var alloc unit.Allocator
	d := alloc.Unit(unit.System{Name: "d"})
	d.Dependencies = []unit.Dependency{unit.OnUnit(99)}

	s := New([]*unit.SystemUnit{d})
	for i := 0; i < 3; i++ {
		st, err := s.Stage()
		assert.Nil(t, st)
		require.ErrorIs(t, err, ErrUnschedulable)
	}
	require.Len(t, s.Unstaged(), 1)
	assert.Same(t, d, s.Unstaged()[0])
}
