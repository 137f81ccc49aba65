// Package stage splits a set of units into stages that can run once all
// their dependencies are satisfied.
package stage

import (
	"errors"
	"fmt"

	"github.com/schaermu/hostcfg/internal/unit"
)

// ErrUnschedulable is returned by Stage when units remain whose dependencies
// can never be satisfied.
var ErrUnschedulable = errors.New("units cannot be scheduled")

// Stage is a batch of units that are ready to run.
type Stage struct {
	// ThreadLocal stages must run one unit at a time on the coordinating
	// goroutine.
	ThreadLocal bool
	Units       []*unit.SystemUnit
}

// Stager hands out stages. It is not safe for concurrent use.
type Stager struct {
	units       []*unit.SystemUnit
	satisfied   map[unit.Dependency]struct{}
	threadLocal []*unit.SystemUnit
	parallel    []*unit.SystemUnit
}

// New creates a stager over units.
func New(units []*unit.SystemUnit) *Stager {
	return &Stager{
		units:     append([]*unit.SystemUnit(nil), units...),
		satisfied: make(map[unit.Dependency]struct{}),
	}
}

// Stage returns the next stage to run. It returns nil and a nil error when
// every unit has been staged.
func (s *Stager) Stage() (*Stage, error) {
	pending := s.units[:0]
	for _, u := range s.units {
		if !s.ready(u) {
			pending = append(pending, u)
			continue
		}
		if u.ThreadLocal {
			s.threadLocal = append(s.threadLocal, u)
		} else {
			s.parallel = append(s.parallel, u)
		}
	}
	// clear the tail so dropped units can be collected
	for i := len(pending); i < len(s.units); i++ {
		s.units[i] = nil
	}
	s.units = pending

	if len(s.parallel) > 0 {
		st := &Stage{Units: s.parallel}
		s.parallel = nil
		return st, nil
	}

	if len(s.threadLocal) > 0 {
		st := &Stage{ThreadLocal: true, Units: s.threadLocal}
		s.threadLocal = nil
		return st, nil
	}

	if len(s.units) == 0 {
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %d unit(s) waiting on dependencies that are never provided", ErrUnschedulable, len(s.units))
}

// Mark records that u ran successfully, satisfying everything it provides.
func (s *Stager) Mark(u *unit.SystemUnit) {
	for _, p := range u.Provides {
		s.satisfied[p] = struct{}{}
	}
	s.satisfied[unit.OnUnit(u.ID)] = struct{}{}
}

// Satisfied reports whether dep has been provided.
func (s *Stager) Satisfied(dep unit.Dependency) bool {
	_, ok := s.satisfied[dep]
	return ok
}

// Unstaged returns the units that never became ready.
func (s *Stager) Unstaged() []*unit.SystemUnit {
	return append([]*unit.SystemUnit(nil), s.units...)
}

func (s *Stager) ready(u *unit.SystemUnit) bool {
	for _, d := range u.Dependencies {
		if _, ok := s.satisfied[d]; !ok {
			return false
		}
	}
	return true
}
