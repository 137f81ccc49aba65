// Package unit defines the atomic units of work a run is made of.
//
// Systems expand into units. Each unit carries the dependencies that must be
// satisfied before it may run and the resources it provides once it has run.
// The scheduler only ever looks at the ID, Dependencies, Provides and
// ThreadLocal fields; the payload is opaque to it.
package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/schaermu/hostcfg/internal/git"
	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/packages"
	"github.com/schaermu/hostcfg/internal/prompt"
	"github.com/schaermu/hostcfg/internal/state"
)

// ID identifies a unit or resource within a single run.
type ID uint64

// Kind is the kind of a Dependency.
type Kind uint8

const (
	// KindUnit is a dependency on another unit completing.
	KindUnit Kind = iota
	// KindFile is a dependency on a file resource.
	KindFile
	// KindDir is a dependency on a directory resource.
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Dependency is something a unit waits for or provides.
type Dependency struct {
	Kind Kind
	ID   ID
}

// OnUnit is a dependency on the unit with the given id.
func OnUnit(id ID) Dependency { return Dependency{Kind: KindUnit, ID: id} }

// OnFile is a dependency on the file resource with the given id.
func OnFile(id ID) Dependency { return Dependency{Kind: KindFile, ID: id} }

// OnDir is a dependency on the directory resource with the given id.
func OnDir(id ID) Dependency { return Dependency{Kind: KindDir, ID: id} }

func (d Dependency) String() string {
	return fmt.Sprintf("%s#%d", d.Kind, d.ID)
}

// Allocator hands out ids. It is safe for concurrent use.
type Allocator struct {
	next atomic.Uint64
}

// Allocate returns a new id. Ids start at 0 and never repeat.
func (a *Allocator) Allocate() ID {
	return ID(a.next.Add(1) - 1)
}

// Unit wraps u into a new SystemUnit with a fresh id.
func (a *Allocator) Unit(u Unit) *SystemUnit {
	return &SystemUnit{ID: a.Allocate(), Unit: u}
}

// SystemUnit is a unit together with its scheduling information.
type SystemUnit struct {
	ID           ID
	Dependencies []Dependency
	Provides     []Dependency
	// ThreadLocal units run one at a time on the coordinating goroutine.
	ThreadLocal bool
	Unit        Unit
}

// DependOn adds dependencies on the given units.
func (s *SystemUnit) DependOn(units ...*SystemUnit) {
	for _, u := range units {
		s.Dependencies = append(s.Dependencies, OnUnit(u.ID))
	}
}

func (s *SystemUnit) String() string {
	return fmt.Sprintf("#%d %s", s.ID, s.Unit)
}

// Apply runs the unit.
func (s *SystemUnit) Apply(ctx context.Context, in *Input) error {
	if err := s.Unit.Apply(ctx, in); err != nil {
		return fmt.Errorf("failed to run unit: %s: %w", s.Unit, err)
	}
	return nil
}

// Unit is a single action. The set of implementations is closed.
type Unit interface {
	fmt.Stringer
	Apply(ctx context.Context, in *Input) error
	isUnit()
}

// Input is everything a unit may use while running.
type Input struct {
	Data     *hierarchy.Data
	Packages *packages.Provider
	// ReadState is the shared state as of the start of the stage.
	ReadState *state.State
	// State collects the changes made by this unit only.
	State    *state.State
	Now      time.Time
	Git      git.System
	Prompter prompt.Prompter
	HTTP     *http.Client
	Logger   *slog.Logger
}

// ClaimError reports two units providing the same resource.
type ClaimError struct {
	Dependency Dependency
	First      *SystemUnit
	Second     *SystemUnit
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("%s is provided by both %s and %s", e.Dependency, e.First, e.Second)
}

// ValidateClaims checks that no file or directory resource is provided by
// more than one unit.
func ValidateClaims(units []*SystemUnit) error {
	claimed := make(map[Dependency]*SystemUnit)
	var errs []error

	for _, u := range units {
		for _, p := range u.Provides {
			if p.Kind == KindUnit {
				continue
			}
			if first, ok := claimed[p]; ok && first != u {
				errs = append(errs, &ClaimError{Dependency: p, First: first, Second: u})
				continue
			}
			claimed[p] = u
		}
	}

	return errors.Join(errs...)
}
