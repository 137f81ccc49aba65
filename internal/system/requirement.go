package system

import (
	"strings"

	"github.com/schaermu/hostcfg/internal/unit"
)

// RequirementKind says how a named system is depended on.
type RequirementKind int

const (
	// None has no dependencies.
	None RequirementKind = iota
	// Transitive resolves through other named systems.
	Transitive
	// Direct is a dependency on a single unit.
	Direct
)

// Requirement is what depending on a named system means.
type Requirement struct {
	Kind  RequirementKind
	Names []string
	Unit  unit.ID
}

// TransitiveOn depends on every named system.
func TransitiveOn(names []string) Requirement {
	return Requirement{Kind: Transitive, Names: names}
}

// DirectOn depends on the unit id.
func DirectOn(id unit.ID) Requirement {
	return Requirement{Kind: Direct, Unit: id}
}

// CycleError reports a cycle of systems requiring each other.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle in system requires: " + strings.Join(e.Path, " -> ")
}

// Resolve walks req depth-first through registry and returns the unit
// dependencies it stands for. Unknown names are ignored since systems that
// were discarded are legitimately absent.
func Resolve(req Requirement, registry map[string]Requirement) ([]unit.Dependency, error) {
	r := resolver{
		registry: registry,
		visiting: make(map[string]bool),
		done:     make(map[string]bool),
		seen:     make(map[unit.ID]bool),
	}

	if err := r.walk(req); err != nil {
		return nil, err
	}
	return r.out, nil
}

type resolver struct {
	registry map[string]Requirement
	visiting map[string]bool
	done     map[string]bool
	seen     map[unit.ID]bool
	path     []string
	out      []unit.Dependency
}

func (r *resolver) walk(req Requirement) error {
	switch req.Kind {
	case Direct:
		if !r.seen[req.Unit] {
			r.seen[req.Unit] = true
			r.out = append(r.out, unit.OnUnit(req.Unit))
		}
	case Transitive:
		for _, name := range req.Names {
			if err := r.visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *resolver) visit(name string) error {
	if r.done[name] {
		return nil
	}

	if r.visiting[name] {
		start := 0
		for i, p := range r.path {
			if p == name {
				start = i
				break
			}
		}
		cycle := append(append([]string(nil), r.path[start:]...), name)
		return &CycleError{Path: cycle}
	}

	next, ok := r.registry[name]
	if !ok {
		return nil
	}

	r.visiting[name] = true
	r.path = append(r.path, name)

	if err := r.walk(next); err != nil {
		return err
	}

	r.path = r.path[:len(r.path)-1]
	r.visiting[name] = false
	r.done[name] = true
	return nil
}
