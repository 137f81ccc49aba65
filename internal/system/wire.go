package system

import (
	"fmt"

	"github.com/schaermu/hostcfg/internal/unit"
)

// Result is the expansion of a single system.
type Result struct {
	System System
	Units  []*unit.SystemUnit
}

// Wire connects the units of every system according to their requires.
//
// A system with requires gets a pre unit that all of its units depend on,
// which in turn depends on the required systems. A system with an id gets a
// post unit depending on all of its units, so requiring that id waits for
// the whole system. An id'd system without units forwards to its own
// requires.
func Wire(alloc *unit.Allocator, results []Result) ([]*unit.SystemUnit, error) {
	type pending struct {
		pre *unit.SystemUnit
		req Requirement
	}

	var (
		all      []*unit.SystemUnit
		pres     []pending
		registry = make(map[string]Requirement)
	)

	for _, r := range results {
		meta := r.System.Meta()

		if len(meta.Requires) > 0 {
			pre := alloc.Unit(unit.System{Name: name(r.System), Phase: "pre"})
			for _, u := range r.Units {
				u.DependOn(pre)
			}
			pres = append(pres, pending{pre: pre, req: TransitiveOn(meta.Requires)})
		}

		if meta.ID != "" {
			if _, ok := registry[meta.ID]; ok {
				return nil, fmt.Errorf("duplicate system id `%s`", meta.ID)
			}

			if len(r.Units) == 0 {
				registry[meta.ID] = TransitiveOn(meta.Requires)
				continue
			}

			post := alloc.Unit(unit.System{Name: meta.ID, Phase: "post"})
			post.DependOn(r.Units...)
			registry[meta.ID] = DirectOn(post.ID)
			all = append(all, post)
		}

		all = append(all, r.Units...)
	}

	for _, p := range pres {
		deps, err := Resolve(p.req, registry)
		if err != nil {
			return nil, err
		}
		p.pre.Dependencies = append(p.pre.Dependencies, deps...)
		all = append(all, p.pre)
	}

	return all, nil
}

func name(s System) string {
	if id := s.Meta().ID; id != "" {
		return id
	}
	return s.String()
}
