package system

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/unit"
	"gopkg.in/yaml.v3"
)

// OnlyFor keeps its nested systems only on a matching operating system.
type OnlyFor struct {
	Common `yaml:",inline"`
	// OS is a GOOS value, or "unix" for linux and darwin. Empty matches
	// every system.
	OS      string `yaml:"os"`
	Systems []Decl `yaml:"systems"`

	goos string
}

func (s *OnlyFor) String() string {
	return fmt.Sprintf("conditionally run for (os: %q)", s.OS)
}

func (s *OnlyFor) currentOS() string {
	if s.goos != "" {
		return s.goos
	}
	return runtime.GOOS
}

// Matches reports whether the nested systems apply here.
func (s *OnlyFor) Matches() bool {
	if s.OS == "" {
		return true
	}

	current := s.currentOS()
	if s.OS == current {
		return true
	}

	return s.OS == "unix" && (current == "linux" || current == "darwin")
}

func (s *OnlyFor) Translate() Translation {
	if !s.Matches() {
		return Translation{Kind: Discard}
	}
	return Translation{Kind: Expand, Systems: Systems(s.Systems)}
}

func (s *OnlyFor) Apply(context.Context, *Input) ([]*unit.SystemUnit, error) {
	return nil, errors.New("cannot apply only-for systems")
}

// FromDB instantiates systems of one type from entries in the hierarchy.
type FromDB struct {
	Common `yaml:",inline"`
	// System is the type of the systems to create.
	System string `yaml:"system" validate:"required"`
	// Key is the hierarchy key listing the entries. It defaults to System.
	Key string `yaml:"key"`
}

func (s *FromDB) String() string {
	return fmt.Sprintf("system `%s` from database key `%s`", s.System, s.key())
}

func (s *FromDB) key() string {
	if s.Key != "" {
		return s.Key
	}
	return s.System
}

func (s *FromDB) Translate() Translation { return Translation{Kind: Keep} }

func (s *FromDB) Apply(ctx context.Context, in *Input) ([]*unit.SystemUnit, error) {
	entries, err := hierarchy.LoadArray[map[string]any](in.Data, s.key())
	if err != nil {
		return nil, fmt.Errorf("failed to load `%s`: %w", s.key(), err)
	}

	var systems []System

	for i, entry := range entries {
		entry["type"] = s.System

		// round trip through YAML so the entry decodes like a declared system
		raw, err := yaml.Marshal(entry)
		if err != nil {
			return nil, err
		}

		var d Decl
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("entry #%d of `%s`: %w", i, s.key(), err)
		}

		systems = append(systems, d.System)
	}

	var out []*unit.SystemUnit
	marker := in.Alloc.Unit(unit.System{Name: s.System, Phase: "from-db"})

	for _, sys := range Translate(systems) {
		units, err := sys.Apply(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sys, err)
		}
		marker.DependOn(units...)
		out = append(out, units...)
	}

	return append(out, marker), nil
}
