// Package system turns the declared systems of the configuration into units.
//
// A system is a high level intent such as "copy this directory" or "install
// these packages". Applying it inspects the machine and produces only the
// units needed to converge it, so an up to date system produces no units.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/schaermu/hostcfg/internal/facts"
	"github.com/schaermu/hostcfg/internal/filesystem"
	"github.com/schaermu/hostcfg/internal/git"
	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/packages"
	"github.com/schaermu/hostcfg/internal/state"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
	"gopkg.in/yaml.v3"
)

// Common holds the fields shared by every system.
type Common struct {
	// ID names the system so that others can require it.
	ID string `yaml:"id"`
	// Requires lists the ids of systems that must complete first.
	Requires []string `yaml:"requires"`
}

// Meta returns the shared fields.
func (c Common) Meta() Common { return c }

// System is a declared system.
type System interface {
	fmt.Stringer
	Meta() Common
	// Translate reports whether the system is kept, discarded or replaced
	// by nested systems.
	Translate() Translation
	// Apply produces the units needed to converge the system.
	Apply(ctx context.Context, in *Input) ([]*unit.SystemUnit, error)
}

// TranslationKind is the outcome of Translate.
type TranslationKind int

const (
	// Keep applies the system itself.
	Keep TranslationKind = iota
	// Discard drops the system.
	Discard
	// Expand replaces the system with its nested systems.
	Expand
)

// Translation is the result of translating a system.
type Translation struct {
	Kind    TranslationKind
	Systems []System
}

// Translate expands or discards systems until only systems to apply remain.
// Order is preserved.
func Translate(systems []System) []System {
	var out []System

	for _, s := range systems {
		t := s.Translate()
		switch t.Kind {
		case Keep:
			out = append(out, s)
		case Expand:
			out = append(out, Translate(t.Systems)...)
		}
	}

	return out
}

// Input is everything a system may use while expanding.
type Input struct {
	Root     string
	Home     string
	Facts    facts.Facts
	Data     *hierarchy.Data
	Env      template.Environment
	Packages *packages.Provider
	Alloc    *unit.Allocator
	FS       *filesystem.Planner
	// State is the shared run state. Systems only read it.
	State  *state.State
	Now    time.Time
	Force  bool
	Git    git.System
	Logger *slog.Logger
}

// path renders t as an absolute path.
func (in *Input) path(t template.Template) (string, bool, error) {
	return t.AsPath(in.Root, in.Home, in.Facts, in.Env)
}

var validate = validator.New()

// Decl decodes a system from YAML by its `type` field.
type Decl struct {
	System
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Decl) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}

	if head.Type == "" {
		return fmt.Errorf("line %d: system is missing `type`", value.Line)
	}

	s, err := newSystem(head.Type)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	if err := value.Decode(s); err != nil {
		return fmt.Errorf("line %d: failed to decode %s system: %w", value.Line, head.Type, err)
	}

	if err := check(s); err != nil {
		return fmt.Errorf("line %d: invalid %s system: %w", value.Line, head.Type, err)
	}

	d.System = s
	return nil
}

func newSystem(kind string) (System, error) {
	switch kind {
	case "copy-dir":
		return &CopyDir{}, nil
	case "link-dir":
		return &LinkDir{}, nil
	case "link":
		return &Link{}, nil
	case "install", "install-packages":
		return &Install{}, nil
	case "download":
		return &Download{}, nil
	case "download-and-run":
		return &DownloadAndRun{}, nil
	case "git-sync":
		return &GitSync{}, nil
	case "only-for":
		return &OnlyFor{}, nil
	case "from-db":
		return &FromDB{}, nil
	default:
		return nil, fmt.Errorf("unknown system type `%s`", kind)
	}
}

// checker is implemented by systems with rules the struct tags cannot
// express.
type checker interface {
	check() error
}

func check(s System) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if c, ok := s.(checker); ok {
		return c.check()
	}
	return nil
}

// Systems unwraps decoded declarations.
func Systems(decls []Decl) []System {
	out := make([]System, 0, len(decls))
	for _, d := range decls {
		if d.System != nil {
			out = append(out, d.System)
		}
	}
	return out
}

var errMissingID = errors.New("missing `id`")

func requireTemplate(name string, t template.Template) error {
	if t.IsZero() {
		return fmt.Errorf("`%s` is required", name)
	}
	return nil
}
