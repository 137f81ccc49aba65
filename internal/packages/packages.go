// Package packages abstracts over system and language package managers.
package packages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/schaermu/hostcfg/internal/facts"
)

// Package is an installed package.
type Package struct {
	Name string
}

// Manager is a package manager.
type Manager interface {
	// Name identifies the manager, as used by the `provider` field of the
	// install system.
	Name() string
	// Key is the hierarchy key holding the packages for this manager, or
	// empty to derive it from the provider name.
	Key() string
	// NeedsInteraction reports whether installing may prompt the user.
	NeedsInteraction() bool
	// Test reports whether the manager is usable on this machine.
	Test(ctx context.Context) (bool, error)
	ListPackages(ctx context.Context) ([]Package, error)
	InstallPackages(ctx context.Context, names []string) error
}

// Constructor creates a named manager on demand.
type Constructor func() Manager

// Registry lists the managers that can be requested by name.
var Registry = map[string]Constructor{
	"debian":          func() Manager { return NewDebian() },
	"fedora":          func() Manager { return NewFedora() },
	"pip":             func() Manager { return NewPython("pip") },
	"pip3":            func() Manager { return NewPython("pip3") },
	"gem":             func() Manager { return NewRuby() },
	"cargo":           func() Manager { return NewCargo() },
	"rust toolchains": func() Manager { return NewRustupToolchains() },
	"rust components": func() Manager { return NewRustupComponents() },
}

// Provider hands out package managers, testing each at most once.
type Provider struct {
	primary  Manager
	registry map[string]Constructor

	mu     sync.Mutex
	tested map[string]Manager
}

// NewProvider creates a provider with the given primary manager, which may
// be nil, resolving other managers through registry.
func NewProvider(primary Manager, registry map[string]Constructor) *Provider {
	return &Provider{
		primary:  primary,
		registry: registry,
		tested:   make(map[string]Manager),
	}
}

// Default returns the primary manager of this machine, or nil.
func (p *Provider) Default() Manager {
	return p.primary
}

// Get returns the named manager if it is usable. A known manager that is not
// installed yields (nil, nil); an unknown name is an error.
func (p *Provider) Get(ctx context.Context, name string) (Manager, error) {
	if p.primary != nil && p.primary.Name() == name {
		return p.primary, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.tested[name]; ok {
		return m, nil
	}

	construct, ok := p.registry[name]
	if !ok {
		return nil, fmt.Errorf("no package manager provider for `%s`", name)
	}

	m, err := test(ctx, construct())
	if err != nil {
		return nil, err
	}

	p.tested[name] = m
	return m, nil
}

// Detect selects the primary package manager from the distro fact.
func Detect(ctx context.Context, f facts.Facts, logger *slog.Logger) (*Provider, error) {
	var primary Manager

	if distro, ok := f.Get(facts.Distro); ok {
		switch distro {
		case "debian":
			m, err := test(ctx, NewDebian())
			if err != nil {
				return nil, err
			}
			primary = m
		case "fedora":
			m, err := test(ctx, NewFedora())
			if err != nil {
				return nil, err
			}
			primary = m
		default:
			logger.Warn("no package integration for distro", "distro", distro)
		}
	}

	return NewProvider(primary, Registry), nil
}

func test(ctx context.Context, m Manager) (Manager, error) {
	ok, err := m.Test(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to test package manager %s: %w", m.Name(), err)
	}
	if !ok {
		return nil, nil
	}
	return m, nil
}
