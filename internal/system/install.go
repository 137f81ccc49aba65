package system

import (
	"context"
	"fmt"
	"sort"

	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/packages"
	"github.com/schaermu/hostcfg/internal/unit"
)

const defaultPackagesKey = "packages"

// Install installs the packages listed in the hierarchy with a package
// manager.
type Install struct {
	Common `yaml:",inline"`
	// Key is the hierarchy key listing the packages.
	Key string `yaml:"key"`
	// Provider names the package manager; empty means the primary one.
	Provider string `yaml:"provider"`
}

func (s *Install) String() string {
	if s.Provider != "" {
		return fmt.Sprintf("install packages using provider `%s`", s.Provider)
	}
	return "install packages using primary provider"
}

func (s *Install) Translate() Translation { return Translation{Kind: Keep} }

func (s *Install) Apply(ctx context.Context, in *Input) ([]*unit.SystemUnit, error) {
	var (
		manager packages.Manager
		err     error
	)

	if s.Provider != "" {
		manager, err = in.Packages.Get(ctx, s.Provider)
		if err != nil {
			return nil, err
		}
	} else {
		manager = in.Packages.Default()
	}

	id := s.ID
	if id == "" {
		id = s.Provider
	}
	if id == "" && in.Packages.Default() != nil {
		id = in.Packages.Default().Name()
	}

	if manager == nil {
		if s.Provider != "" {
			in.Logger.Warn("no package manager found for provider", "provider", s.Provider)
		} else {
			in.Logger.Warn("no primary package manager found")
		}
		return nil, nil
	}

	if id == "" {
		return nil, fmt.Errorf("no usable install provider id")
	}

	key := s.packagesKey(manager)

	wanted, err := hierarchy.LoadFirstOrDefault[[]string](in.Data, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load `%s`: %w", key, err)
	}

	all := dedupe(wanted)

	fresh, err := in.State.IsHashFresh(id, all)
	if err != nil {
		return nil, err
	}
	if fresh {
		in.Logger.Debug("skipping install, hash is fresh", "id", id)
		return nil, nil
	}

	installed, err := manager.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages with %s: %w", manager.Name(), err)
	}

	have := make(map[string]bool, len(installed))
	for _, p := range installed {
		have[p.Name] = true
	}

	var toInstall []string
	for _, name := range all {
		if !have[name] {
			toInstall = append(toInstall, name)
		}
	}

	u := in.Alloc.Unit(unit.Install{
		Manager:   manager,
		All:       all,
		ToInstall: toInstall,
		ID:        id,
	})
	u.ThreadLocal = manager.NeedsInteraction()

	return []*unit.SystemUnit{u}, nil
}

func (s *Install) packagesKey(m packages.Manager) string {
	if k := m.Key(); k != "" {
		return k
	}

	key := s.Key
	if key == "" {
		key = defaultPackagesKey
	}

	if s.Provider != "" {
		return s.Provider + "::" + key
	}
	return key
}

// dedupe returns the sorted set of names.
func dedupe(names []string) []string {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
