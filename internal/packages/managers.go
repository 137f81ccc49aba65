package packages

import (
	"context"
	"runtime"
	"strings"

	"github.com/schaermu/hostcfg/internal/command"
)

const sudoPrompt = "[sudo] password for %u to install packages: "

// cliManager is a package manager driven through command line tools.
type cliManager struct {
	name        string
	key         string
	interactive bool
	probe       *command.Command
	list        *command.Command
	parse       func(lines []string) []Package
	install     func(names []string) *command.Command
}

func (m *cliManager) Name() string           { return m.name }
func (m *cliManager) Key() string            { return m.key }
func (m *cliManager) NeedsInteraction() bool { return m.interactive }

func (m *cliManager) Test(ctx context.Context) (bool, error) {
	return m.probe.Test(ctx)
}

func (m *cliManager) ListPackages(ctx context.Context) ([]Package, error) {
	lines, err := m.list.Lines(ctx)
	if err != nil {
		return nil, err
	}
	return m.parse(lines), nil
}

func (m *cliManager) InstallPackages(ctx context.Context, names []string) error {
	cmd := m.install(names)
	if m.interactive {
		return cmd.RunInherited(ctx)
	}
	return cmd.Run(ctx)
}

// NewDebian manages packages with dpkg and apt.
func NewDebian() Manager {
	return &cliManager{
		name:        "debian",
		interactive: true,
		probe:       command.New("apt"),
		list:        command.New("dpkg-query", "-W", "--showformat=${db:Status-Abbrev}${binary:Package}\\n"),
		parse:       parseDpkgQuery,
		install: func(names []string) *command.Command {
			return command.New("sudo", "-p", sudoPrompt, "--", "apt", "install", "-y").With(names...)
		},
	}
}

// NewFedora manages packages with dnf.
func NewFedora() Manager {
	return &cliManager{
		name:        "fedora",
		interactive: true,
		probe:       command.New("dnf"),
		list:        command.New("dnf", "list", "--installed"),
		parse:       parseDnfList,
		install: func(names []string) *command.Command {
			return command.New("sudo", "-p", sudoPrompt, "--", "dnf", "install", "-y").With(names...)
		},
	}
}

// NewPython manages user packages with the given pip executable.
func NewPython(pip string) Manager {
	return &cliManager{
		name:  pip,
		probe: command.New(pip),
		list:  command.New(pip, "list", "--format=columns"),
		parse: parsePipList,
		install: func(names []string) *command.Command {
			return command.New(pip, "install", "--user").With(names...)
		},
	}
}

// NewRuby manages user gems.
func NewRuby() Manager {
	return &cliManager{
		name:  "gem",
		probe: command.New("gem"),
		list:  command.New("gem", "list", "-q", "-l"),
		parse: parseFirstColumn,
		install: func(names []string) *command.Command {
			return command.New("gem", "install", "--user-install").With(names...)
		},
	}
}

// NewCargo manages crates installed with cargo install.
func NewCargo() Manager {
	return &cliManager{
		name:  "cargo",
		probe: command.New("cargo"),
		list:  command.New("cargo", "install", "--list"),
		parse: parseCargoList,
		install: func(names []string) *command.Command {
			return command.New("cargo", "install").With(names...)
		},
	}
}

// NewRustupToolchains manages rustup toolchains.
func NewRustupToolchains() Manager {
	return &cliManager{
		name:  "rust toolchains",
		key:   "rust::toolchains",
		probe: command.New("rustup"),
		list:  command.New("rustup", "toolchain", "list"),
		parse: func(lines []string) []Package { return parseRustupList(lines, rustArch()) },
		install: func(names []string) *command.Command {
			return command.New("rustup", "toolchain", "install").With(names...)
		},
	}
}

// NewRustupComponents manages rustup components.
func NewRustupComponents() Manager {
	return &cliManager{
		name:  "rust components",
		key:   "rust::components",
		probe: command.New("rustup"),
		list:  command.New("rustup", "component", "list"),
		parse: func(lines []string) []Package { return parseRustupList(lines, rustArch()) },
		install: func(names []string) *command.Command {
			return command.New("rustup", "component", "add").With(names...)
		},
	}
}

// parseDpkgQuery keeps the packages with status "ii" (installed).
func parseDpkgQuery(lines []string) []Package {
	var out []Package
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "ii" {
			continue
		}
		out = append(out, Package{Name: fields[1]})
	}
	return out
}

// parseDnfList strips the architecture suffix from `dnf list --installed`.
// The first line is a header.
func parseDnfList(lines []string) []Package {
	var out []Package
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name, _, ok := strings.Cut(fields[0], ".")
		if !ok {
			continue
		}
		out = append(out, Package{Name: name})
	}
	return out
}

// parsePipList skips the two header lines of the columns format.
func parsePipList(lines []string) []Package {
	var out []Package
	for _, p := range parseFirstColumn(lines) {
		if p.Name == "Package" || strings.HasPrefix(p.Name, "---") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseFirstColumn(lines []string) []Package {
	var out []Package
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, Package{Name: fields[0]})
	}
	return out
}

// parseCargoList keeps crate lines, skipping the indented binary names.
func parseCargoList(lines []string) []Package {
	var out []Package
	for _, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, Package{Name: fields[0]})
	}
	return out
}

// parseRustupList keeps installed entries and strips the target triple,
// e.g. "stable-x86_64-unknown-linux-gnu (default)" becomes "stable".
func parseRustupList(lines []string, arch string) []Package {
	var out []Package
	for _, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] != "(default)" && fields[1] != "(installed)" {
			continue
		}
		i := strings.Index(fields[0], arch)
		if i < 0 {
			continue
		}
		out = append(out, Package{Name: strings.Trim(fields[0][:i], "-")})
	}
	return out
}

func rustArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}
