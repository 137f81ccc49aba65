package packages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/hostcfg/internal/facts"
)

func names(pkgs []Package) []string {
	var out []string
	for _, p := range pkgs {
		out = append(out, p.Name)
	}
	return out
}

func TestParsers(t *testing.T) {
	tests := []struct {
		name  string
		parse func([]string) []Package
		lines []string
		want  []string
	}{
		{
			name:  "dpkg-query",
			parse: parseDpkgQuery,
			lines: []string{"ii git", "rc old-package", "", "ii curl"},
			want:  []string{"git", "curl"},
		},
		{
			name:  "dnf",
			parse: parseDnfList,
			lines: []string{"Installed Packages", "git.x86_64   2.43.0-1.fc39   @updates", "bash.x86_64 5.2 @anaconda", "garbage"},
			want:  []string{"git", "bash"},
		},
		{
			name:  "pip",
			parse: parsePipList,
			lines: []string{"Package    Version", "---------- -------", "requests   2.31.0", "pip 23.0"},
			want:  []string{"requests", "pip"},
		},
		{
			name:  "gem",
			parse: parseFirstColumn,
			lines: []string{"bundler (2.4.10)", "", "rake (13.0.6)"},
			want:  []string{"bundler", "rake"},
		},
		{
			name:  "cargo",
			parse: parseCargoList,
			lines: []string{"ripgrep v13.0.0:", "    rg", "fd-find v8.7.0:", "    fd"},
			want:  []string{"ripgrep", "fd-find"},
		},
		{
			name:  "rustup",
			parse: func(lines []string) []Package { return parseRustupList(lines, "x86_64") },
			lines: []string{
				"stable-x86_64-unknown-linux-gnu (default)",
				"nightly-x86_64-unknown-linux-gnu",
				"rustfmt-x86_64-unknown-linux-gnu (installed)",
				"rust-docs-x86_64-unknown-linux-gnu",
				"weird (installed)",
			},
			want: []string{"stable", "rustfmt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(tt.parse(tt.lines))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeManager struct {
	name      string
	available bool
	testErr   error
	tests     int
}

func (f *fakeManager) Name() string           { return f.name }
func (f *fakeManager) Key() string            { return "" }
func (f *fakeManager) NeedsInteraction() bool { return false }
func (f *fakeManager) Test(ctx context.Context) (bool, error) {
	f.tests++
	return f.available, f.testErr
}
func (f *fakeManager) ListPackages(ctx context.Context) ([]Package, error) { return nil, nil }
func (f *fakeManager) InstallPackages(ctx context.Context, names []string) error {
	return nil
}

func TestProviderGet(t *testing.T) {
	ctx := context.Background()
	primary := &fakeManager{name: "fedora", available: true}
	pip := &fakeManager{name: "pip", available: true}
	gem := &fakeManager{name: "gem", available: false}
	broken := &fakeManager{name: "broken", testErr: errors.New("boom")}

	p := NewProvider(primary, map[string]Constructor{
		"pip":    func() Manager { return pip },
		"gem":    func() Manager { return gem },
		"broken": func() Manager { return broken },
	})

	if p.Default() != primary {
		t.Error("Default() should return the primary manager")
	}

	m, err := p.Get(ctx, "fedora")
	if err != nil || m != primary {
		t.Errorf("Get(fedora) = %v, %v", m, err)
	}

	for i := 0; i < 3; i++ {
		m, err = p.Get(ctx, "pip")
		if err != nil || m != pip {
			t.Errorf("Get(pip) = %v, %v", m, err)
		}
	}
	if pip.tests != 1 {
		t.Errorf("pip tested %d times, want 1", pip.tests)
	}

	m, err = p.Get(ctx, "gem")
	if err != nil || m != nil {
		t.Errorf("Get(gem) = %v, %v, want nil, nil", m, err)
	}

	if _, err := p.Get(ctx, "broken"); err == nil {
		t.Error("expected error from failing test")
	}

	if _, err := p.Get(ctx, "nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestDetectUnknownDistro(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := Detect(context.Background(), facts.Facts{facts.OS: "linux", facts.Distro: "gentoo"}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if p.Default() != nil {
		t.Errorf("Default() = %v, want nil", p.Default())
	}
}

func TestManagerKeys(t *testing.T) {
	if got := NewRustupToolchains().Key(); got != "rust::toolchains" {
		t.Errorf("toolchains key = %q", got)
	}
	if got := NewRustupComponents().Key(); got != "rust::components" {
		t.Errorf("components key = %q", got)
	}
	if NewCargo().Key() != "" {
		t.Error("cargo should not have a fixed key")
	}
	if !NewDebian().NeedsInteraction() || !NewFedora().NeedsInteraction() {
		t.Error("system package managers need interaction")
	}
	if NewPython("pip3").Name() != "pip3" {
		t.Error("python manager should be named after its executable")
	}
}
