package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommitFiles(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	InitRepo(t, dir, "main")
	CommitFiles(t, dir, "initial", map[string]string{
		"hostcfg.yaml": "systems: []\n",
		"home/.bashrc": "export EDITOR=vim\n",
	})

	if _, err := os.Stat(filepath.Join(dir, "home", ".bashrc")); err != nil {
		t.Fatalf("expected nested file: %v", err)
	}

	log := Git(t, dir, "log", "--format=%s")
	if strings.TrimSpace(log) != "initial" {
		t.Errorf("unexpected log %q", log)
	}

	branch := Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if strings.TrimSpace(branch) != "main" {
		t.Errorf("unexpected branch %q", branch)
	}
}
