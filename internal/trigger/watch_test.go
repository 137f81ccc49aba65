package trigger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestShouldIgnore(t *testing.T) {
	root := t.TempDir()
	w := &Watcher{root: root}

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "hostcfg.yaml"), false},
		{filepath.Join(root, "home", ".bashrc"), false},
		{filepath.Join(root, ".git"), true},
		{filepath.Join(root, ".git", "HEAD"), true},
		{filepath.Join(root, ".state"), true},
		{filepath.Join(root, ".state", "tool"), true},
		{filepath.Join(root, ".state.yaml"), true},
		{filepath.Join(root, ".hostcfg-state-123"), true},
		{filepath.Join(root, "home", ".hostcfg-tmp-1"), true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := w.shouldIgnore(tt.path); got != tt.want {
				t.Errorf("shouldIgnore(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWatcher_RerunsOnChange(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "home"), 0755); err != nil {
		t.Fatal(err)
	}

	runner := newCountingRunner()
	w, err := NewWatcher(root, 20*time.Millisecond, runner, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(ctx)
	}()

	// initial run
	runner.wait(t)

	// give the watcher time to register the directories
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "home", ".bashrc"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	runner.wait(t)

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Start() returned error: %v", err)
	}
}
