package prompt

import (
	"context"
	"testing"
)

func TestNonInteractiveReturnsDefaults(t *testing.T) {
	p := New(true)
	if p.Interactive() {
		t.Fatal("non-interactive prompter reports interactive")
	}

	ctx := context.Background()
	for _, def := range []bool{true, false} {
		got, err := p.Confirm(ctx, "Continue?", def)
		if err != nil {
			t.Fatal(err)
		}
		if got != def {
			t.Errorf("Confirm(def=%v) = %v", def, got)
		}
	}

	text, ok, err := p.Input(ctx, "[Git Repository]")
	if err != nil {
		t.Fatal(err)
	}
	if ok || text != "" {
		t.Errorf("Input() = %q, %v", text, ok)
	}
}

func TestFixed(t *testing.T) {
	ctx := context.Background()
	var p Prompter = Fixed{Answer: true, Text: "https://example.com/cfg.git"}

	got, err := p.Confirm(ctx, "Update?", false)
	if err != nil || !got {
		t.Errorf("Confirm() = %v, %v", got, err)
	}

	text, ok, err := p.Input(ctx, "url")
	if err != nil || !ok || text != "https://example.com/cfg.git" {
		t.Errorf("Input() = %q, %v, %v", text, ok, err)
	}
}
