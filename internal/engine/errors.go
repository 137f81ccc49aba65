package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/hostcfg/internal/system"
	"github.com/schaermu/hostcfg/internal/unit"
)

// ErrUnitPanicked marks a unit that panicked while being applied.
var ErrUnitPanicked = errors.New("unit panicked")

// UnitFailure is a unit that returned an error.
type UnitFailure struct {
	Unit *unit.SystemUnit
	Err  error
}

func (f UnitFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Unit, f.Err)
}

func (f UnitFailure) Unwrap() error { return f.Err }

// SystemFailure is a system that could not be expanded into units.
type SystemFailure struct {
	System system.System
	Err    error
}

func (f SystemFailure) Error() string {
	return fmt.Sprintf("system failed: %s: %v", f.System, f.Err)
}

func (f SystemFailure) Unwrap() error { return f.Err }

// RunError aggregates everything that went wrong during a run.
type RunError struct {
	Systems     []SystemFailure
	Failures    []UnitFailure
	Unscheduled []*unit.SystemUnit
	// Cancelled is the context error when the run was interrupted. The
	// failures collected until then are kept.
	Cancelled error
}

func (e *RunError) Error() string {
	prefix := "run failed: "
	if e.Cancelled != nil {
		prefix = "run cancelled: "
	}

	var parts []string
	if n := len(e.Systems); n > 0 {
		parts = append(parts, fmt.Sprintf("%d system(s) failed", n))
	}
	if n := len(e.Failures); n > 0 {
		parts = append(parts, fmt.Sprintf("%d unit(s) failed", n))
	}
	if n := len(e.Unscheduled); n > 0 {
		parts = append(parts, fmt.Sprintf("%d unit(s) could not be scheduled", n))
	}
	if len(parts) == 0 && e.Cancelled != nil {
		return prefix + e.Cancelled.Error()
	}
	return prefix + strings.Join(parts, ", ")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Systems)+len(e.Failures)+1)
	if e.Cancelled != nil {
		errs = append(errs, e.Cancelled)
	}
	for _, f := range e.Systems {
		errs = append(errs, f)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

func (e *RunError) empty() bool {
	return len(e.Systems) == 0 && len(e.Failures) == 0 && len(e.Unscheduled) == 0 && e.Cancelled == nil
}
