// Package engine drives a converge run: it expands the configured systems
// into units, schedules them in stages and persists the resulting state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/schaermu/hostcfg/internal/config"
	"github.com/schaermu/hostcfg/internal/facts"
	"github.com/schaermu/hostcfg/internal/filesystem"
	"github.com/schaermu/hostcfg/internal/git"
	"github.com/schaermu/hostcfg/internal/hierarchy"
	"github.com/schaermu/hostcfg/internal/metrics"
	"github.com/schaermu/hostcfg/internal/packages"
	"github.com/schaermu/hostcfg/internal/prompt"
	"github.com/schaermu/hostcfg/internal/stage"
	"github.com/schaermu/hostcfg/internal/state"
	"github.com/schaermu/hostcfg/internal/system"
	"github.com/schaermu/hostcfg/internal/template"
	"github.com/schaermu/hostcfg/internal/unit"
	"golang.org/x/sync/errgroup"
)

// Options control a single run.
type Options struct {
	// Root is the configuration root directory.
	Root string
	// Force overwrites conflicting links and hard-resets git checkouts.
	Force bool
	// UpdatesOnly skips the run unless the configuration root changed.
	UpdatesOnly bool
	// DryRun computes and logs the stages without applying any unit.
	DryRun bool
	// Parallelism overrides the configured parallelism when positive.
	Parallelism int
}

// Engine orchestrates converge runs
type Engine struct {
	opts     Options
	git      git.System
	prompter prompt.Prompter
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// replaced in tests
	facts  func() (facts.Facts, error)
	detect func(ctx context.Context, f facts.Facts, logger *slog.Logger) (*packages.Provider, error)
	now    func() time.Time
	http   *http.Client
}

// NewEngine creates a new engine
func NewEngine(opts Options, gitSystem git.System, prompter prompt.Prompter, logger *slog.Logger) *Engine {
	return &Engine{
		opts:     opts,
		git:      gitSystem,
		prompter: prompter,
		logger:   logger,
		metrics:  metrics.New(),
		facts:    facts.Load,
		detect:   packages.Detect,
		now:      time.Now,
		http:     http.DefaultClient,
	}
}

// Metrics returns the recorder shared by all runs of this engine.
func (e *Engine) Metrics() *metrics.Recorder {
	return e.metrics
}

// Run executes one complete converge run
func (e *Engine) Run(ctx context.Context) error {
	logger := e.logger.With("run_id", uuid.NewString())
	now := e.now()
	paths := config.NewPaths(e.opts.Root)

	logger.Info("starting run",
		"root", paths.Root,
		"dry_run", e.opts.DryRun,
		"force", e.opts.Force)

	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}

	disk, err := e.loadState(ctx, paths.StateFile, logger)
	if errors.Is(err, errStateKept) {
		logger.Warn("keeping invalid state file, nothing to do", "path", paths.StateFile)
		return nil
	}
	if err != nil {
		return err
	}
	st := disk.Into(cfg.Refresh(), now)

	if !e.opts.DryRun {
		updated, err := e.updateRoot(ctx, paths.Root, st, cfg.GitRefresh.Duration, logger)
		if err != nil {
			return fmt.Errorf("failed to update configuration: %w", err)
		}

		switch {
		case updated:
			logger.Info("configuration updated, reloading")
			if cfg, err = config.Load(paths.Config); err != nil {
				return err
			}
		case e.opts.UpdatesOnly:
			logger.Info("no configuration updates, nothing to do")
			return e.saveState(st, paths.StateFile)
		}
	}

	runErr := e.converge(ctx, cfg, paths, st, now, logger)

	if !e.opts.DryRun {
		if err := e.saveState(st, paths.StateFile); err != nil {
			if runErr == nil {
				return err
			}
			logger.Error("failed to save state", "error", err)
		}
	}

	e.recordRun(cfg, runErr == nil, logger)

	if runErr != nil {
		return runErr
	}

	logger.Info("run completed successfully")
	return nil
}

// converge expands the systems and applies the resulting units
func (e *Engine) converge(ctx context.Context, cfg *config.Config, paths config.Paths, st *state.State, now time.Time, logger *slog.Logger) error {
	f, err := e.facts()
	if err != nil {
		return fmt.Errorf("failed to load facts: %w", err)
	}

	env, err := template.LoadEnvironment(paths.EnvFile)
	if err != nil {
		return err
	}

	home, err := cfg.HomeDir(paths.Root)
	if err != nil {
		return fmt.Errorf("failed to determine home directory: %w", err)
	}

	data, err := hierarchy.Load(cfg.Hierarchy, paths.Root, f, env, logger)
	if err != nil {
		return fmt.Errorf("failed to load hierarchy: %w", err)
	}

	providers, err := e.detect(ctx, f, logger)
	if err != nil {
		return fmt.Errorf("failed to detect package managers: %w", err)
	}

	if err := os.MkdirAll(paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	var alloc unit.Allocator
	in := &system.Input{
		Root:     paths.Root,
		Home:     home,
		Facts:    f,
		Data:     data,
		Env:      env,
		Packages: providers,
		Alloc:    &alloc,
		FS:       filesystem.New(&alloc, paths.StateDir, data, e.opts.Force),
		State:    st,
		Now:      now,
		Force:    e.opts.Force,
		Git:      e.git,
		Logger:   logger,
	}

	units, err := e.expand(ctx, system.Translate(system.Systems(cfg.Systems)), in, logger)
	if err != nil {
		return err
	}
	logger.Info("planned units", "count", len(units))

	base := unit.Input{
		Data:     data,
		Packages: providers,
		Now:      now,
		Git:      e.git,
		Prompter: e.prompter,
		HTTP:     e.http,
		Logger:   logger,
	}

	report := e.schedule(ctx, units, base, st, e.parallelism(cfg), logger)
	if !report.empty() {
		return report
	}
	return nil
}

// expand applies every system in parallel and wires the resulting units
func (e *Engine) expand(ctx context.Context, systems []system.System, in *system.Input, logger *slog.Logger) ([]*unit.SystemUnit, error) {
	results := make([]system.Result, len(systems))
	errs := make([]error, len(systems))

	var g errgroup.Group
	for i, s := range systems {
		g.Go(func() error {
			units, err := s.Apply(ctx, in)
			results[i] = system.Result{System: s, Units: units}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var failed []SystemFailure
	for i, err := range errs {
		if err != nil {
			logger.Error("system failed", "system", systems[i].String(), "error", err)
			failed = append(failed, SystemFailure{System: systems[i], Err: err})
		}
	}

	if err := in.FS.Validate(); err != nil {
		return nil, err
	}

	if len(failed) > 0 {
		e.metrics.SystemsFailed(len(failed))
		return nil, &RunError{Systems: failed}
	}

	var units []*unit.SystemUnit
	for _, r := range results {
		units = append(units, r.Units...)
	}
	if err := unit.ValidateClaims(units); err != nil {
		return nil, err
	}

	return system.Wire(in.Alloc, results)
}

// errStateKept ends a run whose invalid state file must not be replaced.
var errStateKept = errors.New("invalid state file kept")

type outcome struct {
	unit  *unit.SystemUnit
	state *state.State
	err   error
}

// schedule drives the stager until every unit ran, nothing more can be
// scheduled or ctx is cancelled.
func (e *Engine) schedule(ctx context.Context, units []*unit.SystemUnit, base unit.Input, shared *state.State, parallelism int, logger *slog.Logger) *RunError {
	stager := stage.New(units)
	report := &RunError{}
	applied := 0

	defer func() {
		e.metrics.UnitsHandled(metrics.Applied, applied)
		e.metrics.UnitsHandled(metrics.Failed, len(report.Failures))
		e.metrics.UnitsHandled(metrics.Unscheduled, len(report.Unscheduled))
	}()

	settle := func(o outcome) {
		shared.Extend(o.state)
		if o.err != nil {
			logger.Error("unit failed", "unit", o.unit.String(), "error", o.err)
			report.Failures = append(report.Failures, UnitFailure{Unit: o.unit, Err: o.err})
			return
		}
		applied++
		stager.Mark(o.unit)
	}

	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "error", err)
			report.Cancelled = err
			report.Unscheduled = stager.Unstaged()
			return report
		}

		st, err := stager.Stage()
		if err != nil {
			logger.Error("could not schedule all units", "error", err)
			report.Unscheduled = stager.Unstaged()
			for _, u := range report.Unscheduled {
				logger.Debug("unscheduled unit", "unit", u.String())
			}
			return report
		}
		if st == nil {
			return report
		}

		logger.Debug("running stage",
			"stage", i,
			"units", len(st.Units),
			"thread_local", st.ThreadLocal)

		if e.opts.DryRun {
			for _, u := range st.Units {
				logger.Info("would apply unit", "stage", i, "unit", u.String())
				stager.Mark(u)
			}
			continue
		}

		start := time.Now()

		if st.ThreadLocal {
			for _, u := range st.Units {
				settle(e.apply(ctx, u, base, shared))
			}
		} else {
			outcomes := make([]outcome, len(st.Units))

			var g errgroup.Group
			g.SetLimit(parallelism)
			for j, u := range st.Units {
				g.Go(func() error {
					outcomes[j] = e.apply(ctx, u, base, shared)
					return nil
				})
			}
			_ = g.Wait()

			for _, o := range outcomes {
				settle(o)
			}
		}

		e.metrics.StageApplied(st.ThreadLocal, time.Since(start))
	}
}

// apply runs a single unit against its own empty state
func (e *Engine) apply(ctx context.Context, u *unit.SystemUnit, base unit.Input, shared *state.State) (o outcome) {
	local := state.New(shared.Refresh(), base.Now)
	o = outcome{unit: u, state: local}

	in := base
	in.ReadState = shared
	in.State = local
	in.Logger = base.Logger.With("unit", u.ID)

	defer func() {
		if r := recover(); r != nil {
			o.err = fmt.Errorf("%w: %v", ErrUnitPanicked, r)
		}
	}()

	o.err = u.Apply(ctx, &in)
	return o
}

func (e *Engine) parallelism(cfg *config.Config) int {
	switch {
	case e.opts.Parallelism > 0:
		return e.opts.Parallelism
	case cfg.Parallelism > 0:
		return cfg.Parallelism
	default:
		return runtime.NumCPU()
	}
}

// loadState reads the state file, offering to remove it when it is invalid
func (e *Engine) loadState(ctx context.Context, path string, logger *slog.Logger) (*state.DiskState, error) {
	disk, err := state.LoadDisk(path)
	if err == nil {
		return disk, nil
	}

	logger.Error("invalid state file", "path", path, "error", err)

	remove, perr := e.prompter.Confirm(ctx, "Remove it?", true)
	if perr != nil {
		return nil, perr
	}
	if !remove {
		return nil, errStateKept
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove state file: %w", err)
	}
	return &state.DiskState{}, nil
}

// saveState persists the state when anything changed
func (e *Engine) saveState(st *state.State, path string) error {
	disk, dirty := st.Serialize()
	if !dirty {
		return nil
	}
	if err := disk.Save(path); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (e *Engine) recordRun(cfg *config.Config, success bool, logger *slog.Logger) {
	e.metrics.RunFinished(e.now(), success)

	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := e.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics", "error", err)
	}
}
