// Package trigger re-runs converges in response to outside events: GitHub
// webhooks and changes below the configuration root.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner performs one converge run.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Coalescer runs a Runner with single-flight semantics. If a run is already
// in progress, at most one additional run is queued; further requests are
// folded into it.
type Coalescer struct {
	runner  Runner
	logger  *slog.Logger
	mu      sync.Mutex // guards running and pending
	running bool
	pending bool
}

// NewCoalescer wraps runner.
func NewCoalescer(runner Runner, logger *slog.Logger) *Coalescer {
	return &Coalescer{runner: runner, logger: logger}
}

// Run executes the runner, or queues a re-run when one is in progress.
func (c *Coalescer) Run(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.mu.Unlock()
		c.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	c.running = true
	c.mu.Unlock()

	for {
		if err := c.runner.Run(ctx); err != nil {
			c.logger.Error("run failed", "error", err)
		}

		// Release the running slot unless another run was requested in the
		// meantime, in which case service exactly that one.
		c.mu.Lock()
		if !c.pending || ctx.Err() != nil {
			c.running = false
			c.pending = false
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.mu.Unlock()

		c.logger.Info("re-running due to pending request")
	}
}

// debouncer delays a callback until no trigger arrived for delay
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
