// Package metrics records converge run metrics and writes them in the
// node-exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostcfg"

// Recorder holds the metrics of one process. Each Recorder owns its registry
// so separate runs in tests never share collectors.
type Recorder struct {
	registry *prometheus.Registry

	units         *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	systems       prometheus.Counter
	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "total",
			Help:      "Units handled by the scheduler, by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Time spent applying one stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"kind"}),
		systems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "systems",
			Name:      "failed_total",
			Help:      "Systems that failed to expand into units.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last converge run finished.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last converge run succeeded, 0 otherwise.",
		}),
	}

	r.registry.MustRegister(r.units, r.stageDuration, r.systems, r.lastRun, r.lastSuccess)
	return r
}

// Outcome labels for UnitsHandled.
const (
	Applied     = "applied"
	Failed      = "failed"
	Unscheduled = "unscheduled"
)

// UnitsHandled adds n units with the given outcome.
func (r *Recorder) UnitsHandled(outcome string, n int) {
	if n <= 0 {
		return
	}
	r.units.WithLabelValues(outcome).Add(float64(n))
}

// StageApplied observes the duration of a stage.
func (r *Recorder) StageApplied(threadLocal bool, d time.Duration) {
	kind := "parallel"
	if threadLocal {
		kind = "thread_local"
	}
	r.stageDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SystemsFailed adds n failed systems.
func (r *Recorder) SystemsFailed(n int) {
	if n > 0 {
		r.systems.Add(float64(n))
	}
}

// RunFinished records the end of a run.
func (r *Recorder) RunFinished(at time.Time, success bool) {
	r.lastRun.Set(float64(at.Unix()))
	if success {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// Gatherer exposes the registry, e.g. for an HTTP handler.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics to path. The file is replaced atomically
// so a collector never reads a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
