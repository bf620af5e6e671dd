// Package metrics records step outcomes of an installation run in a private
// Prometheus registry and can dump them as a node_exporter textfile.
package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nebulalinux/nebula-installer/internal/orchestrator"
)

const namespace = "nebula_installer"

// Recorder is an orchestrator.Notifier.
type Recorder struct {
	reg *prometheus.Registry

	steps     *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rollbacks *prometheus.CounterVec
	outcome   *prometheus.GaugeVec
}

func New(version string) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished step attempts by result",
		}, []string{"step", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries of failed retryable steps",
		}, []string{"step"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of each step attempt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"step"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback actions by result",
		}, []string{"step", "result"}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "Final state of the run, 1 for the state reached",
		}, []string{"state"}),
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	})
	build.Set(1)
	r.reg.MustRegister(r.steps, r.retries, r.duration, r.rollbacks, r.outcome, build)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) StepChanged(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventSucceeded, orchestrator.EventFailed:
		r.steps.WithLabelValues(ev.Step, string(ev.Kind)).Inc()
		r.duration.WithLabelValues(ev.Step).Observe(ev.Duration.Seconds())
	case orchestrator.EventSkipped:
		r.steps.WithLabelValues(ev.Step, string(ev.Kind)).Inc()
	case orchestrator.EventRetrying:
		r.retries.WithLabelValues(ev.Step).Inc()
	case orchestrator.EventRolledBack:
		r.rollbacks.WithLabelValues(ev.Step, "ok").Inc()
	case orchestrator.EventRollbackFailed:
		r.rollbacks.WithLabelValues(ev.Step, "error").Inc()
	}
}

// Finish records the final run state.
func (r *Recorder) Finish(out orchestrator.Outcome) {
	r.outcome.Reset()
	r.outcome.WithLabelValues(out.State.String()).Set(1)
}

// WriteTextfile writes the registry to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
