// Package metrics exposes an optional Prometheus endpoint reporting
// case, job, and transfer counters for a running orchestration.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry holds every metric this package exposes, namespaced under
// cfxctl.
type Registry struct {
	reg *prometheus.Registry

	CasesTotal      prometheus.Counter
	CasesFailed     prometheus.Counter
	JobsSubmitted   *prometheus.CounterVec
	JobStateGauge   *prometheus.GaugeVec
	TransferRetries prometheus.Counter
	StepDuration    *prometheus.HistogramVec
}

// New constructs a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		CasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfxctl",
			Subsystem: "casegen",
			Name:      "cases_total",
			Help:      "Total pressure-sweep cases generated.",
		}),
		CasesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfxctl",
			Subsystem: "casegen",
			Name:      "cases_failed_total",
			Help:      "Cases that failed .def generation.",
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfxctl",
			Subsystem: "jobmon",
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted, labeled by scheduler dialect.",
		}, []string{"scheduler"}),
		JobStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cfxctl",
			Subsystem: "jobmon",
			Name:      "jobs_in_state",
			Help:      "Number of monitored jobs currently in each normalized state.",
		}, []string{"state"}),
		TransferRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfxctl",
			Subsystem: "transport",
			Name:      "transfer_retries_total",
			Help:      "Transport operations that required at least one retry.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cfxctl",
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Wall time spent in each orchestrator step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}

	reg.MustRegister(
		m.CasesTotal,
		m.CasesFailed,
		m.JobsSubmitted,
		m.JobStateGauge,
		m.TransferRetries,
		m.StepDuration,
	)
	return m
}

// ObserveStep records a step's duration against StepDuration.
func (m *Registry) ObserveStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Serve starts an HTTP server exposing /metrics on addr until ctx is
// cancelled.
func (m *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logrus.WithField("addr", addr).Info("metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
