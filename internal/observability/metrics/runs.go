package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300}

type collector struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	live     prometheus.Gauge
	rejected prometheus.Counter
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentide_runs_total",
			Help: "Total number of finished agent runs.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentide_run_duration_seconds",
			Help:    "Agent run duration in seconds.",
			Buckets: defaultBuckets,
		}, []string{"status"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentide_live_runs",
			Help: "Number of execution units currently registered.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentide_runs_rejected_total",
			Help: "Execute calls refused because the agent was already running.",
		}),
	}
	c.registry.MustRegister(
		c.runs, c.duration, c.live, c.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

var runCollector = newCollector()

// ObserveRun records a finished run with its terminal status.
func ObserveRun(status string, elapsed time.Duration) {
	runCollector.runs.WithLabelValues(status).Inc()
	runCollector.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// SetLiveRuns records the number of currently registered execution units.
func SetLiveRuns(n int) {
	runCollector.live.Set(float64(n))
}

// ObserveRejected counts execute calls refused because the agent was live.
func ObserveRejected() {
	runCollector.rejected.Inc()
}

// Handler exposes the run metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(runCollector.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
