// Package metrics exposes daemon counters over Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aufhsm"

// Collectors groups the daemon's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	registry *prometheus.Registry

	Notifications  prometheus.Counter
	Breaches       *prometheus.CounterVec
	WorkersSpawned *prometheus.CounterVec
	WorkerFailures *prometheus.CounterVec
	Reloads        *prometheus.CounterVec
	InProgress     prometheus.Gauge
	PassDuration   prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collectors{
		registry: reg,
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Branch pressure notifications received",
		}),
		Breaches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_total",
			Help:      "Watermark breaches detected per branch",
		}, []string{"brid"}),
		WorkersSpawned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Migration workers started per branch",
		}, []string{"brid"}),
		WorkerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Migration workers that exited unsuccessfully",
		}, []string{"brid"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Watermark table reloads by trigger",
		}, []string{"trigger"}), // message/udev/config/resize
		InProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_in_progress",
			Help:      "Migration workers currently running",
		}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of migration passes",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}
}

func label(brid int) string {
	return strconv.Itoa(brid)
}

// Notified counts one pressure notification.
func (c *Collectors) Notified() {
	if c == nil {
		return
	}
	c.Notifications.Inc()
}

// Breached counts a watermark breach on brid.
func (c *Collectors) Breached(brid int) {
	if c == nil {
		return
	}
	c.Breaches.WithLabelValues(label(brid)).Inc()
}

// WorkerStarted records a worker spawn.
func (c *Collectors) WorkerStarted(brid int) {
	if c == nil {
		return
	}
	c.WorkersSpawned.WithLabelValues(label(brid)).Inc()
	c.InProgress.Inc()
}

// WorkerExited records a worker exit and its run time.
func (c *Collectors) WorkerExited(brid int, elapsed time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.InProgress.Dec()
	c.PassDuration.Observe(elapsed.Seconds())
	if failed {
		c.WorkerFailures.WithLabelValues(label(brid)).Inc()
	}
}

// Reloaded counts a table reload caused by trigger.
func (c *Collectors) Reloaded(trigger string) {
	if c == nil {
		return
	}
	c.Reloads.WithLabelValues(trigger).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
