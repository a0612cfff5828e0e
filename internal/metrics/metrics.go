// Package metrics exposes the nanny's Prometheus surface: timer heap
// depth, fd table occupancy, per-child state gauges, restart counters,
// and log byte throughput. Structured after the teacher's
// internal/metrics (package-level collectors, idempotent Register, a
// promhttp.Handler for wiring into any mux), generalized from the
// teacher's per-process-name labels to the nanny's per-instance labels.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	childStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanny",
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful child spawns.",
		}, []string{"instance"},
	)
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanny",
			Subsystem: "child",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a child exited.",
		}, []string{"instance"},
	)
	childState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nanny",
			Subsystem: "child",
			Name:      "state",
			Help:      "Current FSM state of a child (1 = active state, 0 = inactive).",
		}, []string{"instance", "state"},
	)
	restartDelaySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nanny",
			Subsystem: "child",
			Name:      "restart_delay_seconds",
			Help:      "Current exponential backoff delay before the next restart attempt.",
		}, []string{"instance"},
	)
	healthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanny",
			Subsystem: "health",
			Name:      "failures_total",
			Help:      "Total health check failures observed.",
		}, []string{"instance"},
	)
	timerHeapDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nanny",
			Subsystem: "evloop",
			Name:      "timer_heap_depth",
			Help:      "Number of pending timers in the event loop's heap.",
		},
	)
	fdTableOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nanny",
			Subsystem: "evloop",
			Name:      "fd_table_occupancy",
			Help:      "Number of file descriptors currently registered with the readiness loop.",
		},
	)
	logBytesPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nanny",
			Subsystem: "logbuf",
			Name:      "bytes_per_second",
			Help:      "Observed write rate into a child's log ring buffer.",
		}, []string{"instance", "stream"},
	)
)

// Register registers all collectors with r. Safe to call more than
// once; later calls after a success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		childStarts, childRestarts, childState, restartDelaySeconds,
		healthFailuresTotal, timerHeapDepth, fdTableOccupancy, logBytesPerSecond,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer's metrics; the caller wires the
// route into its own mux (the nanny mounts it next to
// internal/boundary/httpapi).
func Handler() http.Handler { return promhttp.Handler() }

func IncChildStart(instance string) {
	if regOK.Load() {
		childStarts.WithLabelValues(instance).Inc()
	}
}

func IncChildRestart(instance string) {
	if regOK.Load() {
		childRestarts.WithLabelValues(instance).Inc()
	}
}

func SetChildState(instance, state string, active bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	childState.WithLabelValues(instance, state).Set(v)
}

func SetRestartDelay(instance string, seconds int) {
	if regOK.Load() {
		restartDelaySeconds.WithLabelValues(instance).Set(float64(seconds))
	}
}

func IncHealthFailure(instance string) {
	if regOK.Load() {
		healthFailuresTotal.WithLabelValues(instance).Inc()
	}
}

func SetTimerHeapDepth(n int) {
	if regOK.Load() {
		timerHeapDepth.Set(float64(n))
	}
}

func SetFDTableOccupancy(n int) {
	if regOK.Load() {
		fdTableOccupancy.Set(float64(n))
	}
}

func SetLogBytesPerSecond(instance, stream string, bps float64) {
	if regOK.Load() {
		logBytesPerSecond.WithLabelValues(instance, stream).Set(bps)
	}
}
