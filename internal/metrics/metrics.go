// Package metrics exposes Prometheus collectors for reconciliation passes,
// per-event handler outcomes and queue opening.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qm"

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	reg prometheus.Registerer

	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	handled      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	opened       prometheus.Counter
	openFailures *prometheus.CounterVec
	renewals     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg means the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{reg: reg}

	r.passes = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by outcome (completed, failed).",
		},
		[]string{"outcome"},
	)).(*prometheus.CounterVec)

	r.passDuration = registerOrExisting(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one reconciliation pass.",
		},
		nil,
	)).(*prometheus.HistogramVec)

	r.handled = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Per-event handler results by operation and result.",
		},
		[]string{"op", "result"},
	)).(*prometheus.CounterVec)

	r.failures = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "failures_total",
			Help:      "Per-event handler failures by operation and failure kind.",
		},
		[]string{"op", "kind"},
	)).(*prometheus.CounterVec)

	r.opened = registerOrExisting(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opener",
			Name:      "opened_total",
			Help:      "Queues opened.",
		},
	)).(prometheus.Counter)

	r.openFailures = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opener",
			Name:      "failures_total",
			Help:      "Queue open failures by failure kind.",
		},
		[]string{"kind"},
	)).(*prometheus.CounterVec)

	r.renewals = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "renewals_total",
			Help:      "Push channel renewals by result.",
		},
		[]string{"result"},
	)).(*prometheus.CounterVec)

	return r
}

func registerOrExisting(reg prometheus.Registerer, coll prometheus.Collector) prometheus.Collector {
	if err := reg.Register(coll); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return coll
}

// PassFinished records a reconciliation pass. failed means the pass could not
// diff at all; per-event failures do not fail a pass.
func (r *Recorder) PassFinished(d time.Duration, failed bool) {
	if r == nil {
		return
	}
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	r.passes.WithLabelValues(outcome).Inc()
	r.passDuration.WithLabelValues().Observe(d.Seconds())
}

// EventHandled records one handler result, e.g. ("new", "created").
func (r *Recorder) EventHandled(op, result string) {
	if r == nil {
		return
	}
	r.handled.WithLabelValues(op, result).Inc()
}

// EventFailed records a per-event handler failure.
func (r *Recorder) EventFailed(op, kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(op, kind).Inc()
}

// QueueOpened records a queue made visible.
func (r *Recorder) QueueOpened() {
	if r == nil {
		return
	}
	r.opened.Inc()
}

// OpenFailed records a failed open attempt.
func (r *Recorder) OpenFailed(kind string) {
	if r == nil {
		return
	}
	r.openFailures.WithLabelValues(kind).Inc()
}

// ChannelRenewed records a push channel renewal attempt.
func (r *Recorder) ChannelRenewed(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.renewals.WithLabelValues(result).Inc()
}

// Handler serves the collectors of reg, or of the default gatherer when reg is
// not a Gatherer.
func (r *Recorder) Handler() http.Handler {
	if r != nil {
		if g, ok := r.reg.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

// InstrumentHandler wraps handler with request count and latency collectors
// labelled by route name.
func InstrumentHandler(name string, handler http.Handler) http.Handler {
	reg := prometheus.DefaultRegisterer

	reqCnt := registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests made.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		[]string{"method", "code"},
	)).(*prometheus.CounterVec)

	reqDur := registerOrExisting(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "The HTTP request latencies in seconds.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		nil,
	)).(*prometheus.HistogramVec)

	return promhttp.InstrumentHandlerDuration(reqDur,
		promhttp.InstrumentHandlerCounter(reqCnt, handler))
}
