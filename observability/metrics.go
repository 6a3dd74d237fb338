package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	marketdMetricsOnce sync.Once
	marketdRegistry    *MarketdMetrics

	opsMetricsOnce sync.Once
	opsRegistry    *opsMetrics
)

// MarketdMetrics captures ingestion and dispatch activity of the message pipeline.
type MarketdMetrics struct {
	pollCycles        *prometheus.CounterVec
	fetched           prometheus.Counter
	persisted         prometheus.Counter
	duplicates        prometheus.Counter
	transportRemovals *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	dispatchLatency   *prometheus.HistogramVec
	pending           prometheus.Gauge
}

// Marketd returns the lazily-initialised metrics registry for marketd.
func Marketd() *MarketdMetrics {
	marketdMetricsOnce.Do(func() {
		marketdRegistry = &MarketdMetrics{
			pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "inbox",
				Name:      "poll_cycles_total",
				Help:      "Inbox poll cycles segmented by outcome.",
			}, []string{"outcome"}),
			fetched: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "inbox",
				Name:      "fetched_total",
				Help:      "Transport messages taken into a poll batch.",
			}),
			persisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "inbox",
				Name:      "persisted_total",
				Help:      "Envelopes newly written to the database.",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "inbox",
				Name:      "duplicates_total",
				Help:      "Transport messages that were already stored.",
			}),
			transportRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "inbox",
				Name:      "transport_removals_total",
				Help:      "Transport deletions after persistence segmented by outcome.",
			}, []string{"outcome"}),
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "dispatch",
				Name:      "envelopes_total",
				Help:      "Dispatched envelopes segmented by action and resulting status.",
			}, []string{"action", "status"}),
			dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketd",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Latency distribution for processing a single envelope.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "marketd",
				Subsystem: "dispatch",
				Name:      "pending_envelopes",
				Help:      "Envelopes loaded by the last dispatch pass.",
			}),
		}
		prometheus.MustRegister(
			marketdRegistry.pollCycles,
			marketdRegistry.fetched,
			marketdRegistry.persisted,
			marketdRegistry.duplicates,
			marketdRegistry.transportRemovals,
			marketdRegistry.dispatched,
			marketdRegistry.dispatchLatency,
			marketdRegistry.pending,
		)
	})
	return marketdRegistry
}

// RecordPoll records a finished poll cycle and its counters.
func (m *MarketdMetrics) RecordPoll(fetched, persisted, duplicates int, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.pollCycles.WithLabelValues(outcome).Inc()
	m.fetched.Add(float64(fetched))
	m.persisted.Add(float64(persisted))
	m.duplicates.Add(float64(duplicates))
}

// RecordRemoval records one transport deletion attempt.
func (m *MarketdMetrics) RecordRemoval(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.transportRemovals.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records the status an envelope was left in.
func (m *MarketdMetrics) ObserveDispatch(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		action = "unknown"
	}
	m.dispatched.WithLabelValues(action, status).Inc()
	m.dispatchLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// SetPending records the size of the last dispatch pass.
func (m *MarketdMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

type opsMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Ops returns the metrics registry for the operator HTTP surface.
func Ops() *opsMetrics {
	opsMetricsOnce.Do(func() {
		opsRegistry = &opsMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "ops",
				Name:      "requests_total",
				Help:      "Operator API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketd",
				Subsystem: "ops",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for operator API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(opsRegistry.requests, opsRegistry.latency)
	})
	return opsRegistry
}

// Observe records the outcome of an operator request.
func (m *opsMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
