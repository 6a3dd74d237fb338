package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TradeMetrics tracks bid chain transitions applied by the action processors.
type TradeMetrics struct {
	transitions *prometheus.CounterVec
	replays     *prometheus.CounterVec
	orders      *prometheus.GaugeVec
}

var (
	tradeOnce     sync.Once
	tradeRegistry *TradeMetrics
)

func Trade() *TradeMetrics {
	tradeOnce.Do(func() {
		tradeRegistry = &TradeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "marketd_trade_transitions_total",
				Help: "Count of bid chain transitions applied by bid type.",
			}, []string{"type"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "marketd_trade_replays_total",
				Help: "Count of replayed transitions that were already applied, by bid type.",
			}, []string{"type"}),
			orders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "marketd_trade_orders_status",
				Help: "Orders moved into each status since start.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			tradeRegistry.transitions,
			tradeRegistry.replays,
			tradeRegistry.orders,
		)
	})
	return tradeRegistry
}

func (m *TradeMetrics) RecordTransition(bidType, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(bidType).Inc()
	if status != "" {
		m.orders.WithLabelValues(status).Inc()
	}
}

func (m *TradeMetrics) RecordReplay(bidType string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(bidType).Inc()
}
