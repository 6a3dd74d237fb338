package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type governanceMetrics struct {
	votes    *prometheus.CounterVec
	removals *prometheus.CounterVec
}

var (
	governanceMetricsOnce sync.Once
	governanceRegistry    *governanceMetrics
)

// Governance returns the metrics registry tracking votes and removal decisions.
func Governance() *governanceMetrics {
	governanceMetricsOnce.Do(func() {
		governanceRegistry = &governanceMetrics{
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "governance",
				Name:      "votes_total",
				Help:      "Votes recorded segmented by proposal category.",
			}, []string{"category"}),
			removals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "governance",
				Name:      "removals_total",
				Help:      "Flagged targets marked removed segmented by proposal category.",
			}, []string{"category"}),
		}
		prometheus.MustRegister(governanceRegistry.votes, governanceRegistry.removals)
	})
	return governanceRegistry
}

// RecordVote increments the vote counter for the category.
func (m *governanceMetrics) RecordVote(category string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(normalizeLabel(category)).Inc()
}

// RecordRemoval increments the removal counter for the category.
func (m *governanceMetrics) RecordRemoval(category string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(normalizeLabel(category)).Inc()
}

func normalizeLabel(v string) string {
	normalized := strings.TrimSpace(strings.ToUpper(v))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
