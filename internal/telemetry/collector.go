package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isqad/livelook-roulette/internal/core"
)

// StatsSource is polled on every scrape. It is an observation interface only.
type StatsSource interface {
	Stats() core.Stats
}

// StatsCollector exports the presence counters of the matchmaking core
type StatsCollector struct {
	source StatsSource

	waiting   *prometheus.Desc
	sessions  *prometheus.Desc
	connected *prometheus.Desc
}

func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{
		source: source,
		waiting: prometheus.NewDesc(
			prometheus.BuildFQName(rouletteNamespace, "pool", "waiting"),
			"Clients waiting for a partner",
			[]string{"kind", "lane"}, nil,
		),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(rouletteNamespace, "session", "active"),
			"Live sessions",
			nil, nil,
		),
		connected: prometheus.NewDesc(
			prometheus.BuildFQName(rouletteNamespace, "client", "connected"),
			"Connected clients",
			nil, nil,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.waiting
	ch <- c.sessions
	ch <- c.connected
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	for _, kind := range stats.Kinds {
		for lane, n := range kind.Lanes {
			ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(n), string(kind.Kind), strconv.Itoa(lane))
		}
	}
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(stats.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, float64(stats.ConnectedClients))
}
