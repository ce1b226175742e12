// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScanDuration records the wall time of each scan run by outcome.
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealwatch_scan_duration_seconds",
			Help:    "Duration of scan runs.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// ListingsScanned counts listings evaluated by the scanner.
	ListingsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealwatch_listings_scanned_total",
			Help: "Total number of listings evaluated against rules.",
		},
	)

	// Matches counts emitted match events.
	Matches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealwatch_matches_total",
			Help: "Total number of rule matches emitted.",
		},
	)

	// Decisions counts policy decisions by kind.
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealwatch_policy_decisions_total",
			Help: "Policy engine decisions by kind.",
		},
		[]string{"decision"},
	)

	// Deliveries counts finished deliveries by channel and final status.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealwatch_deliveries_total",
			Help: "Finished channel deliveries by channel and status.",
		},
		[]string{"channel", "status"},
	)

	// SendDuration records provider call latency by channel.
	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealwatch_send_duration_seconds",
			Help:    "Duration of channel provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// DigestsFlushed counts digests by outcome.
	DigestsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealwatch_digests_total",
			Help: "Digest flushes by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		ScanDuration, ListingsScanned, Matches, Decisions, Deliveries, SendDuration, DigestsFlushed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Since is a small helper for observing durations.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
