// Package metrics holds the Prometheus collectors for the indexer and the
// settlement paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BlocksScanned     prometheus.Counter
	EventsIngested    *prometheus.CounterVec
	EventsSkipped     *prometheus.CounterVec
	Cursor            *prometheus.GaugeVec
	EscrowOps         *prometheus.CounterVec
	VerificationScore prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldproof_indexer_blocks_scanned_total",
			Help: "Blocks covered by indexer log queries",
		}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldproof_indexer_events_ingested_total",
			Help: "Settlement contract events applied to local state",
		}, []string{"event"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldproof_indexer_events_skipped_total",
			Help: "Logs not applied, by reason",
		}, []string{"reason"}),
		Cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldproof_indexer_cursor_block",
			Help: "Last fully processed block per chain",
		}, []string{"chain_id"}),
		EscrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldproof_escrow_operations_total",
			Help: "Escrow provider calls by outcome",
		}, []string{"provider", "op", "result"}),
		VerificationScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldproof_verification_score",
			Help:    "Verification score of finalised submissions",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BlocksScanned, m.EventsIngested, m.EventsSkipped, m.Cursor, m.EscrowOps, m.VerificationScore)
	}
	return m
}

// Result maps an error to the result label used by EscrowOps.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
