// Package stats exposes the ambient rebalance metrics, grounded on the
// teacher's stats/xaction_stats.go tx/rx-rebalance counters but backed by
// github.com/prometheus/client_golang instead of a hand-rolled stats runner.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import "github.com/prometheus/client_golang/prometheus"

// Counters mirrors stats.ExtRebalanceStats (TxRebCount/RxRebCount/TxRebSize/
// RxRebSize) as Prometheus counters/gauges for the state-consumer side.
type Counters struct {
	SegmentsFetched  prometheus.Counter
	EntriesApplied   prometheus.Counter
	BytesApplied     prometheus.Counter
	TransfersFailed  prometheus.Counter
	TransfersRetried prometheus.Counter
	RebalancesActive prometheus.Gauge
}

// NewCounters registers a fresh Counters set against reg. Callers typically
// pass prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		SegmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer", Name: "segments_fetched_total",
			Help: "Number of segments whose entries were applied locally.",
		}),
		EntriesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer", Name: "entries_applied_total",
			Help: "Number of entries applied from remote state chunks.",
		}),
		BytesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer", Name: "bytes_applied_total",
			Help: "Bytes applied from remote state chunks.",
		}),
		TransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer", Name: "transfers_failed_total",
			Help: "Number of inbound transfer tasks that failed or timed out.",
		}),
		TransfersRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer", Name: "transfers_retried_total",
			Help: "Number of inbound transfer tasks retried against a new source.",
		}),
		RebalancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rebalancer", Name: "rebalances_active",
			Help: "1 while rebalance_in_progress is true, else 0.",
		}),
	}
	reg.MustRegister(c.SegmentsFetched, c.EntriesApplied, c.BytesApplied, c.TransfersFailed, c.TransfersRetried, c.RebalancesActive)
	return c
}
