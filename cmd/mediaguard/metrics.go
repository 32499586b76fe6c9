package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconcileRunCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_reconcile_runs",
	Help: "Number of scheduled ledger reconciliation passes, by result",
}, []string{"result"})

var reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "mediaguard_reconcile_duration_sec",
	Help:    "Duration of scheduled ledger reconciliation passes",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
})
