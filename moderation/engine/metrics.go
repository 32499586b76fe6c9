package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("engine")

var opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "mediaguard_engine_op_duration_sec",
	Help: "Duration of moderation engine operations",
}, []string{"op"})

var opErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_engine_op_errors",
	Help: "Number of moderation engine operations which failed",
}, []string{"op"})

var submissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_submissions",
	Help: "Number of submissions processed, by outcome",
}, []string{"outcome"})

var violationCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediaguard_violations",
	Help: "Number of violations recorded",
})

var blockCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediaguard_blocks",
	Help: "Number of accounts which became blocked",
})

var purgedPostCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediaguard_purged_posts",
	Help: "Number of posts purged by administrative unblocks",
})

var ledgerDegradedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_ledger_degraded",
	Help: "Number of operations which continued after a failed ledger mirror",
}, []string{"op"})

var divergenceCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediaguard_ledger_divergence",
	Help: "Number of users flagged for ledger/local block status divergence",
})
