package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ledger")

var ledgerAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "mediaguard_ledger_api_duration_sec",
	Help: "Duration of ledger gateway API calls",
}, []string{"op"})

var ledgerAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_ledger_api_count",
	Help: "Number of ledger gateway API calls, by status code",
}, []string{"op", "status"})

var ledgerBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mediaguard_ledger_breaker_state",
	Help: "Ledger circuit breaker state (0=closed, 1=half-open, 2=open)",
})

var mirrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_ledger_mirror_count",
	Help: "Number of ledger mirror operations, by result",
}, []string{"op", "result"})

var statusCacheCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_ledger_status_cache",
	Help: "Ledger status lookups, by cache result",
}, []string{"result"})
