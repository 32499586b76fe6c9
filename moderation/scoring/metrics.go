package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scoring")

var analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "mediaguard_analysis_duration_sec",
	Help: "Duration of media analysis, by media kind",
}, []string{"kind"})

const VerdictMetricName = "mediaguard_verdicts"

// exported so admin endpoints can read it back
var VerdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: VerdictMetricName,
	Help: "Number of verdicts produced, by vulgarity label and assessment",
}, []string{"category", "assessed"})

var frameFailureCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediaguard_frame_failures",
	Help: "Number of video frames which failed to score",
})
