package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var embedAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "mediaguard_embedding_api_duration_sec",
	Help: "Duration of embedding service API calls",
}, []string{"kind"})

var embedAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaguard_embedding_api_count",
	Help: "Number of embedding service API calls, by kind and HTTP status code",
}, []string{"kind", "status"})
