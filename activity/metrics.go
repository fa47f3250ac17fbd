package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liveupdate_activity_runs_total",
	Help: "The number of activity aggregation runs by result",
}, []string{"result"})

var skippedChunks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "liveupdate_activity_chunks_skipped_total",
	Help: "The number of thread chunks skipped due to counting failures",
})

var runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "liveupdate_activity_run_duration_seconds",
	Help:    "The duration of activity aggregation runs",
	Buckets: prometheus.DefBuckets,
})
