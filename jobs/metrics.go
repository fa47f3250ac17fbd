package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liveupdate_job_runs_total",
	Help: "The number of periodic job runs by job and result",
}, []string{"job", "result"})
