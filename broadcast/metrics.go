package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liveupdate_broadcasts_total",
	Help: "The number of messages published to thread feeds",
}, []string{"type"})

var dropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "liveupdate_broadcast_dropped_total",
	Help: "The number of messages dropped due to a full queue",
})

var failures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "liveupdate_broadcast_failures_total",
	Help: "The number of messages that failed to encode or publish",
})
