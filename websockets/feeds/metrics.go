package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "liveupdate_feeds",
	Help: "The number of threads with subscribed viewers on this instance",
})

var clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "liveupdate_clients",
	Help: "The number of viewers subscribed to thread feeds on this instance",
})

var busMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liveupdate_bus_messages_total",
	Help: "The number of messages sent and received through the message bus",
}, []string{"direction"})
