package scraper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liveupdate_scraper_jobs_total",
	Help: "The number of processed embed scraping jobs by result",
}, []string{"result"})

// Job results
const (
	resultEmbedded  = "embedded"
	resultNoEmbeds  = "no_embeds"
	resultMalformed = "malformed"
	resultNotFound  = "not_found"
	resultTimeout   = "timeout"
	resultError     = "error"
)
