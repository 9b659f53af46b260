package retrieval

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upstreamResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gatewave",
	Subsystem: "retrieval",
	Name:      "upstream_responses_total",
	Help:      "Upstream service responses by service and status code. Synthetic gateway responses count against the upstream.",
}, []string{"service", "code"})

var stickyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gatewave",
	Subsystem: "retrieval",
	Name:      "sticky_cache_hits_total",
	Help:      "Passing test results served from the sticky cache instead of the result store.",
})

func observeUpstream(service string, resp *Response) {
	upstreamResponsesTotal.WithLabelValues(service, strconv.Itoa(resp.StatusCode)).Inc()
}
