package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewave",
		Subsystem: "listener",
		Name:      "messages_total",
		Help:      "Waiver events received.",
	})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewave",
		Subsystem: "listener",
		Name:      "messages_dropped_total",
		Help:      "Waiver events skipped as malformed or unprocessable.",
	})
	updatesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewave",
		Subsystem: "listener",
		Name:      "decision_updates_published_total",
		Help:      "Decision update messages published.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewave",
		Subsystem: "listener",
		Name:      "decision_update_failures_total",
		Help:      "Decision update messages that failed to publish.",
	})
)
