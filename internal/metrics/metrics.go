// Package metrics exposes the gateway's Prometheus counters/gauges: session
// lifecycle, message delivery outcomes, and PX-1 gossip traffic. Grounded on
// the teacher's prometheus/client_golang usage pattern (a package-level
// registry plus a promhttp.Handler mounted next to the control plane), kept
// as a direct dependency rather than dropped since the gateway is exactly
// the kind of long-running daemon the teacher instruments this way.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clawgate_sessions_opened_total",
		Help: "SNaP2P sessions successfully authenticated, by direction.",
	}, []string{"direction"})

	SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_sessions_closed_total",
		Help: "SNaP2P sessions that ended.",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_messages_sent_total",
		Help: "Outbound chat messages successfully delivered over a session.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_messages_delivered_total",
		Help: "Inbound chat messages accepted into an identity's inbox.",
	})

	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clawgate_messages_rejected_total",
		Help: "Inbound chat messages rejected by the router, by reason.",
	}, []string{"reason"})

	DeliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_delivery_retries_total",
		Help: "Outbound delivery attempts that failed and were backed off.",
	})

	PxPushesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_px_pushes_sent_total",
		Help: "PX-1 peer-record pushes sent to live sessions.",
	})

	PxRecordsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_px_records_merged_total",
		Help: "PX-1 peer records merged into a peer book from gossip.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsOpened,
		SessionsClosed,
		MessagesSent,
		MessagesDelivered,
		MessagesRejected,
		DeliveryRetries,
		PxPushesSent,
		PxRecordsMerged,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
