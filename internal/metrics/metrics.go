// Package metrics holds the Prometheus collectors shared by the realtime hub,
// the match engine, the message ledger and the rate governor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SessionsOpen   prometheus.Gauge
	RoomJoins      prometheus.Counter
	Broadcasts     prometheus.Counter
	DroppedSends   prometheus.Counter
	Verifications  *prometheus.CounterVec // label: result
	Swipes         *prometheus.CounterVec // label: action
	MatchesCreated prometheus.Counter
	MessagesPosted *prometheus.CounterVec // label: mode
	RateLimited    *prometheus.CounterVec // label: bucket
}

// New creates the collectors and registers them with reg. A nil reg yields
// unregistered collectors, which is what tests and optional components use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swipepay",
			Subsystem: "realtime",
			Name:      "sessions_open",
			Help:      "Number of authenticated realtime sessions.",
		}),
		RoomJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "realtime",
			Name:      "room_joins_total",
			Help:      "Successful room joins.",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to rooms.",
		}),
		DroppedSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "realtime",
			Name:      "dropped_sends_total",
			Help:      "Events dropped because a session buffer was full.",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "ledger",
			Name:      "verifications_total",
			Help:      "Payment verifications by result.",
		}, []string{"result"}),
		Swipes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "match",
			Name:      "swipes_total",
			Help:      "Recorded swipes by action.",
		}, []string{"action"}),
		MatchesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "match",
			Name:      "matches_created_total",
			Help:      "Matches created from mutual likes.",
		}),
		MessagesPosted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "chat",
			Name:      "messages_posted_total",
			Help:      "Accepted messages by payment mode.",
		}, []string{"mode"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swipepay",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate governor.",
		}, []string{"bucket"}),
	}
}

// OrNew returns m, or a fresh unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
