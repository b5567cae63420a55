// Package metrics exposes Prometheus collectors for the game server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the server.
type Registry struct {
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge
	MatchesActive     prometheus.Gauge

	MessagesIn       prometheus.Counter
	MessagesOut      prometheus.Counter
	ErrorsSent       *prometheus.CounterVec
	MatchesStarted   prometheus.Counter
	MatchesFinished  *prometheus.CounterVec
	TimeoutsDetected prometheus.Counter
	SendOverflows    prometheus.Counter
}

// NewRegistry creates the Prometheus collectors on the default registry,
// which is what the /metrics endpoint serves.
func NewRegistry() *Registry {
	return With(prometheus.DefaultRegisterer)
}

// With creates the collectors on an arbitrary registerer. Tests use this to
// build isolated registries.
func With(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xiangqi_connections_active",
			Help: "Number of open TCP client connections",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xiangqi_sessions_active",
			Help: "Number of live authenticated sessions",
		}),
		MatchesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xiangqi_matches_active",
			Help: "Number of matches currently in progress",
		}),
		MessagesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "xiangqi_messages_in_total",
			Help: "Total requests parsed from clients",
		}),
		MessagesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "xiangqi_messages_out_total",
			Help: "Total responses and notifications written to clients",
		}),
		ErrorsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xiangqi_errors_sent_total",
			Help: "Total error responses sent, by error code",
		}, []string{"code"}),
		MatchesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "xiangqi_matches_started_total",
			Help: "Total matches created",
		}),
		MatchesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xiangqi_matches_finished_total",
			Help: "Total matches finished, by end reason",
		}, []string{"reason"}),
		TimeoutsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "xiangqi_clock_timeouts_total",
			Help: "Total matches ended by the clock sweep or an in-move timeout",
		}),
		SendOverflows: f.NewCounter(prometheus.CounterOpts{
			Name: "xiangqi_send_overflows_total",
			Help: "Total connections closed because their send queue filled",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
