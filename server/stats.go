// Logic related to Prometheus metrics: live session count, registrations,
// routed messages, presence broadcasts and fanout failures.
// Every hub has its own registry exposed at the configured path.

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const statsNamespace = "relay"

// Message routes.
const (
	routeLocal   = "local"
	routeFanout  = "fanout"
	routeOffline = "offline"
	routeFailed  = "failed"
	routeRemote  = "remote"
)

type relayStats struct {
	registry *prometheus.Registry

	sessionsLive       prometheus.Gauge
	registrations      *prometheus.CounterVec
	messages           *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
	presenceEvictions  prometheus.Counter
	frames             *prometheus.CounterVec
	fanoutErrors       *prometheus.CounterVec
	historyErrors      prometheus.Counter
}

func newStats() *relayStats {
	st := &relayStats{
		registry: prometheus.NewRegistry(),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: statsNamespace,
			Name:      "sessions_live",
			Help:      "Number of currently registered sessions.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "messages_total",
			Help:      "Routed messages by route.",
		}, []string{"route"}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "presence_broadcasts_total",
			Help:      "Presence snapshots distributed to all sessions.",
		}),
		presenceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "presence_evictions_total",
			Help:      "Sessions dropped because a presence snapshot could not be sent to them.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "frames_total",
			Help:      "WebSocket frames by direction.",
		}, []string{"direction"}),
		fanoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "fanout_errors_total",
			Help:      "Failed broker operations.",
		}, []string{"op"}),
		historyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "history_errors_total",
			Help:      "Failed history store operations.",
		}),
	}

	st.registry.MustRegister(
		st.sessionsLive,
		st.registrations,
		st.messages,
		st.presenceBroadcasts,
		st.presenceEvictions,
		st.frames,
		st.fanoutErrors,
		st.historyErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(statsNamespace),
	)

	return st
}

// handler serves the registry in Prometheus exposition format.
func (st *relayStats) handler() http.Handler {
	return promhttp.InstrumentMetricHandler(st.registry,
		promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
}

func (st *relayStats) registration(result string) {
	st.registrations.WithLabelValues(result).Inc()
}

func (st *relayStats) message(route string) {
	st.messages.WithLabelValues(route).Inc()
}

func (st *relayStats) frame(direction string) {
	st.frames.WithLabelValues(direction).Inc()
}

func (st *relayStats) fanoutError(op string) {
	st.fanoutErrors.WithLabelValues(op).Inc()
}
