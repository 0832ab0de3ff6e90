// Package telemetry exposes Prometheus metrics and a liveness endpoint for
// the manager process, the way the pack's service repositories wire
// github.com/prometheus/client_golang behind a small HTTP server.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the manager updates as it processes
// sensor traffic and drives the fan-out engine.
type Metrics struct {
	EventsReceived   *prometheus.CounterVec // by tag
	EventsDelivered  *prometheus.CounterVec // by sink
	SinksInFailover  *prometheus.GaugeVec   // by sink, 1 or 0
	SpoolDepth       *prometheus.GaugeVec   // by sink
	SpoolDeleted     *prometheus.CounterVec // by sink
	SessionsActive   prometheus.Gauge
	AuthFailures     prometheus.Counter
}

// NewMetrics registers every metric against reg and returns the handle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prelude_manager_events_received_total",
			Help: "Wire records received from sensors, by tag.",
		}, []string{"tag"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prelude_manager_events_delivered_total",
			Help: "Normalized events delivered live to a sink.",
		}, []string{"sink"}),
		SinksInFailover: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prelude_manager_sink_failover",
			Help: "1 if the sink is currently in failover mode, 0 if live.",
		}, []string{"sink"}),
		SpoolDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prelude_manager_spool_depth",
			Help: "Number of events currently queued in a sink's failover spool.",
		}, []string{"sink"}),
		SpoolDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prelude_manager_spool_deleted_total",
			Help: "Events discarded from a sink's spool by quota eviction.",
		}, []string{"sink"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prelude_manager_sessions_active",
			Help: "Currently registered client sessions (any state).",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prelude_manager_auth_failures_total",
			Help: "Handshakes that failed or were rejected.",
		}),
	}
}

// Server exposes /metrics and /healthz.
type Server struct {
	http *http.Server
}

// NewServer builds a Server bound to addr. reg is the registry /metrics
// scrapes; ready reports whether the manager considers itself healthy.
func NewServer(addr string, reg *prometheus.Registry, ready func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{http: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start runs the server in the background; errors after a successful
// start are not reported here (caller's net.Listener would be a better
// hook if that mattered, but the built-in ListenAndServe is what the
// pack's services use for this).
func (s *Server) Start() {
	go func() {
		_ = s.http.ListenAndServe()
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
