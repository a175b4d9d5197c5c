// Package metrics exposes broker counters as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds all Prometheus metrics for one broker node.
type Collector struct {
	EventsIngested       prometheus.Counter
	EventsMatched        prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationsDropped prometheus.Counter
	DecodeErrors         prometheus.Counter
	DuplicatesDropped    prometheus.Counter

	ActiveSubscriptions prometheus.Gauge
	PeersUp             prometheus.Gauge
	PeersDown           prometheus.Gauge
	IngressUtilization  prometheus.Gauge

	MatchLatency prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates and registers all broker metrics.
func NewCollector() *Collector {
	c := &Collector{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_events_ingested_total",
			Help: "Total number of events accepted on publisher ingress",
		}),
		EventsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_events_matched_total",
			Help: "Total number of events that produced at least one notification",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_notifications_sent_total",
			Help: "Total number of notifications enqueued for delivery",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_notifications_dropped_overflow_total",
			Help: "Total number of notifications dropped by egress queue overflow",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_decode_errors_total",
			Help: "Total number of frames discarded because decoding failed",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartpulse_duplicates_dropped_total",
			Help: "Total number of messages dropped by duplicate suppression",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartpulse_active_subscriptions",
			Help: "Current number of registered subscriptions",
		}),
		PeersUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartpulse_peers_up",
			Help: "Current number of peer brokers in the UP state",
		}),
		PeersDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartpulse_peers_down",
			Help: "Current number of peer brokers in the DOWN state",
		}),
		IngressUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartpulse_ingress_queue_utilization_ratio",
			Help: "Current ingress queue utilization (0.0 to 1.0)",
		}),
		MatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cartpulse_match_latency_seconds",
			Help:    "Time spent matching one event against all subscriptions",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.EventsIngested,
		c.EventsMatched,
		c.NotificationsSent,
		c.NotificationsDropped,
		c.DecodeErrors,
		c.DuplicatesDropped,
		c.ActiveSubscriptions,
		c.PeersUp,
		c.PeersDown,
		c.IngressUtilization,
		c.MatchLatency,
	)
	return c
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server exposes the collector over HTTP.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics HTTP server with /metrics and /health.
func NewServer(addr string, collector *Collector, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop closes the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}
