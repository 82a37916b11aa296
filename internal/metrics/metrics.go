// Package metrics provides Prometheus instrumentation for the consensus engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one cluster.
//
// Every Record/Update method is safe to call on a nil *Metrics, so roles can be
// built without instrumentation.
type Metrics struct {
	// Client-facing metrics
	Submitted     prometheus.Counter
	Resolved      prometheus.Counter
	Resubmitted   prometheus.Counter
	SubmitLatency prometheus.Histogram
	QueueDepth    prometheus.Gauge
	InFlight      prometheus.Gauge

	// Protocol metrics
	Learned       prometheus.Counter
	RoundFailures prometheus.Counter
	Timeouts      prometheus.Counter
	GiveUps       prometheus.Counter
	Recoveries    *prometheus.CounterVec
	Takeovers     prometheus.Counter

	// Transport metrics
	MessagesSent    prometheus.Counter
	MessagesDropped *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered with reg under namespace.
// A nil reg leaves the metrics unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_submitted_total",
			Help:      "Total number of values submitted to proposer runners",
		}),
		Resolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_resolved_total",
			Help:      "Total number of submitted values learned as submitted",
		}),
		Resubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_resubmitted_total",
			Help:      "Total number of values re-queued under a fresh instance",
		}),
		SubmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_seconds",
			Help:      "Time from submit to the value being learned",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_queue_depth",
			Help:      "Values waiting for a proposal attempt",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_inflight_proposers",
			Help:      "Proposal attempts currently in flight",
		}),

		Learned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_learned_total",
			Help:      "Total number of instances learned, counted per learner",
		}),
		RoundFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_failures_total",
			Help:      "Proposer rounds abandoned after seeing a higher round",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposer_timeouts_total",
			Help:      "Proposer phases that timed out and were resent",
		}),
		GiveUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposer_giveups_total",
			Help:      "Proposal attempts abandoned after too many timeouts",
		}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collision_recoveries_total",
			Help:      "Fast-round recoveries by pick outcome",
		}, []string{"outcome"}),
		Takeovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_takeovers_total",
			Help:      "Stalled instances re-driven by the coordinator",
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by the transport by reason",
		}, []string{"reason"}),
	}
}

// RecordSubmit records a value entering a runner queue.
func (m *Metrics) RecordSubmit() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
}

// RecordResolved records a value learned as submitted.
func (m *Metrics) RecordResolved(latency time.Duration) {
	if m == nil {
		return
	}
	m.Resolved.Inc()
	m.SubmitLatency.Observe(latency.Seconds())
}

// RecordResubmit records a value re-queued after a failed attempt.
func (m *Metrics) RecordResubmit() {
	if m == nil {
		return
	}
	m.Resubmitted.Inc()
}

// UpdateRunner updates the runner gauges.
func (m *Metrics) UpdateRunner(queued, inflight int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(queued))
	m.InFlight.Set(float64(inflight))
}

// RecordLearned records one learner learning one instance.
func (m *Metrics) RecordLearned() {
	if m == nil {
		return
	}
	m.Learned.Inc()
}

// RecordRoundFailure records a proposer moving to a higher round.
func (m *Metrics) RecordRoundFailure() {
	if m == nil {
		return
	}
	m.RoundFailures.Inc()
}

// RecordTimeout records a proposer resending after a timeout.
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

// RecordGiveUp records a proposer abandoning its instance.
func (m *Metrics) RecordGiveUp() {
	if m == nil {
		return
	}
	m.GiveUps.Inc()
}

// RecordRecovery records a collision recovery decision.
func (m *Metrics) RecordRecovery(outcome string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(outcome).Inc()
}

// RecordTakeover records the coordinator starting a recovery round.
func (m *Metrics) RecordTakeover() {
	if m == nil {
		return
	}
	m.Takeovers.Inc()
}

// RecordSent records a message handed to the transport.
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// RecordDropped records a message the transport did not deliver.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// Server runs an HTTP server exposing the /metrics endpoint.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr serving metrics from g.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop closes the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
