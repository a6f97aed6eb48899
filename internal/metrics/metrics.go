// Package metrics exposes the router's observability surface as
// Prometheus collectors: per-target routing counters, session-command
// counts, reroutes, and backend connect outcomes.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this router exposes.
type Collector struct {
	Registry *prometheus.Registry

	queriesRoutedTotal   *prometheus.CounterVec
	sessionCommandsTotal prometheus.Counter
	rerouteTotal         *prometheus.CounterVec
	replicaCountGauge    prometheus.Gauge
	statementDuration    *prometheus.HistogramVec
	sessionsActive       prometheus.Gauge
	sessionPinsTotal     *prometheus.CounterVec
	backendConnectTotal  *prometheus.CounterVec
	sescmdDivergence     *prometheus.CounterVec
	primaryFailoverTotal prometheus.Counter

	// Shadow counters backing the JSON counters document. Prometheus
	// counters cannot be read back cheaply, so the few the admin API
	// serves as JSON are double-counted here with atomics.
	toPrimary      atomic.Uint64
	toReplicas     atomic.Uint64
	toAll          atomic.Uint64
	sescmdCount    atomic.Uint64
	rerouteCount   atomic.Uint64
	replicaSum     atomic.Uint64
	replicaSamples atomic.Uint64
}

// Counters is the JSON counters document served by the admin API.
type Counters struct {
	QueriesToPrimary    uint64  `json:"queries_to_primary"`
	QueriesToReplicas   uint64  `json:"queries_to_replicas"`
	QueriesToAll        uint64  `json:"queries_to_all"`
	SessionCommands     uint64  `json:"session_commands"`
	AverageReplicaCount float64 `json:"average_replica_count"`
	Reroutes            uint64  `json:"reroutes"`
}

// New creates and registers every metric against a fresh registry —
// one independent registry per call, safe for tests and config reload.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		queriesRoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_queries_routed_total",
				Help: "Statements routed, by target class (master, slave, all, named_server)",
			},
			[]string{"target"},
		),
		sessionCommandsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rwsplit_session_commands_total",
				Help: "Session commands appended to session command logs",
			},
		),
		rerouteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_reroute_total",
				Help: "Statements re-routed after a backend failure or fallback",
			},
			[]string{"reason"},
		),
		replicaCountGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rwsplit_replica_count",
				Help: "Number of replicas currently eligible for read routing",
			},
		),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwsplit_statement_duration_seconds",
				Help:    "Time from writing a statement to a backend to its final reply",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rwsplit_sessions_active",
				Help: "Router sessions currently open",
			},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_session_pins_total",
				Help: "Sessions pinned to a single backend, by reason",
			},
			[]string{"reason"},
		),
		backendConnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_backend_connect_total",
				Help: "Backend connection attempts, by server and outcome",
			},
			[]string{"server", "outcome"},
		),
		sescmdDivergence: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_sescmd_divergence_total",
				Help: "Session commands whose reply diverged across backends",
			},
			[]string{"server"},
		),
		primaryFailoverTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rwsplit_primary_failover_total",
				Help: "Primary replacement events observed by sessions",
			},
		),
	}

	reg.MustRegister(
		c.queriesRoutedTotal,
		c.sessionCommandsTotal,
		c.rerouteTotal,
		c.replicaCountGauge,
		c.statementDuration,
		c.sessionsActive,
		c.sessionPinsTotal,
		c.backendConnectTotal,
		c.sescmdDivergence,
		c.primaryFailoverTotal,
	)

	return c
}

// QueryRouted records one statement routed to the given target class.
func (c *Collector) QueryRouted(target string) {
	c.queriesRoutedTotal.WithLabelValues(target).Inc()
	switch target {
	case "master":
		c.toPrimary.Add(1)
	case "all":
		c.toAll.Add(1)
	default:
		c.toReplicas.Add(1)
	}
}

// SessionCommandAppended records one session command entering a log.
func (c *Collector) SessionCommandAppended() {
	c.sessionCommandsTotal.Inc()
	c.sescmdCount.Add(1)
}

// Rerouted records a statement re-routed after a failure or fallback,
// tagged with why (e.g. "primary_down", "fetch_unknown_id").
func (c *Collector) Rerouted(reason string) {
	c.rerouteTotal.WithLabelValues(reason).Inc()
	c.rerouteCount.Add(1)
}

// SetReplicaCount publishes the current count of read-eligible
// replicas, refreshed whenever the topology snapshot changes.
func (c *Collector) SetReplicaCount(n int) {
	c.replicaCountGauge.Set(float64(n))
	c.replicaSum.Add(uint64(n))
	c.replicaSamples.Add(1)
}

// Counters snapshots the JSON counters document.
func (c *Collector) Counters() Counters {
	out := Counters{
		QueriesToPrimary:  c.toPrimary.Load(),
		QueriesToReplicas: c.toReplicas.Load(),
		QueriesToAll:      c.toAll.Load(),
		SessionCommands:   c.sescmdCount.Load(),
		Reroutes:          c.rerouteCount.Load(),
	}
	if samples := c.replicaSamples.Load(); samples > 0 {
		out.AverageReplicaCount = float64(c.replicaSum.Load()) / float64(samples)
	}
	return out
}

// StatementDuration observes the time from write to final reply for
// one statement routed to target.
func (c *Collector) StatementDuration(target string, d time.Duration) {
	c.statementDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SessionOpened/SessionClosed track the active session gauge.
func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }
func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// SessionPinned records a session pin event, by reason (e.g.
// "prepared_statement", "read_only_transaction").
func (c *Collector) SessionPinned(reason string) {
	c.sessionPinsTotal.WithLabelValues(reason).Inc()
}

// BackendConnect records a connection attempt to server, outcome in
// {"success","failure"}.
func (c *Collector) BackendConnect(server, outcome string) {
	c.backendConnectTotal.WithLabelValues(server, outcome).Inc()
}

// SescmdDivergence records a session command whose replayed reply
// diverged from the first backend to answer it.
func (c *Collector) SescmdDivergence(server string) {
	c.sescmdDivergence.WithLabelValues(server).Inc()
}

// PrimaryFailover records one primary-replacement event.
func (c *Collector) PrimaryFailover() {
	c.primaryFailoverTotal.Inc()
}
