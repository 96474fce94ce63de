// Package metrics provides Prometheus metrics for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auction metrics
	AuctionsTotal      *prometheus.CounterVec
	AuctionDuration    *prometheus.HistogramVec
	BidsReceived       *prometheus.CounterVec
	BidScore           *prometheus.HistogramVec
	CandidatesNotified *prometheus.HistogramVec
	AuctionsHalted     *prometheus.CounterVec

	// Execution metrics
	TasksAssigned     *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	TaskCascades      *prometheus.CounterVec
	TaskTimeouts      *prometheus.CounterVec
	TasksDeadLettered prometheus.Counter
	TasksRequeued     prometheus.Counter

	// Agent/reputation metrics
	AgentConnections prometheus.Gauge
	AgentFlagged     *prometheus.CounterVec
	AgentAccuracy    *prometheus.GaugeVec

	// System metrics
	QueueDepth        *prometheus.GaugeVec
	RateLimitRejected prometheus.Counter
	AuthFailures      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "exchange"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of auctions by outcome",
			},
			[]string{"outcome"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_duration_seconds",
				Help:      "Auction duration from open to close, in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 12},
			},
			[]string{"outcome"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_received_total",
				Help:      "Total number of bids received",
			},
			[]string{"agent_id", "tier"},
		),
		BidScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_score",
				Help:      "Computed bid score distribution",
				Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
			},
			[]string{"tier"},
		),
		CandidatesNotified: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_candidates_notified",
				Help:      "Number of candidate agents notified per auction",
				Buckets:   []float64{1, 2, 3, 5, 7, 10, 15, 20},
			},
			[]string{},
		),
		AuctionsHalted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_halted_total",
				Help:      "Total auctions halted for lack of candidates or bids",
			},
			[]string{"reason"},
		),

		TasksAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_assigned_total",
				Help:      "Total tasks assigned to an agent",
			},
			[]string{"agent_id", "execution_mode"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_execution_duration_seconds",
				Help:      "Task execution duration from assignment to settlement, in seconds",
				Buckets:   []float64{.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		TaskCascades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_cascades_total",
				Help:      "Total cascade transfers to a backup agent",
			},
			[]string{"reason"},
		),
		TaskTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_timeouts_total",
				Help:      "Total lease deadline timeouts",
			},
			[]string{"phase"},
		),
		TasksDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dead_lettered_total",
				Help:      "Total tasks routed to the error agent after cascade exhaustion",
			},
		),
		TasksRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_requeued_total",
				Help:      "Total tasks re-enqueued for a fresh auction attempt",
			},
		),

		AgentConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_connections",
				Help:      "Number of currently connected agents",
			},
		),
		AgentFlagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_flagged_total",
				Help:      "Total times an agent was sticky-flagged",
			},
			[]string{"agent_id"},
		),
		AgentAccuracy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_accuracy",
				Help:      "Current EMA accuracy per agent",
			},
			[]string{"agent_id"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of tasks queued by priority",
			},
			[]string{"priority"},
		),
		RateLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Total requests rejected due to rate limiting",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total authentication failures",
			},
		),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuctionsTotal,
		m.AuctionDuration,
		m.BidsReceived,
		m.BidScore,
		m.CandidatesNotified,
		m.AuctionsHalted,
		m.TasksAssigned,
		m.TaskDuration,
		m.TaskCascades,
		m.TaskTimeouts,
		m.TasksDeadLettered,
		m.TasksRequeued,
		m.AgentConnections,
		m.AgentFlagged,
		m.AgentAccuracy,
		m.QueueDepth,
		m.RateLimitRejected,
		m.AuthFailures,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAuction records one auction's outcome, duration and candidate count.
func (m *Metrics) RecordAuction(outcome string, duration time.Duration, candidates int) {
	m.AuctionsTotal.WithLabelValues(outcome).Inc()
	m.AuctionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.CandidatesNotified.WithLabelValues().Observe(float64(candidates))
}

// RecordAuctionHalted records an auction halted for lack of candidates or bids.
func (m *Metrics) RecordAuctionHalted(reason string) {
	m.AuctionsHalted.WithLabelValues(reason).Inc()
}

// RecordBid records a bid received from an agent.
func (m *Metrics) RecordBid(agentID, tier string, score float64) {
	m.BidsReceived.WithLabelValues(agentID, tier).Inc()
	m.BidScore.WithLabelValues(tier).Observe(score)
}

// RecordAssignment records a task assignment.
func (m *Metrics) RecordAssignment(agentID, executionMode string) {
	m.TasksAssigned.WithLabelValues(agentID, executionMode).Inc()
}

// RecordTaskOutcome records the terminal duration and outcome of one
// execution attempt chain.
func (m *Metrics) RecordTaskOutcome(outcome string, duration time.Duration) {
	m.TaskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCascade records a cascade transfer to a backup agent.
func (m *Metrics) RecordCascade(reason string) {
	m.TaskCascades.WithLabelValues(reason).Inc()
}

// RecordTimeout records a lease deadline timeout at the given phase
// ("ack" or "execution").
func (m *Metrics) RecordTimeout(phase string) {
	m.TaskTimeouts.WithLabelValues(phase).Inc()
}

// RecordDeadLetter records a task routed to the error agent.
func (m *Metrics) RecordDeadLetter() {
	m.TasksDeadLettered.Inc()
}

// RecordRequeue records a task re-enqueued for a fresh auction attempt.
func (m *Metrics) RecordRequeue() {
	m.TasksRequeued.Inc()
}

// SetAgentConnections sets the current connected-agent gauge.
func (m *Metrics) SetAgentConnections(n int) {
	m.AgentConnections.Set(float64(n))
}

// RecordAgentFlagged records a sticky-flag trip for an agent.
func (m *Metrics) RecordAgentFlagged(agentID string) {
	m.AgentFlagged.WithLabelValues(agentID).Inc()
}

// SetAgentAccuracy sets the current EMA accuracy gauge for an agent.
func (m *Metrics) SetAgentAccuracy(agentID string, accuracy float64) {
	m.AgentAccuracy.WithLabelValues(agentID).Set(accuracy)
}

// SetQueueDepth sets the queued-task gauge for a priority bucket.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}
