package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// createTestMetrics creates a Metrics instance for testing with a custom
// registry to avoid conflicts with the global registry across tests.
func createTestMetrics(namespace string) (*Metrics, *prometheus.Registry) {
	if namespace == "" {
		namespace = "test"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "h"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "h"},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "http_requests_in_flight", Help: "h"},
		),
		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "auctions_total", Help: "h"},
			[]string{"outcome"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "auction_duration_seconds", Help: "h"},
			[]string{"outcome"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "bids_received_total", Help: "h"},
			[]string{"agent_id", "tier"},
		),
		BidScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "bid_score", Help: "h"},
			[]string{"tier"},
		),
		CandidatesNotified: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "auction_candidates_notified", Help: "h"},
			[]string{},
		),
		AuctionsHalted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "auctions_halted_total", Help: "h"},
			[]string{"reason"},
		),
		TasksAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_assigned_total", Help: "h"},
			[]string{"agent_id", "execution_mode"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "task_execution_duration_seconds", Help: "h"},
			[]string{"outcome"},
		),
		TaskCascades: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "task_cascades_total", Help: "h"},
			[]string{"reason"},
		),
		TaskTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "task_timeouts_total", Help: "h"},
			[]string{"phase"},
		),
		TasksDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_dead_lettered_total", Help: "h"},
		),
		TasksRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_requeued_total", Help: "h"},
		),
		AgentConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "agent_connections", Help: "h"},
		),
		AgentFlagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "agent_flagged_total", Help: "h"},
			[]string{"agent_id"},
		),
		AgentAccuracy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "agent_accuracy", Help: "h"},
			[]string{"agent_id"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "h"},
			[]string{"priority"},
		),
		RateLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "h"},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "auth_failures_total", Help: "h"},
		),
	}

	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
		m.AuctionsTotal, m.AuctionDuration, m.BidsReceived, m.BidScore,
		m.CandidatesNotified, m.AuctionsHalted,
		m.TasksAssigned, m.TaskDuration, m.TaskCascades, m.TaskTimeouts,
		m.TasksDeadLettered, m.TasksRequeued,
		m.AgentConnections, m.AgentFlagged, m.AgentAccuracy,
		m.QueueDepth, m.RateLimitRejected, m.AuthFailures,
	)

	return m, registry
}

func TestRecordAuction(t *testing.T) {
	m, reg := createTestMetrics("test")
	m.RecordAuction("assigned", 120*time.Millisecond, 4)

	if got := testutil.ToFloat64(m.AuctionsTotal.WithLabelValues("assigned")); got != 1 {
		t.Fatalf("expected 1 auction recorded, got %f", got)
	}
	count, err := gatherHistogramCount(reg, "test_auction_duration_seconds")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 auction duration observation, got %d err=%v", count, err)
	}
}

func TestRecordAuctionHalted(t *testing.T) {
	m, _ := createTestMetrics("test")
	m.RecordAuctionHalted("no_candidates")
	if got := testutil.ToFloat64(m.AuctionsHalted.WithLabelValues("no_candidates")); got != 1 {
		t.Fatalf("expected 1 halted auction, got %f", got)
	}
}

func TestRecordBid(t *testing.T) {
	m, _ := createTestMetrics("test")
	m.RecordBid("agent-a", "builtin", 0.83)
	if got := testutil.ToFloat64(m.BidsReceived.WithLabelValues("agent-a", "builtin")); got != 1 {
		t.Fatalf("expected 1 bid recorded, got %f", got)
	}
}

func TestRecordAssignmentAndOutcome(t *testing.T) {
	m, _ := createTestMetrics("test")
	m.RecordAssignment("agent-a", "single")
	m.RecordTaskOutcome("settled", 2*time.Second)
	m.RecordCascade("ack_timeout")
	m.RecordTimeout("execution")
	m.RecordDeadLetter()
	m.RecordRequeue()

	if got := testutil.ToFloat64(m.TasksAssigned.WithLabelValues("agent-a", "single")); got != 1 {
		t.Fatalf("expected 1 assignment, got %f", got)
	}
	if got := testutil.ToFloat64(m.TaskCascades.WithLabelValues("ack_timeout")); got != 1 {
		t.Fatalf("expected 1 cascade, got %f", got)
	}
	if got := testutil.ToFloat64(m.TaskTimeouts.WithLabelValues("execution")); got != 1 {
		t.Fatalf("expected 1 timeout, got %f", got)
	}
	if got := testutil.ToFloat64(m.TasksDeadLettered); got != 1 {
		t.Fatalf("expected 1 dead letter, got %f", got)
	}
	if got := testutil.ToFloat64(m.TasksRequeued); got != 1 {
		t.Fatalf("expected 1 requeue, got %f", got)
	}
}

func TestAgentGauges(t *testing.T) {
	m, _ := createTestMetrics("test")
	m.SetAgentConnections(3)
	m.RecordAgentFlagged("agent-a")
	m.SetAgentAccuracy("agent-a", 0.72)
	m.SetQueueDepth("high", 5)

	if got := testutil.ToFloat64(m.AgentConnections); got != 3 {
		t.Fatalf("expected 3 connections, got %f", got)
	}
	if got := testutil.ToFloat64(m.AgentFlagged.WithLabelValues("agent-a")); got != 1 {
		t.Fatalf("expected 1 flag, got %f", got)
	}
	if got := testutil.ToFloat64(m.AgentAccuracy.WithLabelValues("agent-a")); got != 0.72 {
		t.Fatalf("expected accuracy 0.72, got %f", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("high")); got != 5 {
		t.Fatalf("expected queue depth 5, got %f", got)
	}
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	m, _ := createTestMetrics("test")
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status passed through, got %d", rec.Code)
	}
	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/tasks", "418"))
	if got != 1 {
		t.Fatalf("expected 1 request recorded, got %f", got)
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	NewMetrics("handlertest")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collector output in response")
	}
}

func gatherHistogramCount(reg *prometheus.Registry, name string) (uint64, error) {
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total uint64
		for _, metric := range fam.GetMetric() {
			total += metric.GetHistogram().GetSampleCount()
		}
		return total, nil
	}
	return 0, nil
}
