// Package metrics exposes Prometheus collectors for the orchestrator.
// A nil *Metrics is valid and records nothing, which keeps component tests
// free of registry setup.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	invocations      *prometheus.CounterVec
	invocationTime   *prometheus.HistogramVec
	toolCalls        *prometheus.CounterVec
	toolCallTime     *prometheus.HistogramVec
	backpressure     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	emailsProcessed  *prometheus.CounterVec
	conflictsSettled *prometheus.CounterVec
	assignments      *prometheus.CounterVec
	healthScore      *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_events_published_total",
			Help: "Events accepted by the bus",
		}, []string{"event_type", "result"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_invocations_total",
			Help: "Agent invocations by terminal outcome",
		}, []string{"agent_id", "outcome", "autonomy_level"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanpilot_invocation_duration_seconds",
			Help:    "Wall time from created to terminal",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent_id"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_tool_calls_total",
			Help: "Tool calls by status",
		}, []string{"tool", "status"}),
		toolCallTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanpilot_tool_call_duration_seconds",
			Help:    "Tool call latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_backpressure_rejections_total",
			Help: "Publishes rejected because an agent queue was full",
		}, []string{"agent_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loanpilot_agent_queue_depth",
			Help: "Queued plus running invocations per agent",
		}, []string{"agent_id"}),
		emailsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_emails_processed_total",
			Help: "Emails processed by sync status",
		}, []string{"sync_status", "profile_type"}),
		conflictsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_conflicts_resolved_total",
			Help: "Data conflicts resolved by decision",
		}, []string{"decision"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_experiment_assignments_total",
			Help: "New experiment assignments",
		}, []string{"experiment_id", "variant_id"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loanpilot_health_score",
			Help: "Most recently computed health score",
		}, []string{"agent_id"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanpilot_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanpilot_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished, m.invocations, m.invocationTime,
		m.toolCalls, m.toolCallTime, m.backpressure, m.queueDepth,
		m.emailsProcessed, m.conflictsSettled, m.assignments,
		m.healthScore, m.httpRequests, m.httpLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EventPublished(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) InvocationFinished(agentID, outcome, autonomy string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(agentID, outcome, autonomy).Inc()
	m.invocationTime.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolCallTime.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Backpressure(agentID string) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(agentID).Inc()
}

func (m *Metrics) QueueDepth(agentID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

func (m *Metrics) EmailProcessed(status, profileType string) {
	if m == nil {
		return
	}
	m.emailsProcessed.WithLabelValues(status, profileType).Inc()
}

func (m *Metrics) ConflictResolved(decision string) {
	if m == nil {
		return
	}
	m.conflictsSettled.WithLabelValues(decision).Inc()
}

func (m *Metrics) Assignment(experimentID, variantID string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(experimentID, variantID).Inc()
}

func (m *Metrics) HealthScore(agentID string, score float64) {
	if m == nil {
		return
	}
	if agentID == "" {
		agentID = "all"
	}
	m.healthScore.WithLabelValues(agentID).Set(score)
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
