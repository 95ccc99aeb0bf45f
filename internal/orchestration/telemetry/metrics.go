package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// per-million-token prices, USD. Approximate; good enough for cost trending
// dashboards, not for billing.
var modelPricing = map[string][2]float64{
	"gpt-4":           {30.0, 60.0},
	"gpt-4o":          {5.0, 15.0},
	"gpt-3.5-turbo":   {0.5, 1.5},
	"claude-3-opus":   {15.0, 75.0},
	"claude-3-sonnet": {3.0, 15.0},
	"claude-3-haiku":  {0.25, 1.25},
}

const defaultInputPricePerM = 2.0
const defaultOutputPricePerM = 6.0

// EstimateCost approximates a call's USD cost from its token counts, falling
// back to a generic mid-tier price when model isn't in modelPricing (the
// LLM transport's actual per-call accounting lives in model.UsageCounters; this
// is for the cost-trend gauge only).
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	inPrice, outPrice := defaultInputPricePerM, defaultOutputPricePerM
	for name, prices := range modelPricing {
		if strings.Contains(strings.ToLower(model), name) {
			inPrice, outPrice = prices[0], prices[1]
			break
		}
	}
	return float64(inputTokens)/1_000_000*inPrice + float64(outputTokens)/1_000_000*outPrice
}

// MetricsCollector exports Prometheus counters/histograms/gauges for LLM
// calls, tool executions, and active-session gauges — the run-level
// equivalents of the per-turn accounting model.UsageCounters already does
// in-process. A disabled collector is a harmless no-op so call sites never
// need to branch on whether metrics are on.
type MetricsCollector struct {
	enabled bool
	server  *http.Server
	reg     *prometheus.Registry

	llmRequests   *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	llmTokens     *prometheus.CounterVec
	llmCost       prometheus.Counter
	toolRequests  *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	activeSessions prometheus.Gauge
}

// NewMetricsCollector builds the collector and, when enabled with a nonzero
// PrometheusPort, starts a background /metrics HTTP server on it.
func NewMetricsCollector(cfg MetricsConfig) (*MetricsCollector, error) {
	mc := &MetricsCollector{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return mc, nil
	}

	mc.reg = prometheus.NewRegistry()
	mc.llmRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestration_llm_requests_total",
		Help: "LLM transport calls by model and outcome.",
	}, []string{"model", "status"})
	mc.llmDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestration_llm_request_duration_seconds",
		Help:    "LLM transport call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})
	mc.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestration_llm_tokens_total",
		Help: "Tokens consumed by LLM calls, by model and direction.",
	}, []string{"model", "direction"})
	mc.llmCost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestration_llm_cost_usd_total",
		Help: "Estimated cumulative USD cost of LLM calls.",
	})
	mc.toolRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestration_tool_executions_total",
		Help: "Tool calls by tool name and outcome.",
	}, []string{"tool", "status"})
	mc.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestration_tool_execution_duration_seconds",
		Help:    "Tool call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool", "status"})
	mc.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestration_active_sessions",
		Help: "Runs currently active.",
	})
	mc.reg.MustRegister(mc.llmRequests, mc.llmDuration, mc.llmTokens, mc.llmCost,
		mc.toolRequests, mc.toolDuration, mc.activeSessions)

	if cfg.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(mc.reg, promhttp.HandlerOpts{}))
		mc.server = &http.Server{Addr: fmt.Sprintf(":%d", cfg.PrometheusPort), Handler: mux}
		go func() { _ = mc.server.ListenAndServe() }()
	}
	return mc, nil
}

// RecordLLMRequest records one completed LLM transport call. The LLM
// Transport Adapter does not call it; no package in this module does.
func (mc *MetricsCollector) RecordLLMRequest(ctx context.Context, model, status string, duration time.Duration, inputTokens, outputTokens int, costUSD float64) {
	if !mc.enabled {
		return
	}
	mc.llmRequests.WithLabelValues(model, status).Inc()
	mc.llmDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	mc.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	mc.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	mc.llmCost.Add(costUSD)
}

// RecordToolExecution records one tool call's outcome and latency. The Tool
// Registry does not call it; no package in this module does.
func (mc *MetricsCollector) RecordToolExecution(ctx context.Context, tool, status string, duration time.Duration) {
	if !mc.enabled {
		return
	}
	mc.toolRequests.WithLabelValues(tool, status).Inc()
	mc.toolDuration.WithLabelValues(tool, status).Observe(duration.Seconds())
}

// IncrementActiveSessions and DecrementActiveSessions track concurrently
// running runs. The Run Orchestrator does not call them; no package in this
// module does.
func (mc *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if !mc.enabled {
		return
	}
	mc.activeSessions.Inc()
}

func (mc *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if !mc.enabled {
		return
	}
	mc.activeSessions.Dec()
}

// Shutdown stops the background /metrics server, if one was started.
func (mc *MetricsCollector) Shutdown(ctx context.Context) error {
	if mc.server == nil {
		return nil
	}
	return mc.server.Shutdown(ctx)
}
