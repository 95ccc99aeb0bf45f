package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.PrometheusPort)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "jaeger", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestLoadConfigNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigPartialFileMergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
observability:
  logging:
    level: warn
  metrics:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format) // default carried forward
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.PrometheusPort) // default carried forward
}

func TestLoadConfigInvalidYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: ["), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")

	cfg := Config{
		Logging: LoggingConfig{Level: "debug", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, PrometheusPort: 8080},
		Tracing: TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 0.5, ServiceName: "orchestration-test"},
	}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Logging.Level, loaded.Logging.Level)
	assert.Equal(t, cfg.Metrics.PrometheusPort, loaded.Metrics.PrometheusPort)
	assert.Equal(t, cfg.Tracing.SampleRate, loaded.Tracing.SampleRate)
}

func TestMetricsCollectorDisabledIsNoop(t *testing.T) {
	mc, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()
	mc.RecordLLMRequest(ctx, "gpt-4", "success", time.Second, 100, 50, 0.002)
	mc.RecordToolExecution(ctx, "file_read", "success", 100*time.Millisecond)
	mc.IncrementActiveSessions(ctx)
	mc.DecrementActiveSessions(ctx)
	assert.NoError(t, mc.Shutdown(ctx))
}

func TestMetricsCollectorEnabledWithoutServer(t *testing.T) {
	mc, err := NewMetricsCollector(MetricsConfig{Enabled: true, PrometheusPort: 0})
	require.NoError(t, err)
	require.NotNil(t, mc)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Shutdown(ctx)
	}()

	ctx := context.Background()
	mc.RecordLLMRequest(ctx, "gpt-4", "success", time.Second, 100, 50, 0.002)
	mc.RecordLLMRequest(ctx, "gpt-4", "error", 500*time.Millisecond, 0, 0, 0)
	mc.RecordToolExecution(ctx, "bash", "success", 10*time.Millisecond)
	mc.IncrementActiveSessions(ctx)
	mc.IncrementActiveSessions(ctx)
	mc.DecrementActiveSessions(ctx)

	count := testutilCounterValue(t, mc)
	assert.Equal(t, float64(1), count)
}

// testutilCounterValue reads back the llm success counter for gpt-4 via the
// collector's own registry, confirming RecordLLMRequest actually wrote
// through rather than merely not panicking.
func testutilCounterValue(t *testing.T, mc *MetricsCollector) float64 {
	t.Helper()
	metricFamilies, err := mc.reg.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != "orchestration_llm_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == "success" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

func TestEstimateCostWithinPlausibleRange(t *testing.T) {
	tests := []struct {
		model                      string
		inputTokens, outputTokens int
	}{
		{"gpt-4", 1000, 500},
		{"gpt-3.5-turbo", 10000, 5000},
		{"claude-3-opus", 5000, 2000},
		{"unknown-model", 1000, 500},
	}
	for _, tt := range tests {
		cost := EstimateCost(tt.model, tt.inputTokens, tt.outputTokens)
		assert.Greater(t, cost, 0.00001)
		assert.Less(t, cost, 1.0)
	}
}

func TestInitTracingDisabledReturnsNoopProvider(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
	tracer := tp.Tracer("test")
	require.NotNil(t, tracer)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithTraceID(ctx, "trace-123")
	ctx = ContextWithSessionID(ctx, "session-456")
	assert.Equal(t, "trace-123", TraceIDFromContext(ctx))
	assert.Equal(t, "session-456", SessionIDFromContext(ctx))

	empty := context.Background()
	assert.Empty(t, TraceIDFromContext(empty))
	assert.Empty(t, SessionIDFromContext(empty))
}
