// Package telemetry carries the ambient observability stack the orchestration
// core runs under: Prometheus metrics, OpenTelemetry tracing, and the layered
// configuration that turns both on. It does not replace internal/logging
// (structured log output); it covers the two concerns that package doesn't.
package telemetry

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoggingConfig is the subset of logging behavior telemetry config exposes
// for layered loading; internal/logging.NewComponentLogger still owns the
// actual handler construction.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig controls the Prometheus metrics collector (per-LLM-call and
// per-tool-call counters plus an active-run gauge).
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter       string  `yaml:"exporter" mapstructure:"exporter"` // jaeger | otlp | zipkin
	JaegerEndpoint string  `yaml:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint" mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `yaml:"service_version" mapstructure:"service_version"`
}

// Config is the full observability configuration, nested under an
// "observability" root key so it can sit alongside the rest of a run's
// config file without colliding with unrelated top-level keys.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// DefaultConfig returns the baseline every loaded config is merged on top of:
// metrics on and exposed on :9090, tracing off, jaeger when enabled.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, PrometheusPort: 9090},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "jaeger",
			SampleRate: 1.0,
		},
	}
}

// LoadConfig reads an "observability:" section from path and merges it onto
// DefaultConfig, so a partial file only overrides the keys it sets. A
// missing file is not an error — the defaults apply, matching how a fresh
// deployment with no config file still gets sane metrics/tracing behavior.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	sub := v.Sub("observability")
	if sub == nil {
		return cfg, nil
	}
	if err := sub.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg back out under an "observability:" root key,
// creating path's parent directory if needed.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	doc := map[string]Config{"observability": cfg}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
