// Package config is the orchestration core's own layered configuration,
// grounded on the teacher's internal/config package (Default < File < Env <
// Override precedence, with provenance tracking per field) but scoped to
// this run's concerns instead of the teacher's product-specific
// RuntimeConfig: LLM resolution, agent-profile-store and handover-protocol
// paths, knowledge-base dehydration behavior, retry/circuit-breaker
// thresholds, and the persistence snapshot directory.
package config

import "time"

// ValueSource names where a resolved field's value came from, kept per
// field in Metadata.Sources for debugging "why did this run use model X".
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultLLMProvider          = "openai"
	DefaultLLMModel             = "gpt-4o-mini"
	DefaultLLMBaseURL           = "https://api.openai.com/v1"
	DefaultProfileStoreDir      = "./agent-profiles"
	DefaultHandoverProtocolDir  = "./handover-protocols"
	DefaultSnapshotDir          = "./orchestration-snapshots"
	DefaultKBDehydrationTokens  = 2000
	DefaultEmptyResponseRetries = 3
	DefaultCircuitBreakerFails  = 5
	DefaultCircuitBreakerReset  = 30 * time.Second
)

// Config is the full resolved configuration for one orchestration process.
type Config struct {
	LLMProvider string `yaml:"llm_provider" mapstructure:"llm_provider"`
	LLMModel    string `yaml:"llm_model" mapstructure:"llm_model"`
	LLMBaseURL  string `yaml:"llm_base_url" mapstructure:"llm_base_url"`
	LLMAPIKey   string `yaml:"llm_api_key" mapstructure:"llm_api_key"`

	// UtilityLLMModel names the fast/cheap model used for ancillary calls (the
	// persistence hook's intelligent-naming step, spec §4.11 step 1).
	UtilityLLMModel string `yaml:"utility_llm_model" mapstructure:"utility_llm_model"`

	ProfileStoreDir     string `yaml:"profile_store_dir" mapstructure:"profile_store_dir"`
	HandoverProtocolDir string `yaml:"handover_protocol_dir" mapstructure:"handover_protocol_dir"`
	SnapshotDir         string `yaml:"snapshot_dir" mapstructure:"snapshot_dir"`

	// KBDehydrationThresholdTokens is loaded and reported by orchestratord's
	// config output only: knowledge.Store.Dehydrate does not read it and
	// takes its own byte threshold (1024 bytes when none is given).
	KBDehydrationThresholdTokens int `yaml:"kb_dehydration_threshold_tokens" mapstructure:"kb_dehydration_threshold_tokens"`

	// EmptyResponseRetries bounds the LLM transport's application-level
	// retry count (llmtransport.Adapter.AppMaxRetries) on a
	// successfully-streamed-but-empty LLM response (spec §4.7 post.2).
	EmptyResponseRetries int `yaml:"empty_response_retries" mapstructure:"empty_response_retries"`

	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold" mapstructure:"circuit_breaker_failure_threshold"`
	CircuitBreakerResetTimeout     time.Duration `yaml:"circuit_breaker_reset_timeout" mapstructure:"circuit_breaker_reset_timeout"`
}

// Metadata records, per field name, which layer actually won — useful for a
// `config dump` style diagnostic command.
type Metadata struct {
	Sources  map[string]ValueSource
	LoadedAt time.Time
}

// Source returns the layer that set field, or SourceDefault if field is
// unrecognized (Load seeds every known field, so this only falls through
// for a typo'd field name).
func (m Metadata) Source(field string) ValueSource {
	if s, ok := m.Sources[field]; ok {
		return s
	}
	return SourceDefault
}
