package config

import (
	"os"
	"time"
)

// Load resolves a Config by merging, in increasing precedence:
// built-in defaults, an optional YAML file, ORCHESTRATION_-prefixed
// environment variables, and caller-supplied Overrides. Metadata.Sources
// records which layer won for each field.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{Sources: map[string]ValueSource{}, LoadedAt: time.Now()}
	cfg := Config{
		LLMProvider:                    DefaultLLMProvider,
		LLMModel:                       DefaultLLMModel,
		LLMBaseURL:                     DefaultLLMBaseURL,
		UtilityLLMModel:                DefaultLLMModel,
		ProfileStoreDir:                DefaultProfileStoreDir,
		HandoverProtocolDir:            DefaultHandoverProtocolDir,
		SnapshotDir:                    DefaultSnapshotDir,
		KBDehydrationThresholdTokens:   DefaultKBDehydrationTokens,
		EmptyResponseRetries:           DefaultEmptyResponseRetries,
		CircuitBreakerFailureThreshold: DefaultCircuitBreakerFails,
		CircuitBreakerResetTimeout:     DefaultCircuitBreakerReset,
	}
	for field := range map[string]struct{}{
		"llm_provider": {}, "llm_model": {}, "llm_base_url": {}, "utility_llm_model": {},
		"profile_store_dir": {}, "handover_protocol_dir": {}, "snapshot_dir": {},
		"kb_dehydration_threshold_tokens": {}, "empty_response_retries": {},
		"circuit_breaker_failure_threshold": {}, "circuit_breaker_reset_timeout": {},
	} {
		meta.Sources[field] = SourceDefault
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options)
	applyOverrides(&cfg, &meta, options.overrides)

	return cfg, meta, nil
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
