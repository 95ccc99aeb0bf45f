package config

import "strconv"

// envPrefix namespaces every environment variable this package reads, so a
// process hosting other components' env vars never collides with these.
const envPrefix = "ORCHESTRATION_"

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) {
	lookup := opts.envLookup
	if lookup == nil {
		return
	}
	envString(lookup, meta, "LLM_PROVIDER", "llm_provider", func(v string) { cfg.LLMProvider = v })
	envString(lookup, meta, "LLM_MODEL", "llm_model", func(v string) { cfg.LLMModel = v })
	envString(lookup, meta, "LLM_BASE_URL", "llm_base_url", func(v string) { cfg.LLMBaseURL = v })
	envString(lookup, meta, "LLM_API_KEY", "llm_api_key", func(v string) { cfg.LLMAPIKey = v })
	envString(lookup, meta, "UTILITY_LLM_MODEL", "utility_llm_model", func(v string) { cfg.UtilityLLMModel = v })
	envString(lookup, meta, "PROFILE_STORE_DIR", "profile_store_dir", func(v string) { cfg.ProfileStoreDir = v })
	envString(lookup, meta, "HANDOVER_PROTOCOL_DIR", "handover_protocol_dir", func(v string) { cfg.HandoverProtocolDir = v })
	envString(lookup, meta, "SNAPSHOT_DIR", "snapshot_dir", func(v string) { cfg.SnapshotDir = v })
	envInt(lookup, meta, "KB_DEHYDRATION_THRESHOLD_TOKENS", "kb_dehydration_threshold_tokens", func(v int) { cfg.KBDehydrationThresholdTokens = v })
	envInt(lookup, meta, "EMPTY_RESPONSE_RETRIES", "empty_response_retries", func(v int) { cfg.EmptyResponseRetries = v })
	envInt(lookup, meta, "CIRCUIT_BREAKER_FAILURE_THRESHOLD", "circuit_breaker_failure_threshold", func(v int) { cfg.CircuitBreakerFailureThreshold = v })
	envDurationSeconds(lookup, meta, "CIRCUIT_BREAKER_RESET_TIMEOUT_SECONDS", "circuit_breaker_reset_timeout", func(v int) { cfg.CircuitBreakerResetTimeout = secondsToDuration(v) })
}

func envString(lookup EnvLookup, meta *Metadata, suffix, field string, apply func(string)) {
	v, ok := lookup(envPrefix + suffix)
	if !ok || v == "" {
		return
	}
	apply(v)
	meta.Sources[field] = SourceEnv
}

func envInt(lookup EnvLookup, meta *Metadata, suffix, field string, apply func(int)) {
	raw, ok := lookup(envPrefix + suffix)
	if !ok || raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	apply(n)
	meta.Sources[field] = SourceEnv
}

func envDurationSeconds(lookup EnvLookup, meta *Metadata, suffix, field string, apply func(int)) {
	raw, ok := lookup(envPrefix + suffix)
	if !ok || raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	apply(n)
	meta.Sources[field] = SourceEnv
}
