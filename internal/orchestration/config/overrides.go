package config

// Overrides carries caller-supplied values that win over file and
// environment layers (the highest-precedence layer, applied last by Load).
// A field left at its zero value does not override anything — callers that
// genuinely want to force a zero value use the pointer fields.
type Overrides struct {
	LLMProvider *string
	LLMModel    *string
	LLMBaseURL  *string
	LLMAPIKey   *string

	ProfileStoreDir     *string
	HandoverProtocolDir *string
	SnapshotDir         *string

	KBDehydrationThresholdTokens *int
	EmptyResponseRetries         *int
}

func applyOverrides(cfg *Config, meta *Metadata, o Overrides) {
	setString(cfg, meta, "llm_provider", o.LLMProvider, func(v string) { cfg.LLMProvider = v })
	setString(cfg, meta, "llm_model", o.LLMModel, func(v string) { cfg.LLMModel = v })
	setString(cfg, meta, "llm_base_url", o.LLMBaseURL, func(v string) { cfg.LLMBaseURL = v })
	setString(cfg, meta, "llm_api_key", o.LLMAPIKey, func(v string) { cfg.LLMAPIKey = v })
	setString(cfg, meta, "profile_store_dir", o.ProfileStoreDir, func(v string) { cfg.ProfileStoreDir = v })
	setString(cfg, meta, "handover_protocol_dir", o.HandoverProtocolDir, func(v string) { cfg.HandoverProtocolDir = v })
	setString(cfg, meta, "snapshot_dir", o.SnapshotDir, func(v string) { cfg.SnapshotDir = v })
	setInt(meta, "kb_dehydration_threshold_tokens", o.KBDehydrationThresholdTokens, func(v int) { cfg.KBDehydrationThresholdTokens = v })
	setInt(meta, "empty_response_retries", o.EmptyResponseRetries, func(v int) { cfg.EmptyResponseRetries = v })
}

func setString(_ *Config, meta *Metadata, field string, v *string, apply func(string)) {
	if v == nil {
		return
	}
	apply(*v)
	meta.Sources[field] = SourceOverride
}

func setInt(meta *Metadata, field string, v *int, apply func(int)) {
	if v == nil {
		return
	}
	apply(*v)
	meta.Sources[field] = SourceOverride
}
