package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config's shape for YAML decoding; a pointer-free plain
// struct here would make "key absent" indistinguishable from "key present,
// zero value", so every field is a pointer and only set ones apply.
type fileConfig struct {
	LLMProvider *string `yaml:"llm_provider"`
	LLMModel    *string `yaml:"llm_model"`
	LLMBaseURL  *string `yaml:"llm_base_url"`
	LLMAPIKey   *string `yaml:"llm_api_key"`

	UtilityLLMModel *string `yaml:"utility_llm_model"`

	ProfileStoreDir     *string `yaml:"profile_store_dir"`
	HandoverProtocolDir *string `yaml:"handover_protocol_dir"`
	SnapshotDir         *string `yaml:"snapshot_dir"`

	KBDehydrationThresholdTokens *int `yaml:"kb_dehydration_threshold_tokens"`
	EmptyResponseRetries         *int `yaml:"empty_response_retries"`

	CircuitBreakerFailureThreshold *int    `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerResetTimeoutSecs *int    `yaml:"circuit_breaker_reset_timeout_seconds"`
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		return nil
	}

	data, err := opts.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	assignString(cfg, meta, "llm_provider", parsed.LLMProvider, func(v string) { cfg.LLMProvider = v }, SourceFile)
	assignString(cfg, meta, "llm_model", parsed.LLMModel, func(v string) { cfg.LLMModel = v }, SourceFile)
	assignString(cfg, meta, "llm_base_url", parsed.LLMBaseURL, func(v string) { cfg.LLMBaseURL = v }, SourceFile)
	assignString(cfg, meta, "llm_api_key", parsed.LLMAPIKey, func(v string) { cfg.LLMAPIKey = v }, SourceFile)
	assignString(cfg, meta, "utility_llm_model", parsed.UtilityLLMModel, func(v string) { cfg.UtilityLLMModel = v }, SourceFile)
	assignString(cfg, meta, "profile_store_dir", parsed.ProfileStoreDir, func(v string) { cfg.ProfileStoreDir = v }, SourceFile)
	assignString(cfg, meta, "handover_protocol_dir", parsed.HandoverProtocolDir, func(v string) { cfg.HandoverProtocolDir = v }, SourceFile)
	assignString(cfg, meta, "snapshot_dir", parsed.SnapshotDir, func(v string) { cfg.SnapshotDir = v }, SourceFile)
	assignInt(meta, "kb_dehydration_threshold_tokens", parsed.KBDehydrationThresholdTokens, func(v int) { cfg.KBDehydrationThresholdTokens = v }, SourceFile)
	assignInt(meta, "empty_response_retries", parsed.EmptyResponseRetries, func(v int) { cfg.EmptyResponseRetries = v }, SourceFile)
	assignInt(meta, "circuit_breaker_failure_threshold", parsed.CircuitBreakerFailureThreshold, func(v int) { cfg.CircuitBreakerFailureThreshold = v }, SourceFile)
	if parsed.CircuitBreakerResetTimeoutSecs != nil {
		cfg.CircuitBreakerResetTimeout = secondsToDuration(*parsed.CircuitBreakerResetTimeoutSecs)
		meta.Sources["circuit_breaker_reset_timeout"] = SourceFile
	}
	return nil
}

func assignString(_ *Config, meta *Metadata, field string, v *string, apply func(string), source ValueSource) {
	if v == nil {
		return
	}
	apply(*v)
	meta.Sources[field] = source
}

func assignInt(meta *Metadata, field string, v *int, apply func(int), source ValueSource) {
	if v == nil {
		return
	}
	apply(*v)
	meta.Sources[field] = source
}
