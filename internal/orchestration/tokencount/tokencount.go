// Package tokencount provides the one local token estimator shared by the
// Agent Loop's prep step (predicted_token_count, spec §4.1) and the Inbox
// Processor's per-item audit log (predicted_usage, spec §4.2). Both are
// best-effort estimates used when no live transport is connected to report
// an exact count (spec §9 Open Question: "prefer the transport's tokenizer
// when available").
//
// Grounded on internal/shared/token/tokenutil_test.go's CountTokens, which
// lazily initializes a cl100k_base tiktoken-go encoding once and falls back
// to a rune-count heuristic only if that initialization fails.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"alex/internal/logging"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
	log      = logging.NewComponentLogger("tokencount")
)

func load() {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn("tiktoken encoding unavailable, falling back to rune-count estimate: %v", err)
		return
	}
	encoding = enc
}

// Estimate returns the best-effort token count for s: an exact cl100k_base
// encoding when tiktoken-go initialized successfully, or a conservative
// rune/4 heuristic otherwise.
func Estimate(s string) int {
	once.Do(load)
	if s == "" {
		return 0
	}
	if encoding != nil {
		return len(encoding.Encode(s, nil, nil))
	}
	return len([]rune(s)) / 4
}

// EstimateAll sums Estimate(systemPrompt) and Estimate(content) for every
// message, the shape the Agent Loop's prep step needs for predictedTokens.
func EstimateAll(systemPrompt string, contents []string) int {
	total := Estimate(systemPrompt)
	for _, c := range contents {
		total += Estimate(c)
	}
	return total
}
