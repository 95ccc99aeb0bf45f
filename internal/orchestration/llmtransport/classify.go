package llmtransport

import (
	"strings"

	alexerrors "alex/internal/errors"
)

// classifyTransportError mirrors retry_client.go's classifyLLMError:
// string-match a provider error into alexerrors' Transient/Permanent
// wrappers so alexerrors.IsTransient drives the backoff-retry decision for
// the transport-level (not application-level) retry loop.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	lower := strings.ToLower(err.Error())

	transientPatterns := []string{
		"429", "rate limit",
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"connection refused", "connection reset", "broken pipe",
		"timeout", "deadline exceeded",
		"network", "dns",
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return alexerrors.NewTransientError(err, "transient LLM transport error, retrying: "+err.Error())
		}
	}

	permanentPatterns := []string{
		"401", "unauthorized",
		"403", "forbidden",
		"404", "not found",
		"400", "bad request",
		"context_window", "context window",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return alexerrors.NewPermanentError(err, "unrecoverable LLM transport error: "+err.Error())
		}
	}

	return err
}
