package knowledge

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"

	"alex/internal/orchestration/model"
)

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

const defaultDehydrationThresholdBytes = 1024

// HydrateContent recursively replaces <#CGKB-NNNNN> tokens in content with
// the stored item they reference, depth-limited and cycle-guarded (spec
// §4.6). content may be a string, map[string]any, []any, or any other
// value (returned unchanged).
func (s *Store) HydrateContent(content any, maxDepth int) any {
	if !containsKBRefs(content) {
		return content
	}
	return s.hydrateRecursive(content, make(map[string]bool), maxDepth)
}

func containsKBRefs(content any) bool {
	switch v := content.(type) {
	case string:
		return tokenRegexp.MatchString(v)
	case map[string]any:
		for _, val := range v {
			if containsKBRefs(val) {
				return true
			}
		}
		return false
	case []any:
		for _, val := range v {
			if containsKBRefs(val) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (s *Store) hydrateRecursive(content any, seen map[string]bool, depth int) any {
	if depth <= 0 {
		return content
	}

	switch v := content.(type) {
	case string:
		return s.hydrateString(v, seen, depth)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = s.hydrateRecursive(val, seen, depth-1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = s.hydrateRecursive(val, seen, depth-1)
		}
		return out
	default:
		return content
	}
}

func (s *Store) hydrateString(str string, seen map[string]bool, depth int) string {
	tokens := tokenRegexp.FindAllString(str, -1)
	result := str
	for _, token := range tokens {
		if seen[token] {
			s.log.Warn("kb_circular_reference_detected token=%s", token)
			continue
		}

		s.mu.Lock()
		itemID, ok := s.itemsByToken[token]
		var item *model.KnowledgeItem
		if ok {
			item = s.itemsByID[itemID]
		}
		s.mu.Unlock()

		if item == nil {
			s.log.Warn("kb_token_not_found token=%s", token)
			continue
		}

		seen[token] = true
		hydrated := s.hydrateRecursive(item.Content, seen, depth-1)
		delete(seen, token)

		result = strings.ReplaceAll(result, token, stringify(hydrated))
	}
	return result
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Dehydrate walks a payload and replaces any value whose JSON
// serialization exceeds thresholdBytes with a stored token, recursing
// item-wise into maps and slices (spec §4.6 "cooperative dehydration").
// thresholdBytes<=0 uses the 1KB default.
func (s *Store) Dehydrate(payload any, itemType string, thresholdBytes int) any {
	if thresholdBytes <= 0 {
		thresholdBytes = defaultDehydrationThresholdBytes
	}
	return s.dehydrateRecursive(payload, itemType, thresholdBytes)
}

func (s *Store) dehydrateRecursive(v any, itemType string, threshold int) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.dehydrateRecursive(val, itemType, threshold)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.dehydrateRecursive(val, itemType, threshold)
		}
		return out
	case string:
		if len(t) > threshold {
			return s.StoreWithToken(t, itemType)
		}
		return t
	default:
		if b, err := json.Marshal(t); err == nil && len(b) > threshold {
			return s.StoreWithToken(t, itemType)
		}
		return t
	}
}

// HydrateTurnToolResults rehydrates every tool interaction's ResultPayload
// across a batch of turns, in place, under each turn's own lock (spec
// §4.6's hydrate_turn_list_tool_results, adapted to Go's pointer/mutex
// model instead of a deep copy — callers that need a snapshot should copy
// the turn list themselves before calling this).
func (s *Store) HydrateTurnToolResults(turns []*model.Turn, maxDepth int) {
	for _, turn := range turns {
		turn.WithLock(func(t *model.Turn) {
			for i := range t.ToolInteractions {
				if t.ToolInteractions[i].ResultPayload == nil {
					continue
				}
				t.ToolInteractions[i].ResultPayload = s.HydrateContent(t.ToolInteractions[i].ResultPayload, maxDepth)
			}
		})
	}
}
