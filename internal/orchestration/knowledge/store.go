// Package knowledge implements the content-addressed Knowledge Base (C1):
// deduplicated storage of tool outputs and other bulky agent artifacts,
// token-based dehydration/rehydration so oversize payloads never need to
// sit fully inline in an LLM prompt.
//
// Grounded on original_source/.../utils/knowledge_base.py, translated
// method-for-method: the same three-tier add_item dedup resolution (URI
// match, hash match, new item), the same monotonic <#CGKB-NNNNN> token
// sequence, and the same depth-limited, cycle-guarded hydration walk.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
)

// AddResult mirrors the original's status-tagged response so callers (the
// tool proxy, the dehydration helper) can distinguish a fresh insert from
// the various merge/dedup outcomes without string-matching an error.
type AddResult struct {
	Status  string // success_new_item_added | success_updated_uri_match | success_deduplicated_uri_hash_match | success_enriched_hash_match_with_uri | success_deduplicated_hash_match_no_uri
	ItemID  string
	Token   string
	Message string
}

const tokenPattern = `<#CGKB-\d{5}>`

var tokenRegexp = regexp.MustCompile(tokenPattern)

// Store is the in-memory, run-scoped knowledge base.
type Store struct {
	mu sync.Mutex

	runID string
	log   logging.Logger

	itemsByID          map[string]*model.KnowledgeItem
	itemsByURI         map[string]string   // source_uri -> item_id
	itemsByHash        map[string][]string // content_hash -> item_ids
	itemsByToolCallID  map[string]string   // tool_call_id -> item_id
	itemsByToken       map[string]string   // token -> item_id

	nextSequence int
}

// New returns an empty Store scoped to one run.
func New(runID string) *Store {
	return &Store{
		runID:             runID,
		log:               logging.NewComponentLogger("knowledge"),
		itemsByID:         make(map[string]*model.KnowledgeItem),
		itemsByURI:        make(map[string]string),
		itemsByHash:       make(map[string][]string),
		itemsByToolCallID: make(map[string]string),
		itemsByToken:      make(map[string]string),
		nextSequence:      1,
	}
}

// contentHash computes sha256 over JSON-normalized (sorted keys, compact
// separators) content, falling back to fmt.Sprint for values json can't
// encode.
func contentHash(content any) string {
	var normalized string
	if b, err := marshalSorted(content); err == nil {
		normalized = string(b)
	} else {
		normalized = fmt.Sprint(content)
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// marshalSorted re-marshals through a map so that json.Marshal's
// already-sorted map-key behavior gives us the "sort_keys=True, compact
// separators" equivalent the source relies on for stable hashing.
func marshalSorted(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *Store) nextToken() string {
	token := fmt.Sprintf("<#CGKB-%05d>", s.nextSequence)
	s.nextSequence++
	return token
}

// AddItem runs the deterministic three-tier dedup/insert algorithm (spec
// §4.6). Caller holds no lock; Store is internally synchronized because
// the Dispatcher fans associate tool calls out concurrently and every one
// of them may write to the same run's knowledge base.
func (s *Store) AddItem(in model.KnowledgeItemInput) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(in.Content)

	if in.SourceURI != "" {
		if existingID, ok := s.itemsByURI[in.SourceURI]; ok {
			if existing, ok := s.itemsByID[existingID]; ok {
				if existing.ContentHash == hash {
					s.mergeContributor(existing, in.ToolCallID)
					token := s.ensureToken(existing)
					return AddResult{Status: "success_deduplicated_uri_hash_match", ItemID: existingID, Token: token}
				}
				return s.overwriteItem(existing, in, hash)
			}
		}
	}

	if ids, ok := s.itemsByHash[hash]; ok && len(ids) > 0 {
		for _, existingID := range ids {
			existing, ok := s.itemsByID[existingID]
			if !ok {
				continue
			}
			if in.SourceURI != "" && (existing.SourceURI == "" || s.itemsByURI[in.SourceURI] != existingID) {
				existing.SourceURI = in.SourceURI
				s.itemsByURI[in.SourceURI] = existingID
				s.mergeContributor(existing, in.ToolCallID)
				token := s.ensureToken(existing)
				return AddResult{Status: "success_enriched_hash_match_with_uri", ItemID: existingID, Token: token}
			}
			if in.SourceURI == "" {
				s.mergeContributor(existing, in.ToolCallID)
				token := s.ensureToken(existing)
				return AddResult{Status: "success_deduplicated_hash_match_no_uri", ItemID: existingID, Token: token}
			}
		}
	}

	itemID := fmt.Sprintf("kb_%s", randomHex(16))
	token := s.nextToken()
	item := &model.KnowledgeItem{
		ID:          itemID,
		ItemType:    in.ItemType,
		SourceURI:   in.SourceURI,
		Content:     in.Content,
		ContentHash: hash,
		RunID:       s.runID,
		Token:       token,
	}
	if in.ToolCallID != "" {
		item.Metadata.ContributingToolCallIDs = []string{in.ToolCallID}
	}

	s.itemsByID[itemID] = item
	s.itemsByToken[token] = itemID
	if in.SourceURI != "" {
		s.itemsByURI[in.SourceURI] = itemID
	}
	if in.ToolCallID != "" {
		s.itemsByToolCallID[in.ToolCallID] = itemID
	}
	s.itemsByHash[hash] = appendSortedUnique(s.itemsByHash[hash], itemID)

	s.log.Info("kb_item_added item_id=%s token=%s item_type=%s", itemID, token, in.ItemType)
	return AddResult{Status: "success_new_item_added", ItemID: itemID, Token: token}
}

func (s *Store) overwriteItem(existing *model.KnowledgeItem, in model.KnowledgeItemInput, newHash string) AddResult {
	oldHash := existing.ContentHash
	existing.Content = in.Content
	existing.ContentHash = newHash
	existing.ItemType = in.ItemType
	s.mergeContributor(existing, in.ToolCallID)

	if ids, ok := s.itemsByHash[oldHash]; ok {
		s.itemsByHash[oldHash] = removeID(ids, existing.ID)
		if len(s.itemsByHash[oldHash]) == 0 {
			delete(s.itemsByHash, oldHash)
		}
	}
	s.itemsByHash[newHash] = appendSortedUnique(s.itemsByHash[newHash], existing.ID)

	token := s.ensureToken(existing)
	return AddResult{Status: "success_updated_uri_match", ItemID: existing.ID, Token: token}
}

func (s *Store) mergeContributor(item *model.KnowledgeItem, toolCallID string) {
	if toolCallID == "" {
		return
	}
	for _, id := range item.Metadata.ContributingToolCallIDs {
		if id == toolCallID {
			return
		}
	}
	item.Metadata.ContributingToolCallIDs = append(item.Metadata.ContributingToolCallIDs, toolCallID)
	sort.Strings(item.Metadata.ContributingToolCallIDs)
}

func (s *Store) ensureToken(item *model.KnowledgeItem) string {
	if item.Token != "" {
		return item.Token
	}
	token := s.nextToken()
	item.Token = token
	s.itemsByToken[token] = item.ID
	return token
}

// StoreWithToken is the cooperative-dehydration entry point (spec §4.6):
// content too large to keep inline is stashed here and replaced in the
// payload with the returned token.
func (s *Store) StoreWithToken(content any, itemType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemID := fmt.Sprintf("kb_%s", randomHex(16))
	token := s.nextToken()
	hash := contentHash(content)
	if itemType == "" {
		itemType = "TOKEN_DEHYDRATED_CONTENT"
	}

	item := &model.KnowledgeItem{
		ID:          itemID,
		ItemType:    itemType,
		Content:     content,
		ContentHash: hash,
		RunID:       s.runID,
		Token:       token,
	}
	s.itemsByID[itemID] = item
	s.itemsByToken[token] = itemID
	s.itemsByHash[hash] = appendSortedUnique(s.itemsByHash[hash], itemID)

	s.log.Info("kb_content_stored_with_token token=%s item_id=%s", token, itemID)
	return token
}

// GetItemByURI returns the item currently associated with a source URI.
func (s *Store) GetItemByURI(uri string) (*model.KnowledgeItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.itemsByURI[uri]
	if !ok {
		return nil, false
	}
	item, ok := s.itemsByID[id]
	return item, ok
}

// GetItemsBatch looks up several items by id in one locked pass.
func (s *Store) GetItemsBatch(ids []string) map[string]*model.KnowledgeItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.KnowledgeItem, len(ids))
	for _, id := range ids {
		out[id] = s.itemsByID[id]
	}
	return out
}

// Stats reports basic monitoring counters (spec §4.6 adjacent, teacher's
// get_stats pattern).
type Stats struct {
	TotalItems    int
	ItemsByType   map[string]int
	TotalAccesses int
}

// GetStats summarizes the store for telemetry/debugging.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ItemsByType: make(map[string]int)}
	for _, item := range s.itemsByID {
		st.TotalItems++
		st.ItemsByType[item.ItemType]++
		st.TotalAccesses += item.Metadata.AccessCount
	}
	return st
}

// ToDict snapshots every stored item and index for persistence (spec
// §4.11's "knowledge_base.to_dict()"). The indices are derivable from
// itemsByID alone, but are carried explicitly so RestoreFromDict doesn't
// need to replay AddItem's dedup logic to rebuild them.
func (s *Store) ToDict() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make(map[string]any, len(s.itemsByID))
	for id, item := range s.itemsByID {
		items[id] = item
	}
	return map[string]any{
		"run_id":               s.runID,
		"items_by_id":          items,
		"items_by_uri":         copyStringMap(s.itemsByURI),
		"items_by_tool_call_id": copyStringMap(s.itemsByToolCallID),
		"items_by_token":       copyStringMap(s.itemsByToken),
		"next_sequence":        s.nextSequence,
	}
}

// RestoreFromDict rebuilds a Store's state from a prior ToDict snapshot,
// re-deriving items_by_hash since source content types don't round-trip
// losslessly through JSON (spec §4.11 restoration: "rebuild KnowledgeBase
// from its dict").
func RestoreFromDict(runID string, data map[string]any) *Store {
	s := New(runID)
	if data == nil {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := data["run_id"].(string); ok && raw != "" {
		s.runID = raw
	}
	if n, ok := data["next_sequence"].(float64); ok {
		s.nextSequence = int(n)
	}

	itemsByID, _ := data["items_by_id"].(map[string]any)
	for id, raw := range itemsByID {
		item := decodeKnowledgeItem(raw)
		if item == nil {
			continue
		}
		s.itemsByID[id] = item
		s.itemsByHash[item.ContentHash] = appendSortedUnique(s.itemsByHash[item.ContentHash], id)
	}
	if uris, ok := data["items_by_uri"].(map[string]any); ok {
		for uri, id := range uris {
			if sid, ok := id.(string); ok {
				s.itemsByURI[uri] = sid
			}
		}
	}
	if calls, ok := data["items_by_tool_call_id"].(map[string]any); ok {
		for callID, id := range calls {
			if sid, ok := id.(string); ok {
				s.itemsByToolCallID[callID] = sid
			}
		}
	}
	if tokens, ok := data["items_by_token"].(map[string]any); ok {
		for token, id := range tokens {
			if sid, ok := id.(string); ok {
				s.itemsByToken[token] = sid
			}
		}
	}
	return s
}

// decodeKnowledgeItem accepts either an already-typed *model.KnowledgeItem
// (the in-process ToDict path) or its generic map[string]any form (after a
// JSON round trip through disk), so RestoreFromDict works for both a fresh
// in-memory handover and a snapshot read back from a persisted file.
func decodeKnowledgeItem(raw any) *model.KnowledgeItem {
	switch v := raw.(type) {
	case *model.KnowledgeItem:
		return v
	case model.KnowledgeItem:
		item := v
		return &item
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var item model.KnowledgeItem
		if err := json.Unmarshal(b, &item); err != nil {
			return nil
		}
		return &item
	default:
		return nil
	}
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendSortedUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return ids
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
