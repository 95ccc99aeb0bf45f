package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/model"
)

func TestAddItemNewInsertAllocatesSequentialToken(t *testing.T) {
	s := New("r1")
	r1 := s.AddItem(model.KnowledgeItemInput{ItemType: "SEARCH_RESULT_SNIPPET", Content: "alpha"})
	r2 := s.AddItem(model.KnowledgeItemInput{ItemType: "SEARCH_RESULT_SNIPPET", Content: "beta"})

	assert.Equal(t, "success_new_item_added", r1.Status)
	assert.Equal(t, "<#CGKB-00001>", r1.Token)
	assert.Equal(t, "<#CGKB-00002>", r2.Token)
}

func TestAddItemURIHashMatchDeduplicates(t *testing.T) {
	s := New("r1")
	first := s.AddItem(model.KnowledgeItemInput{ItemType: "WEB_PAGE_CONTENT", SourceURI: "https://x", Content: "same", ToolCallID: "c1"})
	second := s.AddItem(model.KnowledgeItemInput{ItemType: "WEB_PAGE_CONTENT", SourceURI: "https://x", Content: "same", ToolCallID: "c2"})

	assert.Equal(t, "success_deduplicated_uri_hash_match", second.Status)
	assert.Equal(t, first.ItemID, second.ItemID)

	item := s.itemsByID[first.ItemID]
	assert.ElementsMatch(t, []string{"c1", "c2"}, item.Metadata.ContributingToolCallIDs)
}

func TestAddItemURIMatchContentDifferentOverwrites(t *testing.T) {
	s := New("r1")
	first := s.AddItem(model.KnowledgeItemInput{ItemType: "WEB_PAGE_CONTENT", SourceURI: "https://x", Content: "v1"})
	second := s.AddItem(model.KnowledgeItemInput{ItemType: "WEB_PAGE_CONTENT", SourceURI: "https://x", Content: "v2"})

	assert.Equal(t, "success_updated_uri_match", second.Status)
	assert.Equal(t, first.ItemID, second.ItemID)
	assert.Equal(t, "v2", s.itemsByID[first.ItemID].Content)
}

func TestAddItemHashMatchNoURIDeduplicates(t *testing.T) {
	s := New("r1")
	first := s.AddItem(model.KnowledgeItemInput{ItemType: "GENERIC_TOOL_OUTPUT", Content: map[string]any{"a": 1}})
	second := s.AddItem(model.KnowledgeItemInput{ItemType: "GENERIC_TOOL_OUTPUT", Content: map[string]any{"a": 1}})

	assert.Equal(t, "success_deduplicated_hash_match_no_uri", second.Status)
	assert.Equal(t, first.ItemID, second.ItemID)
}

func TestAddItemHashMatchEnrichesWithNewURI(t *testing.T) {
	s := New("r1")
	first := s.AddItem(model.KnowledgeItemInput{ItemType: "GENERIC_TOOL_OUTPUT", Content: "shared"})
	second := s.AddItem(model.KnowledgeItemInput{ItemType: "GENERIC_TOOL_OUTPUT", SourceURI: "https://y", Content: "shared"})

	assert.Equal(t, "success_enriched_hash_match_with_uri", second.Status)
	assert.Equal(t, first.ItemID, second.ItemID)
	got, ok := s.GetItemByURI("https://y")
	require.True(t, ok)
	assert.Equal(t, first.ItemID, got.ID)
}

func TestHydrateContentReplacesToken(t *testing.T) {
	s := New("r1")
	res := s.AddItem(model.KnowledgeItemInput{ItemType: "SEARCH_RESULT_SNIPPET", Content: "the answer is 42"})

	out := s.HydrateContent("see "+res.Token, 5)
	assert.Equal(t, "see the answer is 42", out)
}

func TestHydrateContentStopsOnCircularReference(t *testing.T) {
	s := New("r1")
	// item A's content references token B, and vice versa, wired by hand
	// since AddItem can't express a forward reference cycle at insert time.
	s.mu.Lock()
	s.itemsByID["a"] = &model.KnowledgeItem{ID: "a", Content: "<#CGKB-00002>", Token: "<#CGKB-00001>"}
	s.itemsByID["b"] = &model.KnowledgeItem{ID: "b", Content: "<#CGKB-00001>", Token: "<#CGKB-00002>"}
	s.itemsByToken["<#CGKB-00001>"] = "a"
	s.itemsByToken["<#CGKB-00002>"] = "b"
	s.mu.Unlock()

	out := s.HydrateContent("<#CGKB-00001>", 5)
	assert.IsType(t, "", out)
	assert.NotContains(t, out, "<nil>")
}

func TestHydrateContentRecursesIntoMapsAndLists(t *testing.T) {
	s := New("r1")
	res := s.AddItem(model.KnowledgeItemInput{ItemType: "X", Content: "deep"})
	out := s.HydrateContent(map[string]any{
		"items": []any{res.Token, "plain"},
	}, 5)

	m := out.(map[string]any)
	items := m["items"].([]any)
	assert.Equal(t, "deep", items[0])
	assert.Equal(t, "plain", items[1])
}

func TestDehydrateReplacesOversizeStringsWithTokens(t *testing.T) {
	s := New("r1")
	big := strings.Repeat("x", 2000)
	out := s.Dehydrate(map[string]any{"body": big, "small": "ok"}, "WEB_PAGE_CONTENT", 1024)

	m := out.(map[string]any)
	assert.Equal(t, "ok", m["small"])
	token, ok := m["body"].(string)
	require.True(t, ok)
	assert.Regexp(t, `<#CGKB-\d{5}>`, token)

	rehydrated := s.HydrateContent(token, 5)
	assert.Equal(t, big, rehydrated)
}

func TestHydrateTurnToolResultsRehydratesInPlace(t *testing.T) {
	s := New("r1")
	res := s.AddItem(model.KnowledgeItemInput{ItemType: "X", Content: "payload-content"})

	turn := &model.Turn{TurnID: "t1", ToolInteractions: []model.ToolInteraction{
		{ToolCallID: "c1", ResultPayload: res.Token},
	}}

	s.HydrateTurnToolResults([]*model.Turn{turn}, 5)
	assert.Equal(t, "payload-content", turn.ToolInteractions[0].ResultPayload)
}
