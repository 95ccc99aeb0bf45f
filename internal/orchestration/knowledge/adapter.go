package knowledge

import (
	"fmt"

	"alex/internal/orchestration/model"
)

const defaultHydrateDepth = 5

// Adapter narrows a Store to model.KnowledgeBase, the interface
// model.Runtime depends on. Store's own AddItem returns the richer
// AddResult (status/token/message) tools and the dehydration helper use
// directly; Adapter translates that into the plain (KnowledgeItem, error)
// shape a generic consumer of the run's knowledge base expects.
type Adapter struct{ *Store }

// NewAdapter wraps store for use as a run's model.Runtime.Knowledge.
func NewAdapter(store *Store) Adapter {
	return Adapter{Store: store}
}

var _ model.KnowledgeBase = Adapter{}

// AddItem implements model.KnowledgeBase.
func (a Adapter) AddItem(in model.KnowledgeItemInput) (model.KnowledgeItem, error) {
	result := a.Store.AddItem(in)
	items := a.Store.GetItemsBatch([]string{result.ItemID})
	item := items[result.ItemID]
	if item == nil {
		return model.KnowledgeItem{}, fmt.Errorf("knowledge item %s not found after add (%s)", result.ItemID, result.Status)
	}
	return *item, nil
}

// Hydrate implements model.KnowledgeBase for plain string payloads (the
// common case: a system-prompt segment or message content field).
func (a Adapter) Hydrate(content string) (string, error) {
	hydrated := a.Store.HydrateContent(content, defaultHydrateDepth)
	if s, ok := hydrated.(string); ok {
		return s, nil
	}
	return content, nil
}

// ToDict implements model.KnowledgeBase: a full, order-stable snapshot of
// every stored item, suitable for the persistence hook's snapshot write
// and for Store.RestoreFromDict's round trip.
func (a Adapter) ToDict() map[string]any {
	return a.Store.ToDict()
}
