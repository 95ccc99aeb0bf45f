package persistence

import (
	"context"
	"strings"
	"sync"
	"time"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
)

// RunLookup resolves a run id to its live RunContext, the same shape
// internal/orchestration/events.RunLookup uses, kept as its own type here
// so this package doesn't need to import events just for a function
// signature.
type RunLookup func(runID string) (*model.RunContext, bool)

// Broadcaster is the narrow slice of *events.Emitter the hook needs: a
// place to register for every run's events, and a place to push the
// project-structure notice back out.
type Broadcaster interface {
	RegisterClient(runID string, ch chan model.Event)
	UnregisterClient(runID string, ch chan model.Event)
}

// globalChannel is the Emitter's broadcast-to-everyone key (its own
// unexported globalSessionID constant has this exact value); any caller
// wanting every run's events registers under it.
const globalChannel = "*"

// Namer proposes a short, human-friendly slug for a run from its
// originating question, via a fast utility-tier LLM call (spec §4.11 step
// 1: "intelligent-naming LLM call (fast utility model)"). Left as an
// injected function rather than a concrete llmtransport wiring here, since
// the hook's job is persistence, not owning a model call; ProposeSlug is
// the zero-dependency fallback used when no Namer is configured.
type Namer func(ctx context.Context, question string) (string, error)

// Hook is the Persistence Hook (C11): it subscribes to every run's
// turn_completed events and snapshots the owning RunContext to a FileStore
// on each one.
type Hook struct {
	store  *FileStore
	lookup RunLookup
	namer  Namer
	log    logging.Logger

	mu          sync.Mutex
	initialized map[string]bool
}

// NewHook binds a Hook to store and lookup. namer may be nil, in which case
// ProposeSlug's deterministic fallback names every run.
func NewHook(store *FileStore, lookup RunLookup, namer Namer) *Hook {
	return &Hook{
		store:       store,
		lookup:      lookup,
		namer:       namer,
		log:         logging.NewComponentLogger("persistence"),
		initialized: make(map[string]bool),
	}
}

// Start registers the hook as a global event subscriber and processes
// turn_completed events until ctx is cancelled.
func (h *Hook) Start(ctx context.Context, emitter Broadcaster) {
	ch := make(chan model.Event, 64)
	emitter.RegisterClient(globalChannel, ch)
	go func() {
		defer emitter.UnregisterClient(globalChannel, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if ev.Type != model.EventTurnCompleted {
					continue
				}
				h.handle(ev)
			}
		}
	}()
}

// handle implements spec §4.11's four numbered steps for one turn_completed
// event. A save failure is logged and swallowed (spec §7's "Persistence
// failure" row: "log and continue; next turn retries"), never surfaced to
// the agent loop that produced the event.
func (h *Hook) handle(ev model.Event) {
	run, ok := h.lookup(ev.RunID)
	if !ok || run == nil {
		return
	}

	snap := BuildSnapshot(run)
	meta := Metadata{
		RunID:     run.Meta.RunID,
		ProjectID: run.ProjectID,
		RunType:   run.Meta.RunType,
		CreatedAt: run.Meta.CreationTS,
	}
	if err := h.store.SaveRun(run.ProjectID, run.Meta.RunID, meta, snap); err != nil {
		h.log.Error("persistence_save_failed run=%s err=%v", run.Meta.RunID, err)
		return
	}

	if h.markFirstSave(run.Meta.RunID) {
		h.scheduleNaming(run)
	}
	h.broadcastProjectStructure(run, "")
}

func (h *Hook) markFirstSave(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized[runID] {
		return false
	}
	h.initialized[runID] = true
	return true
}

// scheduleNaming runs the (possibly slow) naming call off the event
// delivery goroutine, per spec §4.11 step 1's "asynchronously schedule".
// Deliberately detached from the triggering event's context: the naming
// call should outlive the turn that happened to be first, not get
// cancelled alongside it.
func (h *Hook) scheduleNaming(run *model.RunContext) {
	question := run.Team.Question
	projectID, runID := run.ProjectID, run.Meta.RunID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var name string
		var err error
		if h.namer != nil {
			name, err = h.namer(ctx, question)
		}
		if err != nil || name == "" {
			name = ProposeSlug(question)
		}
		if err := h.store.UpdateDisplayName(projectID, runID, name); err != nil {
			h.log.Error("persistence_index_update_failed run=%s err=%v", runID, err)
			return
		}
		if live, ok := h.lookup(runID); ok {
			h.broadcastProjectStructure(live, name)
		}
	}()
}

func (h *Hook) broadcastProjectStructure(run *model.RunContext, displayName string) {
	if run == nil || run.Runtime == nil || run.Runtime.Events == nil {
		return
	}
	run.Runtime.Events.Emit(model.Event{
		Type:      model.EventProjectStructure,
		RunID:     run.Meta.RunID,
		Timestamp: time.Now().UTC(),
		Payload: model.ProjectStructurePayload{
			ProjectID:   run.ProjectID,
			RunID:       run.Meta.RunID,
			DisplayName: displayName,
		},
	})
}

// ProposeSlug derives a deterministic, dependency-free run name from its
// originating question, used whenever no Namer is configured or the
// configured one fails. Not a substitute for the LLM-proposed name spec
// §4.11 calls for — a local fallback so a run is never left unnamed.
func ProposeSlug(question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return "untitled-run"
	}
	words := strings.Fields(question)
	if len(words) > 6 {
		words = words[:6]
	}
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte('-')
		}
		for _, r := range strings.ToLower(w) {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	out := b.String()
	if out == "" {
		return "untitled-run"
	}
	return out
}
