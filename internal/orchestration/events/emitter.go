package events

import (
	"sync"
	"sync/atomic"
	"time"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
)

// globalSessionID fans an event out to every registered client regardless
// of run id, mirroring the teacher's globalHighVolumeSessionID escape
// hatch for broadcast-to-everyone notices.
const globalSessionID = "*"

// RunLookup resolves a run id to its RunContext so the emitter can
// regenerate a view model at push time (event_triggers.py's
// trigger_view_model_update always re-derives the model from the live
// context rather than caching it).
type RunLookup func(runID string) (*model.RunContext, bool)

// Metrics tracks best-effort delivery health.
type Metrics struct {
	DroppedEvents   int64
	DropsPerSession map[string]int64
}

// Emitter implements model.EventEmitter and fans events out to per-run
// subscriber channels. The client registry is copy-on-write (a fresh map
// swapped in on every register/unregister) so readers iterating a snapshot
// never race a concurrent mutation — grounded on the teacher's
// EventBroadcaster (internal/delivery/server/app/event_broadcaster_test.go),
// translating its session-keyed chan agent.AgentEvent registry onto
// chan model.Event keyed by run id.
type Emitter struct {
	log logging.Logger

	clients atomic.Value // map[string][]chan model.Event

	mu              sync.Mutex // guards registration swaps and metrics below
	droppedEvents   int64
	dropsPerSession map[string]int64

	lookup RunLookup
}

// New returns an Emitter with an empty client registry. lookup may be nil;
// PushViewModel becomes a no-op until one is set via SetRunLookup.
func New(lookup RunLookup) *Emitter {
	e := &Emitter{
		log:             logging.NewComponentLogger("events"),
		lookup:          lookup,
		dropsPerSession: make(map[string]int64),
	}
	e.clients.Store(map[string][]chan model.Event{})
	return e
}

// SetRunLookup binds (or rebinds) the RunContext resolver.
func (e *Emitter) SetRunLookup(lookup RunLookup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookup = lookup
}

func (e *Emitter) loadClients() map[string][]chan model.Event {
	return e.clients.Load().(map[string][]chan model.Event)
}

// RegisterClient subscribes ch to runID's event stream (pass globalSessionID
// to receive every run's events).
func (e *Emitter) RegisterClient(runID string, ch chan model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.loadClients()
	next := make(map[string][]chan model.Event, len(current))
	for k, v := range current {
		next[k] = v
	}
	next[runID] = append(append([]chan model.Event(nil), next[runID]...), ch)
	e.clients.Store(next)
}

// UnregisterClient removes ch from runID's subscriber list.
func (e *Emitter) UnregisterClient(runID string, ch chan model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.loadClients()
	existing := current[runID]
	filtered := make([]chan model.Event, 0, len(existing))
	for _, c := range existing {
		if c != ch {
			filtered = append(filtered, c)
		}
	}
	next := make(map[string][]chan model.Event, len(current))
	for k, v := range current {
		next[k] = v
	}
	if len(filtered) == 0 {
		delete(next, runID)
	} else {
		next[runID] = filtered
	}
	e.clients.Store(next)
}

// Emit implements model.EventEmitter. If event is a view_model_update whose
// payload carries no Data yet, the view model is generated here from the
// live RunContext before fan-out (the lazy-generation half of
// PushViewModel); this lets internal callers that only know the run id and
// view name — like internal/orchestration/run's emitView — submit a bare
// request and have this package do the generation work.
func (e *Emitter) Emit(event model.Event) {
	if event.Type == model.EventViewModelUpdate {
		if payload, ok := event.Payload.(model.ViewModelUpdatePayload); ok && payload.Data == nil {
			event.Payload = e.generate(event.RunID, payload.View)
		}
	}
	e.broadcast(event)
}

// PushViewModel is the direct entry point named in the expanded
// specification: generate view immediately and emit a fully-populated
// event, rather than relying on Emit's lazy path.
func (e *Emitter) PushViewModel(run *model.RunContext, view model.ViewName) {
	if run == nil {
		return
	}
	e.broadcast(model.Event{
		Type:      model.EventViewModelUpdate,
		RunID:     run.Meta.RunID,
		Timestamp: time.Now().UTC(),
		Payload:   model.ViewModelUpdatePayload{View: view, Data: e.generateFromRun(run, view)},
	})
}

func (e *Emitter) generate(runID string, view model.ViewName) model.ViewModelUpdatePayload {
	e.mu.Lock()
	lookup := e.lookup
	e.mu.Unlock()
	if lookup == nil {
		return model.ViewModelUpdatePayload{View: view}
	}
	run, ok := lookup(runID)
	if !ok {
		e.log.Warn("view_model_update_run_not_found run=%s view=%s", runID, view)
		return model.ViewModelUpdatePayload{View: view}
	}
	return model.ViewModelUpdatePayload{View: view, Data: e.generateFromRun(run, view)}
}

func (e *Emitter) generateFromRun(run *model.RunContext, view model.ViewName) any {
	switch view {
	case model.ViewFlow:
		return GenerateFlowView(run)
	case model.ViewTimeline:
		return GenerateTimelineView(run)
	case model.ViewKanban:
		return GenerateKanbanView(run)
	default:
		e.log.Error("view_model_update_unknown_view view=%s", view)
		return nil
	}
}

func (e *Emitter) broadcast(event model.Event) {
	clients := e.loadClients()
	var targets []chan model.Event
	if event.RunID == globalSessionID {
		for _, chans := range clients {
			targets = append(targets, chans...)
		}
	} else {
		targets = append(targets, clients[event.RunID]...)
		targets = append(targets, clients[globalSessionID]...)
	}
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			e.recordDrop(event.RunID)
			select {
			case ch <- droppedNotification(event.RunID, event.Type):
			default:
			}
		}
	}
}

func (e *Emitter) recordDrop(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.droppedEvents++
	e.dropsPerSession[runID]++
}

// GetMetrics returns a snapshot of delivery-drop counters.
func (e *Emitter) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Metrics{DroppedEvents: e.droppedEvents, DropsPerSession: make(map[string]int64, len(e.dropsPerSession))}
	for k, v := range e.dropsPerSession {
		out.DropsPerSession[k] = v
	}
	return out
}

func droppedNotification(runID string, droppedType model.EventType) model.Event {
	return model.Event{
		Type:      model.EventError,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   model.ErrorPayload{Message: "client buffer full, event dropped", Source: string(droppedType)},
	}
}
