package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/model"
)

func TestEmitterDeliversToRegisteredClient(t *testing.T) {
	e := New(nil)
	ch := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch)

	e.Emit(model.Event{Type: model.EventTurnCompleted, RunID: "run-1", Timestamp: time.Now()})

	select {
	case got := <-ch:
		assert.Equal(t, model.EventTurnCompleted, got.Type)
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestEmitterDoesNotCrossRunBoundaries(t *testing.T) {
	e := New(nil)
	ch1 := make(chan model.Event, 1)
	ch2 := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch1)
	e.RegisterClient("run-2", ch2)

	e.Emit(model.Event{Type: model.EventTurnCompleted, RunID: "run-1"})

	select {
	case <-ch1:
	default:
		t.Fatal("expected run-1 subscriber to receive its own run's event")
	}
	select {
	case <-ch2:
		t.Fatal("run-2 subscriber must not receive run-1's event")
	default:
	}
}

func TestEmitterGlobalSessionReachesEveryClient(t *testing.T) {
	e := New(nil)
	ch1 := make(chan model.Event, 1)
	ch2 := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch1)
	e.RegisterClient("run-2", ch2)

	e.Emit(model.Event{Type: model.EventError, RunID: globalSessionID})

	for idx, ch := range []chan model.Event{ch1, ch2} {
		select {
		case <-ch:
		default:
			t.Fatalf("client %d: expected global event", idx+1)
		}
	}
}

func TestEmitterRecordsDropsWhenBufferFull(t *testing.T) {
	e := New(nil)
	ch := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch)

	e.Emit(model.Event{Type: model.EventTurnCompleted, RunID: "run-1"}) // fills the buffer
	e.Emit(model.Event{Type: model.EventTurnCompleted, RunID: "run-1"}) // dropped

	metrics := e.GetMetrics()
	assert.Equal(t, int64(1), metrics.DroppedEvents)
	assert.Equal(t, int64(1), metrics.DropsPerSession["run-1"])
}

func TestUnregisterClientDoesNotCorruptPriorSnapshot(t *testing.T) {
	e := New(nil)
	ch1 := make(chan model.Event, 10)
	ch2 := make(chan model.Event, 10)
	ch3 := make(chan model.Event, 10)
	e.RegisterClient("run-1", ch1)
	e.RegisterClient("run-1", ch2)
	e.RegisterClient("run-1", ch3)

	before := e.loadClients()["run-1"]
	require.Len(t, before, 3)

	e.UnregisterClient("run-1", ch2)

	assert.Len(t, before, 3, "prior snapshot must stay untouched (copy-on-write)")
	after := e.loadClients()["run-1"]
	require.Len(t, after, 2)
	assert.Same(t, ch1, after[0])
	assert.Same(t, ch3, after[1])
}

func TestEmitLazilyGeneratesViewModelFromRunLookup(t *testing.T) {
	run := model.NewRunContext(model.RunMeta{RunID: "run-1"}, model.RunConfig{}, "proj", &model.Runtime{})
	e := New(func(runID string) (*model.RunContext, bool) {
		if runID == "run-1" {
			return run, true
		}
		return nil, false
	})
	ch := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch)

	e.Emit(model.Event{
		Type:      model.EventViewModelUpdate,
		RunID:     "run-1",
		Timestamp: time.Now(),
		Payload:   model.ViewModelUpdatePayload{View: model.ViewKanban},
	})

	got := <-ch
	payload, ok := got.Payload.(model.ViewModelUpdatePayload)
	require.True(t, ok)
	assert.NotNil(t, payload.Data)
}

func TestPushViewModelGeneratesFlowView(t *testing.T) {
	run := model.NewRunContext(model.RunMeta{RunID: "run-1"}, model.RunConfig{}, "proj", &model.Runtime{})
	e := New(nil)
	ch := make(chan model.Event, 1)
	e.RegisterClient("run-1", ch)

	e.PushViewModel(run, model.ViewFlow)

	got := <-ch
	payload, ok := got.Payload.(model.ViewModelUpdatePayload)
	require.True(t, ok)
	data, ok := payload.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "nodes")
	assert.Contains(t, data, "edges")
}
