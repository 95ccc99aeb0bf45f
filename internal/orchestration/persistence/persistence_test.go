package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
)

func newTestRun(t *testing.T, runID string) *model.RunContext {
	t.Helper()
	rt := &model.Runtime{Knowledge: knowledge.NewAdapter(knowledge.New(runID))}
	run := model.NewRunContext(model.RunMeta{
		RunID:      runID,
		RunType:    model.RunTypePartnerInteraction,
		CreationTS: time.Now().UTC(),
		Status:     model.RunStatusActive,
	}, model.RunConfig{}, "proj1", rt)
	run.Team.Question = "how do I migrate the billing database"

	partner := model.NewSubContext(model.SubContextMeta{
		RunID: runID, AgentID: "Partner", AssignedRole: model.RolePartner,
	}, run, run.Team)
	partner.WithLock(func(st *model.SubContextState) {
		st.Messages = []model.Message{{Role: model.RoleUser, Content: "hello"}}
		st.LastTurnID = "turn_1"
	})
	run.RegisterSubContext(partner)

	turn := &model.Turn{
		TurnID: "turn_1", RunID: runID, Status: model.TurnRunning,
		AgentInfo: model.AgentInfo{AgentID: "Partner"},
		LLMInteraction: model.LLMInteraction{Status: model.LLMInteractionRunning},
	}
	run.Team.AppendTurn(turn)

	return run
}

func TestBuildSnapshotCapturesTeamAndSubContexts(t *testing.T) {
	run := newTestRun(t, "run_1")
	snap := BuildSnapshot(run)

	assert.Equal(t, "how do I migrate the billing database", snap.TeamState.Question)
	require.Len(t, snap.TeamState.Turns, 1)
	assert.Equal(t, "turn_1", snap.TeamState.Turns[0].TurnID)
	require.Contains(t, snap.SubContexts, "Partner")
	assert.Equal(t, "turn_1", snap.SubContexts["Partner"].State.LastTurnID)
	assert.NotNil(t, snap.KnowledgeBase)
}

func TestFileStoreSaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	run := newTestRun(t, "run_1")
	snap := BuildSnapshot(run)
	meta := Metadata{RunID: "run_1", ProjectID: "proj1", RunType: model.RunTypePartnerInteraction, CreatedAt: run.Meta.CreationTS}

	require.NoError(t, store.SaveRun("proj1", "run_1", meta, snap))

	loadedMeta, loadedSnap, err := store.LoadRun("proj1", "run_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", loadedMeta.RunID)
	assert.Equal(t, "how do I migrate the billing database", loadedSnap.TeamState.Question)

	runs, err := store.ListRuns("proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_1"}, runs)
}

func TestFileStoreUpdateDisplayNamePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	run := newTestRun(t, "run_1")
	snap := BuildSnapshot(run)
	require.NoError(t, store.SaveRun("proj1", "run_1", Metadata{RunID: "run_1"}, snap))
	require.NoError(t, store.UpdateDisplayName("proj1", "run_1", "billing-db-migration"))

	idx, err := store.readIndexLocked("proj1")
	require.NoError(t, err)
	assert.Equal(t, "billing-db-migration", idx.Runs["run_1"].DisplayName)
}

func TestRestoreInjectsStateAndFinalizesRunningTurns(t *testing.T) {
	source := newTestRun(t, "run_1")
	snap := BuildSnapshot(source)

	fresh := newTestRun(t, "run_1")
	// Simulate a different process: the fresh run holds its own turn_1 plus
	// a completed turn_2, and Restore appends the snapshot's turns after them.
	fresh.Team.AppendTurn(&model.Turn{TurnID: "turn_2", Status: model.TurnCompleted})

	Restore(fresh, snap)

	turn, ok := fresh.Team.TurnByID("turn_1")
	require.True(t, ok)
	assert.Equal(t, model.TurnInterrupted, turn.Status)
	assert.Equal(t, model.LLMInteractionError, turn.LLMInteraction.Status)
	assert.False(t, fresh.Team.PrincipalFlowRunning())

	partner, ok := fresh.SubContextByID("Partner")
	require.True(t, ok)
	var lastTurnID string
	partner.ReadLocked(func(st model.SubContextState) { lastTurnID = st.LastTurnID })
	assert.Equal(t, "turn_1", lastTurnID)
}

func TestRestoreSynthesizesMissingSubContext(t *testing.T) {
	source := newTestRun(t, "run_1")
	associate := model.NewSubContext(model.SubContextMeta{
		RunID: "run_1", AgentID: "Associate_1", ParentAgentID: "Principal", AssignedRole: model.RoleAssociate,
	}, source, source.Team)
	associate.WithLock(func(st *model.SubContextState) { st.LastTurnID = "turn_1" })
	source.RegisterSubContext(associate)
	snap := BuildSnapshot(source)

	fresh := newTestRun(t, "run_1") // only Partner pre-created, like CreateRun for this run_type
	Restore(fresh, snap)

	sc, ok := fresh.SubContextByID("Associate_1")
	require.True(t, ok)
	assert.Equal(t, "Principal", sc.Meta.ParentAgentID)
}

// stubBroadcaster is a minimal Broadcaster for exercising Hook.Start without
// a real events.Emitter.
type stubBroadcaster struct {
	registered chan model.Event
}

func (b *stubBroadcaster) RegisterClient(runID string, ch chan model.Event)   { b.registered = ch }
func (b *stubBroadcaster) UnregisterClient(runID string, ch chan model.Event) {}

func TestHookSavesSnapshotOnTurnCompleted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	run := newTestRun(t, "run_1")
	lookup := func(runID string) (*model.RunContext, bool) {
		if runID == "run_1" {
			return run, true
		}
		return nil, false
	}
	hook := NewHook(store, lookup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broadcaster := &stubBroadcaster{}
	hook.Start(ctx, broadcaster)
	require.Eventually(t, func() bool { return broadcaster.registered != nil }, time.Second, time.Millisecond)

	broadcaster.registered <- model.Event{Type: model.EventTurnCompleted, RunID: "run_1"}

	require.Eventually(t, func() bool {
		_, _, err := store.LoadRun("proj1", "run_1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestProposeSlugFallsBackWhenQuestionEmpty(t *testing.T) {
	assert.Equal(t, "untitled-run", ProposeSlug(""))
	assert.Equal(t, "how-do-i-migrate-the-billing", ProposeSlug("How DO i migrate the billing database!!"))
}
