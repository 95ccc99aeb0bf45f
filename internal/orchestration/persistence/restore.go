package persistence

import (
	"time"

	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
)

// Restore injects a previously-saved Snapshot into run, a freshly
// constructed RunContext (as run.Orchestrator.CreateRun would build it for
// the same run_type), then runs the post-restore cleanup pass. Grounded on
// management.py's _inject_restored_state: inject team_state, rebuild the
// knowledge base from its dict, attach or synthesize each sub-context's
// state, then finalize anything left mid-flight from the previous process.
func Restore(run *model.RunContext, snap *Snapshot) {
	if run == nil || snap == nil {
		return
	}

	team := run.Team
	team.Question = snap.TeamState.Question
	team.DispatchHistory = snap.TeamState.DispatchHistory
	team.ProfilesListInstanceIDs = snap.TeamState.ProfilesListInstanceIDs
	team.SetWorkModuleCounter(snap.TeamState.WorkModuleCounter)
	for _, m := range snap.TeamState.WorkModules {
		team.PutWorkModule(m)
	}
	for _, turn := range snap.TeamState.Turns {
		team.AppendTurn(turn)
	}

	if run.Runtime != nil {
		run.Runtime.Knowledge = knowledge.NewAdapter(knowledge.RestoreFromDict(run.Meta.RunID, snap.KnowledgeBase))
	}

	restoreSubContexts(run, snap)
	cleanupAfterRestore(team)
}

// restoreSubContexts attaches each snapshotted agent's state onto the
// matching pre-created SubContext (the normal case: Partner/Principal are
// already registered by CreateRun), or synthesizes a fresh envelope for one
// that wasn't pre-created (an Associate, whose SubContext only exists for
// the lifetime of its dispatch and is deregistered once archived).
func restoreSubContexts(run *model.RunContext, snap *Snapshot) {
	for agentID, scSnap := range snap.SubContexts {
		if existing, ok := run.SubContextByID(agentID); ok {
			existing.WithLock(func(st *model.SubContextState) { *st = scSnap.State })
			continue
		}

		meta := model.SubContextMeta{
			RunID:              run.Meta.RunID,
			AgentID:            scSnap.AgentID,
			ParentAgentID:      scSnap.ParentAgentID,
			ProfileLogicalName: scSnap.ProfileLogicalName,
			ProfileInstanceID:  scSnap.ProfileInstanceID,
			AssignedRole:       scSnap.AssignedRole,
		}
		rebuilt := model.NewSubContext(meta, run, run.Team)
		rebuilt.WithLock(func(st *model.SubContextState) { *st = scSnap.State })
		run.RegisterSubContext(rebuilt)
	}
}

// cleanupAfterRestore finalizes anything that was mid-flight when the
// previous process stopped, mirroring management.py's cleanup pass: a
// running turn becomes interrupted, a running LLM interaction becomes
// errored, and the principal-flow-running flag is forced back to false
// since no Principal goroutine survived the restart. Each LLM interaction's
// attempts list is walked too: an attempt still "pending" (the placeholder
// turns.Manager.StartNewTurn appends before the call finishes) is marked
// failed.
func cleanupAfterRestore(team *model.TeamState) {
	now := time.Now().UTC()
	for _, turn := range team.Turns() {
		turn.WithLock(func(t *model.Turn) {
			if t.Status == model.TurnRunning {
				t.Status = model.TurnInterrupted
				t.EndTime = now
			}
			if t.LLMInteraction.Status == model.LLMInteractionRunning {
				t.LLMInteraction.Status = model.LLMInteractionError
			}
			for i := range t.LLMInteraction.Attempts {
				if t.LLMInteraction.Attempts[i].Status == "pending" {
					t.LLMInteraction.Attempts[i].Status = model.AttemptFailed
				}
			}
			for i := range t.ToolInteractions {
				ti := &t.ToolInteractions[i]
				if ti.Status == model.ToolInteractionRunning {
					ti.Status = model.ToolInteractionInterrupted
					ti.EndTime = now
				}
			}
		})
	}
	if team.PrincipalFlowRunning() {
		team.SetPrincipalFlowRunning(false)
	}
}
