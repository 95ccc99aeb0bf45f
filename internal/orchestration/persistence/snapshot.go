// Package persistence implements the Persistence Hook (C11): it listens for
// turn_completed events, snapshots the owning RunContext to disk under a
// per-project layout, and can rebuild a RunContext from a prior snapshot on
// restart.
//
// Grounded on original_source/.../agent_core/utils/serialization.py's
// get_serializable_run_snapshot (the exact snapshot shape: meta, a run_type
// config subset, team_state, per-sub-context state, knowledge_base.to_dict())
// and agent_core/state/management.py's _inject_restored_state (the restore
// algorithm and its post-restore cleanup pass), translated onto this
// module's typed RunContext/TeamState/SubContext instead of the source's
// plain dicts. The on-disk layout (metadata file + sibling snapshot file,
// project-level index, atomic rename) follows spec §6's "Persisted state
// layout" paragraph directly, using the file-write idiom from the teacher's
// internal/infra/filestore/atomic.go (temp file + os.Rename), reimplemented
// against encoding/json since that file's own jsonx import does not exist
// in this module.
package persistence

import (
	"time"

	"alex/internal/orchestration/model"
)

// Metadata is the small, cheap-to-list file written alongside every
// snapshot (spec §6: "a metadata file carrying {run_id, project_id,
// run_type, created_ts}").
type Metadata struct {
	RunID     string        `json:"run_id"`
	ProjectID string        `json:"project_id"`
	RunType   model.RunType `json:"run_type"`
	CreatedAt time.Time     `json:"created_ts"`
}

// TeamStateSnapshot is the serializable subset of model.TeamState, read out
// through its existing accessor methods (its work-module map and turn
// ledger are unexported to force every other mutation path through those
// methods; the snapshot builder is just one more reader).
type TeamStateSnapshot struct {
	Question                string                        `json:"question"`
	WorkModules             map[string]*model.WorkModule  `json:"work_modules"`
	WorkModuleCounter       int                           `json:"work_module_next_id"`
	Turns                   []*model.Turn                 `json:"turns"`
	DispatchHistory         []model.DispatchHistoryEntry  `json:"dispatch_history"`
	ProfilesListInstanceIDs []string                      `json:"profiles_list_instance_ids"`
	IsPrincipalFlowRunning  bool                          `json:"is_principal_flow_running"`
}

// SubContextSnapshot is one agent's serializable envelope. Unlike the
// source, which keys its sub_context_refs by a fixed three-slot dict
// ("_partner_context_ref", "_principal_context_ref",
// "_ongoing_associate_tasks"), this module's RunContext already keys its
// registry uniformly by agent_id, so the snapshot does the same instead of
// reproducing the source's slot names.
type SubContextSnapshot struct {
	AgentID            string                 `json:"agent_id"`
	ParentAgentID      string                 `json:"parent_agent_id"`
	ProfileLogicalName string                 `json:"profile_logical_name"`
	ProfileInstanceID  string                 `json:"profile_instance_id"`
	AssignedRole       model.AssignedRole     `json:"assigned_role"`
	State              model.SubContextState  `json:"state"`
}

// Snapshot is the full serializable RunContext, as written to disk once
// per turn_completed event.
type Snapshot struct {
	Meta          model.RunMeta                  `json:"meta"`
	ProjectID     string                          `json:"project_id"`
	RunType       model.RunType                   `json:"config_run_type"`
	TeamState     TeamStateSnapshot               `json:"team_state"`
	KnowledgeBase map[string]any                  `json:"knowledge_base"`
	SubContexts   map[string]SubContextSnapshot   `json:"sub_contexts_state"`
}

// BuildSnapshot reads run's current state through its public accessors into
// a Snapshot ready for JSON serialization. Safe to call concurrently with
// the run's own agent loops: every read goes through the same locks they
// use to write.
func BuildSnapshot(run *model.RunContext) *Snapshot {
	team := run.Team
	dispatchHistory, _ := team.VModelField("dispatch_history")
	history, _ := dispatchHistory.([]model.DispatchHistoryEntry)
	profileIDs, _ := team.VModelField("profiles_list_instance_ids")
	instanceIDs, _ := profileIDs.([]string)
	snap := &Snapshot{
		Meta:      run.Meta,
		ProjectID: run.ProjectID,
		RunType:   run.Meta.RunType,
		TeamState: TeamStateSnapshot{
			Question:                team.Question,
			WorkModules:             indexWorkModules(team.WorkModules()),
			WorkModuleCounter:       team.WorkModuleCounter(),
			Turns:                   team.Turns(),
			DispatchHistory:         history,
			ProfilesListInstanceIDs: instanceIDs,
			IsPrincipalFlowRunning:  team.PrincipalFlowRunning(),
		},
		SubContexts: map[string]SubContextSnapshot{},
	}

	if run.Runtime != nil && run.Runtime.Knowledge != nil {
		snap.KnowledgeBase = run.Runtime.Knowledge.ToDict()
	}

	for agentID, sub := range run.SubContexts() {
		var state model.SubContextState
		sub.ReadLocked(func(st model.SubContextState) { state = st })
		snap.SubContexts[agentID] = SubContextSnapshot{
			AgentID:            sub.Meta.AgentID,
			ParentAgentID:      sub.Meta.ParentAgentID,
			ProfileLogicalName: sub.Meta.ProfileLogicalName,
			ProfileInstanceID:  sub.Meta.ProfileInstanceID,
			AssignedRole:       sub.Meta.AssignedRole,
			State:              state,
		}
	}
	return snap
}

func indexWorkModules(modules []*model.WorkModule) map[string]*model.WorkModule {
	out := make(map[string]*model.WorkModule, len(modules))
	for _, m := range modules {
		out[m.ID] = m
	}
	return out
}
