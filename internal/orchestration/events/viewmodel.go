// Package events implements the View/Event Emitter (C10): it derives the
// three UI-facing view models (flow, timeline, kanban) from a RunContext's
// team ledger and streams incremental events to subscribed clients.
//
// Grounded on original_source/.../utils/view_model_generator.py (the three
// _generate_*_view_model functions, read in full) and
// original_source/.../events/event_triggers.py's trigger_view_model_update,
// which resolves a context to its owning RunContext and regenerates the
// named view at emit time rather than caching it.
package events

import (
	"sort"
	"strings"
	"time"

	"alex/internal/orchestration/model"
)

// GenerateFlowView builds the flow_view graph (nodes + edges) from the
// team's turn ledger, grounded on _generate_flow_view_model. Partner turns
// and user turns are never rendered as nodes; depth is computed by a BFS
// over source_turn_ids with Principal turns forced to a depth strictly
// greater than every node that precedes them, so flow_view always renders
// the Principal's activity as its own visual "row".
func GenerateFlowView(run *model.RunContext) map[string]any {
	if run == nil {
		return map[string]any{"nodes": []any{}, "edges": []any{}}
	}
	turns := run.Team.Turns()
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].StartTime.Before(turns[j].StartTime) })

	depths := computeTurnDepths(turns)

	type node struct {
		id   string
		data map[string]any
	}
	nodesByID := make(map[string]*node)
	order := make([]string, 0, len(turns))

	for _, turn := range turns {
		var agentID, turnType string
		var toolInteractions []model.ToolInteraction
		var status model.TurnStatus
		var startTime time.Time
		turn.WithLock(func(t *model.Turn) {
			agentID = t.AgentInfo.AgentID
			turnType = string(t.TurnType)
			toolInteractions = append([]model.ToolInteraction(nil), t.ToolInteractions...)
			status = t.Status
			startTime = t.StartTime
		})
		if agentID == "Partner" || turnType == "user_turn" {
			continue
		}

		nodeID := "turn-" + turn.TurnID
		label := agentID
		nodeType := "turn"
		if turnType == "restart_delimiter_turn" {
			nodeID = "delimiter-" + turn.TurnID
			nodeType = "gather"
			label = "Flow Restarted"
		} else if turnType == "aggregation_turn" {
			nodeType = "gather"
			label = "Gather"
		}

		n := &node{id: nodeID, data: map[string]any{
			"label":             label,
			"nodeType":          nodeType,
			"status":            string(status),
			"timestamp":         startTime,
			"originalId":        turn.TurnID,
			"turn_id":           turn.TurnID,
			"agent_id":          agentID,
			"tool_interactions": toolInteractions,
			"depth":             depths[turn.TurnID],
		}}
		nodesByID[nodeID] = n
		order = append(order, nodeID)
	}

	edges := make([]map[string]any, 0)
	for _, turn := range turns {
		var agentID, turnType string
		var sourceIDs []string
		var status model.TurnStatus
		turn.WithLock(func(t *model.Turn) {
			agentID = t.AgentInfo.AgentID
			turnType = string(t.TurnType)
			sourceIDs = append([]string(nil), t.SourceTurnIDs...)
			status = t.Status
		})
		if agentID == "Partner" || turnType == "user_turn" {
			continue
		}
		targetID := "turn-" + turn.TurnID
		if turnType == "restart_delimiter_turn" {
			targetID = "delimiter-" + turn.TurnID
		}
		if _, ok := nodesByID[targetID]; !ok {
			continue
		}
		for _, sourceTurnID := range sourceIDs {
			sourceID := "turn-" + sourceTurnID
			if sourceTurn, ok := run.Team.TurnByID(sourceTurnID); ok {
				var sourceType string
				sourceTurn.WithLock(func(t *model.Turn) { sourceType = string(t.TurnType) })
				if sourceType == "restart_delimiter_turn" {
					sourceID = "delimiter-" + sourceTurnID
				}
			}
			if _, ok := nodesByID[sourceID]; !ok {
				continue
			}
			edgeType := ""
			if nodesByID[targetID].data["nodeType"] == "gather" {
				edgeType = "return"
			}
			edges = append(edges, map[string]any{
				"id":        sourceID + "->" + targetID,
				"source":    sourceID,
				"target":    targetID,
				"animated":  status == model.TurnRunning,
				"edgeType":  edgeType,
			})
		}
	}

	nodes := make([]map[string]any, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, map[string]any{"id": id, "type": "custom", "data": nodesByID[id].data})
	}
	return map[string]any{"nodes": nodes, "edges": edges}
}

// computeTurnDepths runs a BFS over the source_turn_ids DAG to assign each
// turn a layout depth, then force-corrects Principal turns to sit strictly
// below every node that ran before them (spec source's "Force correction
// and propagation of Principal depth").
func computeTurnDepths(turns []*model.Turn) map[string]int {
	type turnView struct {
		id, agentID string
		sourceIDs   []string
	}
	views := make([]turnView, len(turns))
	allIDs := make(map[string]bool, len(turns))
	for i, turn := range turns {
		turn.WithLock(func(t *model.Turn) {
			views[i] = turnView{id: t.TurnID, agentID: t.AgentInfo.AgentID, sourceIDs: append([]string(nil), t.SourceTurnIDs...)}
		})
		allIDs[views[i].id] = true
	}

	childToParents := make(map[string][]string)
	parentToChildren := make(map[string][]string)
	for _, v := range views {
		if _, ok := parentToChildren[v.id]; !ok {
			parentToChildren[v.id] = nil
		}
		if len(v.sourceIDs) > 0 {
			childToParents[v.id] = v.sourceIDs
			for _, src := range v.sourceIDs {
				if allIDs[src] {
					parentToChildren[src] = append(parentToChildren[src], v.id)
				}
			}
		}
	}

	depths := make(map[string]int, len(views))
	queue := make([]string, 0)
	for id := range allIDs {
		if len(childToParents[id]) == 0 {
			depths[id] = 1
			queue = append(queue, id)
		}
	}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		curDepth := depths[cur]
		if curDepth == 0 {
			curDepth = 1
		}
		for _, child := range parentToChildren[cur] {
			newDepth := curDepth + 1
			if newDepth > depths[child] {
				depths[child] = newDepth
			}
			if !visited[child] {
				queue = append(queue, child)
			}
		}
	}

	maxNonPrincipalDepth := 0
	for _, v := range views {
		if strings.Contains(v.agentID, "Principal") {
			maxParentDepth := 0
			for _, src := range childToParents[v.id] {
				if depths[src] > maxParentDepth {
					maxParentDepth = depths[src]
				}
			}
			desired := maxParentDepth
			if maxNonPrincipalDepth > desired {
				desired = maxNonPrincipalDepth
			}
			desired++
			current := depths[v.id]
			if current == 0 {
				current = 1
			}
			if increase := desired - current; increase > 0 {
				propagateDepthIncrease(v.id, increase, parentToChildren, depths)
			}
		} else {
			if depths[v.id] > maxNonPrincipalDepth {
				maxNonPrincipalDepth = depths[v.id]
			}
		}
	}
	return depths
}

func propagateDepthIncrease(startID string, increase int, parentToChildren map[string][]string, depths map[string]int) {
	queue := []string{startID}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if depths[cur] == 0 {
			depths[cur] = 1
		}
		depths[cur] += increase
		queue = append(queue, parentToChildren[cur]...)
	}
}

// GenerateTimelineView builds per-agent lanes of turn/tool blocks, grounded
// on _generate_timeline_view_model. Partner is excluded from lanes; the
// overall end time tracks "now" while a Principal is still running so the
// timeline renders as live.
func GenerateTimelineView(run *model.RunContext) map[string]any {
	empty := map[string]any{"lanes": []any{}, "overallStartTime": nil, "overallEndTime": nil, "timeBreaks": []any{}, "isLive": false}
	if run == nil {
		return empty
	}
	turns := run.Team.Turns()
	if len(turns) == 0 {
		return empty
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].StartTime.Before(turns[j].StartTime) })

	type block struct {
		agentID              string
		moduleID, moduleName string
		blockType, status    string
		startTime, endTime   time.Time
	}
	lanes := make(map[string][]block)
	var all []block

	for _, turn := range turns {
		var agentID, turnID string
		var status model.TurnStatus
		var startTime, endTime time.Time
		var toolInteractions []model.ToolInteraction
		turn.WithLock(func(t *model.Turn) {
			agentID = t.AgentInfo.AgentID
			turnID = t.TurnID
			status = t.Status
			startTime = t.StartTime
			endTime = t.EndTime
			toolInteractions = append([]model.ToolInteraction(nil), t.ToolInteractions...)
		})
		if agentID == "" || agentID == "Partner" {
			continue
		}
		b := block{agentID: agentID, moduleID: turnID, moduleName: "Turn (" + string(status) + ")", blockType: "turn", status: strings.ToUpper(string(status)), startTime: startTime, endTime: endTime}
		lanes[agentID] = append(lanes[agentID], b)
		all = append(all, b)

		for _, ti := range toolInteractions {
			if ti.StartTime.IsZero() {
				continue
			}
			tb := block{agentID: agentID, moduleID: ti.ToolCallID, moduleName: "Tool: " + ti.ToolName, blockType: "tool", status: strings.ToUpper(string(ti.Status)), startTime: ti.StartTime, endTime: ti.EndTime}
			lanes[agentID] = append(lanes[agentID], tb)
			all = append(all, tb)
		}
	}
	if len(all) == 0 {
		return empty
	}

	overallStart := all[0].startTime
	for _, b := range all {
		if b.startTime.Before(overallStart) {
			overallStart = b.startTime
		}
	}
	isLive := run.Team.PrincipalFlowRunning()
	var overallEnd time.Time
	if isLive {
		overallEnd = time.Now().UTC()
	} else {
		for _, b := range all {
			if !b.endTime.IsZero() && b.endTime.After(overallEnd) {
				overallEnd = b.endTime
			}
		}
		if overallEnd.IsZero() {
			overallEnd = overallStart
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].startTime.Before(all[j].startTime) })
	timeBreaks := make([]map[string]any, 0)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if prev.endTime.IsZero() || cur.startTime.IsZero() {
			continue
		}
		if d := cur.startTime.Sub(prev.endTime); d.Seconds() > 1 {
			timeBreaks = append(timeBreaks, map[string]any{
				"breakStart": prev.endTime, "breakEnd": cur.startTime, "duration": d.Seconds(),
			})
		}
	}

	agentIDs := make([]string, 0, len(lanes))
	for id := range lanes {
		agentIDs = append(agentIDs, id)
	}
	sort.Slice(agentIDs, func(i, j int) bool {
		iPrincipal, jPrincipal := strings.HasPrefix(agentIDs[i], "Principal"), strings.HasPrefix(agentIDs[j], "Principal")
		if iPrincipal != jPrincipal {
			return iPrincipal
		}
		return agentIDs[i] < agentIDs[j]
	})
	finalLanes := make([]map[string]any, 0, len(agentIDs))
	for _, id := range agentIDs {
		blocks := lanes[id]
		sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].startTime.Before(blocks[j].startTime) })
		blockMaps := make([]map[string]any, 0, len(blocks))
		for _, b := range blocks {
			blockMaps = append(blockMaps, map[string]any{
				"moduleId": b.moduleID, "moduleName": b.moduleName, "blockType": b.blockType,
				"startTime": b.startTime, "endTime": b.endTime, "status": b.status, "agent_id": b.agentID,
			})
		}
		finalLanes = append(finalLanes, map[string]any{"agentId": id, "blocks": blockMaps})
	}

	return map[string]any{
		"lanes": finalLanes, "overallStartTime": overallStart, "overallEndTime": overallEnd,
		"timeBreaks": timeBreaks, "isLive": isLive,
	}
}

// GenerateKanbanView builds per-status and per-agent boards from the team's
// work modules, grounded on _generate_kanban_view_model.
func GenerateKanbanView(run *model.RunContext) map[string]any {
	byStatus := map[string][]map[string]any{
		"pending": {}, "in_progress": {}, "ongoing": {}, "pending_review": {}, "completed": {}, "deprecated": {},
	}
	byAgent := make(map[string][]map[string]any)
	if run == nil {
		return map[string]any{"view_by_status": byStatus, "view_by_agent": byAgent, "last_updated": time.Now().UTC()}
	}

	for _, m := range run.Team.WorkModules() {
		enriched := map[string]any{
			"module_id":                   m.ID,
			"name":                        m.Name,
			"description":                 m.Description,
			"status":                      string(m.Status),
			"assignee_history":            m.AssigneeHistory,
			"review_info":                 m.ReviewInfo,
			"is_rework":                   len(m.ContextArchive) > 0,
			"agent_id":                    "unassigned",
			"current_assignee_id":         nil,
			"latest_deliverables_summary": nil,
		}
		if len(m.ContextArchive) > 0 {
			last := m.ContextArchive[len(m.ContextArchive)-1]
			if len(last.Deliverables) > 0 {
				enriched["latest_deliverables_summary"] = len(last.Deliverables)
			}
		}
		assigneeID := "unassigned"
		if m.Status == model.ModuleOngoing {
			if running, ok := m.RunningAssignee(); ok {
				assigneeID = running.AgentID
				enriched["current_assignee_id"] = assigneeID
			}
		}
		enriched["agent_id"] = assigneeID

		if _, ok := byStatus[string(m.Status)]; ok {
			byStatus[string(m.Status)] = append(byStatus[string(m.Status)], enriched)
		}
		byAgent[assigneeID] = append(byAgent[assigneeID], enriched)
	}
	return map[string]any{"view_by_status": byStatus, "view_by_agent": byAgent, "last_updated": time.Now().UTC()}
}
