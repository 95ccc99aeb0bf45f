package model

import "time"

// EventType enumerates the typed event stream produced by the run for
// downstream consumers (spec §6 "Event stream").
type EventType string

const (
	EventLLMStreamStarted  EventType = "llm_stream_started"
	EventLLMChunk          EventType = "llm_chunk"
	EventLLMStreamEnded    EventType = "llm_stream_ended"
	EventLLMStreamFailed   EventType = "llm_stream_failed"
	EventTurnCompleted     EventType = "turn_completed"
	EventTurnsSync         EventType = "turns_sync"
	EventViewModelUpdate   EventType = "view_model_update"
	EventTokenUsageUpdate  EventType = "token_usage_update"
	EventWorkModuleUpdated EventType = "work_module_updated"
	EventError             EventType = "error"
	EventProjectStructure  EventType = "project_structure_updated"
)

// ChunkType distinguishes the payload kind of an llm_chunk event.
type ChunkType string

const (
	ChunkContent   ChunkType = "content"
	ChunkReasoning ChunkType = "reasoning_content"
	ChunkToolName  ChunkType = "tool_name"
	ChunkToolArgs  ChunkType = "tool_args"
)

// ViewName enumerates the view models §4.8/§6 reference.
type ViewName string

const (
	ViewFlow     ViewName = "flow_view"
	ViewTimeline ViewName = "timeline_view"
	ViewKanban   ViewName = "kanban_view"
)

// Event is one item on the emitted event stream. Payload holds the
// type-specific body; Go consumers type-switch on Type before reading it.
type Event struct {
	Type      EventType
	RunID     string
	AgentID   string
	StreamID  string
	Timestamp time.Time
	Payload   any
}

// LLMChunkPayload is the Payload for EventLLMChunk.
type LLMChunkPayload struct {
	ChunkType ChunkType
	Content   string
	ToolIndex int
}

// ViewModelUpdatePayload is the Payload for EventViewModelUpdate.
type ViewModelUpdatePayload struct {
	View ViewName
	Data any
}

// WorkModuleUpdatedPayload is the Payload for EventWorkModuleUpdated.
type WorkModuleUpdatedPayload struct {
	ModuleID string
	Status   WorkModuleStatus
}

// ErrorPayload is the Payload for EventError.
type ErrorPayload struct {
	Message string
	Source  string
}

// ProjectStructurePayload is the Payload for EventProjectStructure, fired
// by the persistence hook whenever a run's entry in its project index
// changes (spec §4.11: "broadcast a project-structure event for UI
// reconciliation").
type ProjectStructurePayload struct {
	ProjectID   string
	RunID       string
	Filename    string
	DisplayName string
}
