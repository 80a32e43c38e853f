package pipeline

import "github.com/oakdev/oakd/internal/models"

// Canonical event variants (§9 "tagged-variant event types"): the wire
// layer decodes heterogeneous agent payloads into exactly these shapes
// before anything downstream sees them. Every field here is already
// normalized — tool output decoded and truncated, tool input sanitized,
// plan writes detected — so the pipeline is strictly typed over variants
// and never touches raw JSON.

// Envelope is the common header every event carries (§4.4). SessionID is
// already resolved (conversation_id fallback applied by the decoder).
type Envelope struct {
	Agent        string
	SessionID    string
	GenerationID string
	HookOrigin   string
}

// SessionStartEvent begins or reactivates a session.
type SessionStartEvent struct {
	Envelope
	Source models.SessionSource
}

// PromptSubmitEvent opens a new prompt batch.
type PromptSubmitEvent struct {
	Envelope
	Prompt string
	// PlanContent is non-empty when the prompt text contains a plan-directory
	// path; it then holds the prompt text itself (no file is read) and the
	// new batch is marked as a plan batch.
	PlanContent string
}

// ToolUseEvent records one tool invocation (success or failure).
type ToolUseEvent struct {
	Envelope
	ToolName           string
	ToolUseID          string
	ToolInputSanitized string
	ToolOutputSummary  string
	FilePath           string
	Success            bool
	ErrorMessage       string
	// PlanContent is non-empty when this was a Write under a plan
	// directory (§4.4); the surrounding batch is reclassified.
	PlanContent string
}

// StopEvent signals the agent finished responding to the current prompt.
type StopEvent struct {
	Envelope
}

// SessionEndEvent finalizes a session.
type SessionEndEvent struct {
	Envelope
}

// SubagentEvent records a sub-agent lifecycle edge.
type SubagentEvent struct {
	Envelope
	SubagentID string
	// Phase is "start" or "stop".
	Phase string
}

// PreCompactEvent records a context-pressure marker.
type PreCompactEvent struct {
	Envelope
}

// NotifyEvent is the turn-complete notification some agents send (§6),
// carrying the assistant's last message.
type NotifyEvent struct {
	Envelope
	ThreadID             string
	CWD                  string
	LastAssistantMessage string
}

// IndexStats is the aggregate index state surfaced in the session-start
// response and the injection header (§4.9, §6).
type IndexStats struct {
	ObservationCount int `json:"observation_count"`
	CodeChunkCount   int `json:"code_chunk_count"`
	MemoryVectors    int `json:"memory_vectors"`
}

// SessionStartResult is the session-start response payload.
type SessionStartResult struct {
	SessionID       string     `json:"session_id"`
	InjectedContext string     `json:"injected_context"`
	Index           IndexStats `json:"index"`
}

// PromptSubmitResult is the prompt-submit response payload.
type PromptSubmitResult struct {
	PromptBatchID   int64  `json:"prompt_batch_id"`
	InjectedContext string `json:"injected_context"`
}

// ToolUseResult is the post-tool-use response payload.
type ToolUseResult struct {
	InjectedContext string `json:"injected_context,omitempty"`
}

// StopResult is the stop response payload.
type StopResult struct {
	FlushedBatchID int64 `json:"flushed_batch_id,omitempty"`
}
