// Package models defines the core entities of the ingestion-to-memory
// pipeline: sessions, prompt batches, activities, and memory observations.
package models

import (
	"encoding/json"
	"time"
)

// ID strategy: sessions use caller-supplied or daemon-minted opaque
// strings (stable across restarts); batches and activities use daemon-minted
// int64 (sequential, cheap to index); observations use daemon-minted string
// ids (shared verbatim as the vector-store key, so they must be stable and
// collision-free even across a relational-store rebuild).

// SessionSource identifies what triggered a session-start event.
type SessionSource string

// Recognized session sources.
const (
	SessionSourceStartup SessionSource = "startup"
	SessionSourceResume  SessionSource = "resume"
	SessionSourceClear   SessionSource = "clear"
	SessionSourceCompact SessionSource = "compact"
)

// FreshStart reports whether this source begins a session with no carried
// context, the signal the pipeline uses to decide whether to inject the
// "important gotchas decisions bugs" bootstrap retrieval (§4.5).
func (s SessionSource) FreshStart() bool {
	return s == SessionSourceStartup || s == SessionSourceClear
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// Recognized session statuses.
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is one continuous agent working session, identified by a caller
// opaque id that is stable across daemon restarts.
type Session struct {
	ID              string        `json:"id"`
	AgentLabel      string        `json:"agent_label"`
	Source          SessionSource `json:"source"`
	Status          SessionStatus `json:"status"`
	ToolCount       int           `json:"tool_count"`
	FilesTouched    int           `json:"files_touched"`
	ErrorCount      int           `json:"error_count"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// IsActive reports whether the session accepts further activity.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// BatchStatus is the lifecycle state of a PromptBatch.
type BatchStatus string

// Recognized batch statuses.
const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusProcessed BatchStatus = "processed"
	BatchStatusFailed    BatchStatus = "failed"
)

// PromptSource classifies where a batch's originating prompt came from.
type PromptSource string

// Recognized prompt sources.
const (
	PromptSourceUser     PromptSource = "user"
	PromptSourcePlan     PromptSource = "plan"
	PromptSourceInternal PromptSource = "internal"
)

// BatchClassification is the processor's best-effort label for a batch's
// intent, set from the same LLM call that extracts observations (§4.6).
type BatchClassification string

// Recognized batch classifications. Unknown is the zero-value default
// before the processor has run, and the permanent value if the LLM call
// never produces a usable one.
const (
	ClassificationFeature    BatchClassification = "feature"
	ClassificationExploration BatchClassification = "exploration"
	ClassificationBugFix     BatchClassification = "bug_fix"
	ClassificationRefactor   BatchClassification = "refactor"
	ClassificationUnknown    BatchClassification = "unknown"
)

// PromptBatch groups the activities an agent performs while acting on one
// user prompt. A session has at most one active batch at a time (§3, §8).
type PromptBatch struct {
	ID             int64               `json:"id"`
	SessionID      string              `json:"session_id"`
	PromptText     string              `json:"prompt_text"`
	PromptSource   PromptSource        `json:"prompt_source"`
	GenerationID   string              `json:"generation_id,omitempty"`
	Status         BatchStatus         `json:"status"`
	Classification BatchClassification `json:"classification,omitempty"`
	IsPlanBatch    bool                `json:"is_plan_batch"`
	PlanContent    string              `json:"plan_content,omitempty"`
	ActivityCount  int                 `json:"activity_count"`
	ResponseSummary string             `json:"response_summary,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	RetryCount     int                 `json:"retry_count"`
	CreatedAt      time.Time           `json:"created_at"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
}

// IsOpen reports whether the batch can still accept activities.
func (b *PromptBatch) IsOpen() bool {
	return b.Status == BatchStatusActive
}

// ReadyToProcess reports whether the batch is eligible for the processor's
// pull (§4.6: "completed AND NOT processed").
func (b *PromptBatch) ReadyToProcess() bool {
	return b.Status == BatchStatusCompleted
}

// Activity is one tool invocation captured during a prompt batch.
type Activity struct {
	ID                 int64     `json:"id"`
	SessionID          string    `json:"session_id"`
	BatchID            *int64    `json:"batch_id,omitempty"`
	ToolName           string    `json:"tool_name"`
	ToolUseID          string    `json:"tool_use_id"`
	ToolInputSanitized string    `json:"tool_input_sanitized,omitempty"`
	ToolOutputSummary  string    `json:"tool_output_summary,omitempty"`
	FilePath           string    `json:"file_path,omitempty"`
	Success            bool      `json:"success"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Orphaned reports whether the activity has not yet been attached to a
// batch, the condition the recovery loop's orphan pass looks for (§4.7).
func (a *Activity) Orphaned() bool {
	return a.BatchID == nil
}

// MemoryType classifies an extracted observation.
type MemoryType string

// Recognized memory types.
const (
	MemoryTypeGotcha         MemoryType = "gotcha"
	MemoryTypeBugFix         MemoryType = "bug_fix"
	MemoryTypeDecision       MemoryType = "decision"
	MemoryTypeDiscovery      MemoryType = "discovery"
	MemoryTypeTradeOff       MemoryType = "trade_off"
	MemoryTypeSessionSummary MemoryType = "session_summary"
	MemoryTypePlan           MemoryType = "plan"
)

// ObservationStatus is the lifecycle state of a Memory Observation.
type ObservationStatus string

// Recognized observation statuses.
const (
	ObservationStatusActive     ObservationStatus = "active"
	ObservationStatusResolved   ObservationStatus = "resolved"
	ObservationStatusSuperseded ObservationStatus = "superseded"
)

// Observation is a durable, embedded piece of knowledge extracted from a
// batch (or, for session summaries, from a whole session). It is
// dual-stored: the row here is canonical, and a vector-store replica in
// the memory collection shares its ID (§3, §4.6).
type Observation struct {
	ID              string            `json:"id"`
	ObservationText string            `json:"observation_text"`
	MemoryType      MemoryType        `json:"memory_type"`
	Tags            []string          `json:"tags,omitempty"`
	Confidence      float64           `json:"confidence"`
	SourceSessionID string            `json:"source_session_id"`
	SourceBatchID   *int64            `json:"source_batch_id,omitempty"`
	FilePath        string            `json:"file_path,omitempty"`
	ContentHash     string            `json:"content_hash"`
	Embedded        bool              `json:"embedded"`
	Archived        bool              `json:"archived"`
	Status          ObservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Queryable reports whether the observation should appear in retrieval
// results (§4.2 invariant: "every non-archived non-superseded observation").
func (o *Observation) Queryable() bool {
	return !o.Archived && o.Status != ObservationStatusSuperseded
}

// NeedsEmbedding reports whether the observation still needs the
// embed-and-upsert steps (3c-3e) of the processor's dual-store write,
// the exact condition the recovery loop's embedding-repair pass scans for
// (§4.6, §4.7).
func (o *Observation) NeedsEmbedding() bool {
	return !o.Embedded
}

// RawMetadata is a convenience alias used by ingestion decoders for the
// heterogeneous, agent-specific fields each hook payload carries beyond
// the canonical envelope (§4.4, §9 "tagged-variant event types").
type RawMetadata = json.RawMessage
