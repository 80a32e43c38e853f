package models

// HookEventName enumerates the `hook_event_name` values the ingestion API
// accepts (§4.4, §6). These map 1:1 onto the HTTP paths under
// /api/oak/ci/*, and the pipeline's session-state-machine transitions.
type HookEventName string

// Recognized hook event names.
const (
	HookEventSessionStart       HookEventName = "session-start"
	HookEventPromptSubmit       HookEventName = "prompt-submit"
	HookEventPostToolUse        HookEventName = "post-tool-use"
	HookEventPostToolUseFailure HookEventName = "post-tool-use-failure"
	HookEventStop               HookEventName = "stop"
	HookEventSessionEnd         HookEventName = "session-end"
	HookEventSubagentStart      HookEventName = "subagent-start"
	HookEventSubagentStop       HookEventName = "subagent-stop"
	HookEventPreCompact         HookEventName = "pre-compact"
	HookEventNotify             HookEventName = "notify"
)

// RequiresInjection reports whether a successful response to this event
// carries an injected_context string (§4.4).
func (h HookEventName) RequiresInjection() bool {
	switch h {
	case HookEventSessionStart, HookEventPromptSubmit, HookEventPostToolUse:
		return true
	default:
		return false
	}
}

// SearchType is the filter accepted by the retrieval endpoints (§4.8).
type SearchType string

// Recognized search types.
const (
	SearchTypeAll      SearchType = "all"
	SearchTypeCode     SearchType = "code"
	SearchTypeMemory   SearchType = "memory"
	SearchTypePlans    SearchType = "plans"
	SearchTypeSessions SearchType = "sessions"
)

// ConfidenceLevel is the rank-based retrieval confidence label (§4.8,
// Glossary: "not an absolute score").
type ConfidenceLevel string

// Recognized confidence levels, ordered high to low.
const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// VectorCollection names the two logical collections the vector store
// holds (§4.2).
type VectorCollection string

// Recognized vector collections.
const (
	CollectionCode   VectorCollection = "code"
	CollectionMemory VectorCollection = "memory"
)
