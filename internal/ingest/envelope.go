// Package ingest is the Ingestion API (§4.4, §6): the HTTP layer that
// normalizes agent-specific hook payloads into the pipeline's canonical
// event variants and returns each endpoint's response contract. Malformed
// hook input never blocks the agent — it gets a 200 with an ok status and
// an empty context while the reason is logged (§7).
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/pipeline"
)

// maxHookBodyBytes bounds one hook payload read; agents that ship giant
// tool outputs are expected to have truncated already, and this is the
// backstop.
const maxHookBodyBytes = 8 << 20

var (
	errMissingToolUseID = models.NewKindError(models.ErrorKindHookMalformed,
		"post-tool-use payload carries no tool_use_id", nil,
		"fix the hook shim to forward the tool invocation identifier")
	errMissingSubagentID = models.NewKindError(models.ErrorKindHookMalformed,
		"subagent payload carries no subagent_id", nil, "")
)

// hookEnvelope is the normalized JSON envelope every hook endpoint
// accepts (§4.4). session_id falls back to conversation_id when absent.
type hookEnvelope struct {
	Agent          string `json:"agent"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	GenerationID   string `json:"generation_id,omitempty"`
	ToolUseID      string `json:"tool_use_id,omitempty"`
	HookOrigin     string `json:"hook_origin,omitempty"`
	HookEventName  string `json:"hook_event_name"`
}

// resolve applies the session-id fallback and defaults the agent label to
// "unknown"; it never returns an error. When the payload carries neither
// session_id nor conversation_id, the daemon mints one (§3 "daemon-minted
// when absent"). Only the session-start response echoes the session id
// back to the shim.
func (e *hookEnvelope) resolve() error {
	if e.SessionID == "" {
		e.SessionID = e.ConversationID
	}
	if e.SessionID == "" {
		e.SessionID = "sess_" + uuid.NewString()
	}
	if e.Agent == "" {
		e.Agent = "unknown"
	}
	return nil
}

func (e *hookEnvelope) toPipeline() pipeline.Envelope {
	return pipeline.Envelope{
		Agent:        e.Agent,
		SessionID:    e.SessionID,
		GenerationID: e.GenerationID,
		HookOrigin:   e.HookOrigin,
	}
}

// decodeHook reads and unmarshals one hook body into dst.
func decodeHook(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBodyBytes))
	if err != nil {
		return models.NewKindError(models.ErrorKindHookMalformed, "read hook body", nil, "").WithCause(err)
	}
	if len(body) == 0 {
		return models.NewKindError(models.ErrorKindHookMalformed, "empty hook body", nil, "")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return models.NewKindError(models.ErrorKindHookMalformed,
			fmt.Sprintf("hook body is not valid JSON: %v", err), nil, "")
	}
	return nil
}

type sessionStartRequest struct {
	hookEnvelope
	Source string `json:"source"`
}

// sessionSource validates the wire source value, defaulting to startup.
func sessionSource(s string) models.SessionSource {
	switch models.SessionSource(s) {
	case models.SessionSourceStartup, models.SessionSourceResume, models.SessionSourceClear, models.SessionSourceCompact:
		return models.SessionSource(s)
	default:
		return models.SessionSourceStartup
	}
}

type promptSubmitRequest struct {
	hookEnvelope
	Prompt string `json:"prompt"`
}

type toolUseRequest struct {
	hookEnvelope
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput    string          `json:"tool_output,omitempty"`
	ToolOutputB64 string          `json:"tool_output_b64,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

type subagentRequest struct {
	hookEnvelope
	SubagentID string `json:"subagent_id"`
}

type notifyRequest struct {
	hookEnvelope
	ThreadID             string `json:"thread-id"`
	CWD                  string `json:"cwd"`
	LastAssistantMessage string `json:"last-assistant-message"`
}
