package ingest

import (
	"context"
	"net/http"

	"github.com/oakdev/oakd/internal/pipeline"
)

// eventContext detaches the pipeline mutation from the client's
// connection: a request that times out client-side must still have its
// event captured (§5 "event capture must not be lost to client timeout").
func eventContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	res, err := s.pipe.SessionStart(eventContext(r), pipeline.SessionStartEvent{
		Envelope: req.toPipeline(),
		Source:   sessionSource(req.Source),
	})
	if err != nil {
		s.log.Error("session-start failed", "session_id", req.SessionID, "error", err)
		writeHookOK(w, map[string]any{"injected_context": ""})
		return
	}
	writeHookOK(w, map[string]any{
		"session_id":       res.SessionID,
		"injected_context": res.InjectedContext,
		"project_root":     s.cfg.ProjectRoot,
		"index":            res.Index,
	})
}

func (s *Server) handlePromptSubmit(w http.ResponseWriter, r *http.Request) {
	var req promptSubmitRequest
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	res, err := s.pipe.PromptSubmit(eventContext(r), pipeline.PromptSubmitEvent{
		Envelope:    req.toPipeline(),
		Prompt:      req.Prompt,
		PlanContent: planContentForPrompt(req.Prompt),
	})
	if err != nil {
		s.log.Error("prompt-submit failed", "session_id", req.SessionID, "error", err)
		writeHookOK(w, map[string]any{"injected_context": ""})
		return
	}
	writeHookOK(w, map[string]any{
		"injected_context": res.InjectedContext,
		"prompt_batch_id":  res.PromptBatchID,
	})
}

// planContentForPrompt marks a prompt whose text contains a plan-directory
// path anywhere (§4.5 "if the prompt text begins with or references a plan
// file, attach plan content"). The reference itself is the content we
// attach; the full document arrives with the Write that creates it.
func planContentForPrompt(prompt string) string {
	if isPlanPath(prompt) {
		return prompt
	}
	return ""
}

func (s *Server) handlePostToolUse(w http.ResponseWriter, r *http.Request) {
	s.handleToolUse(w, r, true)
}

func (s *Server) handlePostToolUseFailure(w http.ResponseWriter, r *http.Request) {
	s.handleToolUse(w, r, false)
}

func (s *Server) handleToolUse(w http.ResponseWriter, r *http.Request, success bool) {
	var req toolUseRequest
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if req.ToolUseID == "" {
		s.hookMalformed(w, r, errMissingToolUseID)
		return
	}

	filePath := extractFilePath(req.ToolInput)
	ev := pipeline.ToolUseEvent{
		Envelope:           req.toPipeline(),
		ToolName:           req.ToolName,
		ToolUseID:          req.ToolUseID,
		ToolInputSanitized: sanitizeToolInput(req.ToolInput, s.cfg.ToolInputPreserveBudget),
		ToolOutputSummary:  decodeToolOutput(req.ToolOutput, req.ToolOutputB64, s.cfg.ToolOutputSummaryBudget),
		FilePath:           filePath,
		Success:            success,
		ErrorMessage:       req.ErrorMessage,
		PlanContent:        detectPlanWrite(req.ToolName, filePath, req.ToolInput),
	}

	res, err := s.pipe.PostToolUse(eventContext(r), ev)
	if err != nil {
		s.log.Error("post-tool-use failed", "session_id", req.SessionID, "tool_use_id", req.ToolUseID, "error", err)
		writeHookOK(w, nil)
		return
	}
	if success {
		writeHookOK(w, map[string]any{"injected_context": res.InjectedContext})
		return
	}
	writeHookOK(w, nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct{ hookEnvelope }
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	res, err := s.pipe.Stop(eventContext(r), pipeline.StopEvent{Envelope: req.toPipeline()})
	if err != nil {
		s.log.Error("stop failed", "session_id", req.SessionID, "error", err)
		writeHookOK(w, nil)
		return
	}
	writeHookOK(w, map[string]any{"flushed_batch_id": res.FlushedBatchID})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req struct{ hookEnvelope }
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	if err := s.pipe.SessionEnd(eventContext(r), pipeline.SessionEndEvent{Envelope: req.toPipeline()}); err != nil {
		s.log.Error("session-end failed", "session_id", req.SessionID, "error", err)
	}
	writeHookOK(w, nil)
}

func (s *Server) handleSubagent(phase string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subagentRequest
		if err := decodeHook(r, &req); err != nil {
			s.hookMalformed(w, r, err)
			return
		}
		if err := req.resolve(); err != nil {
			s.hookMalformed(w, r, err)
			return
		}
		if req.SubagentID == "" {
			s.hookMalformed(w, r, errMissingSubagentID)
			return
		}

		err := s.pipe.Subagent(eventContext(r), pipeline.SubagentEvent{
			Envelope:   req.toPipeline(),
			SubagentID: req.SubagentID,
			Phase:      phase,
		})
		if err != nil {
			s.log.Error("subagent event failed", "session_id", req.SessionID, "phase", phase, "error", err)
		}
		writeHookOK(w, nil)
	}
}

func (s *Server) handlePreCompact(w http.ResponseWriter, r *http.Request) {
	var req struct{ hookEnvelope }
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	if err := s.pipe.PreCompact(eventContext(r), pipeline.PreCompactEvent{Envelope: req.toPipeline()}); err != nil {
		s.log.Error("pre-compact failed", "session_id", req.SessionID, "error", err)
	}
	writeHookOK(w, nil)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeHook(r, &req); err != nil {
		s.hookMalformed(w, r, err)
		return
	}
	if err := req.resolve(); err != nil {
		s.hookMalformed(w, r, err)
		return
	}

	err := s.pipe.Notify(eventContext(r), pipeline.NotifyEvent{
		Envelope:             req.toPipeline(),
		ThreadID:             req.ThreadID,
		CWD:                  req.CWD,
		LastAssistantMessage: req.LastAssistantMessage,
	})
	if err != nil {
		s.log.Error("notify failed", "session_id", req.SessionID, "error", err)
	}
	writeHookOK(w, nil)
}
