// Package fingerprint builds the per-event dedupe keys used by the
// Deduplication Cache (§4.3) and hashes observation text for the
// content-hash replay skip (§4.6 "Observations carry a content hash; on
// replay, an unchanged hash skips re-embedding").
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hash returns a short, stable hex digest of s, used both as the
// prompt_text component of the prompt-submit fingerprint and as an
// observation's content hash.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// join builds a fingerprint from ordered parts, separated by a byte that
// cannot appear in any part (ids and hex hashes never contain it).
func join(parts ...string) string {
	const sep = "\x1f"
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

// SessionStart builds the session-start fingerprint. The agent label is
// deliberately included (§4.3, §4.4): some agents fire duplicate
// session-start hooks under different labels for the same session, and the
// second one must still pass through so its label wins.
func SessionStart(sessionID, agentLabel, source string) string {
	return join("session-start", sessionID, agentLabel, source)
}

// PromptSubmit builds the prompt-submit fingerprint.
func PromptSubmit(sessionID, generationID, promptText string) string {
	return join("prompt-submit", sessionID, generationID, Hash(promptText))
}

// ToolUse builds the post-tool-use and post-tool-use-failure fingerprint
// (both keyed on the externally-supplied tool_use_id, §4.3).
func ToolUse(toolUseID string) string {
	return join("tool-use", toolUseID)
}

// Stop builds the stop fingerprint.
func Stop(activeBatchID int64) string {
	return join("stop", strconv.FormatInt(activeBatchID, 10))
}

// SessionEnd builds the session-end fingerprint.
func SessionEnd(sessionID string) string {
	return join("session-end", sessionID)
}

// Subagent builds the subagent-start/stop fingerprint.
func Subagent(subagentID string) string {
	return join("subagent", subagentID)
}

// PreCompact builds the pre-compact fingerprint.
func PreCompact(sessionID string) string {
	return join("pre-compact", sessionID)
}
