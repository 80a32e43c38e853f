package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// truncationMarker is the explicit suffix appended when tool output
// exceeds the summary budget (§8 "at budget + 1 is truncated with an
// explicit suffix marker").
const truncationMarker = "...[truncated]"

// planDirectories are the paths a Write under which reclassifies the
// surrounding batch as a plan batch (§4.4, §6).
var planDirectories = []string{".claude/plans/", ".cursor/plans/"}

// filePathKeys are the tool-input fields agents use to name the file a
// tool touched, in lookup order.
var filePathKeys = []string{"file_path", "path", "filePath", "notebook_path"}

// decodeToolOutput canonicalizes tool output: inline and base64-encoded
// deliveries decode to the same string, then truncate to the configured
// budget (§4.4). An undecodable b64 payload falls back to the raw string
// rather than failing the event.
func decodeToolOutput(inline, b64 string, budget int) string {
	out := inline
	if out == "" && b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			out = b64
		} else {
			out = string(decoded)
		}
	}
	return truncateWithMarker(out, budget)
}

// truncateWithMarker preserves s up to exactly budget bytes; anything
// longer is cut at the budget and suffixed with the marker.
func truncateWithMarker(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	return s[:budget] + truncationMarker
}

// sanitizeToolInput renders tool input for storage, replacing any
// top-level string field larger than the preserve budget with a
// "<N chars>" placeholder (§4.4). Non-object inputs are stored as-is up
// to the budget.
func sanitizeToolInput(raw json.RawMessage, budget int) string {
	if len(raw) == 0 {
		return ""
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return truncateWithMarker(string(raw), budget)
	}

	for key, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		if len(s) > budget {
			fields[key] = json.RawMessage(fmt.Sprintf("\"<%d chars>\"", len(s)))
		}
	}
	// The encoder keeps the placeholder's angle brackets literal;
	// json.Marshal would turn them into Unicode escape sequences.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return truncateWithMarker(string(raw), budget)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// inputStringField extracts one string field from raw tool input.
func inputStringField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		return ""
	}
	return s
}

// extractFilePath finds the file a tool touched, trying each known input
// field name.
func extractFilePath(raw json.RawMessage) string {
	for _, key := range filePathKeys {
		if p := inputStringField(raw, key); p != "" {
			return p
		}
	}
	return ""
}

// isPlanPath reports whether path lives under one of the agent plan
// directories.
func isPlanPath(path string) bool {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, dir := range planDirectories {
		if strings.Contains(normalized, dir) {
			return true
		}
	}
	return false
}

// detectPlanWrite returns the plan document content when this tool use is
// a Write under a plan directory (§4.4 "a write of a file under the
// agent's plan directory is reclassified as a plan creation event").
func detectPlanWrite(toolName, filePath string, raw json.RawMessage) string {
	if toolName != "Write" || !isPlanPath(filePath) {
		return ""
	}
	content := inputStringField(raw, "content")
	if content == "" {
		content = inputStringField(raw, "text")
	}
	return content
}
