package ingest

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeToolOutputInlineAndBase64Agree(t *testing.T) {
	raw := "total 12\ndrwxr-xr-x src\n"
	inline := decodeToolOutput(raw, "", 1024)
	encoded := decodeToolOutput("", base64.StdEncoding.EncodeToString([]byte(raw)), 1024)
	require.Equal(t, inline, encoded, "both deliveries must decode to the same canonical string")
	require.Equal(t, raw, inline)
}

func TestDecodeToolOutputBadBase64FallsBack(t *testing.T) {
	out := decodeToolOutput("", "not!!base64", 1024)
	require.Equal(t, "not!!base64", out)
}

func TestTruncateAtExactBudgetPreserved(t *testing.T) {
	s := strings.Repeat("x", 100)
	require.Equal(t, s, truncateWithMarker(s, 100), "output at exactly the budget is preserved")
}

func TestTruncateOverBudgetGetsMarker(t *testing.T) {
	s := strings.Repeat("x", 101)
	got := truncateWithMarker(s, 100)
	require.Equal(t, strings.Repeat("x", 100)+truncationMarker, got)
}

func TestSanitizeToolInputReplacesLargeField(t *testing.T) {
	big := strings.Repeat("a", 9000)
	raw, err := json.Marshal(map[string]any{
		"file_path": "src/main.go",
		"content":   big,
	})
	require.NoError(t, err)

	out := sanitizeToolInput(raw, 8192)
	require.Contains(t, out, `"<9000 chars>"`)
	require.Contains(t, out, "src/main.go")
	require.NotContains(t, out, big)
}

func TestSanitizeToolInputPreservesSmallFields(t *testing.T) {
	raw := json.RawMessage(`{"command":"ls -la","description":"list files"}`)
	out := sanitizeToolInput(raw, 8192)
	require.Contains(t, out, "ls -la")
}

func TestExtractFilePathTriesKnownKeys(t *testing.T) {
	require.Equal(t, "a.go", extractFilePath(json.RawMessage(`{"file_path":"a.go"}`)))
	require.Equal(t, "b.go", extractFilePath(json.RawMessage(`{"path":"b.go"}`)))
	require.Equal(t, "", extractFilePath(json.RawMessage(`{"command":"ls"}`)))
}

func TestDetectPlanWrite(t *testing.T) {
	input := json.RawMessage(`{"file_path":".claude/plans/refactor.md","content":"# Plan"}`)
	require.Equal(t, "# Plan", detectPlanWrite("Write", ".claude/plans/refactor.md", input))

	// Same path on a Read is not a plan creation.
	require.Equal(t, "", detectPlanWrite("Read", ".claude/plans/refactor.md", input))
	// A Write elsewhere is not either.
	require.Equal(t, "", detectPlanWrite("Write", "src/main.go", json.RawMessage(`{"file_path":"src/main.go","content":"x"}`)))
}

func TestIsPlanPathBothAgents(t *testing.T) {
	require.True(t, isPlanPath(".claude/plans/a.md"))
	require.True(t, isPlanPath("/home/dev/project/.cursor/plans/b.md"))
	require.False(t, isPlanPath("src/plans.go"))
}
