package injection

import (
	"strings"
	"testing"

	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/stretchr/testify/require"
)

func TestBuildIncludesIndexStatusHeader(t *testing.T) {
	out := Build(Input{Status: IndexStatus{ObservationCount: 12, CodeChunkCount: 340}})
	require.Contains(t, out, "oakd index: 12 memories, 340 code chunks")
}

func TestBuildRendersRecentSessionsBlock(t *testing.T) {
	out := Build(Input{
		RecentSessions: []SessionSummary{
			{SessionID: "sess-1", AgentLabel: "claude-code", Summary: "fixed the flaky retry test"},
			{SessionID: "sess-2", AgentLabel: "", Summary: ""},
		},
	})
	require.Contains(t, out, "Recent sessions:")
	require.Contains(t, out, "[sess-1] claude-code: fixed the flaky retry test")
	require.Contains(t, out, "[sess-2] agent session")
}

func TestBuildRendersMemoriesWithTypeMarkerAndFileContext(t *testing.T) {
	out := Build(Input{
		Memories: []retrieval.Item{
			{ID: "obs-1", Preview: "retries must use RetryWithBackoff", Metadata: map[string]string{
				"memory_type": "gotcha", "file_path": "internal/store/retry.go",
			}},
		},
	})
	require.Contains(t, out, "[gotcha] retries must use RetryWithBackoff (internal/store/retry.go)")
}

func TestBuildOmitsCodeBlockWhenIncludeCodeFalse(t *testing.T) {
	out := Build(Input{
		IncludeCode: false,
		Code: []retrieval.Item{
			{ID: "c1", Preview: "func main() {}", Metadata: map[string]string{"file_path": "main.go"}},
		},
	})
	require.NotContains(t, out, "Relevant Code")
}

func TestBuildRendersCodeBlockWithLanguageHint(t *testing.T) {
	out := Build(Input{
		IncludeCode: true,
		Code: []retrieval.Item{
			{ID: "c1", Preview: "func main() {}", Metadata: map[string]string{
				"file_path": "cmd/oakd/main.go", "line_range": "10-12", "symbol": "main",
			}},
		},
	})
	require.Contains(t, out, "Relevant Code:")
	require.Contains(t, out, "cmd/oakd/main.go:10-12 (main)")
	require.Contains(t, out, "```go")
	require.Contains(t, out, "func main() {}")
}

func TestBuildTruncatesLongCodePreview(t *testing.T) {
	lines := make([]string, 80)
	for i := range lines {
		lines[i] = "line"
	}
	out := Build(Input{
		IncludeCode: true,
		Code: []retrieval.Item{
			{ID: "c1", Preview: strings.Join(lines, "\n"), Metadata: map[string]string{"file_path": "x.go"}},
		},
	})
	require.Contains(t, out, "truncated")
}
