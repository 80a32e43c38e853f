// Package injection is the Injection Builder (§4.9): formats retrieval
// output into the human-readable injected_context string each
// context-producing endpoint returns.
package injection

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oakdev/oakd/internal/retrieval"
)

// languageByExtension is the fixed extension-to-language table §4.9 calls
// for when rendering a code preview.
var languageByExtension = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".rb":   "ruby",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".sh":   "bash",
	".sql":  "sql",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".md":   "markdown",
}

func languageFor(path string) string {
	if lang, ok := languageByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return ""
}

// SessionSummary is the per-item shape used in the recent-sessions block.
type SessionSummary struct {
	SessionID string
	Summary   string
	AgentLabel string
}

// IndexStatus is the one-line header summarizing the daemon's index state.
type IndexStatus struct {
	ObservationCount int
	CodeChunkCount   int
}

// Input collects everything Build needs to assemble injected_context.
// IncludeCode gates the "Relevant Code" block, used only for prompt-submit
// (§4.9).
type Input struct {
	Status         IndexStatus
	RecentSessions []SessionSummary
	Memories       []retrieval.Item
	Code           []retrieval.Item
	IncludeCode    bool
}

const maxCodePreviewLines = 50

// Build assembles the stable injected_context template: a one-line
// index-status header, a recent-sessions block, a memories block, and
// (prompt-submit only) a "Relevant Code" block (§4.9).
func Build(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "oakd index: %d memories, %d code chunks\n", in.Status.ObservationCount, in.Status.CodeChunkCount)

	if len(in.RecentSessions) > 0 {
		b.WriteString("\nRecent sessions:\n")
		for _, s := range in.RecentSessions {
			label := s.AgentLabel
			if label == "" {
				label = "agent"
			}
			if s.Summary != "" {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", s.SessionID, label, s.Summary)
			} else {
				fmt.Fprintf(&b, "- [%s] %s session\n", s.SessionID, label)
			}
		}
	}

	if len(in.Memories) > 0 {
		b.WriteString("\nMemories:\n")
		for _, m := range in.Memories {
			marker := memoryTypeMarker(m.Metadata["memory_type"])
			fileCtx := ""
			if fp := m.Metadata["file_path"]; fp != "" {
				fileCtx = fmt.Sprintf(" (%s)", fp)
			}
			fmt.Fprintf(&b, "- %s %s%s\n", marker, m.Preview, fileCtx)
		}
	}

	if in.IncludeCode && len(in.Code) > 0 {
		b.WriteString("\nRelevant Code:\n")
		for _, c := range in.Code {
			file := c.Metadata["file_path"]
			lineRange := c.Metadata["line_range"]
			symbol := c.Metadata["symbol"]
			lang := languageFor(file)
			header := file
			if lineRange != "" {
				header += ":" + lineRange
			}
			if symbol != "" {
				header += " (" + symbol + ")"
			}
			fmt.Fprintf(&b, "- %s\n", header)
			preview := truncateLines(c.Preview, maxCodePreviewLines)
			if lang != "" {
				fmt.Fprintf(&b, "  ```%s\n", lang)
			} else {
				b.WriteString("  ```\n")
			}
			for _, line := range strings.Split(preview, "\n") {
				fmt.Fprintf(&b, "  %s\n", line)
			}
			b.WriteString("  ```\n")
		}
	}

	return b.String()
}

func memoryTypeMarker(memoryType string) string {
	switch memoryType {
	case "gotcha":
		return "[gotcha]"
	case "bug_fix":
		return "[bug_fix]"
	case "decision":
		return "[decision]"
	case "discovery":
		return "[discovery]"
	case "trade_off":
		return "[trade_off]"
	case "session_summary":
		return "[session_summary]"
	case "plan":
		return "[plan]"
	default:
		return "[memory]"
	}
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n") + "\n... (truncated)"
}
