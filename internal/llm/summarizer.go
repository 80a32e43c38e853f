package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oakdev/oakd/internal/models"
)

const maxSummarizeResponseBytes = 4 << 20

// ErrUnparseableResponse marks a summarizer reply that came back but could
// not be decoded as the required structured JSON. The processor treats this
// as a terminal-per-attempt failure (batch transitions to failed, §4.6)
// rather than a transient transport error it should leave queued.
var ErrUnparseableResponse = errors.New("summarizer response is not valid structured JSON")

// Summarizer calls a synchronous summarize(prompt) -> structured JSON model
// (§1 non-goals, §4.6 step 2).
type Summarizer struct {
	endpoint   string
	httpClient *http.Client
}

// NewSummarizer builds a Summarizer posting to endpoint with the given
// per-call deadline.
func NewSummarizer(endpoint string, timeout time.Duration) *Summarizer {
	return &Summarizer{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BatchContext is the structured input handed to the summarizer: the
// originating prompt, every activity recorded against the batch, and
// whether this batch closed a whole session (so the model knows to also
// produce a response_summary, §4.6 step 2).
type BatchContext struct {
	PromptText      string              `json:"prompt_text"`
	Classification  string              `json:"existing_classification,omitempty"`
	IsSessionClose  bool                `json:"is_session_close"`
	ActivitySummary []ActivityForPrompt `json:"activities"`
}

// ActivityForPrompt is the trimmed view of an Activity the summarizer
// actually needs.
type ActivityForPrompt struct {
	ToolName string `json:"tool_name"`
	FilePath string `json:"file_path,omitempty"`
	Success  bool   `json:"success"`
	Summary  string `json:"tool_output_summary,omitempty"`
	Error    string `json:"error_message,omitempty"`
}

// ObservationDraft is one extracted observation before confidence filtering,
// sanitization, and id assignment (§4.6 step 2).
type ObservationDraft struct {
	MemoryType      models.MemoryType `json:"memory_type"`
	ObservationText string            `json:"observation_text"`
	FilePath        string            `json:"file_path,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Confidence      float64           `json:"confidence"`
}

// SummaryResult is the structured response required by §4.6 step 2.
type SummaryResult struct {
	Classification  models.BatchClassification `json:"classification"`
	Observations    []ObservationDraft         `json:"observations"`
	ResponseSummary string                     `json:"response_summary,omitempty"`
}

func validatePrompt(s string) error {
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("prompt contains null byte")
	}
	if len(s) > 64000 {
		return fmt.Errorf("prompt exceeds 64000 byte limit (%d bytes)", len(s))
	}
	return nil
}

// Summarize posts the batch context and parses the model's structured JSON
// reply. A malformed or unparseable response is the "unparseable response"
// escalation path in §4.6, returned as a *models.KindError with kind
// summarizer so the caller can transition the batch to failed.
func (s *Summarizer) Summarize(ctx context.Context, batch BatchContext) (SummaryResult, error) {
	if s.endpoint == "" {
		return SummaryResult{}, models.NewKindError(models.ErrorKindSummarizer,
			"no summarizer endpoint configured", nil, "set summarizer_endpoint in config")
	}
	if err := validatePrompt(batch.PromptText); err != nil {
		return SummaryResult{}, fmt.Errorf("invalid prompt: %w", err)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("marshal batch context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return SummaryResult{}, fmt.Errorf("build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SummaryResult{}, models.NewKindError(models.ErrorKindSummarizer,
			"summarizer unreachable", map[string]string{"endpoint": s.endpoint}, "batch stays completed; recovery retries").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(limitedReader(resp.Body, maxSummarizeResponseBytes))
	if err != nil {
		return SummaryResult{}, fmt.Errorf("read summarize response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return SummaryResult{}, models.NewKindError(models.ErrorKindSummarizer,
			fmt.Sprintf("summarizer returned status %d", resp.StatusCode),
			map[string]string{"endpoint": s.endpoint, "body": truncate(string(raw), 512)}, "batch stays completed; recovery retries")
	}

	var result SummaryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SummaryResult{}, models.NewKindError(models.ErrorKindSummarizer,
			"summarizer response is not valid structured JSON",
			map[string]string{"body": truncate(string(raw), 512)},
			"batch transitions to failed; recovery retries up to the configured limit").
			WithCause(fmt.Errorf("%w: %v", ErrUnparseableResponse, err))
	}
	if result.Classification == "" {
		result.Classification = models.ClassificationUnknown
	}
	return result, nil
}
