// Package llm holds the HTTP clients for the two external collaborators the
// core pipeline depends on but does not own: the embedding provider and the
// summarization model (spec §1 non-goals: "any HTTP backend").
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oakdev/oakd/internal/models"
)

// limitedReader caps a response body read at maxBytes, the same
// defense-in-depth idiom the teacher used for bounding captured CLI stderr.
func limitedReader(r io.Reader, maxBytes int64) io.Reader {
	return io.LimitReader(r, maxBytes)
}

const maxEmbedResponseBytes = 16 << 20

// Embedder calls a synchronous embed(text[]) -> vector[] HTTP endpoint
// (§1 non-goals).
type Embedder struct {
	endpoint   string
	dimension  int
	httpClient *http.Client
}

// NewEmbedder builds an Embedder posting to endpoint with the given
// per-call deadline (§5 "every downstream call ... MUST run under a
// deadline").
func NewEmbedder(endpoint string, dimension int, timeout time.Duration) *Embedder {
	return &Embedder{
		endpoint:  endpoint,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Dimension returns the dimensionality this embedder reports, used by the
// dimension-safety invariant (§4.2, §8).
func (e *Embedder) Dimension() int { return e.dimension }

type embedRequest struct {
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends texts to the configured provider and returns one vector per
// input, in order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.endpoint == "" {
		return nil, models.NewKindError(models.ErrorKindEmbeddingProvider,
			"no embedding endpoint configured", nil, "set embedding_endpoint in config")
	}

	body, err := json.Marshal(embedRequest{Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, models.NewKindError(models.ErrorKindEmbeddingProvider,
			"embedding provider unreachable", map[string]string{"endpoint": e.endpoint}, "degrade to empty context; retry on next recovery pass").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(limitedReader(resp.Body, maxEmbedResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewKindError(models.ErrorKindEmbeddingProvider,
			fmt.Sprintf("embedding provider returned status %d", resp.StatusCode),
			map[string]string{"endpoint": e.endpoint, "body": truncate(string(raw), 512)}, "retry once the provider recovers")
	}

	var decoded embedResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(decoded.Embeddings), len(texts))
	}
	return decoded.Embeddings, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
