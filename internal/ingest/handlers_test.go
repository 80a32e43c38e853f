package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/dedupe"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/pipeline"
	"github.com/oakdev/oakd/internal/processor"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
	"github.com/oakdev/oakd/pkg/fingerprint"
)

const testToken = "test-bearer-token"

// newTestServer wires a full daemon stack behind an httptest server, with
// a deterministic embedding provider so retrieval actually works.
func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vectors, err := vectorstore.Open(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default(t.TempDir())
	cfg.ProjectRoot = t.TempDir()
	cfg.BearerToken = testToken

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		embeddings := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			sum := sha256.Sum256([]byte(text))
			vec := make([]float32, cfg.EmbeddingDimension)
			for j := range vec {
				vec[j] = float32(sum[j%len(sum)]) / 255
			}
			embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	t.Cleanup(embedSrv.Close)
	cfg.EmbeddingEndpoint = embedSrv.URL

	embedder := llm.NewEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingDimension, time.Second)
	summarizer := llm.NewSummarizer("", time.Second)
	engine := retrieval.New(vectors, embedder)
	proc := processor.New(db, vectors, summarizer, embedder, cfg, nil)
	pipe := pipeline.New(db, vectors, dedupe.New(cfg.DedupeCacheSize), engine, cfg, nil, proc.Wake)

	srv := NewServer(cfg, nil, db, vectors, pipe, engine, proc, embedder)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestMalformedHookReturnsOK(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/oak/ci/session-start", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode, "the agent must never be blocked by our errors")
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, "ok", decoded["status"])
	require.Equal(t, "", decoded["injected_context"])
}

func TestMissingSessionIDIsMinted(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "hook_event_name": "session-start", "source": "startup",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decoded["status"])

	minted, _ := decoded["session_id"].(string)
	require.NotEmpty(t, minted, "the daemon mints a session id when the payload carries none")
}

func TestConversationIDFallback(t *testing.T) {
	ts, srv := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "conversation_id": "C1", "hook_event_name": "session-start", "source": "startup",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decoded["status"])

	s, err := store.GetSession(context.Background(), srv.db, "C1")
	require.NoError(t, err)
	require.Equal(t, "claude", s.AgentLabel)
}

func TestSessionStartResponseContract(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "session-start", "source": "startup",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decoded["status"])
	require.Contains(t, decoded, "injected_context")
	require.Contains(t, decoded, "project_root")
	require.Contains(t, decoded, "index")
}

func TestPostToolUseBase64Output(t *testing.T) {
	ts, srv := newTestServer(t)

	postJSON(t, ts.URL+"/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "session-start", "source": "startup",
	}, nil)
	postJSON(t, ts.URL+"/api/oak/ci/prompt-submit", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "prompt-submit", "prompt": "inspect",
	}, nil)

	resp, decoded := postJSON(t, ts.URL+"/api/oak/ci/post-tool-use", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "post-tool-use",
		"tool_name": "Bash", "tool_use_id": "t1",
		"tool_input":      map[string]any{"command": "cat notes.txt"},
		"tool_output_b64": "aGVsbG8gd29ybGQ=",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decoded["status"])

	postJSON(t, ts.URL+"/api/oak/ci/stop", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "stop",
	}, nil)

	var summary string
	require.NoError(t, srv.db.QueryRow(`SELECT tool_output_summary FROM activities WHERE tool_use_id = 't1'`).Scan(&summary))
	require.Equal(t, "hello world", summary)
}

func TestFileAwareRetrievalInjection(t *testing.T) {
	ts, srv := newTestServer(t)
	ctx := context.Background()

	// Seed an embedded observation about src/auth.py.
	_, _, err := store.CreateOrReactivateSession(ctx, srv.db, "seed", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	text := "auth module requires Redis"
	o := models.Observation{
		ID: store.NewObservationID(), ObservationText: text,
		MemoryType: models.MemoryTypeGotcha, Confidence: 0.9,
		SourceSessionID: "seed", FilePath: "src/auth.py",
		ContentHash: fingerprint.Hash(text),
		Status:      models.ObservationStatusActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertObservation(ctx, srv.db, o))
	require.NoError(t, srv.proc.EmbedObservation(ctx, o))

	postJSON(t, ts.URL+"/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "session-start", "source": "startup",
	}, nil)
	postJSON(t, ts.URL+"/api/oak/ci/prompt-submit", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "prompt-submit", "prompt": "look at auth",
	}, nil)

	resp, decoded := postJSON(t, ts.URL+"/api/oak/ci/post-tool-use", map[string]any{
		"agent": "claude", "session_id": "S1", "hook_event_name": "post-tool-use",
		"tool_name": "Read", "tool_use_id": "t-read",
		"tool_input":  map[string]any{"file_path": "src/auth.py"},
		"tool_output": "def login(): ...",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	injected, _ := decoded["injected_context"].(string)
	require.Contains(t, injected, "auth module requires Redis")
}

func TestDevtoolsRequireConfirmationHeader(t *testing.T) {
	ts, _ := newTestServer(t)

	auth := map[string]string{"Authorization": "Bearer " + testToken}
	resp, _ := postJSON(t, ts.URL+"/api/devtools/trigger-processing", map[string]any{}, auth)
	require.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	auth[confirmationHeader] = "yes"
	resp, decoded := postJSON(t, ts.URL+"/api/devtools/trigger-processing", map[string]any{}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decoded["success"])
}

func TestRememberRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/api/remember", map[string]any{"text": "manual note"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, decoded := postJSON(t, ts.URL+"/api/remember", map[string]any{"text": "manual note"},
		map[string]string{"Authorization": "Bearer " + testToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decoded["success"])
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/api/search", map[string]any{"query": "  "}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, decoded["success"])
	require.Equal(t, string(models.ErrorKindQueryValidation), decoded["error_code"])
}

func TestBackupRejectsPathOutsideProjectRoot(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/api/backup/export", map[string]any{"path": "../../etc/dump.sql"},
		map[string]string{"Authorization": "Bearer " + testToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, decoded["success"])
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ts, srv := newTestServer(t)
	ctx := context.Background()

	_, _, err := store.CreateOrReactivateSession(ctx, srv.db, "S1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)

	auth := map[string]string{"Authorization": "Bearer " + testToken}
	resp, decoded := postJSON(t, ts.URL+"/api/backup/export", map[string]any{"path": "backup.sql"}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decoded["success"], fmt.Sprintf("export failed: %v", decoded))

	resp, decoded = postJSON(t, ts.URL+"/api/restore/import", map[string]any{"path": "backup.sql"}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decoded["success"], fmt.Sprintf("restore failed: %v", decoded))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
