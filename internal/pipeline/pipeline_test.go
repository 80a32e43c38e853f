package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/dedupe"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
)

// newTestPipeline stands up an isolated pipeline over a fresh store. The
// embedder points nowhere, so retrieval degrades to empty context — the
// transitions under test here are the state machine, not search.
func newTestPipeline(t *testing.T) (*Pipeline, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vectors, err := vectorstore.Open(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default("")
	embedder := llm.NewEmbedder("", cfg.EmbeddingDimension, time.Second)
	engine := retrieval.New(vectors, embedder)
	p := New(db, vectors, dedupe.New(cfg.DedupeCacheSize), engine, cfg, nil, nil)
	return p, db
}

func envelope(sessionID, agent string) Envelope {
	return Envelope{Agent: agent, SessionID: sessionID}
}

func TestSessionStartDualHookLabeling(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.SessionStart(ctx, SessionStartEvent{
		Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup,
	})
	require.NoError(t, err)
	require.Equal(t, "S1", first.SessionID)

	second, err := p.SessionStart(ctx, SessionStartEvent{
		Envelope: envelope("S1", "cursor"), Source: models.SessionSourceStartup,
	})
	require.NoError(t, err)
	require.Equal(t, "S1", second.SessionID)

	s, err := store.GetSession(ctx, db, "S1")
	require.NoError(t, err)
	require.Equal(t, "cursor", s.AgentLabel, "the latest label must win across the dual-hook quirk")
	require.Equal(t, models.SessionStatusActive, s.Status)
}

func TestSessionStartDuplicateIsIdempotent(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	before, err := store.GetSession(ctx, db, "S1")
	require.NoError(t, err)

	// Identical delivery: same session, agent, and source.
	_, err = p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	after, err := store.GetSession(ctx, db, "S1")
	require.NoError(t, err)
	require.Equal(t, before.LastActivityAt, after.LastActivityAt, "a dedupe hit must not mutate state")
}

func TestPromptBatchLifecycle(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)

	env := envelope("S1", "claude")
	env.GenerationID = "g1"
	first, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: env, Prompt: "add login"})
	require.NoError(t, err)
	require.NotZero(t, first.PromptBatchID)

	_, err = p.PostToolUse(ctx, ToolUseEvent{
		Envelope: envelope("S1", "claude"), ToolName: "Edit", ToolUseID: "t1",
		FilePath: "src/login.go", Success: true,
	})
	require.NoError(t, err)

	env.GenerationID = "g2"
	second, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: env, Prompt: "fix tests"})
	require.NoError(t, err)
	require.NotEqual(t, first.PromptBatchID, second.PromptBatchID)

	_, err = p.Stop(ctx, StopEvent{Envelope: envelope("S1", "claude")})
	require.NoError(t, err)

	b1, err := store.GetBatch(ctx, db, first.PromptBatchID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, b1.Status)
	require.Equal(t, 1, b1.ActivityCount)
	require.Equal(t, "add login", b1.PromptText)

	b2, err := store.GetBatch(ctx, db, second.PromptBatchID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, b2.Status)

	// Ordering invariant: batch creation order matches prompt order.
	require.True(t, !b2.CreatedAt.Before(b1.CreatedAt))
}

func TestDuplicateToolUseDropped(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	_, err = p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: "work"})
	require.NoError(t, err)

	ev := ToolUseEvent{Envelope: envelope("S1", "claude"), ToolName: "Edit", ToolUseID: "t1", Success: true}
	_, err = p.PostToolUse(ctx, ev)
	require.NoError(t, err)
	_, err = p.PostToolUse(ctx, ev)
	require.NoError(t, err)

	_, err = p.Stop(ctx, StopEvent{Envelope: envelope("S1", "claude")})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activities WHERE tool_use_id = 't1'`).Scan(&count))
	require.Equal(t, 1, count, "the second post of the same tool_use_id must be dropped")
}

func TestPromptSubmitDuplicateReturnsSameBatch(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)

	env := envelope("S1", "claude")
	env.GenerationID = "g1"
	first, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: env, Prompt: "add login"})
	require.NoError(t, err)
	second, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: env, Prompt: "add login"})
	require.NoError(t, err)
	require.Equal(t, first.PromptBatchID, second.PromptBatchID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM prompt_batches WHERE session_id = 'S1'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestEmptyPromptAccepted(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)

	res, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: ""})
	require.NoError(t, err)
	require.NotZero(t, res.PromptBatchID)

	b, err := store.GetBatch(ctx, db, res.PromptBatchID)
	require.NoError(t, err)
	require.Equal(t, "", b.PromptText)
}

func TestSessionWithNoActivityClosesWithoutBatch(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	require.NoError(t, p.SessionEnd(ctx, SessionEndEvent{Envelope: envelope("S1", "claude")}))

	s, err := store.GetSession(ctx, db, "S1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, s.Status)
	require.NotNil(t, s.EndedAt)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM prompt_batches WHERE session_id = 'S1'`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestBufferFlushAtThreshold(t *testing.T) {
	p, db := newTestPipeline(t)
	p.cfg.ActivityBufferThreshold = 3
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	_, err = p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: "work"})
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2"} {
		_, err = p.PostToolUse(ctx, ToolUseEvent{Envelope: envelope("S1", "claude"), ToolName: "Bash", ToolUseID: id, Success: true})
		require.NoError(t, err)
	}
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&count))
	require.Equal(t, 0, count, "below the threshold, activities stay buffered")

	_, err = p.PostToolUse(ctx, ToolUseEvent{Envelope: envelope("S1", "claude"), ToolName: "Bash", ToolUseID: "t3", Success: true})
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&count))
	require.Equal(t, 3, count, "hitting the threshold flushes the whole buffer")
}

func TestToolFailureRecordsError(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	_, err = p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: "work"})
	require.NoError(t, err)

	_, err = p.PostToolUse(ctx, ToolUseEvent{
		Envelope: envelope("S1", "claude"), ToolName: "Bash", ToolUseID: "t1",
		Success: false, ErrorMessage: "exit status 1",
	})
	require.NoError(t, err)
	require.NoError(t, p.FlushAll(ctx))

	var success int
	var errMsg string
	require.NoError(t, db.QueryRow(`SELECT success, error_message FROM activities WHERE tool_use_id = 't1'`).Scan(&success, &errMsg))
	require.Equal(t, 0, success)
	require.Equal(t, "exit status 1", errMsg)

	s, err := store.GetSession(ctx, db, "S1")
	require.NoError(t, err)
	require.Equal(t, 1, s.ErrorCount)
}

func TestStopWithoutActiveBatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)

	res, err := p.Stop(ctx, StopEvent{Envelope: envelope("S1", "claude")})
	require.NoError(t, err)
	require.Zero(t, res.FlushedBatchID)
}

func TestPlanWriteReclassifiesBatch(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	res, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: "plan the refactor"})
	require.NoError(t, err)

	_, err = p.PostToolUse(ctx, ToolUseEvent{
		Envelope: envelope("S1", "claude"), ToolName: "Write", ToolUseID: "t1",
		FilePath: ".claude/plans/refactor.md", Success: true,
		PlanContent: "# Refactor plan\n1. extract interface",
	})
	require.NoError(t, err)

	b, err := store.GetBatch(ctx, db, res.PromptBatchID)
	require.NoError(t, err)
	require.True(t, b.IsPlanBatch)
	require.Equal(t, models.PromptSourcePlan, b.PromptSource)
	require.Contains(t, b.PlanContent, "Refactor plan")
}

func TestSessionEndCompletesOpenBatch(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)
	res, err := p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: envelope("S1", "claude"), Prompt: "work"})
	require.NoError(t, err)
	_, err = p.PostToolUse(ctx, ToolUseEvent{Envelope: envelope("S1", "claude"), ToolName: "Edit", ToolUseID: "t1", Success: true})
	require.NoError(t, err)

	require.NoError(t, p.SessionEnd(ctx, SessionEndEvent{Envelope: envelope("S1", "claude")}))

	b, err := store.GetBatch(ctx, db, res.PromptBatchID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, b.Status)
	require.Equal(t, 1, b.ActivityCount, "buffered activities must be flushed before the batch closes")
}

func TestAtMostOneActiveBatch(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SessionStart(ctx, SessionStartEvent{Envelope: envelope("S1", "claude"), Source: models.SessionSourceStartup})
	require.NoError(t, err)

	for i, prompt := range []string{"one", "two", "three"} {
		env := envelope("S1", "claude")
		env.GenerationID = string(rune('a' + i))
		_, err = p.PromptSubmit(ctx, PromptSubmitEvent{Envelope: env, Prompt: prompt})
		require.NoError(t, err)

		var active int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM prompt_batches WHERE session_id = 'S1' AND status = 'active'`).Scan(&active))
		require.Equal(t, 1, active)
	}
}
