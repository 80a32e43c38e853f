// Package pipeline is the Session Pipeline (§4.5): the in-memory session
// and prompt-batch state machine. It buffers activities for latency,
// serializes transitions per session, consults the dedupe cache before any
// mutation, and asks the retrieval engine for context on the events that
// return an injection.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/dedupe"
	"github.com/oakdev/oakd/internal/injection"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
	"github.com/oakdev/oakd/pkg/fingerprint"
)

// bootstrapQuery is the fixed retrieval query issued on fresh session
// starts (§4.5).
const bootstrapQuery = "important gotchas decisions bugs"

// fileTouchingTools are the tools whose post-tool-use events trigger a
// file-scoped retrieval (§4.5 "for file-touching tools (read, edit,
// write)").
var fileTouchingTools = map[string]bool{
	"Read":      true,
	"Edit":      true,
	"Write":     true,
	"MultiEdit": true,
}

const (
	// excerptBytes bounds the output and prompt excerpts folded into the
	// rich file-scoped retrieval query (§4.8 step 6).
	excerptBytes = 300
)

// sessionState is the pipeline's in-memory view of one session: the
// activity buffer and the cached active-batch id. Both are guarded by mu,
// which also serializes every state transition for the session (§5
// "within a single session, state transitions are totally ordered").
type sessionState struct {
	mu sync.Mutex

	buffer []models.Activity

	// activeBatch caches the id of the session's open batch (0 = none).
	// activeBatchKnown distinguishes "known none" from "not yet loaded
	// after restart"; the latter falls back to a store lookup.
	activeBatch      int64
	activeBatchKnown bool

	// promptExcerpt is the head of the originating prompt, kept for the
	// rich file-scoped retrieval query (§4.8 step 6).
	promptExcerpt string
}

// Pipeline owns per-session in-memory state and drives every transition
// against the activity store. It never blocks on the processor: closing a
// batch just pokes wake and moves on (§5 backpressure).
type Pipeline struct {
	db      *sql.DB
	vectors *vectorstore.Store
	cache   *dedupe.Cache
	engine  *retrieval.Engine
	cfg     config.Config
	log     *slog.Logger
	wake    func()

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New builds a Pipeline. wake is invoked (non-blocking, may be nil) every
// time a batch transitions to completed, so the processor can pull it
// without polling delay.
func New(db *sql.DB, vectors *vectorstore.Store, cache *dedupe.Cache, engine *retrieval.Engine, cfg config.Config, log *slog.Logger, wake func()) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if wake == nil {
		wake = func() {}
	}
	return &Pipeline{
		db:       db,
		vectors:  vectors,
		cache:    cache,
		engine:   engine,
		cfg:      cfg,
		log:      log,
		wake:     wake,
		sessions: make(map[string]*sessionState),
	}
}

func (p *Pipeline) session(id string) *sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sessions[id]
	if !ok {
		st = &sessionState{}
		p.sessions[id] = st
	}
	return st
}

// SessionStart implements the session-start transition (§4.5): get or
// create (reactivating a completed session), then on fresh starts inject
// the bootstrap retrieval. The dedupe fingerprint includes the agent label
// so the dual-hook quirk's second delivery passes through and its label
// wins (§4.4).
func (p *Pipeline) SessionStart(ctx context.Context, ev SessionStartEvent) (SessionStartResult, error) {
	fp := fingerprint.SessionStart(ev.SessionID, ev.Agent, string(ev.Source))
	if cached, hit := p.cache.Check(fp); hit {
		// A duplicate delivery, possibly racing the first one: replay the
		// remembered response, or the zero value if still in flight.
		res, _ := cached.(SessionStartResult)
		return res, nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	_, _, err := store.CreateOrReactivateSession(ctx, p.db, ev.SessionID, ev.Agent, ev.Source)
	if err != nil {
		p.cache.Forget(fp)
		return SessionStartResult{}, fmt.Errorf("session-start %s: %w", ev.SessionID, err)
	}

	res := SessionStartResult{SessionID: ev.SessionID, Index: p.indexStats(ctx)}
	if ev.Source.FreshStart() {
		res.InjectedContext = p.bootstrapInjection(ctx, res.Index)
	}

	p.cache.Remember(fp, res)
	return res, nil
}

// bootstrapInjection builds the fresh-start context: high-confidence
// memories for the fixed bootstrap query plus the most recent session
// summaries, which are included unconditionally (§4.8).
func (p *Pipeline) bootstrapInjection(ctx context.Context, idx IndexStats) string {
	result, err := p.engine.Search(ctx, retrieval.Query{
		Text:          bootstrapQuery,
		SearchType:    models.SearchTypeMemory,
		MinConfidence: models.ConfidenceHigh,
	})
	if err != nil {
		p.log.Warn("bootstrap retrieval failed", "error", err)
	}

	summaries, err := store.ListObservations(ctx, p.db, store.ObservationFilter{
		MemoryType: models.MemoryTypeSessionSummary,
		Status:     models.ObservationStatusActive,
		Limit:      retrieval.DefaultSessionLimit,
	})
	if err != nil {
		p.log.Warn("load session summaries failed", "error", err)
	}
	recent := make([]injection.SessionSummary, 0, len(summaries))
	for _, s := range summaries {
		recent = append(recent, injection.SessionSummary{
			SessionID: s.SourceSessionID,
			Summary:   s.ObservationText,
		})
	}

	return injection.Build(injection.Input{
		Status:         injection.IndexStatus{ObservationCount: idx.ObservationCount, CodeChunkCount: idx.CodeChunkCount},
		RecentSessions: recent,
		Memories:       result.Memory,
	})
}

// PromptSubmit implements the prompt-submit transition (§4.5): flush the
// buffer, close any active batch (queueing it for processing), open a new
// one, classify its source, and return high-confidence memories and code
// for the prompt.
func (p *Pipeline) PromptSubmit(ctx context.Context, ev PromptSubmitEvent) (PromptSubmitResult, error) {
	fp := fingerprint.PromptSubmit(ev.SessionID, ev.GenerationID, ev.Prompt)
	if cached, hit := p.cache.Check(fp); hit {
		res, _ := cached.(PromptSubmitResult)
		return res, nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.flushLocked(ctx, st); err != nil {
		p.cache.Forget(fp)
		return PromptSubmitResult{}, err
	}

	source := models.PromptSourceUser
	if ev.PlanContent != "" {
		source = models.PromptSourcePlan
	}

	batchID, closedID, err := store.OpenBatch(ctx, p.db, ev.SessionID, ev.Prompt, source, ev.GenerationID)
	if err != nil {
		p.cache.Forget(fp)
		return PromptSubmitResult{}, fmt.Errorf("open batch for %s: %w", ev.SessionID, err)
	}
	if ev.PlanContent != "" {
		if err := store.MarkBatchPlan(ctx, p.db, batchID, ev.PlanContent); err != nil {
			p.log.Warn("mark plan batch failed", "batch_id", batchID, "error", err)
		}
	}
	st.activeBatch = batchID
	st.activeBatchKnown = true
	st.promptExcerpt = excerpt(ev.Prompt)
	if closedID != 0 {
		p.wake()
	}

	res := PromptSubmitResult{PromptBatchID: batchID}
	search, err := p.engine.Search(ctx, retrieval.Query{
		Text:          ev.Prompt,
		SearchType:    models.SearchTypeAll,
		MinConfidence: models.ConfidenceHigh,
	})
	if err != nil {
		p.log.Warn("prompt retrieval failed", "error", err)
	} else if len(search.Memory) > 0 || len(search.Code) > 0 {
		idx := p.indexStats(ctx)
		res.InjectedContext = injection.Build(injection.Input{
			Status:      injection.IndexStatus{ObservationCount: idx.ObservationCount, CodeChunkCount: idx.CodeChunkCount},
			Memories:    search.Memory,
			Code:        search.Code,
			IncludeCode: true,
		})
	}

	p.cache.Remember(fp, res)
	return res, nil
}

// PostToolUse implements the post-tool-use and post-tool-use-failure
// transitions (§4.5): buffer the activity, bump last-activity, flush at
// the threshold, and for successful file-touching tools return
// medium-or-better memories about that file via the rich composed query.
// No LLM call happens on this path.
func (p *Pipeline) PostToolUse(ctx context.Context, ev ToolUseEvent) (ToolUseResult, error) {
	fp := fingerprint.ToolUse(ev.ToolUseID)
	if cached, hit := p.cache.Check(fp); hit {
		res, _ := cached.(ToolUseResult)
		return res, nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	batchID := p.activeBatchLocked(ctx, st, ev.SessionID)
	activity := models.Activity{
		SessionID:          ev.SessionID,
		ToolName:           ev.ToolName,
		ToolUseID:          ev.ToolUseID,
		ToolInputSanitized: ev.ToolInputSanitized,
		ToolOutputSummary:  ev.ToolOutputSummary,
		FilePath:           ev.FilePath,
		Success:            ev.Success,
		ErrorMessage:       ev.ErrorMessage,
		Timestamp:          time.Now().UTC(),
	}
	if batchID != 0 {
		id := batchID
		activity.BatchID = &id
	}
	st.buffer = append(st.buffer, activity)

	if err := store.TouchSession(ctx, p.db, ev.SessionID); err != nil {
		p.log.Warn("touch session failed", "session_id", ev.SessionID, "error", err)
	}

	if ev.PlanContent != "" && batchID != 0 {
		if err := store.MarkBatchPlan(ctx, p.db, batchID, ev.PlanContent); err != nil {
			p.log.Warn("mark plan batch failed", "batch_id", batchID, "error", err)
		}
	}

	if len(st.buffer) >= p.cfg.ActivityBufferThreshold {
		if err := p.flushLocked(ctx, st); err != nil {
			p.cache.Forget(fp)
			return ToolUseResult{}, err
		}
	}

	res := ToolUseResult{}
	if ev.Success && ev.FilePath != "" && fileTouchingTools[ev.ToolName] {
		res.InjectedContext = p.fileInjection(ctx, st, ev)
	}

	p.cache.Remember(fp, res)
	return res, nil
}

// fileInjection composes the rich file-scoped query — file path, output
// excerpt, originating prompt excerpt — which is materially better than
// the path alone (§4.8 step 6, required behavior).
func (p *Pipeline) fileInjection(ctx context.Context, st *sessionState, ev ToolUseEvent) string {
	query := ev.FilePath
	if out := excerpt(ev.ToolOutputSummary); out != "" {
		query += " " + out
	}
	if st.promptExcerpt != "" {
		query += " " + st.promptExcerpt
	}

	result, err := p.engine.Search(ctx, retrieval.Query{
		Text:          query,
		SearchType:    models.SearchTypeMemory,
		FilePath:      ev.FilePath,
		MinConfidence: models.ConfidenceMedium,
	})
	if err != nil {
		p.log.Warn("file retrieval failed", "file_path", ev.FilePath, "error", err)
		return ""
	}
	if len(result.Memory) == 0 {
		return ""
	}
	idx := p.indexStats(ctx)
	return injection.Build(injection.Input{
		Status:   injection.IndexStatus{ObservationCount: idx.ObservationCount, CodeChunkCount: idx.CodeChunkCount},
		Memories: result.Memory,
	})
}

// Stop implements the stop transition (§4.5): flush the buffer, close the
// current batch, queue it for processing. No injection.
func (p *Pipeline) Stop(ctx context.Context, ev StopEvent) (StopResult, error) {
	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	batchID := p.activeBatchLocked(ctx, st, ev.SessionID)
	if batchID == 0 {
		// Nothing open; still flush whatever is buffered (orphans are
		// recovery's job to re-attach).
		return StopResult{}, p.flushLocked(ctx, st)
	}

	fp := fingerprint.Stop(batchID)
	if cached, hit := p.cache.Check(fp); hit {
		res, _ := cached.(StopResult)
		return res, nil
	}

	if err := p.closeBatchLocked(ctx, st, ev.SessionID); err != nil {
		p.cache.Forget(fp)
		return StopResult{}, err
	}

	res := StopResult{FlushedBatchID: batchID}
	p.cache.Remember(fp, res)
	return res, nil
}

// SessionEnd implements the session-end transition (§4.5): flush, close
// any open batch, mark the session completed, and queue for processing.
// The session-summary observation is produced asynchronously by the
// processor when it reaches the final batch of a completed session.
func (p *Pipeline) SessionEnd(ctx context.Context, ev SessionEndEvent) error {
	fp := fingerprint.SessionEnd(ev.SessionID)
	if _, hit := p.cache.Check(fp); hit {
		return nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.closeBatchLocked(ctx, st, ev.SessionID); err != nil {
		p.cache.Forget(fp)
		return err
	}
	if err := store.CompleteSession(ctx, p.db, ev.SessionID); err != nil {
		p.cache.Forget(fp)
		return fmt.Errorf("complete session %s: %w", ev.SessionID, err)
	}
	p.wake()
	p.cache.Remember(fp, true)

	p.mu.Lock()
	delete(p.sessions, ev.SessionID)
	p.mu.Unlock()
	return nil
}

// Subagent records a lightweight activity for a sub-agent lifecycle edge
// (§4.5). No injection.
func (p *Pipeline) Subagent(ctx context.Context, ev SubagentEvent) error {
	fp := fingerprint.Subagent(ev.Phase + "/" + ev.SubagentID)
	if _, hit := p.cache.Check(fp); hit {
		return nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	toolName := "SubagentStart"
	if ev.Phase == "stop" {
		toolName = "SubagentStop"
	}
	batchID := p.activeBatchLocked(ctx, st, ev.SessionID)
	activity := models.Activity{
		SessionID: ev.SessionID,
		ToolName:  toolName,
		ToolUseID: "subagent:" + ev.SubagentID + ":" + ev.Phase,
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
	if batchID != 0 {
		id := batchID
		activity.BatchID = &id
	}
	if err := store.TouchSession(ctx, p.db, ev.SessionID); err != nil {
		p.cache.Forget(fp)
		return err
	}
	st.buffer = append(st.buffer, activity)
	p.cache.Remember(fp, true)
	return nil
}

// PreCompact records a context-pressure marker (§4.5). No injection.
func (p *Pipeline) PreCompact(ctx context.Context, ev PreCompactEvent) error {
	fp := fingerprint.PreCompact(ev.SessionID)
	if _, hit := p.cache.Check(fp); hit {
		return nil
	}

	st := p.session(ev.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	batchID := p.activeBatchLocked(ctx, st, ev.SessionID)
	activity := models.Activity{
		SessionID: ev.SessionID,
		ToolName:  "PreCompact",
		ToolUseID: "compact:" + ev.SessionID + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
	if batchID != 0 {
		id := batchID
		activity.BatchID = &id
	}
	if err := store.TouchSession(ctx, p.db, ev.SessionID); err != nil {
		p.cache.Forget(fp)
		return err
	}
	st.buffer = append(st.buffer, activity)
	p.cache.Remember(fp, true)
	return nil
}

// Notify handles the turn-complete notification (§6): bump the session's
// last-activity clock. The carried assistant message is logged but not
// persisted; batches get their durable summary from the processor.
func (p *Pipeline) Notify(ctx context.Context, ev NotifyEvent) error {
	if ev.LastAssistantMessage != "" {
		p.log.Debug("notify", "session_id", ev.SessionID, "thread_id", ev.ThreadID)
	}
	return store.TouchSession(ctx, p.db, ev.SessionID)
}

// FlushAll flushes every session's buffer, in session-id order (§5 "one
// lock per session id, acquired in session-id order when multiple sessions
// must be touched"). Called by the recovery pass and on shutdown.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		st := p.session(id)
		st.mu.Lock()
		if err := p.flushLocked(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
		st.mu.Unlock()
	}
	return firstErr
}

// BufferedCount reports the total number of unflushed activities, used by
// the status endpoint.
func (p *Pipeline) BufferedCount() int {
	p.mu.Lock()
	states := make([]*sessionState, 0, len(p.sessions))
	for _, st := range p.sessions {
		states = append(states, st)
	}
	p.mu.Unlock()

	total := 0
	for _, st := range states {
		st.mu.Lock()
		total += len(st.buffer)
		st.mu.Unlock()
	}
	return total
}

// closeBatchLocked flushes the buffer, transitions the active batch (if
// any) to completed and pokes the processor.
func (p *Pipeline) closeBatchLocked(ctx context.Context, st *sessionState, sessionID string) error {
	if err := p.flushLocked(ctx, st); err != nil {
		return err
	}
	var closedID int64
	err := store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		closedID, err = store.CloseActiveBatch(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("close batch for %s: %w", sessionID, err)
	}
	st.activeBatch = 0
	st.activeBatchKnown = true
	if closedID != 0 {
		p.wake()
	}
	return nil
}

// flushLocked writes the buffered activities through the bulk insert path.
// A unique-constraint failure means a duplicate tool_use_id slipped past
// the dedupe cache (possible after a restart cleared it); the flush then
// degrades to per-row inserts, dropping only the duplicates.
func (p *Pipeline) flushLocked(ctx context.Context, st *sessionState) error {
	if len(st.buffer) == 0 {
		return nil
	}
	batch := st.buffer
	st.buffer = nil

	err := store.BulkInsertActivities(ctx, p.db, batch)
	if err == nil {
		return nil
	}
	if !store.IsUniqueConstraintErr(err) {
		// Put the buffer back so a later flush (or recovery) retries.
		st.buffer = append(batch, st.buffer...)
		return fmt.Errorf("flush activities: %w", err)
	}

	for _, a := range batch {
		if _, err := store.InsertActivity(ctx, p.db, a); err != nil {
			if store.IsUniqueConstraintErr(err) {
				p.log.Debug("dropped duplicate activity", "tool_use_id", a.ToolUseID)
				continue
			}
			p.log.Error("insert activity failed", "tool_use_id", a.ToolUseID, "error", err)
		}
	}
	return nil
}

// activeBatchLocked returns the session's open batch id (0 if none),
// consulting the store once after a restart and caching the answer.
func (p *Pipeline) activeBatchLocked(ctx context.Context, st *sessionState, sessionID string) int64 {
	if st.activeBatchKnown {
		return st.activeBatch
	}
	b, err := store.ActiveBatch(ctx, p.db, sessionID)
	switch {
	case err == sql.ErrNoRows:
		st.activeBatch = 0
	case err != nil:
		p.log.Warn("active batch lookup failed", "session_id", sessionID, "error", err)
		return 0
	default:
		st.activeBatch = b.ID
		st.promptExcerpt = excerpt(b.PromptText)
	}
	st.activeBatchKnown = true
	return st.activeBatch
}

func (p *Pipeline) indexStats(ctx context.Context) IndexStats {
	stats := IndexStats{}
	if n, err := store.CountObservations(ctx, p.db); err == nil {
		stats.ObservationCount = n
	}
	if n, err := p.vectors.Count(models.CollectionCode); err == nil {
		stats.CodeChunkCount = n
	}
	if n, err := p.vectors.Count(models.CollectionMemory); err == nil {
		stats.MemoryVectors = n
	}
	return stats
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptBytes {
		return s
	}
	return s[:excerptBytes]
}
