// Package processor is the background worker that consumes completed
// batches (§4.6): it summarizes each one, extracts observations, and
// performs the dual-store write — relational row first (the durable commit
// point), then embed, then idempotent vector upsert, then the embedded
// flag flip that makes a crash anywhere in between recoverable.
package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
	"github.com/oakdev/oakd/pkg/fingerprint"
)

const (
	// pendingBatchLimit bounds one pull from the store; the next pass
	// picks up the rest (§5 backpressure: a backlog is latency, not
	// failure).
	pendingBatchLimit = 50
	repairLimit       = 100
)

// Processor pulls batches from the store and runs the dual-store write.
// Producers never block on it: they call Wake, which is a non-blocking
// poke at the run loop.
type Processor struct {
	db         *sql.DB
	vectors    *vectorstore.Store
	summarizer *llm.Summarizer
	embedder   *llm.Embedder
	cfg        config.Config
	log        *slog.Logger

	kick chan struct{}
}

// New builds a Processor.
func New(db *sql.DB, vectors *vectorstore.Store, summarizer *llm.Summarizer, embedder *llm.Embedder, cfg config.Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		db:         db,
		vectors:    vectors,
		summarizer: summarizer,
		embedder:   embedder,
		cfg:        cfg,
		log:        log,
		kick:       make(chan struct{}, 1),
	}
}

// Wake pokes the run loop without blocking. Safe from any goroutine.
func (p *Processor) Wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains pending batches whenever woken, until ctx is cancelled. The
// recovery loop provides the periodic pump (§4.7), so no internal ticker
// is needed.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			if _, err := p.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("process pending batches", "error", err)
			}
		}
	}
}

// ProcessPending pulls every eligible batch — completed, plus failed ones
// still under the retry ceiling — and processes each. Returns how many
// batches reached processed.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	batches, err := store.PendingBatches(ctx, p.db, p.cfg.MaxProcessorRetries, pendingBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("pull pending batches: %w", err)
	}

	processed := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if b.Status == models.BatchStatusFailed {
			if err := store.RequeueBatchForRetry(ctx, p.db, b.ID); err != nil {
				p.log.Warn("requeue failed batch", "batch_id", b.ID, "error", err)
				continue
			}
		}
		if err := p.ProcessBatch(ctx, b.ID); err != nil {
			p.log.Warn("process batch", "batch_id", b.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessBatch runs §4.6 steps 1-4 for one batch. Summarizer transport
// failures leave the batch completed for recovery to retry; an unparseable
// response transitions it to failed with a recorded reason.
func (p *Processor) ProcessBatch(ctx context.Context, batchID int64) error {
	batch, err := store.GetBatch(ctx, p.db, batchID)
	if err != nil {
		return fmt.Errorf("load batch %d: %w", batchID, err)
	}
	if batch.Status != models.BatchStatusCompleted {
		return nil
	}

	activities, err := store.BatchActivities(ctx, p.db, batchID)
	if err != nil {
		return fmt.Errorf("load activities for batch %d: %w", batchID, err)
	}
	session, err := store.GetSession(ctx, p.db, batch.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", batch.SessionID, err)
	}
	// The final batch of a completed session doubles as the session-close
	// summary source (§4.5 session-end "schedule an asynchronous
	// session-summary").
	isSessionClose := session.Status == models.SessionStatusCompleted

	bc := llm.BatchContext{
		PromptText:     batch.PromptText,
		IsSessionClose: isSessionClose,
	}
	for _, a := range activities {
		bc.ActivitySummary = append(bc.ActivitySummary, llm.ActivityForPrompt{
			ToolName: a.ToolName,
			FilePath: a.FilePath,
			Success:  a.Success,
			Summary:  a.ToolOutputSummary,
			Error:    a.ErrorMessage,
		})
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SummarizeTimeout)
	result, err := p.summarizer.Summarize(sctx, bc)
	cancel()
	if err != nil {
		if errors.Is(err, llm.ErrUnparseableResponse) {
			if ferr := store.MarkBatchFailed(ctx, p.db, batchID, err.Error()); ferr != nil {
				return fmt.Errorf("mark batch %d failed: %w", batchID, ferr)
			}
			return nil
		}
		// Transient: batch stays completed, recovery retries (§5, §7).
		return fmt.Errorf("summarize batch %d: %w", batchID, err)
	}

	for _, draft := range result.Observations {
		if draft.Confidence < p.cfg.ObservationConfidenceFloor {
			continue
		}
		if strings.TrimSpace(draft.ObservationText) == "" {
			continue
		}
		o := p.draftToObservation(draft, batch)
		if err := p.commitObservation(ctx, o); err != nil {
			return fmt.Errorf("commit observation for batch %d: %w", batchID, err)
		}
	}

	if isSessionClose && result.ResponseSummary != "" {
		o := models.Observation{
			ID:              store.NewObservationID(),
			ObservationText: llm.SanitizeObservationText(result.ResponseSummary),
			MemoryType:      models.MemoryTypeSessionSummary,
			Confidence:      1,
			SourceSessionID: batch.SessionID,
			SourceBatchID:   &batch.ID,
			Status:          models.ObservationStatusActive,
			CreatedAt:       time.Now().UTC(),
		}
		o.ContentHash = fingerprint.Hash(o.ObservationText)
		if err := p.commitObservation(ctx, o); err != nil {
			return fmt.Errorf("commit session summary for batch %d: %w", batchID, err)
		}
	}

	// Classification is best-effort and never blocks the observation
	// writes (§4.6).
	if err := store.MarkBatchProcessed(ctx, p.db, batchID, result.Classification, result.ResponseSummary); err != nil {
		return fmt.Errorf("mark batch %d processed: %w", batchID, err)
	}
	return nil
}

func (p *Processor) draftToObservation(draft llm.ObservationDraft, batch models.PromptBatch) models.Observation {
	text := llm.SanitizeObservationText(draft.ObservationText)
	memType := draft.MemoryType
	if memType == "" {
		memType = models.MemoryTypeDiscovery
	}
	o := models.Observation{
		ID:              store.NewObservationID(),
		ObservationText: text,
		MemoryType:      memType,
		Tags:            draft.Tags,
		Confidence:      draft.Confidence,
		SourceSessionID: batch.SessionID,
		SourceBatchID:   &batch.ID,
		FilePath:        draft.FilePath,
		ContentHash:     fingerprint.Hash(text),
		Status:          models.ObservationStatusActive,
		CreatedAt:       time.Now().UTC(),
	}
	return o
}

// commitObservation performs the dual-store write for one observation:
// the row insert is the durable commit point; the embed/upsert/flag steps
// that follow may fail without losing anything, since recovery finds
// embedded=false rows and replays them (§4.6).
func (p *Processor) commitObservation(ctx context.Context, o models.Observation) error {
	if err := store.InsertObservation(ctx, p.db, o); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	if err := p.EmbedObservation(ctx, o); err != nil {
		// Staged for retry: the row exists with embedded=false and the
		// embedding-repair pass will pick it up (§4.7).
		p.log.Warn("embed observation deferred", "observation_id", o.ID, "error", err)
	}
	return nil
}

// EmbedObservation runs steps 3c-3e for one observation: embed, upsert
// into the memory collection keyed by the observation id, mark embedded.
// Replays are idempotent — the upsert replaces by id, and an existing
// vector entry with an unchanged content hash skips the provider call
// entirely.
func (p *Processor) EmbedObservation(ctx context.Context, o models.Observation) error {
	if doc, err := p.vectors.Get(ctx, models.CollectionMemory, o.ID); err == nil {
		if doc.Metadata["content_hash"] == o.ContentHash && o.ContentHash != "" {
			return store.MarkObservationEmbedded(ctx, p.db, o.ID)
		}
	}

	if err := vectorstore.GuardDimension(ctx, p.db, models.CollectionMemory, p.embedder.Dimension()); err != nil {
		return err
	}

	ectx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	vecs, err := p.embedder.Embed(ectx, []string{o.ObservationText})
	cancel()
	if err != nil {
		return err
	}

	metadata := map[string]string{
		"memory_type":  string(o.MemoryType),
		"session_id":   o.SourceSessionID,
		"content_hash": o.ContentHash,
	}
	if o.FilePath != "" {
		metadata["file_path"] = o.FilePath
	}
	if len(o.Tags) > 0 {
		metadata["tags"] = strings.Join(o.Tags, ",")
	}
	if err := p.vectors.Upsert(ctx, models.CollectionMemory, vectorstore.Document{
		ID:        o.ID,
		Embedding: vecs[0],
		Content:   o.ObservationText,
		Metadata:  metadata,
	}); err != nil {
		return err
	}
	return store.MarkObservationEmbedded(ctx, p.db, o.ID)
}

// RepairEmbeddings re-runs the embed/upsert/flag steps for every
// observation left with embedded=false, the embedding-repair pass (§4.7).
// Returns how many were repaired.
func (p *Processor) RepairEmbeddings(ctx context.Context) (int, error) {
	pending, err := store.UnembeddedObservations(ctx, p.db, repairLimit)
	if err != nil {
		return 0, fmt.Errorf("pull unembedded observations: %w", err)
	}
	repaired := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		if err := p.EmbedObservation(ctx, o); err != nil {
			p.log.Warn("repair embedding", "observation_id", o.ID, "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

// RebuildMemories drops the memory collection and re-embeds every
// queryable observation from the relational store, retagging the
// collection with the current provider dimension. Operator-initiated only
// (§4.7 "memory rebuild").
func (p *Processor) RebuildMemories(ctx context.Context) (int, error) {
	if err := p.vectors.Clear(models.CollectionMemory); err != nil {
		return 0, fmt.Errorf("clear memory collection: %w", err)
	}
	if err := store.SetCollectionDimension(ctx, p.db, models.CollectionMemory, p.embedder.Dimension()); err != nil {
		return 0, fmt.Errorf("retag memory collection: %w", err)
	}

	observations, err := store.AllQueryableObservations(ctx, p.db)
	if err != nil {
		return 0, fmt.Errorf("load observations: %w", err)
	}
	rebuilt := 0
	for _, o := range observations {
		if ctx.Err() != nil {
			return rebuilt, ctx.Err()
		}
		if err := p.EmbedObservation(ctx, o); err != nil {
			p.log.Warn("rebuild observation", "observation_id", o.ID, "error", err)
			continue
		}
		rebuilt++
	}
	return rebuilt, nil
}
