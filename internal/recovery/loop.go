// Package recovery is the Recovery Loop (§4.7): a fixed-cadence pass that
// closes stale sessions, completes stuck batches, re-attaches orphaned
// activities, pumps the processor, repairs embeddings, and opportunistically
// reconciles the two stores. It owns no state of its own — every pass reads
// the store fresh, so a crash between passes loses nothing.
package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/processor"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
)

const (
	orphanLimit = 200

	// reconcileDivergenceFloor is the count gap below which the stores are
	// considered converged enough to skip the diagnostic (§4.7 "a large
	// divergence triggers a diagnostic entry, not automatic rebuild").
	reconcileDivergenceFloor = 10
)

// Flusher is the slice of the pipeline the recovery pass needs: a way to
// push every buffered activity to the store before scanning for orphans.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// Loop runs the recovery passes. now is injectable so tests can simulate
// wall-clock advancement without sleeping.
type Loop struct {
	db      *sql.DB
	vectors *vectorstore.Store
	proc    *processor.Processor
	flusher Flusher
	cfg     config.Config
	log     *slog.Logger
	now     func() time.Time
}

// New builds a recovery Loop.
func New(db *sql.DB, vectors *vectorstore.Store, proc *processor.Processor, flusher Flusher, cfg config.Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		db:      db,
		vectors: vectors,
		proc:    proc,
		flusher: flusher,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// Summary reports what one pass did.
type Summary struct {
	StuckBatchesCompleted int `json:"stuck_batches_completed"`
	StaleSessionsClosed   int `json:"stale_sessions_closed"`
	OrphansAttached       int `json:"orphans_attached"`
	BatchesProcessed      int `json:"batches_processed"`
	EmbeddingsRepaired    int `json:"embeddings_repaired"`
}

// Run executes RunOnce on the configured cadence until ctx is cancelled
// (§4.7 "runs on a fixed cadence regardless of traffic").
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := l.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				l.log.Error("recovery pass", "error", err)
			}
			if summary != (Summary{}) {
				l.log.Info("recovery pass",
					"stuck_batches", summary.StuckBatchesCompleted,
					"stale_sessions", summary.StaleSessionsClosed,
					"orphans", summary.OrphansAttached,
					"processed", summary.BatchesProcessed,
					"repaired", summary.EmbeddingsRepaired)
			}
		}
	}
}

// RunOnce performs one full recovery pass, in the fixed §4.7 order. Each
// sub-pass is independent: a failure in one is logged and the rest still
// run, so a wedged embedder cannot stop stale sessions from closing.
func (l *Loop) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		l.log.Warn("recovery sub-pass failed", "stage", stage, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	if l.flusher != nil {
		record("flush-buffers", l.flusher.FlushAll(ctx))
	}

	n, err := l.completeStuckBatches(ctx)
	summary.StuckBatchesCompleted = n
	record("stuck-batches", err)

	n, err = l.closeStaleSessions(ctx)
	summary.StaleSessionsClosed = n
	record("stale-sessions", err)

	n, err = l.attachOrphans(ctx)
	summary.OrphansAttached = n
	record("orphans", err)

	n, err = l.proc.ProcessPending(ctx)
	summary.BatchesProcessed = n
	record("processing-pump", err)

	n, err = l.proc.RepairEmbeddings(ctx)
	summary.EmbeddingsRepaired = n
	record("embedding-repair", err)

	record("reconcile", l.reconcile(ctx))

	return summary, firstErr
}

// completeStuckBatches transitions batches stuck in active with no
// activity past the timeout (§4.7).
func (l *Loop) completeStuckBatches(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().Add(-l.cfg.StuckBatchTimeout)
	ids, err := store.StaleActiveBatches(ctx, l.db, cutoff)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		if err := store.CompleteBatchByID(ctx, l.db, id); err != nil {
			l.log.Warn("complete stuck batch", "batch_id", id, "error", err)
			continue
		}
		completed++
	}
	return completed, nil
}

// closeStaleSessions completes sessions inactive past the timeout,
// closing their open batch first so it becomes processable (§4.7).
func (l *Loop) closeStaleSessions(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().Add(-l.cfg.StaleSessionTimeout)
	sessions, err := store.StaleActiveSessions(ctx, l.db, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range sessions {
		err := store.Transact(ctx, l.db, func(tx *sql.Tx) error {
			_, err := store.CloseActiveBatch(ctx, tx, s.ID)
			return err
		})
		if err != nil {
			l.log.Warn("close batch of stale session", "session_id", s.ID, "error", err)
			continue
		}
		if err := store.CompleteSession(ctx, l.db, s.ID); err != nil {
			l.log.Warn("complete stale session", "session_id", s.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// attachOrphans re-attaches activities with no batch to the most recent
// batch of their session, synthesizing a recovery batch when the session
// never had one (§4.7).
func (l *Loop) attachOrphans(ctx context.Context) (int, error) {
	orphans, err := store.OrphanedActivities(ctx, l.db, orphanLimit)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	batchBySession := make(map[string]int64)
	attached := 0
	for _, a := range orphans {
		batchID, ok := batchBySession[a.SessionID]
		if !ok {
			b, err := store.MostRecentBatch(ctx, l.db, a.SessionID)
			switch {
			case err == sql.ErrNoRows:
				batchID, err = store.SynthesizeRecoveryBatch(ctx, l.db, a.SessionID)
				if err != nil {
					l.log.Warn("synthesize recovery batch", "session_id", a.SessionID, "error", err)
					continue
				}
			case err != nil:
				l.log.Warn("find batch for orphan", "session_id", a.SessionID, "error", err)
				continue
			default:
				batchID = b.ID
			}
			batchBySession[a.SessionID] = batchID
		}
		if err := store.AttachActivityToBatch(ctx, l.db, a.ID, batchID); err != nil {
			l.log.Warn("attach orphan", "activity_id", a.ID, "error", err)
			continue
		}
		attached++
	}
	return attached, nil
}

// reconcile compares the embedded-observation count against the memory
// collection's entry count and records a diagnostic on a large divergence.
// Deliberately cheap and read-only (§4.7).
func (l *Loop) reconcile(ctx context.Context) error {
	relational, err := store.CountEmbeddedObservations(ctx, l.db)
	if err != nil {
		return err
	}
	vectors, err := l.vectors.Count(models.CollectionMemory)
	if err != nil {
		return err
	}
	gap := relational - vectors
	if gap < 0 {
		gap = -gap
	}
	if gap <= reconcileDivergenceFloor {
		return nil
	}
	return store.InsertDiagnostic(ctx, l.db, "warn", "store-divergence",
		fmt.Sprintf("relational store holds %d embedded observations but memory collection holds %d vectors", relational, vectors),
		"inspect recent failures; run rebuild-memories if the gap persists")
}
