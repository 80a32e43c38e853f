package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakdev/oakd/internal/models"
)

// ActiveBatch returns the session's active batch, or sql.ErrNoRows if none
// (§3 "a session has at most one active batch").
func ActiveBatch(ctx context.Context, q Querier, sessionID string) (models.PromptBatch, error) {
	row := q.QueryRow(`
		SELECT id, session_id, prompt_text, prompt_source, generation_id, status,
		       classification, is_plan_batch, plan_content, activity_count,
		       response_summary, failure_reason, retry_count, created_at, ended_at
		FROM prompt_batches WHERE session_id = ? AND status = 'active'`, sessionID)
	return scanBatchRow(row)
}

func scanBatchRow(row *sql.Row) (models.PromptBatch, error) {
	var b models.PromptBatch
	var endedAt sql.NullTime
	var isPlan int
	if err := row.Scan(&b.ID, &b.SessionID, &b.PromptText, &b.PromptSource, &b.GenerationID,
		&b.Status, &b.Classification, &isPlan, &b.PlanContent, &b.ActivityCount,
		&b.ResponseSummary, &b.FailureReason, &b.RetryCount, &b.CreatedAt, &endedAt); err != nil {
		return models.PromptBatch{}, err
	}
	b.IsPlanBatch = isPlan != 0
	if endedAt.Valid {
		b.EndedAt = &endedAt.Time
	}
	return b, nil
}

// CloseActiveBatch transitions the session's active batch (if any) to
// completed and returns its id. Returns 0, nil if there was none open —
// callers must treat that as "nothing to flush", not an error (§8:
// "a session that receives only session-start and session-end ... is
// closed without creating a batch").
func CloseActiveBatch(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var id int64
	row := tx.QueryRowContext(ctx, `SELECT id FROM prompt_batches WHERE session_id = ? AND status = 'active'`, sessionID)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("find active batch: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE prompt_batches SET status = 'completed', ended_at = ? WHERE id = ?`, now, id); err != nil {
		return 0, fmt.Errorf("close active batch: %w", err)
	}
	return id, nil
}

// OpenBatch creates a new active batch on sessionID after closing any
// previously active one (§4.5 prompt-submit: "close any currently active
// batch ... create a new batch"). Returns the new batch id and the id of
// the batch that was closed (0 if none).
func OpenBatch(ctx context.Context, db *sql.DB, sessionID, promptText string, source models.PromptSource, generationID string) (newBatchID int64, closedBatchID int64, err error) {
	err = Transact(ctx, db, func(tx *sql.Tx) error {
		closedBatchID, err = CloseActiveBatch(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_text, prompt_source, generation_id, status, created_at)
			VALUES (?, ?, ?, ?, 'active', ?)`, sessionID, promptText, source, generationID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		newBatchID, err = res.LastInsertId()
		return err
	})
	return newBatchID, closedBatchID, err
}

// MarkBatchPlan records that a batch's user intent was to author a plan
// document (§4.4 plan-directory reclassification).
func MarkBatchPlan(ctx context.Context, db *sql.DB, batchID int64, planContent string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET is_plan_batch = 1, plan_content = ?, prompt_source = 'plan'
			WHERE id = ?`, planContent, batchID)
		return err
	})
}

// GetBatch returns one batch by id.
func GetBatch(ctx context.Context, db *sql.DB, id int64) (models.PromptBatch, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_text, prompt_source, generation_id, status,
		       classification, is_plan_batch, plan_content, activity_count,
		       response_summary, failure_reason, retry_count, created_at, ended_at
		FROM prompt_batches WHERE id = ?`, id)
	var b models.PromptBatch
	var endedAt sql.NullTime
	var isPlan int
	if err := row.Scan(&b.ID, &b.SessionID, &b.PromptText, &b.PromptSource, &b.GenerationID,
		&b.Status, &b.Classification, &isPlan, &b.PlanContent, &b.ActivityCount,
		&b.ResponseSummary, &b.FailureReason, &b.RetryCount, &b.CreatedAt, &endedAt); err != nil {
		return models.PromptBatch{}, err
	}
	b.IsPlanBatch = isPlan != 0
	if endedAt.Valid {
		b.EndedAt = &endedAt.Time
	}
	return b, nil
}

// PendingBatches returns batches eligible for the processor's pull (§4.6:
// "completed AND NOT processed"), plus retry-eligible failed batches whose
// retry_count is below maxRetries.
func PendingBatches(ctx context.Context, db *sql.DB, maxRetries int, limit int) ([]models.PromptBatch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, prompt_text, prompt_source, generation_id, status,
		       classification, is_plan_batch, plan_content, activity_count,
		       response_summary, failure_reason, retry_count, created_at, ended_at
		FROM prompt_batches
		WHERE status = 'completed' OR (status = 'failed' AND retry_count < ?)
		ORDER BY created_at ASC LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PromptBatch
	for rows.Next() {
		var b models.PromptBatch
		var endedAt sql.NullTime
		var isPlan int
		if err := rows.Scan(&b.ID, &b.SessionID, &b.PromptText, &b.PromptSource, &b.GenerationID,
			&b.Status, &b.Classification, &isPlan, &b.PlanContent, &b.ActivityCount,
			&b.ResponseSummary, &b.FailureReason, &b.RetryCount, &b.CreatedAt, &endedAt); err != nil {
			return nil, err
		}
		b.IsPlanBatch = isPlan != 0
		if endedAt.Valid {
			b.EndedAt = &endedAt.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBatchProcessed transitions a batch to processed, optionally setting
// its classification and response_summary from the LLM call (§4.6 step 4).
func MarkBatchProcessed(ctx context.Context, db *sql.DB, id int64, classification models.BatchClassification, responseSummary string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET status = 'processed', classification = ?, response_summary = ?
			WHERE id = ?`, classification, responseSummary, id)
		return err
	})
}

// MarkBatchFailed transitions a batch to failed with a reason and bumps
// its retry count (§4.6 "unparseable response ... transitions to failed").
func MarkBatchFailed(ctx context.Context, db *sql.DB, id int64, reason string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET status = 'failed', failure_reason = ?, retry_count = retry_count + 1
			WHERE id = ?`, reason, id)
		return err
	})
}

// RequeueBatchForRetry moves a failed batch back to completed so the
// processor picks it up again, used by recovery's retry pass.
func RequeueBatchForRetry(ctx context.Context, db *sql.DB, id int64) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET status = 'completed' WHERE id = ?`, id)
		return err
	})
}

// StaleActiveBatches returns batches stuck in status=active with no
// activity since cutoff (§4.7 stuck-batch recovery). A batch's last
// activity is the most recent timestamp of an activity attached to it, or
// its own created_at when it has none.
func StaleActiveBatches(ctx context.Context, db *sql.DB, cutoff time.Time) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT b.id
		FROM prompt_batches b
		WHERE b.status = 'active'
		  AND COALESCE((SELECT MAX(a.timestamp) FROM activities a WHERE a.batch_id = b.id), b.created_at) < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteBatchByID force-transitions a batch from active to completed,
// used by recovery's stuck-batch pass.
func CompleteBatchByID(ctx context.Context, db *sql.DB, id int64) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET status = 'completed', ended_at = ? WHERE id = ? AND status = 'active'`,
			time.Now().UTC(), id)
		return err
	})
}

// MostRecentBatch returns the most recently created batch for a session,
// used by orphan recovery to re-attach activities (§4.7).
func MostRecentBatch(ctx context.Context, db *sql.DB, sessionID string) (models.PromptBatch, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_text, prompt_source, generation_id, status,
		       classification, is_plan_batch, plan_content, activity_count,
		       response_summary, failure_reason, retry_count, created_at, ended_at
		FROM prompt_batches WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanBatchRow(row)
}

// SynthesizeRecoveryBatch creates a new already-completed batch used as a
// home for orphaned activities when a session has no batch at all (§4.7
// "synthesize a recovery batch").
func SynthesizeRecoveryBatch(ctx context.Context, db *sql.DB, sessionID string) (int64, error) {
	var id int64
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_source, status, created_at, ended_at)
			VALUES (?, 'internal', 'completed', ?, ?)`, sessionID, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}
