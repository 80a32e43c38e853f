package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oakdev/oakd/internal/models"
)

// InsertActivity inserts a single activity, attached to batchID if
// non-nil, and bumps the session's aggregate counters (§4.1). A duplicate
// tool_use_id returns the typed unique-constraint error so the caller
// (guarded in practice by the dedupe cache) can recognize a race.
func InsertActivity(ctx context.Context, db *sql.DB, a models.Activity) (int64, error) {
	var id int64
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activities (session_id, batch_id, tool_name, tool_use_id,
			       tool_input_sanitized, tool_output_summary, file_path, success,
			       error_message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.SessionID, a.BatchID, a.ToolName, a.ToolUseID, a.ToolInputSanitized,
			a.ToolOutputSummary, a.FilePath, boolToInt(a.Success), a.ErrorMessage, a.Timestamp)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		fileDelta := 0
		if a.FilePath != "" {
			fileDelta = 1
		}
		errDelta := 0
		if !a.Success {
			errDelta = 1
		}
		if err := IncrementSessionCounters(ctx, tx, a.SessionID, 1, fileDelta, errDelta); err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
		if a.BatchID != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET activity_count = activity_count + 1 WHERE id = ?`, *a.BatchID); err != nil {
				return fmt.Errorf("update batch counter: %w", err)
			}
		}
		return nil
	})
	return id, err
}

// BulkInsertActivities flushes a buffered batch of activities in one
// transaction with one aggregated counter update per session and per
// batch (§4.1 "bulk uses one transaction and one aggregated counter update
// per session and per batch"). All activities are expected to share the
// same session and (if set) the same batch id, which is the shape the
// pipeline's in-memory buffer always produces.
func BulkInsertActivities(ctx context.Context, db *sql.DB, activities []models.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return Transact(ctx, db, func(tx *sql.Tx) error {
		toolDeltas := map[string]int{}
		fileDeltas := map[string]int{}
		errDeltas := map[string]int{}
		batchDeltas := map[int64]int{}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activities (session_id, batch_id, tool_name, tool_use_id,
			       tool_input_sanitized, tool_output_summary, file_path, success,
			       error_message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, a := range activities {
			if _, err := stmt.ExecContext(ctx, a.SessionID, a.BatchID, a.ToolName, a.ToolUseID,
				a.ToolInputSanitized, a.ToolOutputSummary, a.FilePath, boolToInt(a.Success),
				a.ErrorMessage, a.Timestamp); err != nil {
				return fmt.Errorf("insert activity (tool_use_id=%s): %w", a.ToolUseID, err)
			}
			toolDeltas[a.SessionID]++
			if a.FilePath != "" {
				fileDeltas[a.SessionID]++
			}
			if !a.Success {
				errDeltas[a.SessionID]++
			}
			if a.BatchID != nil {
				batchDeltas[*a.BatchID]++
			}
		}

		for sessionID, delta := range toolDeltas {
			if err := IncrementSessionCounters(ctx, tx, sessionID, delta, fileDeltas[sessionID], errDeltas[sessionID]); err != nil {
				return fmt.Errorf("update session counters: %w", err)
			}
		}
		for batchID, delta := range batchDeltas {
			if _, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET activity_count = activity_count + ? WHERE id = ?`, delta, batchID); err != nil {
				return fmt.Errorf("update batch counter: %w", err)
			}
		}
		return nil
	})
}

// BatchActivities returns every activity attached to batchID, ordered by
// id (insertion order), for the processor to load before summarization
// (§4.6 step 1).
func BatchActivities(ctx context.Context, db *sql.DB, batchID int64) ([]models.Activity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, batch_id, tool_name, tool_use_id, tool_input_sanitized,
		       tool_output_summary, file_path, success, error_message, timestamp
		FROM activities WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActivities(rows)
}

// OrphanedActivities returns activities with a null batch_id, the set the
// recovery loop's orphan pass re-attaches (§4.7).
func OrphanedActivities(ctx context.Context, db *sql.DB, limit int) ([]models.Activity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, batch_id, tool_name, tool_use_id, tool_input_sanitized,
		       tool_output_summary, file_path, success, error_message, timestamp
		FROM activities WHERE batch_id IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphaned activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActivities(rows)
}

func scanActivities(rows *sql.Rows) ([]models.Activity, error) {
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var batchID sql.NullInt64
		var success int
		if err := rows.Scan(&a.ID, &a.SessionID, &batchID, &a.ToolName, &a.ToolUseID,
			&a.ToolInputSanitized, &a.ToolOutputSummary, &a.FilePath, &success,
			&a.ErrorMessage, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Success = success != 0
		if batchID.Valid {
			a.BatchID = &batchID.Int64
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttachActivityToBatch sets batch_id on an orphaned activity (§4.7).
func AttachActivityToBatch(ctx context.Context, db *sql.DB, activityID, batchID int64) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE activities SET batch_id = ? WHERE id = ? AND batch_id IS NULL`, batchID, activityID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE prompt_batches SET activity_count = activity_count + 1 WHERE id = ?`, batchID)
		return err
	})
}

// ToolUseIDExists reports whether tool_use_id has already been recorded,
// used as a defensive check alongside the dedupe cache (§8 "tool-use
// uniqueness").
func ToolUseIDExists(ctx context.Context, db *sql.DB, toolUseID string) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM activities WHERE tool_use_id = ? LIMIT 1`, toolUseID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
