package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oakdev/oakd/internal/models"
)

// InsertObservation is the processor's durable commit point (§4.6 step 3b:
// "this is the durable commit point"). Always inserted with embedded=false;
// the caller embeds and upserts into the vector store afterward.
func InsertObservation(ctx context.Context, db *sql.DB, o models.Observation) error {
	tags, err := json.Marshal(o.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (id, observation_text, memory_type, tags, confidence,
			       source_session_id, source_batch_id, file_path, content_hash, embedded,
			       archived, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			o.ID, o.ObservationText, o.MemoryType, string(tags), o.Confidence,
			o.SourceSessionID, o.SourceBatchID, o.FilePath, o.ContentHash, o.Status, o.CreatedAt)
		return err
	})
}

// MarkObservationEmbedded flips embedded=true once the vector-store upsert
// has succeeded (§4.6 step 3e). This is the flag the recovery loop's
// embedding-repair pass and the §8 dual-store convergence invariant both
// depend on.
func MarkObservationEmbedded(ctx context.Context, db *sql.DB, id string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE observations SET embedded = 1 WHERE id = ?`, id)
		return err
	})
}

// GetObservation returns one observation by id.
func GetObservation(ctx context.Context, db *sql.DB, id string) (models.Observation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, observation_text, memory_type, tags, confidence, source_session_id,
		       source_batch_id, file_path, content_hash, embedded, archived, status, created_at
		FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

func scanObservation(row *sql.Row) (models.Observation, error) {
	var o models.Observation
	var tagsJSON string
	var sourceBatchID sql.NullInt64
	var embedded, archived int
	if err := row.Scan(&o.ID, &o.ObservationText, &o.MemoryType, &tagsJSON, &o.Confidence,
		&o.SourceSessionID, &sourceBatchID, &o.FilePath, &o.ContentHash, &embedded, &archived,
		&o.Status, &o.CreatedAt); err != nil {
		return models.Observation{}, err
	}
	o.Embedded = embedded != 0
	o.Archived = archived != 0
	if sourceBatchID.Valid {
		o.SourceBatchID = &sourceBatchID.Int64
	}
	_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
	return o, nil
}

// ObservationFilter narrows ListObservations.
type ObservationFilter struct {
	MemoryType models.MemoryType
	FilePath   string
	Status     models.ObservationStatus
	Limit      int
	Offset     int
}

// ListObservations returns observations with pagination and filters
// (§4.1).
func ListObservations(ctx context.Context, db *sql.DB, f ObservationFilter) ([]models.Observation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, observation_text, memory_type, tags, confidence, source_session_id,
		       source_batch_id, file_path, content_hash, embedded, archived, status, created_at
		FROM observations WHERE 1=1`
	var args []any
	if f.MemoryType != "" {
		query += ` AND memory_type = ?`
		args = append(args, f.MemoryType)
	}
	if f.FilePath != "" {
		query += ` AND file_path = ?`
		args = append(args, f.FilePath)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var tagsJSON string
		var sourceBatchID sql.NullInt64
		var embedded, archived int
		if err := rows.Scan(&o.ID, &o.ObservationText, &o.MemoryType, &tagsJSON, &o.Confidence,
			&o.SourceSessionID, &sourceBatchID, &o.FilePath, &o.ContentHash, &embedded, &archived,
			&o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Embedded = embedded != 0
		o.Archived = archived != 0
		if sourceBatchID.Valid {
			o.SourceBatchID = &sourceBatchID.Int64
		}
		_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UnembeddedObservations returns non-archived observations (superseded ones
// included) with embedded=false, the exact set the embedding-repair pass re-embeds (§4.6, §4.7).
func UnembeddedObservations(ctx context.Context, db *sql.DB, limit int) ([]models.Observation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, observation_text, memory_type, tags, confidence, source_session_id,
		       source_batch_id, file_path, content_hash, embedded, archived, status, created_at
		FROM observations WHERE embedded = 0 AND archived = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unembedded observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var tagsJSON string
		var sourceBatchID sql.NullInt64
		var embedded, archived int
		if err := rows.Scan(&o.ID, &o.ObservationText, &o.MemoryType, &tagsJSON, &o.Confidence,
			&o.SourceSessionID, &sourceBatchID, &o.FilePath, &o.ContentHash, &embedded, &archived,
			&o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Embedded = embedded != 0
		o.Archived = archived != 0
		if sourceBatchID.Valid {
			o.SourceBatchID = &sourceBatchID.Int64
		}
		_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
		out = append(out, o)
	}
	return out, rows.Err()
}

// AllQueryableObservations returns every non-archived, non-superseded
// observation, used by the memory-rebuild devtools operation (§4.7, §4.1's
// "rebuild-memories" round-trip law).
func AllQueryableObservations(ctx context.Context, db *sql.DB) ([]models.Observation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, observation_text, memory_type, tags, confidence, source_session_id,
		       source_batch_id, file_path, content_hash, embedded, archived, status, created_at
		FROM observations WHERE archived = 0 AND status != 'superseded' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queryable observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var tagsJSON string
		var sourceBatchID sql.NullInt64
		var embedded, archived int
		if err := rows.Scan(&o.ID, &o.ObservationText, &o.MemoryType, &tagsJSON, &o.Confidence,
			&o.SourceSessionID, &sourceBatchID, &o.FilePath, &o.ContentHash, &embedded, &archived,
			&o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Embedded = embedded != 0
		o.Archived = archived != 0
		if sourceBatchID.Valid {
			o.SourceBatchID = &sourceBatchID.Int64
		}
		_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountObservations returns the total number of queryable observations,
// used by the status endpoint and the session-start index stats.
func CountObservations(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE archived = 0 AND status != 'superseded'`).Scan(&n)
	return n, err
}

// CountEmbeddedObservations returns how many queryable observations have
// embedded=true, the relational side of the reconciliation comparison
// (§4.7, §8 dual-store convergence).
func CountEmbeddedObservations(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM observations
		WHERE embedded = 1 AND archived = 0 AND status != 'superseded'`).Scan(&n)
	return n, err
}

// ClearProcessedFlags implements the "reset processing" devtools operation:
// clears the processed status back to completed on every batch, so the
// processor re-runs over historical data (§4.7). If deleteObservations is
// set, derived observations are deleted outright; otherwise they are left
// in place and will simply be re-derived/duplicated on next processing
// (operator's explicit choice, per §4.7's phrasing "and optionally delete
// derived observations").
func ClearProcessedFlags(ctx context.Context, db *sql.DB, deleteObservations bool) (int64, error) {
	var affected int64
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET status = 'completed' WHERE status = 'processed'`)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if deleteObservations {
			_, err = tx.ExecContext(ctx, `DELETE FROM observations`)
			return err
		}
		return nil
	})
	return affected, err
}

// CollectionDimension returns the dimension a vector collection was
// populated with, or 0, false if untagged (§4.2 dimension safety).
func CollectionDimension(ctx context.Context, db *sql.DB, collection models.VectorCollection) (int, bool, error) {
	var dim int
	err := db.QueryRowContext(ctx, `SELECT dimension FROM collection_meta WHERE collection = ?`, string(collection)).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

// SetCollectionDimension records (or overwrites, on rebuild) the embedding
// dimensionality a collection was populated with.
func SetCollectionDimension(ctx context.Context, db *sql.DB, collection models.VectorCollection, dim int) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO collection_meta (collection, dimension, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(collection) DO UPDATE SET dimension = excluded.dimension, updated_at = excluded.updated_at`,
			string(collection), dim, time.Now().UTC())
		return err
	})
}

// InsertDiagnostic records a recovery-loop finding (§4.7 "triggers a
// diagnostic entry, not automatic rebuild").
func InsertDiagnostic(ctx context.Context, db *sql.DB, level, code, message, suggestedAction string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO diagnostics (level, code, message, suggested_action, created_at)
			VALUES (?, ?, ?, ?, ?)`, level, code, message, suggestedAction, time.Now().UTC())
		return err
	})
}

// Diagnostic mirrors one row of the diagnostics table.
type Diagnostic struct {
	ID              int64     `json:"id"`
	Level           string    `json:"level"`
	Code            string    `json:"code"`
	Message         string    `json:"message"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecentDiagnostics returns the most recent diagnostic entries, newest
// first.
func RecentDiagnostics(ctx context.Context, db *sql.DB, limit int) ([]Diagnostic, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, level, code, message, suggested_action, created_at
		FROM diagnostics ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.ID, &d.Level, &d.Code, &d.Message, &d.SuggestedAction, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
