package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakdev/oakd/internal/models"
)

// GetSession returns the session row for id, or sql.ErrNoRows if absent.
func GetSession(ctx context.Context, db *sql.DB, id string) (models.Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, agent_label, source, status, tool_count, files_touched,
		       error_count, created_at, last_activity_at, ended_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (models.Session, error) {
	var s models.Session
	var endedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.AgentLabel, &s.Source, &s.Status, &s.ToolCount,
		&s.FilesTouched, &s.ErrorCount, &s.CreatedAt, &s.LastActivityAt, &endedAt); err != nil {
		return models.Session{}, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return s, nil
}

// CreateOrReactivateSession implements the session-start get-or-create rule
// (§4.5): a fresh id creates a new active session; a pre-existing
// completed session is reactivated with ended_at cleared; an active
// session just gets its agent_label updated (§4.4 dual-hook quirk — "the
// latest label wins"). Returns the resulting row and whether this was a
// brand new session (used by the pipeline to decide on the bootstrap
// retrieval).
func CreateOrReactivateSession(ctx context.Context, db *sql.DB, id string, agentLabel string, source models.SessionSource) (models.Session, bool, error) {
	var result models.Session
	isNew := false

	err := Transact(ctx, db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, agent_label, source, status, tool_count, files_touched,
			       error_count, created_at, last_activity_at, ended_at
			FROM sessions WHERE id = ?`, id)

		var s models.Session
		var endedAt sql.NullTime
		err := row.Scan(&s.ID, &s.AgentLabel, &s.Source, &s.Status, &s.ToolCount,
			&s.FilesTouched, &s.ErrorCount, &s.CreatedAt, &s.LastActivityAt, &endedAt)
		switch {
		case err == sql.ErrNoRows:
			isNew = true
			now := time.Now().UTC()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sessions (id, agent_label, source, status, created_at, last_activity_at)
				VALUES (?, ?, ?, 'active', ?, ?)`, id, agentLabel, source, now, now)
			if err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
			result = models.Session{
				ID: id, AgentLabel: agentLabel, Source: source,
				Status: models.SessionStatusActive, CreatedAt: now, LastActivityAt: now,
			}
			return nil
		case err != nil:
			return fmt.Errorf("query session: %w", err)
		}

		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}

		now := time.Now().UTC()
		if s.Status == models.SessionStatusCompleted {
			_, err := tx.ExecContext(ctx, `
				UPDATE sessions SET status = 'active', agent_label = ?, source = ?,
				       ended_at = NULL, last_activity_at = ? WHERE id = ?`,
				agentLabel, source, now, id)
			if err != nil {
				return fmt.Errorf("reactivate session: %w", err)
			}
			s.Status = models.SessionStatusActive
			s.AgentLabel = agentLabel
			s.Source = source
			s.EndedAt = nil
			s.LastActivityAt = now
			result = s
			return nil
		}

		if s.AgentLabel != agentLabel {
			_, err := tx.ExecContext(ctx, `
				UPDATE sessions SET agent_label = ?, last_activity_at = ? WHERE id = ?`,
				agentLabel, now, id)
			if err != nil {
				return fmt.Errorf("update agent_label: %w", err)
			}
			s.AgentLabel = agentLabel
		}
		s.LastActivityAt = now
		result = s
		return nil
	})
	if err != nil {
		return models.Session{}, false, err
	}
	return result, isNew, nil
}

// TouchSession updates last_activity_at, used on every pipeline event that
// doesn't otherwise write to the session row.
func TouchSession(ctx context.Context, db *sql.DB, id string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// CompleteSession marks a session completed (§3: "status=completed implies
// ended_at set").
func CompleteSession(ctx context.Context, db *sql.DB, id string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'completed', ended_at = ?, last_activity_at = ?
			WHERE id = ? AND status = 'active'`, now, now, id)
		return err
	})
}

// IncrementSessionCounters bumps the session's aggregate tool/file/error
// counters, called alongside activity inserts (§4.1 "one aggregated
// counter update per session").
func IncrementSessionCounters(ctx context.Context, tx *sql.Tx, sessionID string, toolDelta, fileDelta, errorDelta int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET tool_count = tool_count + ?, files_touched = files_touched + ?,
		    error_count = error_count + ?, last_activity_at = ?
		WHERE id = ?`, toolDelta, fileDelta, errorDelta, time.Now().UTC(), sessionID)
	return err
}

// SessionListFilter narrows RecentSessions by status; empty matches all.
type SessionListFilter struct {
	Status models.SessionStatus
	Limit  int
	Offset int
}

// RecentSessions returns sessions ordered by last_activity_at descending,
// with pagination and an optional status filter (§4.1).
func RecentSessions(ctx context.Context, db *sql.DB, f SessionListFilter) ([]models.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, agent_label, source, status, tool_count, files_touched,
		       error_count, created_at, last_activity_at, ended_at
		FROM sessions`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Session
	for rows.Next() {
		var s models.Session
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.AgentLabel, &s.Source, &s.Status, &s.ToolCount,
			&s.FilesTouched, &s.ErrorCount, &s.CreatedAt, &s.LastActivityAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionStats is the aggregate per-session summary used by the bulk stats
// operation (§4.1 "single aggregate query across N ids").
type SessionStats struct {
	SessionID      string
	ToolCount      int
	FilesTouched   int
	ErrorCount     int
	BatchCount     int
	ObservationCount int
}

// BulkSessionStats returns aggregate stats for every id in ids in a single
// query, joined against batch and observation counts.
func BulkSessionStats(ctx context.Context, db *sql.DB, ids []string) (map[string]SessionStats, error) {
	out := make(map[string]SessionStats, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := inClause(ids)
	query := fmt.Sprintf(`
		SELECT s.id, s.tool_count, s.files_touched, s.error_count,
		       (SELECT COUNT(*) FROM prompt_batches b WHERE b.session_id = s.id) AS batch_count,
		       (SELECT COUNT(*) FROM observations o WHERE o.source_session_id = s.id) AS obs_count
		FROM sessions s WHERE s.id IN (%s)`, placeholders)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk session stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var st SessionStats
		if err := rows.Scan(&st.SessionID, &st.ToolCount, &st.FilesTouched, &st.ErrorCount,
			&st.BatchCount, &st.ObservationCount); err != nil {
			return nil, err
		}
		out[st.SessionID] = st
	}
	return out, rows.Err()
}

// StaleActiveSessions returns active sessions whose last activity is older
// than cutoff (§4.7 stale-session recovery).
func StaleActiveSessions(ctx context.Context, db *sql.DB, cutoff time.Time) ([]models.Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, agent_label, source, status, tool_count, files_touched,
		       error_count, created_at, last_activity_at, ended_at
		FROM sessions WHERE status = 'active' AND last_activity_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Session
	for rows.Next() {
		var s models.Session
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.AgentLabel, &s.Source, &s.Status, &s.ToolCount,
			&s.FilesTouched, &s.ErrorCount, &s.CreatedAt, &s.LastActivityAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func inClause(ids []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}
