package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oakdev/oakd/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCreateOrReactivateSessionCreatesNew(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s, isNew, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, models.SessionStatusActive, s.Status)
	require.Equal(t, "claude", s.AgentLabel)
}

func TestCreateOrReactivateSessionUpdatesLabelWhileActive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)

	s, isNew, err := CreateOrReactivateSession(ctx, db, "sess-1", "codex", models.SessionSourceStartup)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, "codex", s.AgentLabel, "the latest agent label must win on the dual-hook quirk")
}

func TestCreateOrReactivateSessionReactivatesCompleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	require.NoError(t, CompleteSession(ctx, db, "sess-1"))

	s, isNew, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceResume)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, models.SessionStatusActive, s.Status)
	require.Nil(t, s.EndedAt)
}

func TestCompleteSessionSetsEndedAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	require.NoError(t, CompleteSession(ctx, db, "sess-1"))

	s, err := GetSession(ctx, db, "sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, s.Status)
	require.NotNil(t, s.EndedAt)
}

func TestIncrementSessionCountersAccumulates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-1", "claude", models.SessionSourceStartup)
	require.NoError(t, err)

	err = Transact(ctx, db, func(tx *sql.Tx) error {
		return IncrementSessionCounters(ctx, tx, "sess-1", 3, 1, 1)
	})
	require.NoError(t, err)
	err = Transact(ctx, db, func(tx *sql.Tx) error {
		return IncrementSessionCounters(ctx, tx, "sess-1", 2, 0, 0)
	})
	require.NoError(t, err)

	s, err := GetSession(ctx, db, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 5, s.ToolCount)
	require.Equal(t, 1, s.FilesTouched)
	require.Equal(t, 1, s.ErrorCount)
}

func TestRecentSessionsOrdersByLastActivityDesc(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-a", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	_, _, err = CreateOrReactivateSession(ctx, db, "sess-b", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	require.NoError(t, TouchSession(ctx, db, "sess-a"))

	sessions, err := RecentSessions(ctx, db, SessionListFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "sess-a", sessions[0].ID)
}

func TestRecentSessionsFiltersByStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-a", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	_, _, err = CreateOrReactivateSession(ctx, db, "sess-b", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	require.NoError(t, CompleteSession(ctx, db, "sess-b"))

	active, err := RecentSessions(ctx, db, SessionListFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "sess-a", active[0].ID)
}

func TestStaleActiveSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-a", "claude", models.SessionSourceStartup)
	require.NoError(t, err)

	stale, err := StaleActiveSessions(ctx, db, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	notStale, err := StaleActiveSessions(ctx, db, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, notStale, 0)
}

func TestBulkSessionStatsAggregatesAcrossJoins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := CreateOrReactivateSession(ctx, db, "sess-a", "claude", models.SessionSourceStartup)
	require.NoError(t, err)
	batchID, _, err := OpenBatch(ctx, db, "sess-a", "do something", models.PromptSourceUser, "gen-1")
	require.NoError(t, err)
	_, err = InsertActivity(ctx, db, models.Activity{
		SessionID: "sess-a", BatchID: &batchID, ToolName: "edit",
		ToolUseID: "tu-1", Success: true, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	stats, err := BulkSessionStats(ctx, db, []string{"sess-a", "missing"})
	require.NoError(t, err)
	require.Contains(t, stats, "sess-a")
	require.Equal(t, 1, stats["sess-a"].ToolCount)
	require.Equal(t, 1, stats["sess-a"].BatchCount)
	require.NotContains(t, stats, "missing")
}

func TestBulkSessionStatsEmptyIDs(t *testing.T) {
	db := openTestDB(t)
	stats, err := BulkSessionStats(context.Background(), db, nil)
	require.NoError(t, err)
	require.Empty(t, stats)
}
