package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oakdev/oakd/internal/models"
	"github.com/stretchr/testify/require"
)

func newObservation(sessionID string) models.Observation {
	return models.Observation{
		ID:              uuid.NewString(),
		ObservationText: "the retry loop drops the last backoff tick",
		MemoryType:      models.MemoryTypeGotcha,
		Tags:            []string{"retry", "backoff"},
		Confidence:      0.82,
		SourceSessionID: sessionID,
		ContentHash:     "abc123",
		Status:          models.ObservationStatusActive,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestInsertObservationStartsUnembedded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	o := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, o))

	got, err := GetObservation(ctx, db, o.ID)
	require.NoError(t, err)
	require.False(t, got.Embedded)
	require.False(t, got.Archived)
	require.Equal(t, o.Tags, got.Tags)
	require.True(t, got.NeedsEmbedding())
}

func TestMarkObservationEmbeddedFlipsFlag(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	o := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, o))
	require.NoError(t, MarkObservationEmbedded(ctx, db, o.ID))

	got, err := GetObservation(ctx, db, o.ID)
	require.NoError(t, err)
	require.True(t, got.Embedded)
	require.False(t, got.NeedsEmbedding())
}

func TestUnembeddedObservationsExcludesEmbeddedAndArchived(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	pending := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, pending))

	embedded := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, embedded))
	require.NoError(t, MarkObservationEmbedded(ctx, db, embedded.ID))

	archived := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, archived))
	_, err := db.ExecContext(ctx, `UPDATE observations SET archived = 1 WHERE id = ?`, archived.ID)
	require.NoError(t, err)

	got, err := UnembeddedObservations(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pending.ID, got[0].ID)
}

func TestListObservationsFiltersByMemoryTypeAndFilePath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	gotcha := newObservation("sess-1")
	gotcha.FilePath = "main.go"
	require.NoError(t, InsertObservation(ctx, db, gotcha))

	decision := newObservation("sess-1")
	decision.MemoryType = models.MemoryTypeDecision
	decision.FilePath = "config.go"
	require.NoError(t, InsertObservation(ctx, db, decision))

	got, err := ListObservations(ctx, db, ObservationFilter{MemoryType: models.MemoryTypeDecision})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, decision.ID, got[0].ID)

	got, err = ListObservations(ctx, db, ObservationFilter{FilePath: "main.go"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, gotcha.ID, got[0].ID)
}

func TestAllQueryableObservationsExcludesSupersededAndArchived(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	active := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, active))

	superseded := newObservation("sess-1")
	superseded.Status = models.ObservationStatusSuperseded
	require.NoError(t, InsertObservation(ctx, db, superseded))

	archived := newObservation("sess-1")
	require.NoError(t, InsertObservation(ctx, db, archived))
	_, err := db.ExecContext(ctx, `UPDATE observations SET archived = 1 WHERE id = ?`, archived.ID)
	require.NoError(t, err)

	got, err := AllQueryableObservations(ctx, db)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, active.ID, got[0].ID)
}

func TestCountObservations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	n, err := CountObservations(ctx, db)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, InsertObservation(ctx, db, newObservation("sess-1")))

	n, err = CountObservations(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClearProcessedFlagsResetsBatchesOptionallyDeletingObservations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	batchID, _, err := OpenBatch(ctx, db, "sess-1", "p1", models.PromptSourceUser, "gen-1")
	require.NoError(t, err)
	require.NoError(t, MarkBatchProcessed(ctx, db, batchID, models.ClassificationFeature, "summary"))
	require.NoError(t, InsertObservation(ctx, db, newObservation("sess-1")))

	affected, err := ClearProcessedFlags(ctx, db, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	b, err := GetBatch(ctx, db, batchID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, b.Status)

	n, err := CountObservations(ctx, db)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCollectionDimensionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := CollectionDimension(ctx, db, models.CollectionCode)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SetCollectionDimension(ctx, db, models.CollectionCode, 768))
	dim, ok, err := CollectionDimension(ctx, db, models.CollectionCode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 768, dim)

	require.NoError(t, SetCollectionDimension(ctx, db, models.CollectionCode, 1536))
	dim, _, err = CollectionDimension(ctx, db, models.CollectionCode)
	require.NoError(t, err)
	require.Equal(t, 1536, dim, "rebuild must overwrite the recorded dimension")
}

func TestDiagnosticsRecordedNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, InsertDiagnostic(ctx, db, "warn", "ORPHAN_ACTIVITY", "found 3 orphans", "run recovery"))
	require.NoError(t, InsertDiagnostic(ctx, db, "error", "VECTOR_MISMATCH", "count mismatch", "rebuild memories"))

	got, err := RecentDiagnostics(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "VECTOR_MISMATCH", got[0].Code)
}
