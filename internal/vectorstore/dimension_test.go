package vectorstore

import (
	"context"
	"testing"

	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/store"
	"github.com/stretchr/testify/require"
)

func TestGuardDimensionTagsFirstWrite(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, GuardDimension(context.Background(), db, models.CollectionMemory, 768))

	dim, ok, err := store.CollectionDimension(context.Background(), db, models.CollectionMemory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 768, dim)
}

func TestGuardDimensionRejectsMismatch(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, GuardDimension(context.Background(), db, models.CollectionMemory, 768))
	err = GuardDimension(context.Background(), db, models.CollectionMemory, 1024)
	require.Error(t, err)

	var mismatch *models.DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 768, mismatch.Stored)
	require.Equal(t, 1024, mismatch.Reported)
}

func TestGuardDimensionAllowsMatchingWrites(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, GuardDimension(context.Background(), db, models.CollectionMemory, 768))
	require.NoError(t, GuardDimension(context.Background(), db, models.CollectionMemory, 768))
}
