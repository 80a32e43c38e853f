package vectorstore

import (
	"context"
	"database/sql"

	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/store"
)

// GuardDimension implements the dimension-safety invariant (§4.2, §8): the
// first write to a collection tags it with the embedder's reported
// dimension; every subsequent write must match, or a
// *models.DimensionMismatchError is returned and the caller must refuse the
// write until an explicit rebuild.
func GuardDimension(ctx context.Context, db *sql.DB, collection models.VectorCollection, reportedDim int) error {
	stored, ok, err := store.CollectionDimension(ctx, db, collection)
	if err != nil {
		return err
	}
	if !ok {
		return store.SetCollectionDimension(ctx, db, collection, reportedDim)
	}
	if stored != reportedDim {
		return &models.DimensionMismatchError{Collection: string(collection), Stored: stored, Reported: reportedDim}
	}
	return nil
}
