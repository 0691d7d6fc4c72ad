package storage

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultBatchChunkSize is the number of rows inserted per statement.
const DefaultBatchChunkSize = 1000

// BatchSave inserts rows in chunks, ignoring rows whose key already exists.
// Chunks run concurrently, at most one per pooled connection, and the call
// succeeds only if every chunk does.
// There is no atomicity across chunks: after a failure some chunks may be
// stored, and calling BatchSave again with the same rows is safe.
func BatchSave[T any](ctx context.Context, db *gorm.DB, rows []T, chunkSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultBatchChunkSize
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit(db))
	for start := 0; start < len(rows); start += chunkSize {
		chunk := rows[start:min(start+chunkSize, len(rows))]
		g.Go(func() error {
			err := db.WithContext(gctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&chunk).Error
			if err != nil {
				return writeFailed("batch save", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// batchLimit is the number of chunks written at once. A transaction holds a
// single connection; otherwise the pool size applies.
func batchLimit(db *gorm.DB) int {
	if _, ok := db.Statement.ConnPool.(gorm.TxCommitter); ok {
		return 1
	}
	sqlDB, err := db.DB()
	if err != nil {
		return 1
	}
	if n := sqlDB.Stats().MaxOpenConnections; n > 0 {
		return n
	}
	return -1
}
