// Package storage persists objects, refs and the monorepo projection in a
// relational database through GORM.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/object"
)

var (
	// ErrRefConflict is returned when a compare-and-set ref update finds a
	// value other than the expected old id.
	ErrRefConflict = errors.New("ref conflict")
	// ErrStorageWriteFailed wraps any failed database or raw store write.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrNotFound is returned for unknown repos, refs and projection rows.
	ErrNotFound = errors.New("not found")
)

// Storage is the persistence layer. A Storage handed to a Transaction
// callback is bound to that transaction.
type Storage struct {
	db        *gorm.DB
	raw       *object.RawStore
	threshold int
	chunkSize int
}

// Open connects to the configured SQLite database, migrates the schema and
// opens the raw object store when enabled.
func Open(cfg *config.Config) (*Storage, error) {
	dsn := cfg.Database.Path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := db.AutoMigrate(allModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var raw *object.RawStore
	if cfg.Storage.RawStorage {
		raw, err = object.NewRawStore(cfg.Storage.ObjLocalPath)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	logger.Debugf("[storage] opened %s (raw store: %v)", cfg.Database.Path, raw != nil)
	return New(db, raw, cfg.BigObjThreshold(), cfg.Storage.BatchChunkSize), nil
}

// New wraps an already migrated database.
func New(db *gorm.DB, raw *object.RawStore, bigObjThreshold, chunkSize int) *Storage {
	if chunkSize <= 0 {
		chunkSize = DefaultBatchChunkSize
	}
	if raw == nil {
		bigObjThreshold = 0
	}
	return &Storage{db: db, raw: raw, threshold: bigObjThreshold, chunkSize: chunkSize}
}

// Close releases the database connection and the raw store.
func (s *Storage) Close() error {
	var errs []error
	if s.raw != nil {
		errs = append(errs, s.raw.Close())
	}
	if sqlDB, err := s.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	} else {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Transaction runs fn inside one database transaction. fn must use only the
// Storage it is given; the outer one may be waiting on the same connection.
func (s *Storage) Transaction(ctx context.Context, fn func(tx *Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(s.with(gtx))
	})
}

func (s *Storage) with(db *gorm.DB) *Storage {
	cp := *s
	cp.db = db
	return &cp
}

func writeFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageWriteFailed, err)
}

func newGormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	if logger.IsLevelEnabled(logger.DebugLevel) {
		level = gormlogger.Info
	}
	return gormlogger.New(logger.StandardLogger(), gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}
