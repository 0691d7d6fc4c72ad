package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/odvcencio/monogit/pkg/object"
)

// SaveObjects stores records, skipping ones already present. Payloads over
// the big-object threshold are written to the raw store first.
func (s *Storage) SaveObjects(ctx context.Context, recs []object.Record) error {
	if len(recs) == 0 {
		return nil
	}
	seen := make(map[object.Hash]struct{}, len(recs))
	rows := make([]GitObject, 0, len(recs))
	for _, rec := range recs {
		if _, dup := seen[rec.Hash]; dup {
			continue
		}
		seen[rec.Hash] = struct{}{}

		row := GitObject{
			Hash:        string(rec.Hash),
			Type:        string(rec.Type),
			Size:        int64(len(rec.Data)),
			Data:        rec.Data,
			StorageType: StorageTypeDatabase,
		}
		if s.threshold > 0 && len(rec.Data) > s.threshold {
			locator, err := s.raw.Put(rec.Hash, rec.Data)
			if err != nil {
				return writeFailed("save objects", err)
			}
			row.Data = nil
			row.StorageType = StorageTypeRaw
			row.Locator = locator
		}
		rows = append(rows, row)
	}
	return BatchSave(ctx, s.db, rows, s.chunkSize)
}

// ReadObject loads one object. Unknown hashes yield object.ErrObjectNotFound.
func (s *Storage) ReadObject(ctx context.Context, h object.Hash) (object.Record, error) {
	var row GitObject
	err := s.db.WithContext(ctx).Where("hash = ?", string(h)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, object.ErrObjectNotFound)
	}
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}

	objType, err := object.ParseObjectType(row.Type)
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}
	data := row.Data
	if row.StorageType == StorageTypeRaw {
		if s.raw == nil {
			return object.Record{}, fmt.Errorf("read object %s: raw store disabled", h)
		}
		if data, err = s.raw.Get(row.Locator); err != nil {
			return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
		}
	}
	if data == nil {
		data = []byte{}
	}
	return object.Record{Hash: h, Type: objType, Data: data}, nil
}

// HasObject reports whether h is stored.
func (s *Storage) HasObject(ctx context.Context, h object.Hash) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&GitObject{}).Where("hash = ?", string(h)).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("has object %s: %w", h, err)
	}
	return count > 0, nil
}

// MissingObjects returns the hashes among hs that are not stored, in input
// order. Lookups run in chunks of the configured batch size.
func (s *Storage) MissingObjects(ctx context.Context, hs []object.Hash) ([]object.Hash, error) {
	present := make(map[string]struct{}, len(hs))
	for start := 0; start < len(hs); start += s.chunkSize {
		chunk := hs[start:min(start+s.chunkSize, len(hs))]
		keys := make([]string, len(chunk))
		for i, h := range chunk {
			keys[i] = string(h)
		}
		var found []string
		err := s.db.WithContext(ctx).Model(&GitObject{}).Where("hash IN ?", keys).Pluck("hash", &found).Error
		if err != nil {
			return nil, fmt.Errorf("missing objects: %w", err)
		}
		for _, h := range found {
			present[h] = struct{}{}
		}
	}

	var missing []object.Hash
	for _, h := range hs {
		if _, ok := present[string(h)]; !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}
