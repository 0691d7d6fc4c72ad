package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// GetMegaTreeByPath loads the projection row of the directory at fullPath.
func (s *Storage) GetMegaTreeByPath(ctx context.Context, fullPath string) (*MegaTree, error) {
	var row MegaTree
	err := s.db.WithContext(ctx).Where("full_path = ?", fullPath).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mega tree %s: %w", fullPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mega tree %s: %w", fullPath, err)
	}
	return &row, nil
}

// GetMegaTreeByID loads a projection row by its row id.
func (s *Storage) GetMegaTreeByID(ctx context.Context, id int64) (*MegaTree, error) {
	var row MegaTree
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mega tree #%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mega tree #%d: %w", id, err)
	}
	return &row, nil
}

// ListMegaTrees returns the projection rows whose parent is parentID.
func (s *Storage) ListMegaTrees(ctx context.Context, parentID int64) ([]MegaTree, error) {
	var rows []MegaTree
	err := s.db.WithContext(ctx).Where("parent_id = ?", parentID).Order("name").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list mega trees: %w", err)
	}
	return rows, nil
}

// UpsertMegaTrees writes rows keyed by full path. Existing rows keep their id
// and creation time; new rows get an id assigned in place. Parents must come
// before their children so ParentID can be filled from earlier rows.
func (s *Storage) UpsertMegaTrees(ctx context.Context, rows []*MegaTree) error {
	for _, row := range rows {
		existing, err := s.GetMegaTreeByPath(ctx, row.FullPath)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
				return writeFailed("create mega tree "+row.FullPath, err)
			}
		case err != nil:
			return err
		default:
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			err := s.db.WithContext(ctx).Model(&MegaTree{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"parent_id": row.ParentID,
				"name":      row.Name,
				"tree_id":   row.TreeID,
				"sub_trees": row.SubTrees,
				"size":      row.Size,
				"commit_id": row.CommitID,
				"status":    row.Status,
			}).Error
			if err != nil {
				return writeFailed("update mega tree "+row.FullPath, err)
			}
		}
	}
	return nil
}

// DeleteMegaTreesUnder removes the projection rows strictly below dir.
func (s *Storage) DeleteMegaTreesUnder(ctx context.Context, dir string) error {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	// '0' is the byte after '/', so this range is exactly the prefix.
	upper := prefix[:len(prefix)-1] + "0"
	err := s.db.WithContext(ctx).
		Where("full_path > ? AND full_path < ?", prefix, upper).
		Delete(&MegaTree{}).Error
	if err != nil {
		return writeFailed("delete mega trees under "+dir, err)
	}
	return nil
}

// DeleteMegaTree removes the projection row at fullPath if there is one.
func (s *Storage) DeleteMegaTree(ctx context.Context, fullPath string) error {
	err := s.db.WithContext(ctx).Where("full_path = ?", fullPath).Delete(&MegaTree{}).Error
	if err != nil {
		return writeFailed("delete mega tree "+fullPath, err)
	}
	return nil
}

// SaveMegaCommits stores commit projections, skipping ones already present.
func (s *Storage) SaveMegaCommits(ctx context.Context, rows []MegaCommit) error {
	return BatchSave(ctx, s.db, rows, s.chunkSize)
}

// GetMegaCommit loads a commit projection.
func (s *Storage) GetMegaCommit(ctx context.Context, commitID string) (*MegaCommit, error) {
	var row MegaCommit
	err := s.db.WithContext(ctx).Where("commit_id = ?", commitID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mega commit %s: %w", commitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mega commit %s: %w", commitID, err)
	}
	return &row, nil
}
