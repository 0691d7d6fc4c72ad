package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odvcencio/monogit/pkg/object"
)

// ResolveRepo returns the repo stored at repoPath. When create is set a
// missing repo is created; otherwise ErrNotFound is returned.
func (s *Storage) ResolveRepo(ctx context.Context, repoPath string, create bool) (*Repo, error) {
	repo, err := s.GetRepoByPath(ctx, repoPath)
	if err == nil || !errors.Is(err, ErrNotFound) || !create {
		return repo, err
	}

	row := Repo{Path: repoPath, Name: path.Base(repoPath)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, writeFailed("create repo "+repoPath, err)
	}
	return s.GetRepoByPath(ctx, repoPath)
}

// GetRepoByPath loads the repo stored at repoPath.
func (s *Storage) GetRepoByPath(ctx context.Context, repoPath string) (*Repo, error) {
	var repo Repo
	err := s.db.WithContext(ctx).Where("path = ?", repoPath).Take(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("repo %s: %w", repoPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", repoPath, err)
	}
	return &repo, nil
}

// GetRef returns the id name points at and whether the ref exists.
func (s *Storage) GetRef(ctx context.Context, repoID int64, name string) (object.Hash, bool, error) {
	ref, err := s.findRef(ctx, repoID, name)
	if errors.Is(err, ErrNotFound) {
		return object.ZeroHash, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return object.Hash(ref.RefGitID), true, nil
}

// ListRefs returns every ref of a repo ordered by name.
func (s *Storage) ListRefs(ctx context.Context, repoID int64) ([]Ref, error) {
	var refs []Ref
	err := s.db.WithContext(ctx).Where("repo_id = ?", repoID).Order("ref_name").Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

// UpdateRef moves name from oldID to newID atomically. oldID == ZeroHash
// means the ref must not exist yet; newID == ZeroHash deletes it. Any other
// stored value yields ErrRefConflict and nothing changes.
func (s *Storage) UpdateRef(ctx context.Context, repoID int64, name string, oldID, newID object.Hash) error {
	if oldID == "" {
		oldID = object.ZeroHash
	}
	if newID == "" {
		newID = object.ZeroHash
	}
	return s.Transaction(ctx, func(tx *Storage) error {
		ref, err := tx.findRef(ctx, repoID, name)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		current := object.ZeroHash
		if exists {
			current = object.Hash(ref.RefGitID)
		}
		if current != oldID {
			return fmt.Errorf("update ref %s: stored %s, expected %s: %w", name, current, oldID, ErrRefConflict)
		}

		switch {
		case newID.IsZero() && !exists:
			return nil
		case newID.IsZero():
			res := tx.db.WithContext(ctx).Where("id = ? AND ref_git_id = ?", ref.ID, string(oldID)).Delete(&Ref{})
			if res.Error != nil {
				return writeFailed("delete ref "+name, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("delete ref %s: %w", name, ErrRefConflict)
			}
			return nil
		case !exists:
			row := Ref{RepoID: repoID, RefName: name, RefGitID: string(newID), Kind: KindOf(name)}
			res := tx.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return writeFailed("create ref "+name, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("create ref %s: %w", name, ErrRefConflict)
			}
			return nil
		default:
			res := tx.db.WithContext(ctx).Model(&Ref{}).
				Where("id = ? AND ref_git_id = ?", ref.ID, string(oldID)).
				Updates(map[string]any{
					"ref_git_id": string(newID),
					"updated_at": nextUpdatedAt(ref.UpdatedAt),
				})
			if res.Error != nil {
				return writeFailed("update ref "+name, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("update ref %s: %w", name, ErrRefConflict)
			}
			return nil
		}
	})
}

// SaveRef unconditionally points name at id, creating the ref if needed.
func (s *Storage) SaveRef(ctx context.Context, repoID int64, name string, id object.Hash, source *string) error {
	return s.Transaction(ctx, func(tx *Storage) error {
		ref, err := tx.findRef(ctx, repoID, name)
		if errors.Is(err, ErrNotFound) {
			row := Ref{RepoID: repoID, RefName: name, RefGitID: string(id), Kind: KindOf(name), Source: source}
			if err := tx.db.WithContext(ctx).Create(&row).Error; err != nil {
				return writeFailed("save ref "+name, err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		err = tx.db.WithContext(ctx).Model(&Ref{}).Where("id = ?", ref.ID).Updates(map[string]any{
			"ref_git_id": string(id),
			"source":     source,
			"updated_at": nextUpdatedAt(ref.UpdatedAt),
		}).Error
		if err != nil {
			return writeFailed("save ref "+name, err)
		}
		return nil
	})
}

// RemoveRef deletes name. Removing a missing ref is not an error.
func (s *Storage) RemoveRef(ctx context.Context, repoID int64, name string) error {
	err := s.db.WithContext(ctx).Where("repo_id = ? AND ref_name = ?", repoID, name).Delete(&Ref{}).Error
	if err != nil {
		return writeFailed("remove ref "+name, err)
	}
	return nil
}

func (s *Storage) findRef(ctx context.Context, repoID int64, name string) (*Ref, error) {
	var ref Ref
	err := s.db.WithContext(ctx).Where("repo_id = ? AND ref_name = ?", repoID, name).Take(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ref %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", name, err)
	}
	return &ref, nil
}

// nextUpdatedAt keeps updated_at strictly increasing even when the clock
// does not move between two updates.
func nextUpdatedAt(prev time.Time) time.Time {
	now := time.Now()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
