package monorepo

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"

	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

const initMessage = "Init Mega Directory"

// InitMonorepo creates the root tree with one empty directory per configured
// root dir, commits it and points the default branch at it. When the
// default branch already exists nothing changes and its commit is returned.
func (e *Engine) InitMonorepo(ctx context.Context) (object.Hash, error) {
	repo, err := e.store.ResolveRepo(ctx, RootPath, true)
	if err != nil {
		return "", err
	}
	if head, ok, err := e.store.GetRef(ctx, repo.ID, e.defaultRef); err != nil {
		return "", err
	} else if ok {
		return head, nil
	}

	keep := object.NewBlob(nil)
	dirTree, err := object.NewTree([]object.TreeItem{{Mode: object.ModeBlob, ID: keep.ID, Name: gitkeepName}})
	if err != nil {
		return "", err
	}
	items := make([]object.TreeItem, 0, len(e.cfg.RootDirs))
	for _, dir := range e.cfg.RootDirs {
		items = append(items, object.TreeItem{Mode: object.ModeTree, ID: dirTree.ID, Name: dir})
	}
	root, err := object.NewTree(items)
	if err != nil {
		return "", err
	}
	sig := e.signature()
	commit := object.NewCommit(root.ID, nil, sig, sig, initMessage)

	records := []object.Record{keep.Record(), dirTree.Record(), root.Record(), commit.Record()}
	if err := e.store.SaveObjects(ctx, records); err != nil {
		return "", err
	}

	err = e.store.Transaction(ctx, func(tx *storage.Storage) error {
		if err := tx.UpdateRef(ctx, repo.ID, e.defaultRef, object.ZeroHash, commit.ID); err != nil {
			return err
		}
		if err := tx.DeleteMegaTreesUnder(ctx, RootPath); err != nil {
			return err
		}
		if err := writeProjection(ctx, tx, RootPath, nil, "", root.ID, commit.ID); err != nil {
			return err
		}
		return tx.SaveMegaCommits(ctx, []storage.MegaCommit{megaCommit(commit)})
	})
	if errors.Is(err, storage.ErrRefConflict) {
		// initialized concurrently
		head, _, err := e.store.GetRef(ctx, repo.ID, e.defaultRef)
		return head, err
	}
	if err != nil {
		return "", err
	}

	logger.Infof("[monorepo] initialized root dirs %v at commit %s", e.cfg.RootDirs, commit.ID)
	return commit.ID, nil
}
