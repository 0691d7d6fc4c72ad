// Package monorepo maintains the synthetic monorepo tree: every directory
// has a projection row, and any change below a directory rewrites the trees
// of all its ancestors up to the root before main is advanced.
package monorepo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

// RootPath is the repository path of the monorepo itself.
const RootPath = "/"

const gitkeepName = ".gitkeep"

var (
	// ErrPathNotFound is returned when a directory has no projection row.
	ErrPathNotFound = errors.New("path not found")
	// ErrInvalidName is returned for entry names that cannot live in a tree.
	ErrInvalidName = errors.New("invalid entry name")
)

// CreateFileInfo describes one file or directory to add under Path.
type CreateFileInfo struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Content     string `json:"content,omitempty"`
}

// Engine applies changes to the monorepo tree.
type Engine struct {
	store      *storage.Storage
	cfg        config.MonorepoConfig
	defaultRef string
	now        func() time.Time
}

// NewEngine creates an engine over store.
func NewEngine(store *storage.Storage, cfg *config.Config) *Engine {
	return &Engine{
		store:      store,
		cfg:        cfg.Monorepo,
		defaultRef: cfg.DefaultRef(),
		now:        time.Now,
	}
}

// DefaultRef is the fully qualified branch the engine advances.
func (e *Engine) DefaultRef() string {
	return e.defaultRef
}

func (e *Engine) signature() object.Signature {
	return object.NewSignature(e.cfg.AuthorName, e.cfg.AuthorEmail, e.now())
}

// snapshot is a consistent read of the default branch and the ancestor
// chain of one directory.
type snapshot struct {
	repo  *storage.Repo
	head  object.Hash
	chain []Level
	rows  []*storage.MegaTree
}

func (e *Engine) loadSnapshot(ctx context.Context, dir string) (*snapshot, error) {
	snap := &snapshot{}
	err := e.store.Transaction(ctx, func(tx *storage.Storage) error {
		repo, err := tx.ResolveRepo(ctx, RootPath, true)
		if err != nil {
			return err
		}
		snap.repo = repo
		if snap.head, _, err = tx.GetRef(ctx, repo.ID, e.defaultRef); err != nil {
			return err
		}
		snap.chain, snap.rows, err = loadChain(ctx, tx, dir)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// loadChain reads the projection rows from dir up to the root.
func loadChain(ctx context.Context, tx *storage.Storage, dir string) ([]Level, []*storage.MegaTree, error) {
	row, err := tx.GetMegaTreeByPath(ctx, dir)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%s: %w", dir, ErrPathNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	var (
		chain []Level
		rows  []*storage.MegaTree
	)
	for {
		t, err := object.UnmarshalTree(row.SubTrees)
		if err != nil {
			return nil, nil, fmt.Errorf("projection %s: %w", row.FullPath, err)
		}
		if string(t.ID) != row.TreeID {
			return nil, nil, fmt.Errorf("projection %s: stored tree %s does not hash to %s", row.FullPath, row.TreeID, t.ID)
		}
		chain = append(chain, Level{Path: row.FullPath, Name: row.Name, Tree: t})
		rows = append(rows, row)
		if row.ParentID == nil {
			break
		}
		if row, err = tx.GetMegaTreeByID(ctx, *row.ParentID); err != nil {
			return nil, nil, err
		}
	}
	if last := chain[len(chain)-1]; last.Path != RootPath {
		return nil, nil, fmt.Errorf("projection %s: chain ends at %s, not the root", dir, last.Path)
	}
	return chain, rows, nil
}

// CreateFile adds a file or an empty directory under info.Path and commits
// the result to the default branch. An existing entry of the same name is
// replaced.
func (e *Engine) CreateFile(ctx context.Context, info CreateFileInfo) (object.Hash, error) {
	dir := cleanPath(info.Path)
	if err := validateName(info.Name); err != nil {
		return "", err
	}

	var (
		records []object.Record
		item    object.TreeItem
	)
	if info.IsDirectory {
		keep := object.NewBlob(nil)
		sub, err := object.NewTree([]object.TreeItem{{Mode: object.ModeBlob, ID: keep.ID, Name: gitkeepName}})
		if err != nil {
			return "", err
		}
		records = append(records, keep.Record(), sub.Record())
		item = object.TreeItem{Mode: object.ModeTree, ID: sub.ID, Name: info.Name}
	} else {
		blob := object.NewBlob([]byte(info.Content))
		records = append(records, blob.Record())
		item = object.TreeItem{Mode: object.ModeBlob, ID: blob.ID, Name: info.Name}
	}

	snap, err := e.loadSnapshot(ctx, dir)
	if err != nil {
		return "", err
	}
	message := fmt.Sprintf("create file %s commit", info.Name)
	commitID, err := e.commitRebuild(ctx, snap, item, records, message)
	if err != nil {
		return "", err
	}
	logger.Infof("[monorepo] created %s under %s in commit %s", info.Name, dir, commitID)
	return commitID, nil
}

// ApplyTree grafts the stored tree treeID into the monorepo at dirPath,
// replacing whatever was there, and commits the result to the default
// branch. The parent of dirPath must exist.
func (e *Engine) ApplyTree(ctx context.Context, dirPath string, treeID object.Hash, message string) (object.Hash, error) {
	dirPath = cleanPath(dirPath)
	if dirPath == RootPath {
		return "", fmt.Errorf("apply tree: cannot graft onto the root")
	}
	rec, err := e.store.ReadObject(ctx, treeID)
	if err != nil {
		return "", fmt.Errorf("apply tree: %w", err)
	}
	if rec.Type != object.TypeTree {
		return "", fmt.Errorf("apply tree: %s is a %s", treeID, rec.Type)
	}

	snap, err := e.loadSnapshot(ctx, path.Dir(dirPath))
	if err != nil {
		return "", err
	}
	item := object.TreeItem{Mode: object.ModeTree, ID: treeID, Name: path.Base(dirPath)}
	if existing, ok := snap.chain[0].Tree.Item(item.Name); ok && existing == item {
		logger.Debugf("[monorepo] %s already at tree %s", dirPath, treeID)
		return snap.head, nil
	}

	commitID, err := e.commitRebuild(ctx, snap, item, nil, message)
	if err != nil {
		return "", err
	}
	logger.Infof("[monorepo] grafted %s at %s in commit %s", treeID, dirPath, commitID)
	return commitID, nil
}

// commitRebuild rewrites the snapshot's chain with item, stores the new
// objects, then advances the default branch and the projection together.
// The ref update is the commit point; a concurrent writer makes it fail
// with storage.ErrRefConflict and nothing else changes.
func (e *Engine) commitRebuild(ctx context.Context, snap *snapshot, item object.TreeItem, records []object.Record, message string) (object.Hash, error) {
	levels, err := Rebuild(snap.chain, item)
	if err != nil {
		return "", err
	}
	root := levels[len(levels)-1].Tree

	var parents []object.Hash
	if !snap.head.IsZero() {
		parents = []object.Hash{snap.head}
	}
	sig := e.signature()
	commit := object.NewCommit(root.ID, parents, sig, sig, message)

	for _, lvl := range levels {
		records = append(records, lvl.Tree.Record())
	}
	records = append(records, commit.Record())
	if err := e.store.SaveObjects(ctx, records); err != nil {
		return "", err
	}

	err = e.store.Transaction(ctx, func(tx *storage.Storage) error {
		if err := tx.UpdateRef(ctx, snap.repo.ID, e.defaultRef, snap.head, commit.ID); err != nil {
			return err
		}
		rows := make([]*storage.MegaTree, len(levels))
		for i, lvl := range levels {
			row := *snap.rows[i]
			fillRow(&row, lvl.Tree.ID, object.MarshalTree(lvl.Tree), commit.ID)
			rows[i] = &row
		}
		if err := tx.UpsertMegaTrees(ctx, rows); err != nil {
			return err
		}
		childPath := path.Join(snap.chain[0].Path, item.Name)
		if err := replaceProjection(ctx, tx, childPath, rows[0].ID, item, commit.ID); err != nil {
			return err
		}
		return tx.SaveMegaCommits(ctx, []storage.MegaCommit{megaCommit(commit)})
	})
	if err != nil {
		return "", err
	}
	return commit.ID, nil
}

// UpdateDefaultBranch moves the default branch of the root repository from
// oldID to newID and rebuilds the projection from the new commit's tree in
// the same transaction. Pushes to the root repository go through here.
func (e *Engine) UpdateDefaultBranch(ctx context.Context, oldID, newID object.Hash) error {
	var commit *object.Commit
	if !newID.IsZero() {
		rec, err := e.store.ReadObject(ctx, newID)
		if err != nil {
			return err
		}
		if rec.Type != object.TypeCommit {
			return fmt.Errorf("update %s: %s is a %s", e.defaultRef, newID, rec.Type)
		}
		if commit, err = object.UnmarshalCommit(rec.Data); err != nil {
			return err
		}
	}

	return e.store.Transaction(ctx, func(tx *storage.Storage) error {
		repo, err := tx.ResolveRepo(ctx, RootPath, true)
		if err != nil {
			return err
		}
		if err := tx.UpdateRef(ctx, repo.ID, e.defaultRef, oldID, newID); err != nil {
			return err
		}
		if err := tx.DeleteMegaTreesUnder(ctx, RootPath); err != nil {
			return err
		}
		if commit == nil {
			return tx.DeleteMegaTree(ctx, RootPath)
		}
		if err := writeProjection(ctx, tx, RootPath, nil, "", commit.TreeID, commit.ID); err != nil {
			return err
		}
		return tx.SaveMegaCommits(ctx, []storage.MegaCommit{megaCommit(commit)})
	})
}

// replaceProjection makes the rows at and below fullPath reflect item.
func replaceProjection(ctx context.Context, tx *storage.Storage, fullPath string, parentID int64, item object.TreeItem, commitID object.Hash) error {
	if err := tx.DeleteMegaTreesUnder(ctx, fullPath); err != nil {
		return err
	}
	if !item.Mode.IsTree() {
		return tx.DeleteMegaTree(ctx, fullPath)
	}
	return writeProjection(ctx, tx, fullPath, &parentID, item.Name, item.ID, commitID)
}

// writeProjection upserts the row of the tree at fullPath and, recursively,
// of every subtree below it. Trees are read from storage.
func writeProjection(ctx context.Context, tx *storage.Storage, fullPath string, parentID *int64, name string, treeID, commitID object.Hash) error {
	rec, err := tx.ReadObject(ctx, treeID)
	if err != nil {
		return fmt.Errorf("projection %s: %w", fullPath, err)
	}
	t, err := object.UnmarshalTree(rec.Data)
	if err != nil {
		return fmt.Errorf("projection %s: %w", fullPath, err)
	}

	row := &storage.MegaTree{FullPath: fullPath, ParentID: parentID, Name: name}
	fillRow(row, treeID, rec.Data, commitID)
	if err := tx.UpsertMegaTrees(ctx, []*storage.MegaTree{row}); err != nil {
		return err
	}
	for _, child := range t.Items {
		if !child.Mode.IsTree() {
			continue
		}
		if err := writeProjection(ctx, tx, path.Join(fullPath, child.Name), &row.ID, child.Name, child.ID, commitID); err != nil {
			return err
		}
	}
	return nil
}

// fillRow points row at the tree with id treeID whose encoded form is data.
// data must be the bytes that hash to treeID.
func fillRow(row *storage.MegaTree, treeID object.Hash, data []byte, commitID object.Hash) {
	row.TreeID = string(treeID)
	row.SubTrees = data
	row.Size = int64(len(data))
	row.CommitID = string(commitID)
	row.Status = storage.MergeStatusMerged
}

func megaCommit(c *object.Commit) storage.MegaCommit {
	parents := make([]string, len(c.ParentIDs))
	for i, p := range c.ParentIDs {
		parents[i] = string(p)
	}
	return storage.MegaCommit{
		CommitID:  string(c.ID),
		TreeID:    string(c.TreeID),
		ParentsID: parents,
		Author:    c.Author.String(),
		Committer: c.Committer.String(),
		Content:   c.Message,
		Status:    storage.MergeStatusMerged,
	}
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
