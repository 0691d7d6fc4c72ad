package monorepo

import (
	"fmt"

	"github.com/odvcencio/monogit/pkg/object"
)

// Level is one directory on the path from a target directory up to the
// monorepo root. Name is the directory's entry name in its parent; the
// root has an empty name.
type Level struct {
	Path string
	Name string
	Tree *object.Tree
}

// Rebuild inserts item into chain[0] and rewrites every ancestor so that
// each points at the new tree below it. chain runs from the target
// directory (index 0) to the root (last). The result is aligned with chain
// and its last element holds the new root tree. Inputs are not modified.
func Rebuild(chain []Level, item object.TreeItem) ([]Level, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("rebuild: empty ancestor chain")
	}
	out := make([]Level, len(chain))
	cur := item
	for i, lvl := range chain {
		if lvl.Tree == nil {
			return nil, fmt.Errorf("rebuild: no tree loaded for %s", lvl.Path)
		}
		t, err := lvl.Tree.WithItem(cur)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", lvl.Path, err)
		}
		out[i] = Level{Path: lvl.Path, Name: lvl.Name, Tree: t}
		cur = object.TreeItem{Mode: object.ModeTree, ID: t.ID, Name: lvl.Name}
	}
	return out, nil
}
