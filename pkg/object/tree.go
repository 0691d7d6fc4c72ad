package object

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidTree reports a tree whose items cannot form a valid Git tree,
// such as two items sharing a name.
var ErrInvalidTree = errors.New("invalid tree")

// NewTree builds a Tree from items in any order. Items are copied and sorted
// into Git's canonical order: byte-wise by name, where a subtree compares as
// if its name ended in "/". The id is the hash of that serialization, so the
// same item set always yields the same id.
func NewTree(items []TreeItem) (*Tree, error) {
	seen := make(map[string]struct{}, len(items))
	sorted := make([]TreeItem, len(items))
	for i, item := range items {
		if item.Name == "" || strings.ContainsAny(item.Name, "/\x00") {
			return nil, fmt.Errorf("%w: bad item name %q", ErrInvalidTree, item.Name)
		}
		if _, dup := seen[item.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate item name %q", ErrInvalidTree, item.Name)
		}
		if _, ok := modeStrings[item.Mode]; !ok {
			return nil, fmt.Errorf("%w: item %q has unknown mode %d", ErrInvalidTree, item.Name, item.Mode)
		}
		seen[item.Name] = struct{}{}
		sorted[i] = item
	}
	sortTreeItems(sorted)

	t := &Tree{Items: sorted}
	data := MarshalTree(t)
	t.ID = HashObject(TypeTree, data)
	return t, nil
}

func sortTreeItems(items []TreeItem) {
	sort.Slice(items, func(i, j int) bool {
		return canonicalName(items[i]) < canonicalName(items[j])
	})
}

func canonicalName(item TreeItem) string {
	if item.Mode.IsTree() {
		return item.Name + "/"
	}
	return item.Name
}

// Item returns the item named name.
func (t *Tree) Item(name string) (TreeItem, bool) {
	for _, item := range t.Items {
		if item.Name == name {
			return item, true
		}
	}
	return TreeItem{}, false
}

// WithItem returns a new tree in which item replaces the entry of the same
// name, or is appended when no such entry exists. t is left unchanged.
func (t *Tree) WithItem(item TreeItem) (*Tree, error) {
	items := make([]TreeItem, 0, len(t.Items)+1)
	replaced := false
	for _, existing := range t.Items {
		if existing.Name == item.Name {
			items = append(items, item)
			replaced = true
			continue
		}
		items = append(items, existing)
	}
	if !replaced {
		items = append(items, item)
	}
	return NewTree(items)
}
