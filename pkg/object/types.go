package object

import (
	"fmt"
)

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

// ParseObjectType accepts the four Git object type names.
func ParseObjectType(raw string) (ObjectType, error) {
	switch t := ObjectType(raw); t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported object type %q", raw)
	}
}

// TreeItemMode is the Git file mode of a tree entry.
type TreeItemMode uint8

const (
	ModeBlob TreeItemMode = iota + 1
	ModeExecutable
	ModeLink
	ModeTree
	ModeCommit
)

var modeStrings = map[TreeItemMode]string{
	ModeBlob:       "100644",
	ModeExecutable: "100755",
	ModeLink:       "120000",
	ModeTree:       "40000",
	ModeCommit:     "160000",
}

// String returns the canonical octal mode written in tree objects.
func (m TreeItemMode) String() string {
	if s, ok := modeStrings[m]; ok {
		return s
	}
	return fmt.Sprintf("TreeItemMode(%d)", uint8(m))
}

// IsTree reports whether entries of this mode point at another tree.
func (m TreeItemMode) IsTree() bool {
	return m == ModeTree
}

// ParseTreeItemMode parses an octal mode string. Git writes directories as
// "40000" but some old objects carry "040000".
func ParseTreeItemMode(s string) (TreeItemMode, error) {
	switch s {
	case "100644", "100664":
		return ModeBlob, nil
	case "100755":
		return ModeExecutable, nil
	case "120000":
		return ModeLink, nil
	case "40000", "040000":
		return ModeTree, nil
	case "160000":
		return ModeCommit, nil
	default:
		return 0, fmt.Errorf("unknown tree item mode %q", s)
	}
}

// Blob holds raw file data.
type Blob struct {
	ID   Hash
	Data []byte
}

// NewBlob hashes content into a Blob. The content is copied.
func NewBlob(content []byte) *Blob {
	data := make([]byte, len(content))
	copy(data, content)
	return &Blob{ID: HashObject(TypeBlob, data), Data: data}
}

// TreeItem is one child entry of a tree.
type TreeItem struct {
	Mode TreeItemMode
	ID   Hash
	Name string
}

// Tree holds canonically ordered tree items and their content hash.
type Tree struct {
	ID    Hash
	Items []TreeItem // canonical order, see NewTree
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name     string
	Email    string
	When     int64  // unix seconds
	Timezone string // "+hhmm" or "-hhmm"
}

// Commit points at a tree and zero or more parent commits.
type Commit struct {
	ID        Hash
	TreeID    Hash
	ParentIDs []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// Record is a serialized object as it travels through packs and storage.
type Record struct {
	Hash Hash
	Type ObjectType
	Data []byte
}

// Record returns the serialized form of b.
func (b *Blob) Record() Record {
	return Record{Hash: b.ID, Type: TypeBlob, Data: b.Data}
}

// Record returns the serialized form of t.
func (t *Tree) Record() Record {
	return Record{Hash: t.ID, Type: TypeTree, Data: MarshalTree(t)}
}

// Record returns the serialized form of c.
func (c *Commit) Record() Record {
	return Record{Hash: c.ID, Type: TypeCommit, Data: MarshalCommit(c)}
}
