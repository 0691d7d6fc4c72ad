package storage

import (
	"strings"
	"time"
)

// MergeStatus tracks whether a monorepo tree or commit has been merged
// into the default branch.
type MergeStatus string

const (
	MergeStatusOpen   MergeStatus = "open"
	MergeStatusMerged MergeStatus = "merged"
)

// RefKind classifies a reference by its name.
type RefKind string

const (
	RefKindHead   RefKind = "head"
	RefKindBranch RefKind = "branch"
	RefKindTag    RefKind = "tag"
	RefKindOther  RefKind = "other"
)

// KindOf derives the kind of a ref from its name.
func KindOf(refName string) RefKind {
	switch {
	case refName == "HEAD":
		return RefKindHead
	case strings.HasPrefix(refName, "refs/heads/"):
		return RefKindBranch
	case strings.HasPrefix(refName, "refs/tags/"):
		return RefKindTag
	default:
		return RefKindOther
	}
}

// Object storage locations.
const (
	StorageTypeDatabase = "database"
	StorageTypeRaw      = "raw_storage"
)

// GitObject is one content-addressed object. Large payloads live in the raw
// store and the row only keeps the locator.
type GitObject struct {
	Hash        string `gorm:"column:hash;primaryKey;size:40"`
	Type        string `gorm:"column:type;size:16;not null"`
	Size        int64  `gorm:"column:size;not null"`
	Data        []byte `gorm:"column:data"`
	StorageType string `gorm:"column:storage_type;size:16;not null"`
	Locator     string `gorm:"column:locator"`
	CreatedAt   time.Time
}

func (GitObject) TableName() string { return "git_objects" }

// Repo is one served repository path. The monorepo root is "/".
type Repo struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Path      string `gorm:"column:path;uniqueIndex;not null"`
	Name      string `gorm:"column:name"`
	CreatedAt time.Time
}

func (Repo) TableName() string { return "repos" }

// Ref points a name inside a repository at an object id.
type Ref struct {
	ID        int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RepoID    int64   `gorm:"column:repo_id;not null;uniqueIndex:idx_refs_repo_name,priority:1"`
	RefName   string  `gorm:"column:ref_name;not null;uniqueIndex:idx_refs_repo_name,priority:2"`
	RefGitID  string  `gorm:"column:ref_git_id;size:40;not null"`
	Kind      RefKind `gorm:"column:kind;size:16"`
	Source    *string `gorm:"column:source"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Ref) TableName() string { return "refs" }

// MegaTree is the projection row of one monorepo directory. SubTrees holds
// the Git serialization of the directory's tree, so TreeID is its hash.
type MegaTree struct {
	ID        int64       `gorm:"column:id;primaryKey;autoIncrement"`
	FullPath  string      `gorm:"column:full_path;uniqueIndex;not null"`
	ParentID  *int64      `gorm:"column:parent_id;index"`
	Name      string      `gorm:"column:name"`
	TreeID    string      `gorm:"column:tree_id;size:40;not null"`
	SubTrees  []byte      `gorm:"column:sub_trees"`
	Size      int64       `gorm:"column:size"`
	CommitID  string      `gorm:"column:commit_id;size:40"`
	Status    MergeStatus `gorm:"column:status;size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MegaTree) TableName() string { return "mega_trees" }

// MegaCommit is the projection row of one monorepo commit.
type MegaCommit struct {
	CommitID  string      `gorm:"column:commit_id;primaryKey;size:40"`
	TreeID    string      `gorm:"column:tree_id;size:40;not null"`
	ParentsID []string    `gorm:"column:parents_id;serializer:json"`
	Author    string      `gorm:"column:author"`
	Committer string      `gorm:"column:committer"`
	Content   string      `gorm:"column:content"`
	Status    MergeStatus `gorm:"column:status;size:16"`
	CreatedAt time.Time
}

func (MegaCommit) TableName() string { return "mega_commits" }

func allModels() []any {
	return []any{&GitObject{}, &Repo{}, &Ref{}, &MegaTree{}, &MegaCommit{}}
}
