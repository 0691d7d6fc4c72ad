package object

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// MarshalTree serializes a tree in Git's binary format. Items are written in
// the order held by t, which NewTree keeps canonical:
//
//	<mode> <name>\0<20-byte id>
func MarshalTree(t *Tree) []byte {
	var buf bytes.Buffer
	for _, item := range t.Items {
		buf.WriteString(item.Mode.String())
		buf.WriteByte(' ')
		buf.WriteString(item.Name)
		buf.WriteByte(0)
		raw, err := item.ID.Bytes()
		if err != nil {
			// NewTree and UnmarshalTree only admit well-formed ids; anything
			// else is written as zeros so the bad item is at least visible.
			raw = make([]byte, HashSize)
		}
		buf.Write(raw)
	}
	return buf.Bytes()
}

// UnmarshalTree parses Git's binary tree format. Items keep the order found
// in data and the id is the hash of data itself.
func UnmarshalTree(data []byte) (*Tree, error) {
	t := &Tree{ID: HashObject(TypeTree, data)}
	rest := data
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("unmarshal tree: missing mode separator")
		}
		mode, err := ParseTreeItemMode(string(rest[:sp]))
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		rest = rest[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("unmarshal tree: missing name terminator")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]

		if len(rest) < HashSize {
			return nil, fmt.Errorf("unmarshal tree: truncated id for %q", name)
		}
		t.Items = append(t.Items, TreeItem{
			Mode: mode,
			ID:   HashFromBytes(rest[:HashSize]),
			Name: name,
		})
		rest = rest[HashSize:]
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// MarshalCommit serializes a commit in Git's text format:
//
//	tree H
//	parent H     (zero or more)
//	author A
//	committer C
//
//	message
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeID)
	for _, p := range c.ParentIDs {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", formatSignature(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", formatSignature(c.Committer))
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// NewCommit fills in the id of a commit built in memory.
func NewCommit(tree Hash, parents []Hash, author, committer Signature, message string) *Commit {
	c := &Commit{
		TreeID:    tree,
		ParentIDs: append([]Hash(nil), parents...),
		Author:    author,
		Committer: committer,
		Message:   message,
	}
	c.ID = HashObject(TypeCommit, MarshalCommit(c))
	return c
}

// UnmarshalCommit parses a commit. Headers other than tree, parent, author
// and committer (gpgsig, encoding, mergetag and their continuation lines)
// are skipped; the id is always the hash of data, so nothing is lost.
func UnmarshalCommit(data []byte) (*Commit, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	var header, message string
	if idx < 0 {
		header = strings.TrimRight(string(data), "\n")
	} else {
		header = string(data[:idx])
		message = string(data[idx+2:])
	}

	c := &Commit{ID: HashObject(TypeCommit, data), Message: message}
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, " ") {
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		switch key {
		case "tree":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: tree: %w", err)
			}
			c.TreeID = h
		case "parent":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: parent: %w", err)
			}
			c.ParentIDs = append(c.ParentIDs, h)
		case "author":
			c.Author = parseSignature(val)
		case "committer":
			c.Committer = parseSignature(val)
		}
	}
	if c.TreeID == "" {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}

// String renders s the way it appears in author and committer headers.
func (s Signature) String() string {
	return formatSignature(s)
}

func formatSignature(s Signature) string {
	tz := s.Timezone
	if tz == "" {
		tz = "+0000"
	}
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When, tz)
}

// parseSignature is lenient: Git accepts odd identities in the wild and the
// commit hash never depends on how well we parse them.
func parseSignature(raw string) Signature {
	var s Signature
	lt := strings.IndexByte(raw, '<')
	gt := strings.LastIndexByte(raw, '>')
	if lt < 0 || gt < lt {
		s.Name = strings.TrimSpace(raw)
		return s
	}
	s.Name = strings.TrimSpace(raw[:lt])
	s.Email = raw[lt+1 : gt]
	fields := strings.Fields(raw[gt+1:])
	if len(fields) > 0 {
		if when, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			s.When = when
		}
	}
	if len(fields) > 1 {
		s.Timezone = fields[1]
	}
	return s
}
