package object

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mapReader map[Hash]Record

func (m mapReader) ReadObject(_ context.Context, h Hash) (Record, error) {
	rec, ok := m[h]
	if !ok {
		return Record{}, ErrObjectNotFound
	}
	return rec, nil
}

func (m mapReader) add(rec Record) Hash {
	m[rec.Hash] = rec
	return rec.Hash
}

func buildHistory(t *testing.T) (mapReader, *Commit, *Commit) {
	t.Helper()
	r := mapReader{}
	sig := NewSignature("A", "a@example.com", time.Unix(1, 0).UTC())

	v1 := NewBlob([]byte("v1\n"))
	r.add(v1.Record())
	t1, err := NewTree([]TreeItem{{Mode: ModeBlob, ID: v1.ID, Name: "f.txt"}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	r.add(t1.Record())
	c1 := NewCommit(t1.ID, nil, sig, sig, "one\n")
	r.add(c1.Record())

	v2 := NewBlob([]byte("v2\n"))
	r.add(v2.Record())
	t2, err := NewTree([]TreeItem{
		{Mode: ModeBlob, ID: v2.ID, Name: "f.txt"},
		{Mode: ModeBlob, ID: v1.ID, Name: "old.txt"},
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	r.add(t2.Record())
	c2 := NewCommit(t2.ID, []Hash{c1.ID}, sig, sig, "two\n")
	r.add(c2.Record())
	return r, c1, c2
}

func TestCollectObjectsFullHistory(t *testing.T) {
	r, _, c2 := buildHistory(t)
	recs, err := CollectObjects(context.Background(), r, []Hash{c2.ID}, nil)
	if err != nil {
		t.Fatalf("CollectObjects: %v", err)
	}
	if len(recs) != len(r) {
		t.Fatalf("collected %d objects, want %d", len(recs), len(r))
	}
	if recs[0].Hash != c2.ID {
		t.Fatalf("first record = %s, want the wanted commit", recs[0].Hash)
	}
}

func TestCollectObjectsExcludesHaves(t *testing.T) {
	r, c1, c2 := buildHistory(t)
	recs, err := CollectObjects(context.Background(), r, []Hash{c2.ID}, []Hash{c1.ID})
	if err != nil {
		t.Fatalf("CollectObjects: %v", err)
	}
	// c2, its tree and the v2 blob; v1 is shared with c1.
	if len(recs) != 3 {
		t.Fatalf("collected %d objects, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.Hash == c1.ID {
			t.Fatal("have commit was sent")
		}
	}
}

func TestCollectObjectsUnknownHaveIgnored(t *testing.T) {
	r, _, c2 := buildHistory(t)
	unknown := Hash("1111111111111111111111111111111111111111")
	recs, err := CollectObjects(context.Background(), r, []Hash{c2.ID}, []Hash{unknown})
	if err != nil {
		t.Fatalf("CollectObjects: %v", err)
	}
	if len(recs) != len(r) {
		t.Fatalf("collected %d objects, want %d", len(recs), len(r))
	}
}

func TestCollectObjectsMissingWant(t *testing.T) {
	r, _, _ := buildHistory(t)
	_, err := CollectObjects(context.Background(), r, []Hash{"2222222222222222222222222222222222222222"}, nil)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}
