package object

import (
	"strings"
	"testing"
	"time"
)

func TestCommitRoundTrip(t *testing.T) {
	sig := NewSignature("Mega", "mega@example.com", time.Unix(1700000000, 0).In(time.FixedZone("", 8*3600)))
	if sig.Timezone != "+0800" {
		t.Fatalf("timezone = %q, want +0800", sig.Timezone)
	}
	parent := Hash("ce013625030ba8dba906f756967f9e9ca394464a")
	c := NewCommit("4b825dc642cb6eb9a060e54bf8d69288fbee4904", []Hash{parent}, sig, sig, "init\n")

	data := MarshalCommit(c)
	if !strings.HasPrefix(string(data), "tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\nparent ") {
		t.Fatalf("unexpected commit header:\n%s", data)
	}
	if !strings.Contains(string(data), "author Mega <mega@example.com> 1700000000 +0800\n") {
		t.Fatalf("author line missing:\n%s", data)
	}

	got, err := UnmarshalCommit(data)
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("id = %s, want %s", got.ID, c.ID)
	}
	if got.TreeID != c.TreeID || len(got.ParentIDs) != 1 || got.ParentIDs[0] != parent {
		t.Fatalf("parsed commit = %+v", got)
	}
	if got.Author != sig || got.Message != "init\n" {
		t.Fatalf("author/message = %+v %q", got.Author, got.Message)
	}
}

func TestUnmarshalCommitSkipsUnknownHeaders(t *testing.T) {
	raw := "tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n" +
		"author A <a@x> 1 +0000\n" +
		"committer A <a@x> 1 +0000\n" +
		"gpgsig -----BEGIN PGP SIGNATURE-----\n" +
		" abc\n" +
		" -----END PGP SIGNATURE-----\n" +
		"\n" +
		"signed\n"
	c, err := UnmarshalCommit([]byte(raw))
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if c.Message != "signed\n" {
		t.Fatalf("message = %q", c.Message)
	}
	if c.ID != HashObject(TypeCommit, []byte(raw)) {
		t.Fatal("id is not the hash of the raw bytes")
	}
}

func TestUnmarshalCommitRequiresTree(t *testing.T) {
	if _, err := UnmarshalCommit([]byte("author A <a@x> 1 +0000\n\nmsg")); err == nil {
		t.Fatal("expected error for commit without tree")
	}
}
