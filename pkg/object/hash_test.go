package object

import "testing"

func TestHashObjectMatchesGit(t *testing.T) {
	tests := []struct {
		name    string
		objType ObjectType
		data    string
		want    Hash
	}{
		{"empty blob", TypeBlob, "", "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{"hello blob", TypeBlob, "hello\n", "ce013625030ba8dba906f756967f9e9ca394464a"},
		{"empty tree", TypeTree, "", "4b825dc642cb6eb9a060e54bf8d69288fbee4904"},
	}
	for _, tt := range tests {
		if got := HashObject(tt.objType, []byte(tt.data)); got != tt.want {
			t.Fatalf("%s: HashObject = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestParseHashNormalizesAndValidates(t *testing.T) {
	h, err := ParseHash("CE013625030BA8DBA906F756967F9E9CA394464A")
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if h != "ce013625030ba8dba906f756967f9e9ca394464a" {
		t.Fatalf("ParseHash = %s, want lowercase", h)
	}

	for _, bad := range []string{"", "abc", "zz013625030ba8dba906f756967f9e9ca394464a"} {
		if _, err := ParseHash(bad); err == nil {
			t.Fatalf("ParseHash(%q) succeeded, want error", bad)
		}
	}
}

func TestHashBytesRoundTrip(t *testing.T) {
	h := Hash("ce013625030ba8dba906f756967f9e9ca394464a")
	raw, err := h.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(raw) != HashSize {
		t.Fatalf("len(raw) = %d, want %d", len(raw), HashSize)
	}
	if got := HashFromBytes(raw); got != h {
		t.Fatalf("HashFromBytes = %s, want %s", got, h)
	}
}

func TestZeroHash(t *testing.T) {
	if !ZeroHash.IsZero() || !Hash("").IsZero() {
		t.Fatal("expected zero hash and empty hash to be zero")
	}
	if Hash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391").IsZero() {
		t.Fatal("real hash reported as zero")
	}
}
