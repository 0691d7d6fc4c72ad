package object

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRawStorePutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRawStore(dir)
	if err != nil {
		t.Fatalf("NewRawStore: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("large object payload\n"), 4096)
	h := HashObject(TypeBlob, data)
	loc, err := s.Put(h, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != LocalLocatorPrefix+string(h) {
		t.Fatalf("locator = %q", loc)
	}
	if _, err := os.Stat(filepath.Join(dir, string(h[:2]), string(h[2:]))); err != nil {
		t.Fatalf("fan-out file missing: %v", err)
	}

	again, err := s.Put(h, data)
	if err != nil || again != loc {
		t.Fatalf("second Put = %q, %v", again, err)
	}

	got, err := s.Get(loc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("payload mismatch")
	}
}

func TestRawStoreRejectsForeignLocator(t *testing.T) {
	s, err := NewRawStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRawStore: %v", err)
	}
	defer s.Close()
	if _, err := s.Get("s3://bucket/key"); err == nil {
		t.Fatal("expected unsupported locator error")
	}
	if _, err := s.Get(LocalLocatorPrefix + "abc"); err == nil {
		t.Fatal("expected bad locator error")
	}
}
