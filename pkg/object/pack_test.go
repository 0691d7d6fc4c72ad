package object

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestPackHeaderRoundTrip(t *testing.T) {
	h := PackHeader{Version: 2, NumObjects: 7}
	got, err := UnmarshalPackHeader(h.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalPackHeader: %v", err)
	}
	if *got != h {
		t.Fatalf("header = %+v, want %+v", *got, h)
	}
	if _, err := UnmarshalPackHeader([]byte("KCAP\x00\x00\x00\x02\x00\x00\x00\x01")); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestWritePackReadPackRoundTrip(t *testing.T) {
	blob := NewBlob([]byte("hello\n"))
	tree, err := NewTree([]TreeItem{{Mode: ModeBlob, ID: blob.ID, Name: "hello.txt"}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	records := []Record{blob.Record(), tree.Record()}

	var buf bytes.Buffer
	sum, err := WritePack(&buf, records)
	if err != nil {
		t.Fatalf("WritePack: %v", err)
	}

	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if pf.Checksum != sum {
		t.Fatalf("checksum = %s, want %s", pf.Checksum, sum)
	}
	got, err := ResolvePackEntries(pf.Entries, nil)
	if err != nil {
		t.Fatalf("ResolvePackEntries: %v", err)
	}
	if len(got) != 2 || got[0].Hash != blob.ID || got[1].Hash != tree.ID {
		t.Fatalf("resolved = %+v", got)
	}
}

func TestReadPackStreamLeavesTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WritePack(&buf, []Record{NewBlob([]byte("a")).Record()}); err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	buf.WriteString("0000")

	br := bufio.NewReader(&buf)
	if _, err := ReadPackStream(br); err != nil {
		t.Fatalf("ReadPackStream: %v", err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "0000" {
		t.Fatalf("trailing bytes = %q, want 0000", rest)
	}
}

func TestReadPackRejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WritePack(&buf, []Record{NewBlob([]byte("a")).Record()}); err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff
	if _, err := ReadPack(data); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestResolveOfsDelta(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 2)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	base := []byte("hello world\n")
	target := []byte("hello there world\n")
	baseOffset := pw.CurrentOffset()
	if err := pw.WriteEntry(PackBlob, base); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := pw.WriteOfsDelta(baseOffset, base, target); err != nil {
		t.Fatalf("WriteOfsDelta: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if pf.Entries[1].Type != PackOfsDelta || pf.Entries[1].BaseOffset != baseOffset {
		t.Fatalf("entry[1] = %+v", pf.Entries[1])
	}
	got, err := ResolvePackEntries(pf.Entries, nil)
	if err != nil {
		t.Fatalf("ResolvePackEntries: %v", err)
	}
	if got[1].Type != TypeBlob || !bytes.Equal(got[1].Data, target) {
		t.Fatalf("resolved delta = %+v", got[1])
	}
	if got[1].Hash != HashObject(TypeBlob, target) {
		t.Fatalf("resolved hash = %s", got[1].Hash)
	}
}

func TestResolveThinPackRefDelta(t *testing.T) {
	base := NewBlob([]byte("shared base content\n"))
	target := []byte("shared base content\nplus a line\n")

	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteRefDelta(base.ID, base.Data, target); err != nil {
		t.Fatalf("WriteRefDelta: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}

	if _, err := ResolvePackEntries(pf.Entries, nil); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("without lookup err = %v, want ErrObjectNotFound", err)
	}

	lookup := func(h Hash) (Record, error) {
		if h == base.ID {
			return base.Record(), nil
		}
		return Record{}, ErrObjectNotFound
	}
	got, err := ResolvePackEntries(pf.Entries, lookup)
	if err != nil {
		t.Fatalf("ResolvePackEntries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("resolved %d records, want 1 (external base excluded)", len(got))
	}
	if got[0].Hash != HashObject(TypeBlob, target) {
		t.Fatalf("resolved hash = %s", got[0].Hash)
	}
}

func TestResolveRefDeltaBeforeItsBase(t *testing.T) {
	base := NewBlob([]byte("base\n"))
	target := []byte("base\nnext\n")

	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 2)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteRefDelta(base.ID, base.Data, target); err != nil {
		t.Fatalf("WriteRefDelta: %v", err)
	}
	if err := pw.WriteRecord(base.Record()); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	got, err := ResolvePackEntries(pf.Entries, nil)
	if err != nil {
		t.Fatalf("ResolvePackEntries: %v", err)
	}
	if got[0].Hash != HashObject(TypeBlob, target) || got[1].Hash != base.ID {
		t.Fatalf("resolved = %s %s", got[0].Hash, got[1].Hash)
	}
}

func TestOfsDeltaDistanceRoundTrip(t *testing.T) {
	for _, want := range []uint64{1, 2, 127, 128, 255, 16511, 65535, 1 << 20, (1 << 31) + 17} {
		enc := encodeOfsDeltaDistance(want)
		got, err := readOfsDeltaDistance(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("decode distance %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("distance round-trip mismatch: got %d want %d", got, want)
		}
	}
}

func TestApplyDeltaRejectsWrongBaseSize(t *testing.T) {
	delta := buildInsertOnlyDelta([]byte("abc"), []byte("xyz"))
	if _, err := applyDelta([]byte("abcd"), delta); err == nil {
		t.Fatal("expected base size mismatch")
	}
}
