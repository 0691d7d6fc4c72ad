package object

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"
)

// PackEntry represents one object entry in a pack stream. Delta entries keep
// their raw delta in Data and name their base by BaseOffset (OFS_DELTA) or
// BaseHash (REF_DELTA).
type PackEntry struct {
	Type       PackObjectType
	Size       uint64
	Offset     uint64
	Data       []byte
	BaseOffset uint64
	BaseHash   Hash
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum Hash
}

// packByteReader hashes and counts exactly the bytes handed out. It is an
// io.ByteReader, so zlib consumes no bytes past the end of each entry.
type packByteReader struct {
	br *bufio.Reader
	h  hash.Hash
	n  uint64
}

func (r *packByteReader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.h.Write(p[:n])
	r.n += uint64(n)
	return n, err
}

func (r *packByteReader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	r.h.Write([]byte{b})
	r.n++
	return b, nil
}

// ReadPack parses a full pack file byte slice, verifies trailer checksum, and
// returns decoded entries. Trailing bytes after the checksum are rejected.
func ReadPack(data []byte) (*PackFile, error) {
	br := bytes.NewReader(data)
	pf, err := ReadPackStream(br)
	if err != nil {
		return nil, err
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("pack has trailing undecoded bytes: %d", br.Len())
	}
	return pf, nil
}

// ReadPackStream decodes one pack from r, stopping right after the trailer
// checksum. Pass a *bufio.Reader to keep reading the stream afterwards;
// any other reader gets wrapped and may be read past the pack.
func ReadPackStream(r io.Reader) (*PackFile, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	pr := &packByteReader{br: br, h: sha1.New()}

	headerBytes := make([]byte, packHeaderSize)
	if _, err := io.ReadFull(pr, headerBytes); err != nil {
		return nil, fmt.Errorf("read pack header: %w", err)
	}
	header, err := UnmarshalPackHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	entries := make([]PackEntry, 0, header.NumObjects)
	for i := uint32(0); i < header.NumObjects; i++ {
		entry, err := readPackEntry(pr)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	sum := pr.h.Sum(nil)
	trailer := make([]byte, sha1.Size)
	if _, err := io.ReadFull(br, trailer); err != nil {
		return nil, fmt.Errorf("read pack trailer: %w", err)
	}
	if !bytes.Equal(sum, trailer) {
		return nil, fmt.Errorf("pack checksum mismatch")
	}

	return &PackFile{
		Header:   *header,
		Entries:  entries,
		Checksum: HashFromBytes(trailer),
	}, nil
}

func readPackEntry(pr *packByteReader) (PackEntry, error) {
	entry := PackEntry{Offset: pr.n}

	b, err := pr.ReadByte()
	if err != nil {
		return entry, fmt.Errorf("entry header truncated: %w", err)
	}
	entry.Type = PackObjectType((b >> 4) & 0x7)
	entry.Size = uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if b, err = pr.ReadByte(); err != nil {
			return entry, fmt.Errorf("entry header truncated: %w", err)
		}
		entry.Size |= uint64(b&0x7f) << shift
		shift += 7
	}

	switch entry.Type {
	case PackCommit, PackTree, PackBlob, PackTag:
	case PackOfsDelta:
		distance, err := readOfsDeltaDistance(pr)
		if err != nil {
			return entry, err
		}
		if distance == 0 || distance > entry.Offset {
			return entry, fmt.Errorf("ofs-delta distance %d out of range at offset %d", distance, entry.Offset)
		}
		entry.BaseOffset = entry.Offset - distance
	case PackRefDelta:
		raw := make([]byte, HashSize)
		if _, err := io.ReadFull(pr, raw); err != nil {
			return entry, fmt.Errorf("ref-delta base truncated: %w", err)
		}
		entry.BaseHash = HashFromBytes(raw)
	default:
		return entry, fmt.Errorf("unsupported pack type %d", entry.Type)
	}

	zr, err := zlib.NewReader(pr)
	if err != nil {
		return entry, fmt.Errorf("zlib reader: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		_ = zr.Close()
		return entry, fmt.Errorf("decompress: %w", err)
	}
	if err := zr.Close(); err != nil {
		return entry, fmt.Errorf("close zlib stream: %w", err)
	}
	if uint64(len(raw)) != entry.Size {
		return entry, fmt.Errorf("size mismatch header=%d decoded=%d", entry.Size, len(raw))
	}
	entry.Data = raw
	return entry, nil
}

func readOfsDeltaDistance(r io.ByteReader) (uint64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("ofs-delta distance truncated: %w", err)
	}
	distance := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if c, err = r.ReadByte(); err != nil {
			return 0, fmt.Errorf("ofs-delta distance truncated: %w", err)
		}
		distance = ((distance + 1) << 7) | uint64(c&0x7f)
	}
	return distance, nil
}
