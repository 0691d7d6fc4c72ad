package object

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// LocalLocatorPrefix marks locators produced by RawStore.
const LocalLocatorPrefix = "local:"

// RawStore keeps large object payloads outside the database, zstd-compressed,
// with a 2-character fan-out directory layout: <root>/ab/cdef0123...
type RawStore struct {
	root string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewRawStore creates a RawStore rooted at dir. Directories are created
// lazily on first write.
func NewRawStore(dir string) (*RawStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("raw store: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("raw store: zstd decoder: %w", err)
	}
	return &RawStore{root: dir, enc: enc, dec: dec}, nil
}

// Close releases the codec resources.
func (s *RawStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func (s *RawStore) objectPath(h Hash) string {
	return filepath.Join(s.root, string(h[:2]), string(h[2:]))
}

// Put stores data under h and returns the locator to keep in the database.
// Writing an already present hash is a no-op. Writes are atomic: data is
// written to a temp file and then renamed into place.
func (s *RawStore) Put(h Hash, data []byte) (string, error) {
	if len(h) != 2*HashSize {
		return "", fmt.Errorf("raw store put: bad hash %q", h)
	}
	locator := LocalLocatorPrefix + string(h)
	dest := s.objectPath(h)
	if _, err := os.Stat(dest); err == nil {
		return locator, nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("raw store put mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("raw store put tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(s.enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("raw store put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("raw store put close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("raw store put rename: %w", err)
	}
	return locator, nil
}

// Get returns the payload behind a locator produced by Put.
func (s *RawStore) Get(locator string) ([]byte, error) {
	if !strings.HasPrefix(locator, LocalLocatorPrefix) {
		return nil, fmt.Errorf("raw store get: unsupported locator %q", locator)
	}
	h := Hash(strings.TrimPrefix(locator, LocalLocatorPrefix))
	if len(h) != 2*HashSize {
		return nil, fmt.Errorf("raw store get: bad locator %q", locator)
	}
	compressed, err := os.ReadFile(s.objectPath(h))
	if err != nil {
		return nil, fmt.Errorf("raw store get %s: %w", h, err)
	}
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("raw store get %s: decompress: %w", h, err)
	}
	return data, nil
}
