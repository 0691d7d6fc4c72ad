package object

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashSize is the length in bytes of a raw object id.
const HashSize = sha1.Size

// Hash is a 40-character lowercase hex-encoded SHA-1 object id.
type Hash string

// ZeroHash is the all-zero id used on the wire for "ref does not exist".
const ZeroHash Hash = "0000000000000000000000000000000000000000"

// IsZero reports whether h is empty or the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == "" || h == ZeroHash
}

// String returns the hex form.
func (h Hash) String() string {
	return string(h)
}

// Bytes decodes h into its raw 20-byte form.
func (h Hash) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(h))
	if err != nil {
		return nil, fmt.Errorf("decode hash %q: %w", h, err)
	}
	if len(raw) != HashSize {
		return nil, fmt.Errorf("decode hash %q: length %d, expected %d", h, len(raw), HashSize)
	}
	return raw, nil
}

// HashFromBytes encodes a raw 20-byte id.
func HashFromBytes(raw []byte) Hash {
	return Hash(hex.EncodeToString(raw))
}

// ParseHash validates a hex id and normalizes it to lowercase.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2*HashSize {
		return "", fmt.Errorf("hash length %d, expected %d", len(s), 2*HashSize)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("hash contains non-hex characters: %w", err)
	}
	return Hash(s), nil
}

// HashObject computes the id of an object: SHA-1 of the envelope
// "type len\0content", exactly as Git does.
func HashObject(objType ObjectType, data []byte) Hash {
	h := sha1.New()
	h.Write(objectHeader(objType, len(data)))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

func objectHeader(objType ObjectType, size int) []byte {
	header := make([]byte, 0, len(objType)+12)
	header = append(header, objType...)
	header = append(header, ' ')
	header = strconv.AppendInt(header, int64(size), 10)
	return append(header, 0)
}
