package remote

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingGzip     = "gzip"
	encodingZstd     = "zstd"
	encodingIdentity = "identity"
)

func validEncoding(enc string) bool {
	return enc == encodingGzip || enc == encodingZstd || enc == encodingIdentity
}

// encodeBody compresses a request body for the given Content-Encoding.
func encodeBody(enc string, data []byte) ([]byte, error) {
	switch enc {
	case encodingGzip:
		return compressGzip(data)
	case encodingZstd:
		return compressZstd(data)
	default:
		return data, nil
	}
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
