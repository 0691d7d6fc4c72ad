package server

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

type zstdBody struct {
	dec  *zstd.Decoder
	body io.Closer
}

func (z *zstdBody) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdBody) Close() error {
	z.dec.Close()
	return z.body.Close()
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); err == nil {
		err = cerr
	}
	return err
}

// decodeBody unwraps a request body according to its Content-Encoding.
// Git clients gzip large requests; the monogit client can also send zstd.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(encoding)); enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return &gzipBody{Reader: zr, body: body}, nil
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		return &zstdBody{dec: dec, body: body}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, enc)
	}
}
