package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxPktLen is the largest pkt-line, length prefix included.
	MaxPktLen = 65520
	// MaxPktPayload is the largest payload of one pkt-line.
	MaxPktPayload = MaxPktLen - 4

	flushPkt = "0000"
)

// PktReader reads pkt-line framed packets. The underlying buffered reader
// stays usable for data that follows the packets, such as a raw pack.
type PktReader struct {
	r *bufio.Reader
}

// NewPktReader wraps r. A *bufio.Reader is used as is.
func NewPktReader(r io.Reader) *PktReader {
	return &PktReader{r: bufferedReader(r)}
}

func bufferedReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// Reader returns the buffered reader behind p.
func (p *PktReader) Reader() *bufio.Reader {
	return p.r
}

// ReadPacket returns the next payload. flush is true for a flush-pkt, which
// has no payload.
func (p *PktReader) ReadPacket() (payload []byte, flush bool, err error) {
	var head [4]byte
	if _, err := io.ReadFull(p.r, head[:]); err != nil {
		return nil, false, err
	}
	n, err := strconv.ParseUint(string(head[:]), 16, 16)
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad pkt-line length %q", ErrProtocol, head[:])
	}
	switch {
	case n == 0:
		return nil, true, nil
	case n < 4:
		return nil, false, fmt.Errorf("%w: unsupported special packet %04x", ErrProtocol, n)
	case n > MaxPktLen:
		return nil, false, fmt.Errorf("%w: pkt-line length %d over limit", ErrProtocol, n)
	}
	payload = make([]byte, n-4)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return nil, false, fmt.Errorf("%w: truncated pkt-line: %v", ErrProtocol, err)
	}
	return payload, false, nil
}

// ReadLine is ReadPacket with the trailing newline removed.
func (p *PktReader) ReadLine() (string, bool, error) {
	payload, flush, err := p.ReadPacket()
	if err != nil || flush {
		return "", flush, err
	}
	return strings.TrimSuffix(string(payload), "\n"), false, nil
}

// PktWriter writes pkt-line framed packets.
type PktWriter struct {
	w io.Writer
}

func NewPktWriter(w io.Writer) *PktWriter {
	return &PktWriter{w: w}
}

// WritePacket frames data as one pkt-line.
func (p *PktWriter) WritePacket(data []byte) error {
	if len(data) > MaxPktPayload {
		return fmt.Errorf("pkt-line payload of %d bytes over limit", len(data))
	}
	buf := make([]byte, 0, len(data)+4)
	buf = fmt.Appendf(buf, "%04x", len(data)+4)
	buf = append(buf, data...)
	_, err := p.w.Write(buf)
	return err
}

// Writef formats one pkt-line.
func (p *PktWriter) Writef(format string, args ...any) error {
	return p.WritePacket(fmt.Appendf(nil, format, args...))
}

// Flush writes a flush-pkt.
func (p *PktWriter) Flush() error {
	_, err := io.WriteString(p.w, flushPkt)
	return err
}
