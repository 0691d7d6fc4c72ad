package protocol

import (
	"fmt"
	"io"
)

// Sideband channel identifiers.
const (
	SidebandData     byte = 0x01
	SidebandProgress byte = 0x02
	SidebandError    byte = 0x03
)

// Largest data chunk per side-band packet, channel byte excluded.
const (
	sidebandMax    = 1000 - 4 - 1
	sideband64kMax = MaxPktPayload - 1
)

// SidebandWriter multiplexes channels over pkt-lines: each packet is one
// channel byte followed by at most max bytes of payload.
type SidebandWriter struct {
	pw  *PktWriter
	max int
}

// NewSidebandWriter writes side-band packets to w. large selects the
// side-band-64k packet size.
func NewSidebandWriter(w io.Writer, large bool) *SidebandWriter {
	limit := sidebandMax
	if large {
		limit = sideband64kMax
	}
	return &SidebandWriter{pw: NewPktWriter(w), max: limit}
}

func (sw *SidebandWriter) writeChannel(channel byte, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), sw.max)
		frame := make([]byte, 0, n+1)
		frame = append(frame, channel)
		frame = append(frame, data[:n]...)
		if err := sw.pw.WritePacket(frame); err != nil {
			return fmt.Errorf("write sideband channel %d: %w", channel, err)
		}
		data = data[n:]
	}
	return nil
}

// Write sends p on the data channel, so a SidebandWriter can stand in for
// the raw stream.
func (sw *SidebandWriter) Write(p []byte) (int, error) {
	if err := sw.WriteData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sw *SidebandWriter) WriteData(data []byte) error {
	return sw.writeChannel(SidebandData, data)
}

func (sw *SidebandWriter) WriteProgress(msg string) error {
	return sw.writeChannel(SidebandProgress, []byte(msg))
}

func (sw *SidebandWriter) WriteError(msg string) error {
	return sw.writeChannel(SidebandError, []byte(msg))
}

// Flush ends the multiplexed stream.
func (sw *SidebandWriter) Flush() error {
	return sw.pw.Flush()
}

// SidebandReader reads side-band packets until a flush-pkt.
type SidebandReader struct {
	pr *PktReader
}

func NewSidebandReader(r io.Reader) *SidebandReader {
	return &SidebandReader{pr: NewPktReader(r)}
}

// ReadFrame reads one side-band packet, returning channel and payload.
// Returns io.EOF at the terminating flush-pkt.
func (sr *SidebandReader) ReadFrame() (byte, []byte, error) {
	payload, flush, err := sr.pr.ReadPacket()
	if err != nil {
		return 0, nil, err
	}
	if flush {
		return 0, nil, io.EOF
	}
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty sideband packet", ErrProtocol)
	}
	return payload[0], payload[1:], nil
}

// SidebandDataReader presents sideband data frames as a sequential io.Reader,
// discarding progress frames (or forwarding them to a callback).
type SidebandDataReader struct {
	sr         *SidebandReader
	onProgress func(string)
	buf        []byte
	done       bool
}

func NewSidebandDataReader(r io.Reader, onProgress func(string)) *SidebandDataReader {
	return &SidebandDataReader{
		sr:         NewSidebandReader(r),
		onProgress: onProgress,
	}
}

func (dr *SidebandDataReader) Read(p []byte) (int, error) {
	for len(dr.buf) == 0 {
		if dr.done {
			return 0, io.EOF
		}
		channel, payload, err := dr.sr.ReadFrame()
		if err == io.EOF {
			dr.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		switch channel {
		case SidebandData:
			dr.buf = payload
		case SidebandProgress:
			if dr.onProgress != nil {
				dr.onProgress(string(payload))
			}
		case SidebandError:
			return 0, fmt.Errorf("remote error: %s", string(payload))
		default:
			return 0, fmt.Errorf("%w: unknown sideband channel %d", ErrProtocol, channel)
		}
	}

	n := copy(p, dr.buf)
	dr.buf = dr.buf[n:]
	return n, nil
}
