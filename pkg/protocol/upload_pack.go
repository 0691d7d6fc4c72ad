package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/odvcencio/monogit/pkg/object"
)

// UploadPack reads wants and haves from r, negotiates the common base and
// writes a pack of everything the client is missing to w. Negotiation
// follows the plain (non multi_ack) mode: the first common have is ACKed,
// a flush with nothing in common gets a NAK.
func (s *Session) UploadPack(ctx context.Context, r io.Reader, w io.Writer) error {
	if s.Service != UploadPack {
		return fmt.Errorf("%w: upload-pack on a %s session", ErrProtocol, s.Service)
	}
	if err := s.expect(s.commandStates()...); err != nil {
		return err
	}
	if _, err := s.resolveRepo(ctx); err != nil {
		return err
	}
	s.state = StateAwaitingCommands
	defer func() { s.state = StateClosed }()

	pr := NewPktReader(r)
	pw := NewPktWriter(w)
	wants, clientCaps, err := readWants(pr)
	if err != nil {
		_ = pw.Writef("ERR upload-pack: %v\n", err)
		return err
	}
	if len(wants) == 0 {
		return nil
	}
	s.Capabilities = s.Capabilities.Intersect(clientCaps)
	if err := s.checkWants(ctx, wants); err != nil {
		_ = pw.Writef("ERR upload-pack: %v\n", err)
		return err
	}

	common, done, err := s.negotiate(ctx, pr, pw)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	s.state = StateApplying
	records, err := object.CollectObjects(ctx, s.backend.store, wants, common)
	if err != nil {
		err = fmt.Errorf("collect objects: %w", err)
		s.sendError(w, err)
		return err
	}
	s.log.Infof("sending %d objects for %d wants, %d common", len(records), len(wants), len(common))
	return s.sendPack(w, records)
}

func readWants(pr *PktReader) ([]object.Hash, Capabilities, error) {
	var (
		wants []object.Hash
		caps  Capabilities
	)
	for first := true; ; first = false {
		line, flush, err := pr.ReadLine()
		if errors.Is(err, io.EOF) && first {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read wants: %w", err)
		}
		if flush {
			return wants, caps, nil
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, 0, fmt.Errorf("%w: malformed line %q", ErrProtocol, line)
		}
		switch fields[0] {
		case "want":
			id, err := object.ParseHash(fields[1])
			if err != nil {
				return nil, 0, fmt.Errorf("%w: want %q: %v", ErrProtocol, fields[1], err)
			}
			if first {
				caps = ParseCapabilities(strings.Join(fields[2:], " "))
			}
			wants = append(wants, id)
		case "shallow":
		case "deepen", "deepen-since", "deepen-not":
			return nil, 0, fmt.Errorf("%w: shallow fetches are not supported", ErrProtocol)
		default:
			return nil, 0, fmt.Errorf("%w: unexpected line %q", ErrProtocol, line)
		}
	}
}

// checkWants only lets clients ask for the current tips of this
// repository's refs.
func (s *Session) checkWants(ctx context.Context, wants []object.Hash) error {
	refs, err := s.backend.store.ListRefs(ctx, s.repo.ID)
	if err != nil {
		return err
	}
	tips := make(map[object.Hash]struct{}, len(refs))
	for _, ref := range refs {
		tips[object.Hash(ref.RefGitID)] = struct{}{}
	}
	for _, want := range wants {
		if _, ok := tips[want]; !ok {
			return fmt.Errorf("%w: not our ref %s", ErrProtocol, want)
		}
	}
	return nil
}

// negotiate consumes have lines until "done". It returns done=false when
// the client hung up, or when a stateless request ended with a flush and
// expects another round.
func (s *Session) negotiate(ctx context.Context, pr *PktReader, pw *PktWriter) ([]object.Hash, bool, error) {
	var common []object.Hash
	for {
		line, flush, err := pr.ReadLine()
		if errors.Is(err, io.EOF) {
			return common, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("read haves: %w", err)
		}

		switch {
		case flush:
			if len(common) == 0 {
				if err := pw.Writef("NAK\n"); err != nil {
					return nil, false, err
				}
			}
			if s.Transport.stateless() {
				return common, false, nil
			}
		case line == "done":
			if len(common) == 0 {
				if err := pw.Writef("NAK\n"); err != nil {
					return nil, false, err
				}
			}
			return common, true, nil
		case strings.HasPrefix(line, "have "):
			id, err := object.ParseHash(strings.TrimPrefix(line, "have "))
			if err != nil {
				return nil, false, fmt.Errorf("%w: have %q: %v", ErrProtocol, line, err)
			}
			has, err := s.backend.store.HasObject(ctx, id)
			if err != nil {
				return nil, false, err
			}
			if !has {
				continue
			}
			common = append(common, id)
			if len(common) == 1 {
				if err := pw.Writef("ACK %s\n", id); err != nil {
					return nil, false, err
				}
			}
		default:
			return nil, false, fmt.Errorf("%w: unexpected line %q during negotiation", ErrProtocol, line)
		}
	}
}

// sendPack writes records as one pack. With side-band the pack goes out on
// channel 1 after a progress line and the stream ends with a flush-pkt;
// without it the raw pack is the rest of the response.
func (s *Session) sendPack(w io.Writer, records []object.Record) error {
	enabled, large := s.Capabilities.SideBand()
	if !enabled {
		_, err := object.WritePack(w, records)
		return err
	}

	sw := NewSidebandWriter(w, large)
	if err := sw.WriteProgress(fmt.Sprintf("Enumerating objects: %d, done.\n", len(records))); err != nil {
		return err
	}
	bw := bufio.NewWriterSize(sw, sw.max)
	_, err := object.WritePack(bw, records)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		_ = sw.WriteError(fmt.Sprintf("upload-pack: %s\n", oneLine(err.Error())))
		_ = sw.Flush()
		return err
	}
	return sw.Flush()
}

// sendError reports a failure once negotiation is over. With side-band it
// goes out on the error channel and ends the stream, otherwise as an ERR
// packet.
func (s *Session) sendError(w io.Writer, err error) {
	msg := fmt.Sprintf("%s: %s\n", s.Service, oneLine(err.Error()))
	if enabled, large := s.Capabilities.SideBand(); enabled {
		sw := NewSidebandWriter(w, large)
		_ = sw.WriteError(msg)
		_ = sw.Flush()
		return
	}
	_ = NewPktWriter(w).Writef("ERR %s", msg)
}
