package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

// Monorepo sync attempts per push before giving up on ref conflicts.
const maxSyncAttempts = 3

// rejection is a ref command refused before it reaches the ref store. Its
// reason is what the client sees after "ng <ref>".
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return "invalid command: " + r.reason }

func (r *rejection) Unwrap() error { return ErrInvalidCommand }

func reject(format string, args ...any) error {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

func reasonFor(err error) string {
	var rej *rejection
	switch {
	case errors.As(err, &rej):
		return rej.reason
	case errors.Is(err, storage.ErrRefConflict):
		return "failed to lock"
	default:
		return "failed to update ref"
	}
}

// ReceivePack reads ref commands and a pack from r, stores the objects,
// applies every command independently and writes the status report to w.
func (s *Session) ReceivePack(ctx context.Context, r io.Reader, w io.Writer) error {
	if s.Service != ReceivePack {
		return fmt.Errorf("%w: receive-pack on a %s session", ErrProtocol, s.Service)
	}
	if err := s.expect(s.commandStates()...); err != nil {
		return err
	}
	if _, err := s.resolveRepo(ctx); err != nil {
		return err
	}
	s.state = StateAwaitingCommands

	pr := NewPktReader(r)
	cmds, clientCaps, err := readCommands(pr)
	if err != nil {
		s.state = StateClosed
		return err
	}
	s.Capabilities = s.Capabilities.Intersect(clientCaps)
	s.Commands = cmds
	if len(cmds) == 0 {
		s.state = StateClosed
		return nil
	}
	s.log.Infof("received %d ref commands", len(cmds))
	s.state = StateApplying

	var unpackErr error
	if needsPack(cmds) {
		unpackErr = s.unpack(ctx, pr.Reader())
	}

	results := make([]CommandResult, len(cmds))
	var progress []string
	for i, cmd := range cmds {
		results[i] = CommandResult{RefCommand: cmd}
		if unpackErr != nil {
			results[i].Reason = "unpacker error"
			continue
		}
		if err := s.applyCommand(ctx, cmd); err != nil {
			results[i].Reason = reasonFor(err)
			s.log.Warnf("ref %s rejected: %v", cmd.RefName, err)
			continue
		}
		if msg := s.syncMonorepo(ctx, cmd); msg != "" {
			progress = append(progress, msg)
		}
	}
	s.Results = results

	if err := s.writeReport(w, unpackErr, results, progress); err != nil {
		s.state = StateClosed
		return fmt.Errorf("write report: %w", err)
	}
	s.state = StateClosed
	if unpackErr != nil {
		return fmt.Errorf("unpack: %w", unpackErr)
	}
	return nil
}

func readCommands(pr *PktReader) ([]RefCommand, Capabilities, error) {
	var (
		cmds []RefCommand
		caps Capabilities
	)
	for first := true; ; first = false {
		line, flush, err := pr.ReadLine()
		if errors.Is(err, io.EOF) && first {
			// client hung up after the advertisement
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read commands: %w", err)
		}
		if flush {
			return cmds, caps, nil
		}
		if first {
			if i := strings.IndexByte(line, 0); i >= 0 {
				caps = ParseCapabilities(line[i+1:])
				line = line[:i]
			}
		}
		if strings.HasPrefix(line, "shallow ") {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			return nil, 0, err
		}
		cmds = append(cmds, cmd)
	}
}

func parseCommand(line string) (RefCommand, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return RefCommand{}, fmt.Errorf("%w: malformed command %q", ErrProtocol, line)
	}
	oldID, err := object.ParseHash(fields[0])
	if err != nil {
		return RefCommand{}, fmt.Errorf("%w: command %q: %v", ErrProtocol, line, err)
	}
	newID, err := object.ParseHash(fields[1])
	if err != nil {
		return RefCommand{}, fmt.Errorf("%w: command %q: %v", ErrProtocol, line, err)
	}
	return RefCommand{RefName: fields[2], OldID: oldID, NewID: newID}, nil
}

func needsPack(cmds []RefCommand) bool {
	for _, cmd := range cmds {
		if !cmd.NewID.IsZero() {
			return true
		}
	}
	return false
}

// unpack reads the pack that follows the commands, resolves deltas against
// the pack itself and stored objects, and stores the result.
func (s *Session) unpack(ctx context.Context, br *bufio.Reader) error {
	pf, err := object.ReadPackStream(br)
	if err != nil {
		return err
	}
	store := s.backend.store
	records, err := object.ResolvePackEntries(pf.Entries, func(h object.Hash) (object.Record, error) {
		return store.ReadObject(ctx, h)
	})
	if err != nil {
		return err
	}
	if err := store.SaveObjects(ctx, records); err != nil {
		return err
	}
	s.log.Infof("stored %d objects", len(records))
	return nil
}

func validRefName(name string) bool {
	if !strings.HasPrefix(name, "refs/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return false
	}
	return !strings.ContainsAny(name, " ~^:?*[\\\x7f") && !strings.ContainsFunc(name, func(r rune) bool { return r < 0x20 })
}

// applyCommand checks one command against the stored ref and applies it.
// Pushes to the default branch of the monorepo root also rebuild the
// projection.
func (s *Session) applyCommand(ctx context.Context, cmd RefCommand) error {
	store := s.backend.store
	if !validRefName(cmd.RefName) {
		return reject("funny refname")
	}
	if cmd.OldID.IsZero() && cmd.NewID.IsZero() {
		return reject("nothing to do")
	}
	if !cmd.NewID.IsZero() {
		if err := s.checkConnected(ctx, cmd.NewID); err != nil {
			return err
		}
	}

	current, _, err := store.GetRef(ctx, s.repo.ID, cmd.RefName)
	if err != nil {
		return err
	}
	if current != normalizeZero(cmd.OldID) {
		return reject("stale info")
	}

	if s.Path == monorepo.RootPath && cmd.RefName == s.backend.cfg.DefaultRef() {
		return s.backend.engine.UpdateDefaultBranch(ctx, cmd.OldID, cmd.NewID)
	}
	return store.UpdateRef(ctx, s.repo.ID, cmd.RefName, cmd.OldID, cmd.NewID)
}

// checkConnected makes sure newID and everything it reaches is stored.
// History below the repository's current tips is already complete, so the
// walk stops there.
func (s *Session) checkConnected(ctx context.Context, newID object.Hash) error {
	store := s.backend.store
	refs, err := store.ListRefs(ctx, s.repo.ID)
	if err != nil {
		return err
	}
	tips := make([]object.Hash, 0, len(refs))
	for _, ref := range refs {
		tips = append(tips, object.Hash(ref.RefGitID))
	}
	_, err = object.CollectObjects(ctx, store, []object.Hash{newID}, tips)
	if errors.Is(err, object.ErrObjectNotFound) {
		s.log.Debugf("%s is not connected: %v", newID, err)
		return reject("missing necessary objects")
	}
	return err
}

func normalizeZero(h object.Hash) object.Hash {
	if h.IsZero() {
		return object.ZeroHash
	}
	return h
}

// syncMonorepo grafts a sub-path repository's new default-branch tree into
// the monorepo. It returns a progress message when the sync failed; the
// push itself has already succeeded at that point.
func (s *Session) syncMonorepo(ctx context.Context, cmd RefCommand) string {
	if s.Path == monorepo.RootPath || cmd.RefName != s.backend.cfg.DefaultRef() || cmd.NewID.IsZero() {
		return ""
	}
	err := s.applyToMonorepo(ctx, cmd.NewID)
	if err == nil {
		return ""
	}
	s.log.Warnf("monorepo sync failed: %v", err)
	return fmt.Sprintf("warning: %s was not synced into the monorepo: %v\n", s.Path, err)
}

func (s *Session) applyToMonorepo(ctx context.Context, commitID object.Hash) error {
	rec, err := s.backend.store.ReadObject(ctx, commitID)
	if err != nil {
		return err
	}
	if rec.Type != object.TypeCommit {
		return fmt.Errorf("%s is a %s, not a commit", commitID, rec.Type)
	}
	commit, err := object.UnmarshalCommit(rec.Data)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("sync %s to %s", s.Path, commitID)
	for attempt := 1; ; attempt++ {
		_, err = s.backend.engine.ApplyTree(ctx, s.Path, commit.TreeID, message)
		if err == nil || !errors.Is(err, storage.ErrRefConflict) || attempt == maxSyncAttempts {
			return err
		}
		s.log.Debugf("monorepo sync attempt %d lost a ref race, retrying", attempt)
	}
}

// writeReport sends progress messages and, when negotiated, the
// report-status block. With side-band the report travels on channel 1.
func (s *Session) writeReport(w io.Writer, unpackErr error, results []CommandResult, progress []string) error {
	var report bytes.Buffer
	if s.Capabilities.Has(CapReportStatus) || s.Capabilities.Has(CapReportStatusV2) {
		pw := NewPktWriter(&report)
		if unpackErr != nil {
			_ = pw.Writef("unpack %s\n", oneLine(unpackErr.Error()))
		} else {
			_ = pw.Writef("unpack ok\n")
		}
		for _, res := range results {
			if res.OK() {
				_ = pw.Writef("ok %s\n", res.RefName)
			} else {
				_ = pw.Writef("ng %s %s\n", res.RefName, res.Reason)
			}
		}
		_ = pw.Flush()
	}

	sideband, large := s.Capabilities.SideBand()
	if !sideband {
		_, err := w.Write(report.Bytes())
		return err
	}
	sw := NewSidebandWriter(w, large)
	for _, msg := range progress {
		if err := sw.WriteProgress(msg); err != nil {
			return err
		}
	}
	if err := sw.WriteData(report.Bytes()); err != nil {
		return err
	}
	if unpackErr != nil {
		if err := sw.WriteError(fmt.Sprintf("unpack failed: %s\n", oneLine(unpackErr.Error()))); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
