package protocol

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

const agentCapability = "agent=monogit/1"

// Backend is what every session works against: object and ref storage plus
// the monorepo engine.
type Backend struct {
	store  *storage.Storage
	engine *monorepo.Engine
	cfg    *config.Config
}

func NewBackend(store *storage.Storage, engine *monorepo.Engine, cfg *config.Config) *Backend {
	return &Backend{store: store, engine: engine, cfg: cfg}
}

// NewSession starts a session for the repository at repoPath. The
// configured monorepo root name is accepted as an alias for "/".
func (b *Backend) NewSession(transport TransportKind, repoPath string) *Session {
	id := uuid.NewString()
	p := b.cfg.NormalizeRepoPath(repoPath)
	return &Session{
		ID:        id,
		Transport: transport,
		Path:      p,
		backend:   b,
		log: logger.WithFields(logger.Fields{
			"session":   id,
			"transport": transport.String(),
			"path":      p,
		}),
	}
}

// Session is one smart protocol exchange. It moves through
// Init, CapabilitiesNegotiated, RefsAdvertised, AwaitingCommands, Applying
// and Closed; methods called out of order fail with ErrProtocol. Stateless
// transports skip RefsAdvertised on their command requests.
type Session struct {
	ID        string
	Transport TransportKind
	Path      string
	Service   ServiceType
	// Capabilities holds the offered set after Negotiate and the
	// negotiated intersection once the client's list has been read.
	Capabilities Capabilities
	Commands     []RefCommand
	Results      []CommandResult

	backend *Backend
	state   State
	repo    *storage.Repo
	log     *logger.Entry
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) expect(states ...State) error {
	if slices.Contains(states, s.state) {
		return nil
	}
	return fmt.Errorf("%w: session in state %s", ErrProtocol, s.state)
}

func (s *Session) commandStates() []State {
	if s.Transport.stateless() {
		return []State{StateCapabilitiesNegotiated, StateRefsAdvertised}
	}
	return []State{StateRefsAdvertised}
}

func offeredCapabilities(svc ServiceType, t TransportKind) Capabilities {
	var caps Capabilities
	switch svc {
	case UploadPack:
		caps = CapSideBand | CapSideBand64k | CapOfsDelta
	case ReceivePack:
		caps = CapReportStatus | CapReportStatusV2 | CapSideBand64k | CapOfsDelta
	}
	if t == TransportP2P {
		caps &^= CapSideBand | CapSideBand64k
	}
	return caps
}

// Negotiate selects the service and the capabilities offered for it.
func (s *Session) Negotiate(svc ServiceType) error {
	if err := s.expect(StateInit); err != nil {
		return err
	}
	if svc != UploadPack && svc != ReceivePack {
		return fmt.Errorf("%w: unknown service %s", ErrProtocol, svc)
	}
	if !s.Transport.allows(svc) {
		return fmt.Errorf("%s over %s: %w", svc, s.Transport, ErrUnsupportedTransportOperation)
	}
	s.Service = svc
	s.Capabilities = offeredCapabilities(svc, s.Transport)
	s.log = s.log.WithField("service", svc.String())
	s.state = StateCapabilitiesNegotiated
	return nil
}

func (s *Session) resolveRepo(ctx context.Context) (*storage.Repo, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	repo, err := s.backend.store.ResolveRepo(ctx, s.Path, s.Service == ReceivePack)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	return repo, nil
}

// AdvertiseRefs writes the ref advertisement. Stateless transports get the
// "# service=" preamble.
func (s *Session) AdvertiseRefs(ctx context.Context, w io.Writer) error {
	if err := s.expect(StateCapabilitiesNegotiated); err != nil {
		return err
	}
	repo, err := s.resolveRepo(ctx)
	if err != nil {
		return err
	}
	refs, err := s.backend.store.ListRefs(ctx, repo.ID)
	if err != nil {
		return err
	}

	type adv struct {
		id   string
		name string
	}
	var (
		lines []adv
		caps  = s.Capabilities.String()
	)
	if s.Service == UploadPack {
		defaultRef := s.backend.cfg.DefaultRef()
		for _, ref := range refs {
			if ref.RefName == defaultRef {
				lines = append(lines, adv{ref.RefGitID, "HEAD"})
				caps += " symref=HEAD:" + defaultRef
				break
			}
		}
	} else {
		caps += " delete-refs"
	}
	caps += " " + agentCapability
	for _, ref := range refs {
		if ref.RefName == "HEAD" {
			continue
		}
		lines = append(lines, adv{ref.RefGitID, ref.RefName})
	}

	pw := NewPktWriter(w)
	if s.Transport.stateless() {
		if err := pw.Writef("# service=%s\n", s.Service); err != nil {
			return err
		}
		if err := pw.Flush(); err != nil {
			return err
		}
	}
	if len(lines) == 0 {
		if err := pw.Writef("%s capabilities^{}\x00%s\n", object.ZeroHash, caps); err != nil {
			return err
		}
	}
	for i, l := range lines {
		var err error
		if i == 0 {
			err = pw.Writef("%s %s\x00%s\n", l.id, l.name, caps)
		} else {
			err = pw.Writef("%s %s\n", l.id, l.name)
		}
		if err != nil {
			return err
		}
	}
	if err := pw.Flush(); err != nil {
		return err
	}

	s.log.Debugf("advertised %d refs", len(lines))
	s.state = StateRefsAdvertised
	return nil
}

// Serve runs a whole stateful exchange: negotiation, advertisement and the
// service itself, reading requests from r and writing to w.
func (s *Session) Serve(ctx context.Context, svc ServiceType, r io.Reader, w io.Writer) error {
	defer s.Close()
	if err := s.serve(ctx, svc, r, w); err != nil {
		s.log.Warnf("session failed: %v", err)
		return err
	}
	return nil
}

func (s *Session) serve(ctx context.Context, svc ServiceType, r io.Reader, w io.Writer) error {
	if err := s.Negotiate(svc); err != nil {
		_ = NewPktWriter(w).Writef("ERR %v\n", err)
		return err
	}
	if err := s.AdvertiseRefs(ctx, w); err != nil {
		_ = NewPktWriter(w).Writef("ERR %v\n", err)
		return err
	}
	br := bufferedReader(r)
	if svc == ReceivePack {
		return s.ReceivePack(ctx, br, w)
	}
	return s.UploadPack(ctx, br, w)
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	if s.state != StateClosed {
		s.log.Debugf("closed in state %s", s.state)
	}
	s.state = StateClosed
}
