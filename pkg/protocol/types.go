package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

var (
	// ErrProtocol reports malformed or out-of-order protocol input.
	ErrProtocol = errors.New("protocol error")
	// ErrInvalidCommand reports a ref command that cannot be applied, such
	// as one whose old id does not match the stored ref.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnsupportedTransportOperation reports a service the transport does
	// not allow, such as pushing over the anonymous git:// daemon.
	ErrUnsupportedTransportOperation = errors.New("operation not supported on this transport")
)

// ServiceType is the smart protocol service a session runs.
type ServiceType int

const (
	UploadPack ServiceType = iota + 1
	ReceivePack
)

// ParseServiceType accepts exactly "git-upload-pack" or "git-receive-pack".
func ParseServiceType(s string) (ServiceType, error) {
	switch s {
	case "git-upload-pack":
		return UploadPack, nil
	case "git-receive-pack":
		return ReceivePack, nil
	default:
		return 0, fmt.Errorf("%w: unknown service %q", ErrProtocol, s)
	}
}

func (s ServiceType) String() string {
	switch s {
	case UploadPack:
		return "git-upload-pack"
	case ReceivePack:
		return "git-receive-pack"
	default:
		return fmt.Sprintf("ServiceType(%d)", int(s))
	}
}

// TransportKind is the carrier a session runs over.
type TransportKind int

const (
	TransportLocal TransportKind = iota + 1
	TransportHTTP
	TransportSSH
	TransportGit
	TransportP2P
)

func (t TransportKind) String() string {
	switch t {
	case TransportLocal:
		return "local"
	case TransportHTTP:
		return "http"
	case TransportSSH:
		return "ssh"
	case TransportGit:
		return "git"
	case TransportP2P:
		return "p2p"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(t))
	}
}

// allows reports whether the transport may run svc.
func (t TransportKind) allows(svc ServiceType) bool {
	if svc == ReceivePack {
		return t != TransportGit && t != TransportP2P
	}
	return true
}

// stateless transports run each request/response exchange as its own
// session; the refs advertisement is a separate request.
func (t TransportKind) stateless() bool {
	return t == TransportHTTP
}

// State is a session's position in the protocol.
type State int

const (
	StateInit State = iota
	StateCapabilitiesNegotiated
	StateRefsAdvertised
	StateAwaitingCommands
	StateApplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCapabilitiesNegotiated:
		return "capabilities-negotiated"
	case StateRefsAdvertised:
		return "refs-advertised"
	case StateAwaitingCommands:
		return "awaiting-commands"
	case StateApplying:
		return "applying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RefCommand is one "old new ref" line of a push.
type RefCommand struct {
	RefName string
	OldID   object.Hash
	NewID   object.Hash
}

// CommandResult is the outcome of one ref command. Reason is empty on
// success and holds the "ng" text otherwise.
type CommandResult struct {
	RefCommand
	Reason string
}

// OK reports whether the command was applied.
func (r CommandResult) OK() bool {
	return r.Reason == ""
}

// StatusCode maps an error to the HTTP status a smart HTTP endpoint answers
// with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInvalidCommand),
		errors.Is(err, monorepo.ErrInvalidName), errors.Is(err, object.ErrInvalidTree):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedTransportOperation):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, monorepo.ErrPathNotFound),
		errors.Is(err, object.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrRefConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
