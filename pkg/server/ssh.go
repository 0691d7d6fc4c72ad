package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/monogit/pkg/protocol"
)

const (
	sshServerVersion = "SSH-2.0-monogit"
	exitFailure      = 128
	handshakeTimeout = 30 * time.Second
)

// PublicKeyCallback decides whether a client key may log in.
type PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

// SSHServer runs git-upload-pack and git-receive-pack exec requests over
// SSH session channels.
type SSHServer struct {
	backend *protocol.Backend
	config  *ssh.ServerConfig
}

// NewSSHServer creates a server presenting hostKey. Authentication is
// entirely up to auth.
func NewSSHServer(backend *protocol.Backend, hostKey ssh.Signer, auth PublicKeyCallback) *SSHServer {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: auth,
		ServerVersion:     sshServerVersion,
	}
	cfg.AddHostKey(hostKey)
	return &SSHServer{backend: backend, config: cfg}
}

// Serve handles connections from ln until ctx is canceled.
func (s *SSHServer) Serve(ctx context.Context, ln net.Listener) error {
	return serveListener(ctx, ln, "ssh", s.handleConn)
}

func (s *SSHServer) handleConn(ctx context.Context, nConn net.Conn) {
	_ = nConn.SetDeadline(time.Now().Add(handshakeTimeout))
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	_ = nConn.SetDeadline(time.Time{})
	if err != nil {
		logger.Debugf("[ssh] handshake with %s failed: %v", nConn.RemoteAddr(), err)
		return
	}
	defer conn.Close()
	log := logger.WithFields(logger.Fields{"remote": conn.RemoteAddr().String(), "user": conn.User()})
	log.Debug("[ssh] connected")

	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			log.Warnf("[ssh] accept channel: %v", err)
			continue
		}
		go s.handleSession(ctx, ch, requests, log)
	}
}

func (s *SSHServer) handleSession(ctx context.Context, ch ssh.Channel, requests <-chan *ssh.Request, log *logger.Entry) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "env":
			// GIT_PROTOCOL and friends; only v0 is spoken
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			status := s.exec(ctx, ch, payload.Command, log)
			sendExitStatus(ch, status)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *SSHServer) exec(ctx context.Context, ch ssh.Channel, command string, log *logger.Entry) uint32 {
	svc, repoPath, err := parseSSHCommand(command)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "fatal: %v\n", err)
		log.Warnf("[ssh] rejected command %q: %v", command, err)
		return exitFailure
	}
	session := s.backend.NewSession(protocol.TransportSSH, repoPath)
	if err := session.Serve(ctx, svc, ch, ch); err != nil {
		fmt.Fprintf(ch.Stderr(), "fatal: %v\n", err)
		return exitFailure
	}
	return 0
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	_ = ch.CloseWrite()
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// parseSSHCommand splits an exec command such as
// "git-upload-pack '/projects/app.git'".
func parseSSHCommand(command string) (protocol.ServiceType, string, error) {
	name, arg, ok := strings.Cut(strings.TrimSpace(command), " ")
	if !ok {
		return 0, "", fmt.Errorf("%w: missing repository in %q", protocol.ErrProtocol, command)
	}
	svc, err := protocol.ParseServiceType(name)
	if err != nil {
		return 0, "", err
	}
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		arg = arg[1 : len(arg)-1]
	}
	if arg == "" {
		return 0, "", fmt.Errorf("%w: missing repository in %q", protocol.ErrProtocol, command)
	}
	return svc, arg, nil
}

// LoadHostKey reads a PEM private key from path, generating and saving an
// ed25519 key when the file does not exist.
func LoadHostKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate host key: %w", err)
		}
		block, err := ssh.MarshalPrivateKey(priv, "monogit host key")
		if err != nil {
			return nil, fmt.Errorf("marshal host key: %w", err)
		}
		raw = pem.EncodeToMemory(block)
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write host key %q: %w", path, err)
		}
		logger.Infof("[ssh] generated host key %s", path)
	} else if err != nil {
		return nil, fmt.Errorf("read host key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse host key %q: %w", path, err)
	}
	return signer, nil
}

// AuthorizedKeys returns a callback admitting the keys listed in an
// authorized_keys file.
func AuthorizedKeys(r io.Reader) (PublicKeyCallback, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{})
	for len(bytes.TrimSpace(raw)) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			if len(allowed) > 0 {
				// only comments left
				break
			}
			return nil, fmt.Errorf("parse authorized keys: %w", err)
		}
		allowed[string(key.Marshal())] = struct{}{}
		raw = rest
	}
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if _, ok := allowed[string(key.Marshal())]; !ok {
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		}
		return permissionsFor(key), nil
	}, nil
}

// AcceptAnyKey admits every client key.
func AcceptAnyKey(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return permissionsFor(key), nil
}

func permissionsFor(key ssh.PublicKey) *ssh.Permissions {
	return &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)}}
}
