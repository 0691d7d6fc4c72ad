package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/odvcencio/monogit/pkg/protocol"
)

const daemonRequestTimeout = 30 * time.Second

// GitDaemon serves the anonymous git:// protocol. Only upload-pack is
// allowed; a receive-pack request is answered with an ERR packet.
type GitDaemon struct {
	backend *protocol.Backend
}

func NewGitDaemon(backend *protocol.Backend) *GitDaemon {
	return &GitDaemon{backend: backend}
}

// Serve handles connections from ln until ctx is canceled.
func (d *GitDaemon) Serve(ctx context.Context, ln net.Listener) error {
	return serveListener(ctx, ln, "git", d.handleConn)
}

func (d *GitDaemon) handleConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	pr := protocol.NewPktReader(br)

	_ = conn.SetReadDeadline(time.Now().Add(daemonRequestTimeout))
	payload, flush, err := pr.ReadPacket()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || flush {
		logger.Debugf("[git] %s sent no request: %v", conn.RemoteAddr(), err)
		return
	}

	svc, repoPath, host, err := parseDaemonRequest(string(payload))
	if err != nil {
		_ = protocol.NewPktWriter(conn).Writef("ERR %v\n", err)
		logger.Warnf("[git] %s: %v", conn.RemoteAddr(), err)
		return
	}
	logger.Debugf("[git] %s %s for host %q from %s", svc, repoPath, host, conn.RemoteAddr())

	s := d.backend.NewSession(protocol.TransportGit, repoPath)
	_ = s.Serve(ctx, svc, br, conn)
}

// parseDaemonRequest splits "git-upload-pack /path\0host=example.com\0".
// Extra parameters after the host are ignored.
func parseDaemonRequest(req string) (protocol.ServiceType, string, string, error) {
	parts := strings.Split(req, "\x00")
	command, repoPath, ok := strings.Cut(strings.TrimSuffix(parts[0], "\n"), " ")
	if !ok || repoPath == "" {
		return 0, "", "", fmt.Errorf("%w: malformed daemon request %q", protocol.ErrProtocol, parts[0])
	}
	svc, err := protocol.ParseServiceType(command)
	if err != nil {
		return 0, "", "", err
	}
	var host string
	for _, p := range parts[1:] {
		if v, ok := strings.CutPrefix(p, "host="); ok {
			host = v
		}
	}
	return svc, repoPath, host, nil
}
