package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/protocol"
)

func readAdvertisement(t *testing.T, pr *protocol.PktReader) []string {
	t.Helper()
	var lines []string
	for {
		line, flush, err := pr.ReadLine()
		require.NoError(t, err)
		if flush {
			return lines
		}
		lines = append(lines, line)
	}
}

func startDaemon(t *testing.T, f *fixture) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := NewGitDaemon(f.backend)
	serveInBackground(t, func(ctx context.Context) error { return d.Serve(ctx, ln) })
	return ln.Addr().String()
}

func dialDaemon(t *testing.T, addr, request string) (net.Conn, *protocol.PktReader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	require.NoError(t, protocol.NewPktWriter(conn).WritePacket([]byte(request)))
	return conn, protocol.NewPktReader(conn)
}

func TestGitDaemonClone(t *testing.T) {
	f := newFixture(t)
	addr := startDaemon(t, f)
	conn, pr := dialDaemon(t, addr, "git-upload-pack /root.git\x00host=localhost\x00")

	lines := readAdvertisement(t, pr)
	require.NotEmpty(t, lines)
	require.True(t, strings.HasPrefix(lines[0], f.head.String()+" HEAD\x00"))
	require.Contains(t, lines[0], "symref=HEAD:refs/heads/main")
	require.NotContains(t, lines[0], "report-status")

	pw := protocol.NewPktWriter(conn)
	require.NoError(t, pw.Writef("want %s ofs-delta\n", f.head))
	require.NoError(t, pw.Flush())
	require.NoError(t, pw.Writef("done\n"))

	line, _, err := pr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "NAK", line)
	pf, err := object.ReadPackStream(pr.Reader())
	require.NoError(t, err)
	require.Len(t, pf.Entries, 4)
}

func TestGitDaemonRefusesPush(t *testing.T) {
	f := newFixture(t)
	addr := startDaemon(t, f)
	_, pr := dialDaemon(t, addr, "git-receive-pack /\x00host=localhost\x00")

	line, flush, err := pr.ReadLine()
	require.NoError(t, err)
	require.False(t, flush)
	require.True(t, strings.HasPrefix(line, "ERR "), line)
}

func TestGitDaemonMalformedRequest(t *testing.T) {
	f := newFixture(t)
	addr := startDaemon(t, f)
	_, pr := dialDaemon(t, addr, "git-upload-pack\x00host=localhost\x00")

	line, _, err := pr.ReadLine()
	require.NoError(t, err)
	require.Contains(t, line, "malformed daemon request")
}

func TestParseDaemonRequest(t *testing.T) {
	svc, repoPath, host, err := parseDaemonRequest("git-upload-pack /projects/app.git\x00host=example.com:9418\x00\x00version=2\x00")
	require.NoError(t, err)
	require.Equal(t, protocol.UploadPack, svc)
	require.Equal(t, "/projects/app.git", repoPath)
	require.Equal(t, "example.com:9418", host)

	_, repoPath, host, err = parseDaemonRequest("git-receive-pack /x\n")
	require.NoError(t, err)
	require.Equal(t, "/x", repoPath)
	require.Empty(t, host)

	_, _, _, err = parseDaemonRequest("git-upload-pack")
	require.ErrorIs(t, err, protocol.ErrProtocol)
	_, _, _, err = parseDaemonRequest("git-upload-archive /x")
	require.Error(t, err)
}

func TestGitDaemonShutdownClosesIdleClients(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewGitDaemon(f.backend).Serve(ctx, ln) }()

	// the client reads the advertisement and then goes quiet
	_, pr := dialDaemon(t, ln.Addr().String(), "git-upload-pack /root.git\x00host=localhost\x00")
	require.NotEmpty(t, readAdvertisement(t, pr))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "daemon kept waiting on an idle client")
	}
}
