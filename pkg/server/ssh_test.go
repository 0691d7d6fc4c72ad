package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/monogit/pkg/protocol"
)

func newClientSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func startSSH(t *testing.T, f *fixture, allowed ...ssh.PublicKey) (string, ssh.PublicKey) {
	t.Helper()
	hostKey, err := LoadHostKey(filepath.Join(t.TempDir(), "host_key"))
	require.NoError(t, err)

	var authorized bytes.Buffer
	for _, key := range allowed {
		authorized.Write(ssh.MarshalAuthorizedKey(key))
	}
	authorized.WriteString("# trailing comment\n")
	auth, err := AuthorizedKeys(&authorized)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewSSHServer(f.backend, hostKey, auth)
	serveInBackground(t, func(ctx context.Context) error { return srv.Serve(ctx, ln) })
	return ln.Addr().String(), hostKey.PublicKey()
}

func dialSSH(addr string, hostKey ssh.PublicKey, signer ssh.Signer) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "git",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	})
}

func TestSSHUploadPackAdvertisement(t *testing.T) {
	f := newFixture(t)
	signer := newClientSigner(t)
	addr, hostKey := startSSH(t, f, signer.PublicKey())

	client, err := dialSSH(addr, hostKey, signer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Start("git-upload-pack '/root.git'"))

	lines := readAdvertisement(t, protocol.NewPktReader(stdout))
	require.NotEmpty(t, lines)
	require.True(t, strings.HasPrefix(lines[0], f.head.String()+" HEAD\x00"))
	require.Contains(t, lines[0], "side-band-64k")

	// nothing wanted
	_, err = stdin.Write([]byte("0000"))
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
}

func TestSSHRejectsUnknownKey(t *testing.T) {
	f := newFixture(t)
	addr, hostKey := startSSH(t, f, newClientSigner(t).PublicKey())

	_, err := dialSSH(addr, hostKey, newClientSigner(t))
	require.Error(t, err)
}

func TestSSHBadCommandExitStatus(t *testing.T) {
	f := newFixture(t)
	signer := newClientSigner(t)
	addr, hostKey := startSSH(t, f, signer.PublicKey())

	client, err := dialSSH(addr, hostKey, signer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	err = sess.Run("git-upload-archive '/'")

	var exitErr *ssh.ExitError
	require.True(t, errors.As(err, &exitErr), "%v", err)
	require.Equal(t, exitFailure, exitErr.ExitStatus())
	require.Contains(t, stderr.String(), "fatal:")
}

func TestLoadHostKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	first, err := LoadHostKey(path)
	require.NoError(t, err)
	second, err := LoadHostKey(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestAuthorizedKeysRejectsGarbage(t *testing.T) {
	_, err := AuthorizedKeys(strings.NewReader("not a key\n"))
	require.Error(t, err)
}

func TestParseSSHCommand(t *testing.T) {
	cases := []struct {
		command string
		svc     protocol.ServiceType
		path    string
		ok      bool
	}{
		{"git-upload-pack '/projects/app.git'", protocol.UploadPack, "/projects/app.git", true},
		{"git-receive-pack \"/root\"", protocol.ReceivePack, "/root", true},
		{"git-upload-pack /docs", protocol.UploadPack, "/docs", true},
		{"git-upload-pack", 0, "", false},
		{"git-upload-pack ''", 0, "", false},
		{"ls /", 0, "", false},
	}
	for _, tc := range cases {
		svc, path, err := parseSSHCommand(tc.command)
		if !tc.ok {
			require.Error(t, err, tc.command)
			continue
		}
		require.NoError(t, err, tc.command)
		require.Equal(t, tc.svc, svc)
		require.Equal(t, tc.path, path)
	}
}

func TestSSHShutdownClosesPendingHandshake(t *testing.T) {
	f := newFixture(t)
	hostKey, err := LoadHostKey(filepath.Join(t.TempDir(), "host_key"))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	srv := NewSSHServer(f.backend, hostKey, AcceptAnyKey)
	go func() { done <- srv.Serve(ctx, ln) }()

	// connected, but never starts the handshake
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "ssh server kept waiting on a silent client")
	}
}
