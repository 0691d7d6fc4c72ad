package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "monogit.toml")
	content := "[log]\nlevel = \"warn\"\n\n" +
		"[database]\npath = \"" + filepath.ToSlash(filepath.Join(dir, "monogit.db")) + "\"\n\n" +
		"[storage]\nobj_local_path = \"" + filepath.ToSlash(filepath.Join(dir, "objects")) + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitCreateFileRefs(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "init")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "refs/heads/main is at "), out)
	head := strings.TrimSpace(strings.TrimPrefix(out, "refs/heads/main is at "))

	again, err := run(t, "--config", cfg, "init")
	require.NoError(t, err)
	require.Equal(t, out, again)

	out, err = run(t, "--config", cfg, "create-file", "/docs", "README.md", "--content", "hello\n")
	require.NoError(t, err)
	commitID := strings.TrimSpace(out)
	require.Len(t, commitID, 40)
	require.NotEqual(t, head, commitID)

	out, err = run(t, "--config", cfg, "refs", "root")
	require.NoError(t, err)
	require.Equal(t, commitID+"\trefs/heads/main\tbranch\n", out)
}

func TestCreateFileErrors(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "init")
	require.NoError(t, err)

	_, err = run(t, "--config", cfg, "create-file", "/missing", "a.txt")
	require.Error(t, err)

	_, err = run(t, "--config", cfg, "create-file", "/docs", "x", "--dir", "--content-file", "y")
	require.ErrorContains(t, err, "--content-file")
}

func TestRefsUnknownRepo(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "refs", "/projects/none")
	require.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"loud\"\n"), 0o644))
	_, err := run(t, "--config", path, "init")
	require.ErrorContains(t, err, "log.level")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Equal(t, "monogit "+version+"\n", out)
}
