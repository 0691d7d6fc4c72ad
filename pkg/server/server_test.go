package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/protocol"
	"github.com/odvcencio/monogit/pkg/storage"
)

type fixture struct {
	cfg     *config.Config
	store   *storage.Storage
	engine  *monorepo.Engine
	backend *protocol.Backend
	head    object.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "monogit.db")
	cfg.Storage.ObjLocalPath = filepath.Join(dir, "objects")

	store, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := monorepo.NewEngine(store, cfg)
	head, err := engine.InitMonorepo(context.Background())
	require.NoError(t, err)
	return &fixture{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		backend: protocol.NewBackend(store, engine, cfg),
		head:    head,
	}
}

// serveInBackground runs serve until the test ends.
func serveInBackground(t *testing.T, serve func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
}
