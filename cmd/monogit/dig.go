package main

import (
	"fmt"

	logger "github.com/sirupsen/logrus"
	"go.uber.org/dig"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/protocol"
	"github.com/odvcencio/monogit/pkg/server"
	"github.com/odvcencio/monogit/pkg/storage"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

// loadConfig reads the config file when one is given and applies the
// logging settings.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", config.ErrInvalidConfig, err)
	}
	if o.verbose {
		level = logger.DebugLevel
	}
	logger.SetLevel(level)
	return cfg, nil
}

// buildContainer registers every server component, bottom-up. The
// returned cleanup closes the store if anything opened it.
func buildContainer(cfg *config.Config) (*dig.Container, func(), error) {
	var store *storage.Storage
	openStore := func(cfg *config.Config) (*storage.Storage, error) {
		s, err := storage.Open(cfg)
		store = s
		return s, err
	}
	cleanup := func() {
		if store == nil {
			return
		}
		if err := store.Close(); err != nil {
			logger.Warnf("close storage: %v", err)
		}
	}

	container := dig.New()
	providers := []any{
		func() *config.Config { return cfg },
		openStore,
		monorepo.NewEngine,
		protocol.NewBackend,
		server.NewHTTPHandler,
		server.NewGitDaemon,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, cleanup, err
		}
	}
	return container, cleanup, nil
}

// withApp loads the config, assembles the components and invokes fn with
// whatever its parameters ask for.
func withApp(opts *globalOptions, fn any) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	container, cleanup, err := buildContainer(cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	if err := container.Invoke(fn); err != nil {
		return dig.RootCause(err)
	}
	return nil
}
