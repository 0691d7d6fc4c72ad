package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/protocol"
	"github.com/odvcencio/monogit/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var httpAddr, sshAddr, gitAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the monorepo over smart HTTP, SSH and git://",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(cfg *config.Config, engine *monorepo.Engine, backend *protocol.Backend, handler *server.HTTPHandler, daemon *server.GitDaemon) error {
				flags := cmd.Flags()
				if flags.Changed("http-addr") {
					cfg.HTTP.Addr = httpAddr
				}
				if flags.Changed("ssh-addr") {
					cfg.SSH.Addr = sshAddr
				}
				if flags.Changed("git-addr") {
					cfg.Git.Addr = gitAddr
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if _, err := engine.InitMonorepo(ctx); err != nil {
					return fmt.Errorf("init monorepo: %w", err)
				}
				return runServers(ctx, cfg, backend, handler, daemon)
			})
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "smart HTTP listen address (empty disables)")
	cmd.Flags().StringVar(&sshAddr, "ssh-addr", "", "SSH listen address (empty disables)")
	cmd.Flags().StringVar(&gitAddr, "git-addr", "", "git:// daemon listen address (empty disables)")
	return cmd
}

// runServers starts every configured listener and blocks until ctx is
// canceled or one of them fails.
func runServers(ctx context.Context, cfg *config.Config, backend *protocol.Backend, handler http.Handler, daemon *server.GitDaemon) error {
	g, ctx := errgroup.WithContext(ctx)
	started := 0

	if cfg.HTTP.Addr != "" {
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Infof("[http] listening on %s", ln.Addr())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		started++
	}

	if cfg.SSH.Addr != "" {
		hostKey, err := server.LoadHostKey(cfg.SSH.HostKeyPath)
		if err != nil {
			return err
		}
		auth, err := sshAuth(cfg.SSH)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", cfg.SSH.Addr)
		if err != nil {
			return fmt.Errorf("listen ssh: %w", err)
		}
		srv := server.NewSSHServer(backend, hostKey, auth)
		g.Go(func() error { return srv.Serve(ctx, ln) })
		started++
	}

	if cfg.Git.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Git.Addr)
		if err != nil {
			return fmt.Errorf("listen git: %w", err)
		}
		g.Go(func() error { return daemon.Serve(ctx, ln) })
		started++
	}

	if started == 0 {
		return fmt.Errorf("%w: no listener configured", config.ErrInvalidConfig)
	}
	return g.Wait()
}

func sshAuth(cfg config.SSHConfig) (server.PublicKeyCallback, error) {
	if cfg.AuthorizedKeysPath == "" {
		logger.Warn("[ssh] no authorized_keys_path configured, accepting any client key")
		return server.AcceptAnyKey, nil
	}
	f, err := os.Open(cfg.AuthorizedKeysPath)
	if err != nil {
		return nil, fmt.Errorf("open authorized keys: %w", err)
	}
	defer f.Close()
	return server.AuthorizedKeys(f)
}
