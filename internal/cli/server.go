package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillguard/internal/api"
	"github.com/roach88/tillguard/internal/config"
	"github.com/roach88/tillguard/internal/reconcile"
	"github.com/roach88/tillguard/internal/schema"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/store"
)

// NewServerCommand creates the server command group.
func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the central event store",
	}
	cmd.AddCommand(newServerServeCommand(rootOpts))
	cmd.AddCommand(newServerMigrateCommand(rootOpts))
	return cmd
}

func newServerServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync and query API",
		Long: `Serve the central event store API.

Devices push their logs to /v1/sync/push and pull other devices' events from
/v1/sync/pull. Payloads are sealed at rest with the configured master key.

Exit codes:
  0 - Clean shutdown on SIGINT or SIGTERM
  2 - Command error (bad config, database unavailable, etc.)

Examples:
  tillguard server serve --config server.yaml
  TILLGUARD_SERVER_DATABASE_DSN=postgres://... tillguard server serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts, config.ModeServer)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	kr, err := cfg.Keyring()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid encryption config", err)
	}
	sealer, err := seal.New(kr)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid encryption config", err)
	}
	schemas, err := schema.Default()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load payload schemas", err)
	}
	st, err := store.Open(ctx, store.Options{
		Driver:  cfg.Server.Database.Driver,
		DSN:     cfg.Server.Database.DSN,
		Sealer:  sealer,
		Schemas: schemas,
		Logger:  rt.logger,
		Metrics: rt.metrics,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	rt.onClose(st.Close)

	tokens, err := api.NewTokens(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.Issuer)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid auth config", err)
	}
	sinks, err := rt.alertSinks()
	if err != nil {
		return err
	}
	svc := reconcile.New(st, reconcile.WithLogger(rt.logger), reconcile.WithMetrics(rt.metrics))
	srv := api.NewServer(st, svc, tokens,
		api.WithLogger(rt.logger),
		api.WithNotifier(newNotifier(rt, sinks, "server")),
		api.WithPushRate(cfg.Server.PushRate, cfg.Server.PushBurst))

	return serveHTTP(ctx, rt.logger, cfg.Server.Addr, srv.Routes())
}

func newServerMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply pending event store migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, config.ModeServer)
			if err != nil {
				return err
			}
			db := cfg.Server.Database
			if err := store.MigrateSchema(db.Driver, db.DSN); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return f.Success(map[string]string{"driver": db.Driver, "status": "migrated"})
			}
			return f.Success(fmt.Sprintf("Migrations applied (%s)", db.Driver))
		},
	}
}

// serveHTTP runs handler on addr until ctx is done, then shuts down
// gracefully.
func serveHTTP(ctx context.Context, logger *zap.Logger, addr string, handler http.Handler) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	logger.Info("shut down")
	return nil
}
