package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillguard/internal/api"
	"github.com/roach88/tillguard/internal/config"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/syncclient"
)

// syncTimeout bounds a single push or pull request.
const syncTimeout = 30 * time.Second

// NewEdgeCommand creates the edge command group.
func NewEdgeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Run and inspect a checkout device",
	}
	cmd.AddCommand(newEdgeRunCommand(rootOpts))
	cmd.AddCommand(newEdgeAppendCommand(rootOpts))
	cmd.AddCommand(newEdgeVerifyCommand(rootOpts))
	cmd.AddCommand(newEdgeSyncCommand(rootOpts))
	cmd.AddCommand(NewReplayCommand(rootOpts))
	return cmd
}

func newEdgeRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the device security service",
		Long: `Run the checkout security service for one device.

Starts the edge HTTP API, feeds the local log to the risk engine and the
anomaly detector, sweeps abandoned transactions and, when edge.server_url is
set, syncs with the central store every edge.sync_interval. Risk settings
are reloaded when the config file changes.

Examples:
  tillguard edge run --config edge.yaml
  TILLGUARD_EDGE_DEVICE_ID=till-7 tillguard edge run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdge(cmd.Context(), opts)
		},
	}
}

func runEdge(parent context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts, config.ModeEdge)
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

	s, err := newEdgeStack(ctx, rt)
	if err != nil {
		return err
	}
	s.subscribe()

	// A broken chain found at startup puts the device in degraded mode;
	// the hook has already recorded and raised it.
	if report, err := s.log.Audit(ctx); err != nil {
		return WrapExitError(ExitCommandError, "chain audit failed", err)
	} else if !report.Valid {
		rt.logger.Error("edge log chain broken, running degraded",
			zap.Int("break_index", report.BreakIndex), zap.String("reason", report.Reason))
	}

	watcher, err := config.NewWatcher(cfg, s.engine, rt.logger, config.WithAnomalyTarget(s.detector))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid risk config", err)
	}
	watcher.Start()

	tokens, err := api.NewTokens(cfg.Edge.Auth.JWTSecret, cfg.Edge.Auth.Issuer)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid edge auth config", err)
	}
	edge := api.NewEdge(s.log, s.guard, s.engine, tokens,
		api.WithLogger(rt.logger),
		api.WithNotifier(s.notifier))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.guard.RunSweeper(gctx, cfg.Security.SweepInterval)
	})
	if cfg.Edge.ServerURL != "" {
		agent := newAgent(s, cfg)
		g.Go(func() error {
			return agent.Run(gctx, cfg.Edge.SyncInterval)
		})
	} else {
		s.log.SetOnline(false)
		rt.logger.Info("no sync server configured, running offline")
	}
	g.Go(func() error {
		return serveHTTP(gctx, rt.logger, cfg.Edge.Addr, edge.Routes())
	})
	if err := g.Wait(); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.log.Flush(flushCtx); err != nil {
		rt.logger.Warn("subscriber flush incomplete", zap.Error(err))
	}
	return nil
}

func newAgent(s *edgeStack, cfg *config.Config) *syncclient.Agent {
	client := syncclient.NewClient(cfg.Edge.ServerURL, cfg.Edge.Token, syncTimeout)
	return syncclient.NewAgent(s.log, client,
		syncclient.WithBatchSize(cfg.Edge.BatchSize),
		syncclient.WithNotifier(s.notifier),
		syncclient.WithLogger(s.logger))
}

// AppendOptions holds flags for the edge append command.
type AppendOptions struct {
	*RootOptions
	Type          string
	Actor         string
	Payload       string
	AggregateID   string
	AggregateType string
}

func newEdgeAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event to the device log",
		Long: `Append a single event to the device log and print it.

The payload is a JSON object. Integers must fit in 64 bits; floats are
rejected.

Examples:
  tillguard edge append --type CAMERA_EVENT_RECORDED --actor cam-2 \
    --payload '{"transaction_id":"tx-1","detection":"concealment"}'
  tillguard edge append --type CASH_DRAWER_OPENED --actor cashier-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor id (required)")
	_ = cmd.MarkFlagRequired("actor")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON object payload")
	cmd.Flags().StringVar(&opts.AggregateID, "aggregate-id", "", "aggregate id (default: the device)")
	cmd.Flags().StringVar(&opts.AggregateType, "aggregate-type", "", "aggregate type (requires --aggregate-id)")

	return cmd
}

func runAppend(cmd *cobra.Command, opts *AppendOptions) error {
	typ := event.Type(opts.Type)
	if !typ.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event type %q", opts.Type))
	}
	var payload event.Object
	if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}
	var appendOpts []edgelog.AppendOption
	if opts.AggregateID != "" {
		if opts.AggregateType == "" {
			return NewExitError(ExitCommandError, "--aggregate-type is required with --aggregate-id")
		}
		appendOpts = append(appendOpts, edgelog.WithAggregate(opts.AggregateID, opts.AggregateType))
	}

	return withEdgeLog(cmd, opts.RootOptions, func(ctx context.Context, s *edgeStack) error {
		e, err := s.log.Append(ctx, typ, opts.Actor, payload, appendOpts...)
		if err != nil {
			return WrapExitError(ExitFailure, "append failed", err)
		}
		f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		if opts.Format == "json" {
			return f.Success(e)
		}
		return f.Success(fmt.Sprintf("%s v%d %s\n  hash: %s", e.Type, e.Version, e.ID, e.Hash))
	})
}

// withEdgeLog opens the device stack for a one-shot command, runs fn and
// drains subscribers before closing.
func withEdgeLog(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *edgeStack) error) error {
	cfg, err := loadConfig(opts, config.ModeEdge)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	out.VerboseLog("Opening edge log %s (device %s)", cfg.Edge.DBPath, cfg.Edge.DeviceID)
	s, err := newEdgeStack(ctx, rt)
	if err != nil {
		return err
	}
	s.subscribe()
	if err := fn(ctx, s); err != nil {
		return err
	}
	return s.log.Flush(ctx)
}

// VerifyResult is the output of edge verify.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	Checked    int    `json:"checked"`
	BreakIndex int    `json:"break_index,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Degraded   bool   `json:"degraded"`
}

func newEdgeVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the device log hash chain",
		Long: `Recompute every event digest and check the chain links.

A broken chain is recorded as CHAIN_BREAK_DETECTED and raised as a critical
alert.

Exit codes:
  0 - Chain intact
  1 - Chain broken
  2 - Command error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEdgeLog(cmd, opts, func(ctx context.Context, s *edgeStack) error {
				report, err := s.log.Audit(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "audit failed", err)
				}
				res := VerifyResult{
					Valid:      report.Valid,
					Checked:    report.Checked,
					BreakIndex: report.BreakIndex,
					EventID:    report.EventID,
					Reason:     report.Reason,
					Degraded:   s.log.Degraded(),
				}
				if err := outputVerify(cmd, opts.Format, res); err != nil {
					return err
				}
				if !res.Valid {
					return NewExitError(ExitFailure, "chain broken")
				}
				return nil
			})
		},
	}
}

func outputVerify(cmd *cobra.Command, format string, res VerifyResult) error {
	w := cmd.OutOrStdout()
	if format == "json" {
		var code string
		if !res.Valid {
			code = "E_CHAIN_BROKEN"
		}
		return (&OutputFormatter{Format: format, Writer: w}).Report(res, code, res.Reason)
	}
	if res.Valid {
		fmt.Fprintf(w, "✓ chain intact (%d events)\n", res.Checked)
		return nil
	}
	fmt.Fprintf(w, "✗ chain broken at index %d (event %s): %s\n", res.BreakIndex, res.EventID, res.Reason)
	return nil
}

func newEdgeSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round with the central store",
		Long: `Push unsynced events and pull remote events once.

Exit codes:
  0 - Round completed (conflicts are reported, not failures)
  1 - Round failed (server unreachable, rejected batch, etc.)
  2 - Command error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEdgeLog(cmd, opts, func(ctx context.Context, s *edgeStack) error {
				if s.cfg.Edge.ServerURL == "" {
					return NewExitError(ExitCommandError, "edge.server_url is not set")
				}
				report, err := newAgent(s, s.cfg).RunOnce(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sync failed", err)
				}
				f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				if opts.Format == "json" {
					return f.Success(report)
				}
				return f.Success(fmt.Sprintf(
					"Sync: %d batch(es), %d accepted, %d duplicate, %d conflict, %d rejected, %d pulled",
					report.Batches, report.Accepted, report.Duplicates, report.Conflicts, report.Rejected, report.Pulled))
			})
		},
	}
}
