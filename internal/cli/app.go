package cli

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/anchor"
	"github.com/roach88/tillguard/internal/anomaly"
	"github.com/roach88/tillguard/internal/config"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/security"
	"github.com/roach88/tillguard/internal/telemetry"
)

// shutdownTimeout bounds graceful HTTP shutdown and telemetry flush.
const shutdownTimeout = 10 * time.Second

// loadConfig reads and validates configuration for mode. Errors are
// command errors.
func loadConfig(opts *RootOptions, mode config.Mode) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	return logger, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// runtime holds the process-wide pieces shared by server and edge.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	closers   []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}
	tp.SetGlobal()
	metrics, err := telemetry.NewMetrics(tp.MeterProvider)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
	}
	return &runtime{cfg: cfg, logger: logger, telemetry: tp, metrics: metrics}, nil
}

func (rt *runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close runs closers in reverse order, then flushes telemetry and the
// logger.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs, rt.telemetry.Shutdown(ctx))
	_ = rt.logger.Sync()
	return errors.Join(errs...)
}

// alertSinks returns the log sink plus a Kafka sink when brokers are
// configured. The Kafka writer is closed with the runtime.
func (rt *runtime) alertSinks() (alert.Fanout, error) {
	sinks := alert.Fanout{alert.LogSink{Logger: rt.logger.Named("alert")}}
	if rt.cfg.KafkaEnabled() {
		ks, err := alert.NewKafkaSink(rt.cfg.Kafka.Brokers, rt.cfg.Kafka.AlertTopic)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create kafka alert sink", err)
		}
		rt.onClose(ks.Close)
		sinks = append(sinks, ks)
	}
	return sinks, nil
}

func newNotifier(rt *runtime, sink alert.Sink, source string) *alert.Notifier {
	return alert.NewNotifier(sink, alert.WithSource(source), alert.WithLogger(rt.logger))
}

// edgeStack is one device's checkout security wiring.
type edgeStack struct {
	*runtime
	log        *edgelog.Log
	notifier   *alert.Notifier
	guard      *security.Guard
	engine     *risk.Engine
	detector   *anomaly.Detector
	dispatcher *anchor.Dispatcher
}

// openEdgeLog opens the device's SQLite log. A chain break found by Audit
// is recorded as CHAIN_BREAK_DETECTED and raised as a critical alert
// through notify, which may be filled in after the log exists.
func openEdgeLog(ctx context.Context, rt *runtime, notify **alert.Notifier) (*edgelog.Log, error) {
	storage, err := edgelog.OpenSQLite(rt.cfg.Edge.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open edge log", err)
	}
	var log *edgelog.Log
	onBreak := func(r edgelog.ChainReport) {
		if log != nil {
			_, err := log.Append(context.Background(), event.ChainBreakDetected, "system", event.Object{
				"break_index": event.Int(int64(r.BreakIndex)),
				"event_id":    event.String(r.EventID),
				"reason":      event.String(r.Reason),
			})
			if err != nil {
				rt.logger.Error("record chain break failed", zap.Error(err))
			}
		}
		if notify != nil {
			(*notify).Raise(context.Background(), alert.Critical, "chain", "Edge log chain broken", r.Reason,
				map[string]string{"event_id": r.EventID, "break_index": strconv.Itoa(r.BreakIndex)})
		}
	}
	log, err = edgelog.New(ctx, storage, rt.cfg.Edge.DeviceID,
		edgelog.WithBranch(rt.cfg.Edge.BranchID),
		edgelog.WithLogger(rt.logger),
		edgelog.WithMetrics(rt.metrics),
		edgelog.WithBreakHook(onBreak),
	)
	if err != nil {
		_ = storage.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open edge log", err)
	}
	return log, nil
}

// newEdgeStack wires the guard, risk engine, anomaly detector, alerting and
// anchoring around the device log. Stream subscriptions are left to the
// caller.
func newEdgeStack(ctx context.Context, rt *runtime) (*edgeStack, error) {
	s := &edgeStack{runtime: rt}
	log, err := openEdgeLog(ctx, rt, &s.notifier)
	if err != nil {
		return nil, err
	}
	s.log = log
	rt.onClose(log.Close)

	sinks, err := rt.alertSinks()
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, alert.EventSink{Log: log})
	s.notifier = newNotifier(rt, sinks, rt.cfg.Edge.DeviceID)

	if rt.cfg.KafkaEnabled() {
		anchorer, err := anchor.NewKafkaAnchorer(rt.cfg.Kafka.Brokers, rt.cfg.Kafka.AnchorTopic)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create anchorer", err)
		}
		s.dispatcher = anchor.NewDispatcher(anchorer,
			anchor.WithLogger(rt.logger),
			anchor.WithReceiptHook(s.recordAnchor))
		// Dispatcher goroutines must finish before the writer closes.
		rt.onClose(func() error {
			s.dispatcher.Wait()
			return anchorer.Close()
		})
	}

	riskCfg, err := rt.cfg.RiskConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid risk config", err)
	}
	profiles := risk.NewProfiles(time.Now)
	s.engine, err = risk.NewEngine(riskCfg,
		risk.WithAppender(log),
		risk.WithNotifier(s.notifier),
		risk.WithProfiles(profiles),
		risk.WithMetrics(rt.metrics),
		risk.WithLogger(rt.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid risk config", err)
	}
	s.detector, err = anomaly.New(rt.cfg.AnomalyConfig(),
		anomaly.WithAppender(log),
		anomaly.WithNotifier(s.notifier),
		anomaly.WithDispatcher(s.dispatcher),
		anomaly.WithProfiles(profiles),
		anomaly.WithMetrics(rt.metrics),
		anomaly.WithLogger(rt.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid anomaly config", err)
	}
	s.guard = security.NewGuard(log,
		security.WithLockdownGate(s.engine),
		security.WithNotifier(s.notifier),
		security.WithToleranceBps(rt.cfg.Security.ToleranceBps),
		security.WithTimeout(rt.cfg.Security.TransactionTimeout),
		security.WithLogger(rt.logger))
	return s, nil
}

// subscribe feeds the edge stream to the risk engine and the anomaly
// detector.
func (s *edgeStack) subscribe() {
	s.log.Subscribe("risk", s.engine.Observe, edgelog.DefaultBuffer)
	s.log.Subscribe("anomaly", s.detector.Observe, edgelog.DefaultBuffer)
}

// recordAnchor records a successful anchoring receipt in the edge log.
func (s *edgeStack) recordAnchor(ctx context.Context, req anchor.Request, receipt anchor.Receipt) {
	_, err := s.log.Append(ctx, event.EvidenceAnchored, "system", event.Object{
		"batch_id":  event.String(req.BatchID),
		"digest":    event.String(req.Digest),
		"reference": event.String(receipt.Reference),
		"event_ids": event.Strs(req.EventIDs...),
	})
	if err != nil {
		s.logger.Error("record anchor receipt failed", zap.String("batch_id", req.BatchID), zap.Error(err))
	}
}
