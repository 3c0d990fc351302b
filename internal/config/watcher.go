package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/anomaly"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/risk"
)

// RiskUpdater receives a new risk configuration. *risk.Engine implements it.
type RiskUpdater interface {
	UpdateConfig(risk.Config) error
}

// AnomalyUpdater receives new anomaly thresholds. *anomaly.Detector
// implements it.
type AnomalyUpdater interface {
	UpdateConfig(anomaly.Config) error
}

// Watcher pushes risk and anomaly section changes into the running engine
// and detector. Other sections need a restart.
type Watcher struct {
	cfg     *Config
	target  RiskUpdater
	anomaly AnomalyUpdater
	logger  *zap.Logger

	mu      sync.Mutex
	current risk.Config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithAnomalyTarget also reloads anomaly thresholds into u.
func WithAnomalyTarget(u AnomalyUpdater) WatcherOption {
	return func(w *Watcher) { w.anomaly = u }
}

// NewWatcher returns a watcher over cfg. cfg must come from Load.
func NewWatcher(cfg *Config, target RiskUpdater, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if cfg == nil || cfg.v == nil {
		return nil, errors.New("config: watcher needs a loaded config")
	}
	current, err := cfg.RiskConfig()
	if err != nil {
		return nil, err
	}
	w := &Watcher{cfg: cfg, target: target, logger: logging.OrNop(logger), current: current}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching the config file. It is a no-op without a file.
func (w *Watcher) Start() {
	if w.cfg.v.ConfigFileUsed() == "" {
		return
	}
	w.cfg.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := w.Reload(); err != nil {
			w.logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
		}
	})
	w.cfg.v.WatchConfig()
}

// Reload re-decodes the configuration and applies the risk and anomaly
// sections. An invalid file leaves the running configuration untouched.
func (w *Watcher) Reload() error {
	if w.cfg.v.ConfigFileUsed() != "" {
		if err := w.cfg.v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reread: %w", err)
		}
	}
	next, err := decode(w.cfg.v)
	if err != nil {
		return err
	}
	rc, err := next.RiskConfig()
	if err != nil {
		return err
	}
	if err := w.target.UpdateConfig(rc); err != nil {
		return err
	}
	if w.anomaly != nil {
		if err := w.anomaly.UpdateConfig(next.AnomalyConfig()); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.current = rc
	w.mu.Unlock()
	w.logger.Info("risk configuration reloaded",
		zap.Int("threshold", rc.Threshold),
		zap.Duration("window", rc.Window))
	return nil
}

// Current returns the last applied risk configuration.
func (w *Watcher) Current() risk.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
