// Package alert delivers operator-facing alerts.
//
// Components raise alerts through a Notifier, which stamps id and time and
// hands them to a Sink. Sinks are composable: LogSink writes to zap,
// KafkaSink publishes to a topic, EventSink records the alert in the edge
// log, Fanout delivers to several sinks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/logging"
)

// Severity orders alerts by urgency.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Rank returns a comparable urgency, higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case Info:
		return 1
	case Warning:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	default:
		return 0
	}
}

// Alert is one operator notification.
type Alert struct {
	ID       string            `json:"id"`
	Severity Severity          `json:"severity"`
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Message  string            `json:"message,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
	Source   string            `json:"source,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink receives alerts.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert) error

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Fanout notifies every sink and joins their errors. One failing sink does
// not stop the others.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to a zap logger at a level matching severity.
type LogSink struct {
	Logger *zap.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(_ context.Context, a Alert) error {
	logger := logging.OrNop(s.Logger)
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("category", a.Category),
		zap.String("source", a.Source),
		zap.String("message", a.Message),
	}
	for _, k := range sortedKeys(a.Context) {
		fields = append(fields, zap.String("ctx."+k, a.Context[k]))
	}
	switch a.Severity {
	case Critical, High:
		logger.Error(a.Title, fields...)
	case Warning:
		logger.Warn(a.Title, fields...)
	default:
		logger.Info(a.Title, fields...)
	}
	return nil
}

// Memory keeps alerts in memory. Used by tests and the scenario harness.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify implements Sink.
func (m *Memory) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

// Alerts returns a copy of what was received, in order.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Reset forgets everything received.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

// Notifier stamps and delivers alerts. A nil *Notifier discards alerts,
// so components can treat alerting as optional.
type Notifier struct {
	sink   Sink
	source string
	ids    event.IDGenerator
	now    func() time.Time
	log    *zap.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithSource names the component raising alerts.
func WithSource(source string) NotifierOption {
	return func(n *Notifier) { n.source = source }
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(g event.IDGenerator) NotifierOption {
	return func(n *Notifier) { n.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// WithLogger sets where delivery failures are logged.
func WithLogger(l *zap.Logger) NotifierOption {
	return func(n *Notifier) { n.log = logging.OrNop(l).Named("alert") }
}

// NewNotifier returns a Notifier delivering to sink.
func NewNotifier(sink Sink, opts ...NotifierOption) *Notifier {
	n := &Notifier{sink: sink, ids: event.UUIDv7{}, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// For returns a copy of n that stamps alerts with source.
func (n *Notifier) For(source string) *Notifier {
	if n == nil {
		return nil
	}
	cp := *n
	cp.source = source
	return &cp
}

// Raise builds an alert and delivers it. Delivery failure is logged and
// does not fail the caller. The stamped alert is returned.
func (n *Notifier) Raise(ctx context.Context, sev Severity, category, title, message string, kv map[string]string) Alert {
	if n == nil {
		return Alert{}
	}
	a := Alert{
		ID:       n.ids.NewID(),
		Severity: sev,
		Category: category,
		Title:    title,
		Message:  message,
		Context:  kv,
		Source:   n.source,
		At:       n.now().UTC(),
	}
	if err := n.sink.Notify(ctx, a); err != nil {
		n.log.Error("alert delivery failed",
			zap.String("alert_id", a.ID),
			zap.String("category", category),
			zap.Error(err),
		)
	}
	return a
}

// Raisef is Raise with a formatted message and no context.
func (n *Notifier) Raisef(ctx context.Context, sev Severity, category, title, format string, args ...any) Alert {
	return n.Raise(ctx, sev, category, title, fmt.Sprintf(format, args...), nil)
}
