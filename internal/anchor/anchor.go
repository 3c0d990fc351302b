// Package anchor submits evidence digests to an external anchoring service.
//
// Anchoring is best effort. The Dispatcher runs requests in the background
// with a timeout and only logs failures, so no caller ever waits on or
// depends on the outcome.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/logging"
)

// DomainAnchor tags batch digests so they can never collide with event
// chain hashes.
const DomainAnchor = "tillguard/anchor/v1"

// DefaultTimeout bounds one dispatched anchoring call.
const DefaultTimeout = 10 * time.Second

// Request asks the service to anchor a digest.
type Request struct {
	BatchID  string   `json:"batch_id"`
	Digest   string   `json:"digest"`
	EventIDs []string `json:"event_ids,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Receipt confirms a request was accepted.
type Receipt struct {
	Reference string
	At        time.Time
}

// Anchorer submits anchoring requests.
type Anchorer interface {
	Anchor(ctx context.Context, req Request) (Receipt, error)
}

// BatchDigest hashes the ordered chain hashes of events.
func BatchDigest(events []event.Event) (string, error) {
	hashes := make([]string, len(events))
	for i, e := range events {
		if e.Hash == "" {
			return "", fmt.Errorf("event %s has no hash", e.ID)
		}
		hashes[i] = e.Hash
	}
	canonical, err := event.MarshalCanonical(event.Strs(hashes...))
	if err != nil {
		return "", err
	}
	return event.HashWithDomain(DomainAnchor, canonical), nil
}

// MessageWriter is the subset of *kafka.Writer the anchorer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAnchorer hands requests to the anchoring service through a topic.
type KafkaAnchorer struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaAnchorer builds an anchorer writing to topic on brokers.
func NewKafkaAnchorer(brokers []string, topic string) (*KafkaAnchorer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka anchorer requires brokers and a topic")
	}
	return NewKafkaAnchorerWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, topic, time.Now), nil
}

// NewKafkaAnchorerWithWriter builds an anchorer over an existing writer.
func NewKafkaAnchorerWithWriter(w MessageWriter, topic string, now func() time.Time) *KafkaAnchorer {
	if now == nil {
		now = time.Now
	}
	return &KafkaAnchorer{writer: w, topic: topic, now: now}
}

// Anchor implements Anchorer.
func (a *KafkaAnchorer) Anchor(ctx context.Context, req Request) (Receipt, error) {
	if req.BatchID == "" || req.Digest == "" {
		return Receipt{}, fmt.Errorf("anchor request requires batch id and digest")
	}
	value, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode anchor request: %w", err)
	}
	at := a.now().UTC()
	err = a.writer.WriteMessages(ctx, kafka.Message{
		Topic: a.topic,
		Key:   []byte(req.BatchID),
		Value: value,
		Time:  at,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("publish anchor request %s: %w", req.BatchID, err)
	}
	return Receipt{Reference: Reference(a.topic, req.BatchID), At: at}, nil
}

// Close closes the writer.
func (a *KafkaAnchorer) Close() error {
	return a.writer.Close()
}

// Reference formats the receipt reference for a published request.
func Reference(topic, batchID string) string {
	return "kafka://" + topic + "/" + batchID
}

// ParseReference splits a reference produced by Reference.
func ParseReference(ref string) (topic, batchID string, ok bool) {
	rest, found := strings.CutPrefix(ref, "kafka://")
	if !found {
		return "", "", false
	}
	topic, batchID, ok = strings.Cut(rest, "/")
	return topic, batchID, ok && topic != "" && batchID != ""
}

// Dispatcher runs anchoring calls in the background.
type Dispatcher struct {
	anchorer Anchorer
	timeout  time.Duration
	log      *zap.Logger
	onDone   func(context.Context, Request, Receipt)
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each call.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = logging.OrNop(l).Named("anchor") }
}

// WithReceiptHook is called after a successful anchor, still on the
// background goroutine.
func WithReceiptHook(fn func(context.Context, Request, Receipt)) DispatcherOption {
	return func(d *Dispatcher) { d.onDone = fn }
}

// NewDispatcher returns a Dispatcher over anchorer. A nil anchorer makes
// Dispatch a no-op.
func NewDispatcher(anchorer Anchorer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{anchorer: anchorer, timeout: DefaultTimeout, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts an anchoring call and returns immediately.
func (d *Dispatcher) Dispatch(req Request) {
	if d == nil || d.anchorer == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		receipt, err := d.anchorer.Anchor(ctx, req)
		if err != nil {
			d.log.Warn("anchoring failed",
				zap.String("batch_id", req.BatchID),
				zap.String("digest", req.Digest),
				zap.Error(err),
			)
			return
		}
		d.log.Info("evidence anchored",
			zap.String("batch_id", req.BatchID),
			zap.String("reference", receipt.Reference),
		)
		if d.onDone != nil {
			d.onDone(ctx, req, receipt)
		}
	}()
}

// Wait blocks until every dispatched call has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
