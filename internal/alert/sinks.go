package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON, keyed by category so one category
// stays ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka alert sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka alert sink requires a topic")
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, topic), nil
}

// NewKafkaSinkWithWriter builds a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Notify implements Sink.
func (s *KafkaSink) Notify(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(a.Category),
		Value: value,
		Time:  a.At,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(a.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

// Close closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Appender appends to the edge log.
type Appender interface {
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
}

// EventSink records alerts as ALERT_TRIGGERED events so they travel with
// the rest of the device history.
type EventSink struct {
	Log Appender
	// Actor is recorded as the event actor. Defaults to "system".
	Actor string
}

// Notify implements Sink.
func (s EventSink) Notify(ctx context.Context, a Alert) error {
	actor := s.Actor
	if actor == "" {
		actor = "system"
	}
	payload := event.Object{
		"alert_id": event.String(a.ID),
		"severity": event.String(string(a.Severity)),
		"category": event.String(a.Category),
		"title":    event.String(a.Title),
	}
	if a.Message != "" {
		payload["message"] = event.String(a.Message)
	}
	_, err := s.Log.Append(ctx, event.AlertTriggered, actor, payload)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
