// Package events publishes fleet lifecycle events derived from registry
// changes. Publishing is fire-and-forget; a broker outage never affects the
// control plane.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ember/internal/clock"
	"ember/internal/master/registry"
	"ember/pkg/model"
)

type Type string

const (
	NodeRegistered    Type = "node.registered"
	NodeRemoved       Type = "node.removed"
	NodeStatusChanged Type = "node.status_changed"
)

type Event struct {
	Type       Type             `json:"type"`
	NodeID     string           `json:"nodeId"`
	Status     model.NodeStatus `json:"status"`
	PrevStatus model.NodeStatus `json:"prevStatus,omitempty"`
	Endpoint   string           `json:"endpoint,omitempty"`
	Time       time.Time        `json:"time"`
}

// FromChange maps a registry change to an event. Updates that leave the
// status unchanged (metrics, health refreshes) produce nothing.
func FromChange(c registry.Change, now time.Time) (Event, bool) {
	ev := Event{
		NodeID:     c.Node.ID,
		Status:     c.Node.Status,
		PrevStatus: c.PrevStatus,
		Endpoint:   c.Node.Endpoint,
		Time:       now,
	}
	switch c.Kind {
	case registry.ChangeRegistered:
		ev.Type = NodeRegistered
	case registry.ChangeRemoved:
		ev.Type = NodeRemoved
		ev.PrevStatus = ""
	case registry.ChangeUpdated:
		if c.Node.Status == c.PrevStatus {
			return Event{}, false
		}
		ev.Type = NodeStatusChanged
	default:
		return Event{}, false
	}
	return ev, true
}

type Emitter interface {
	Emit(Event)
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(Event)   {}
func (Nop) Close() error { return nil }

// KafkaEmitter writes events as JSON to one topic, keyed by node id so a
// node's events stay ordered within a partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaEmitter(brokers []string, topic string, logger *zap.Logger) *KafkaEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			Async:                  true,
			AllowAutoTopicCreation: true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("event publish failed", zap.Int("messages", len(messages)), zap.Error(err))
				}
			},
		},
		logger: logger,
	}
}

func (k *KafkaEmitter) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("encode event", zap.Error(err))
		return
	}
	// Async writer: this only enqueues.
	if err := k.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(ev.NodeID),
		Value: payload,
	}); err != nil {
		k.logger.Warn("event enqueue failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Close flushes pending messages.
func (k *KafkaEmitter) Close() error { return k.writer.Close() }

// Publisher is a registry observer that forwards mapped changes to an emitter.
type Publisher struct {
	emitter Emitter
	clock   clock.Clock
}

func NewPublisher(emitter Emitter, c clock.Clock) *Publisher {
	if c == nil {
		c = clock.Real()
	}
	return &Publisher{emitter: emitter, clock: c}
}

func (p *Publisher) NodeChanged(c registry.Change) {
	if ev, ok := FromChange(c, p.clock.Now()); ok {
		p.emitter.Emit(ev)
	}
}
