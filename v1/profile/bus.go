package profile

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-accord/v1/access"
	"github.com/mirkobrombin/go-accord/v1/codec"
	"github.com/mirkobrombin/go-accord/v1/syncbus"
)

// DefaultTopic is the bus topic details are published on.
const DefaultTopic = "accord.profile"

// BusSink publishes every detail on a syncbus topic so that other nodes can
// aggregate them. Publish failures are logged and otherwise ignored: the
// transaction has already ended.
type BusSink struct {
	bus    syncbus.Bus
	topic  string
	codec  codec.Codec
	logger *slog.Logger
}

// BusSinkOption configures a BusSink.
type BusSinkOption func(*BusSink)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) BusSinkOption {
	return func(s *BusSink) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithCodec overrides the JSON codec.
func WithCodec(c codec.Codec) BusSinkOption {
	return func(s *BusSink) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets the logger for publish failures.
func WithLogger(l *slog.Logger) BusSinkOption {
	return func(s *BusSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewBusSink returns a sink publishing on bus.
func NewBusSink(bus syncbus.Bus, opts ...BusSinkOption) *BusSink {
	s := &BusSink{
		bus:    bus,
		topic:  DefaultTopic,
		codec:  codec.Default,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topic returns the topic the sink publishes on.
func (s *BusSink) Topic() string { return s.topic }

// Record implements Sink.Record. A detail without a record ID gets a random
// one, so consumers can drop duplicates.
func (s *BusSink) Record(ctx context.Context, d access.Detail) {
	if d.RecordID == "" {
		d.RecordID = uuid.NewString()
	}
	data, err := s.codec.Marshal(d)
	if err != nil {
		s.logger.Warn("profile: encode detail", "txn", d.TxnID, "err", err)
		return
	}
	if err := s.bus.Publish(ctx, s.topic, data); err != nil {
		s.logger.Warn("profile: publish detail", "txn", d.TxnID, "topic", s.topic, "err", err)
	}
}

// Forward subscribes to topic and records every decoded detail into sink
// until ctx ends. It returns once the subscription is in place.
func Forward(ctx context.Context, bus syncbus.Bus, topic string, sink Sink) error {
	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for evt := range ch {
			var d access.Detail
			if err := codec.Default.Unmarshal(evt.Payload, &d); err != nil {
				slog.Default().Warn("profile: decode detail", "topic", topic, "err", err)
				continue
			}
			sink.Record(ctx, d)
		}
	}()
	return nil
}
