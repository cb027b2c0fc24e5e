package syncbus

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-accord/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	subs      *subscribers
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		pubsubs: make(map[string]*redis.PubSub),
		subs:    newSubscribers(),
	}
}

func timeoutErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish. Failed publishes are retried with a short
// backoff until ctx ends.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("accord.bus.topic", topic),
		attribute.Int("accord.bus.payload_bytes", len(payload)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err := b.client.Publish(cctx, topic, payload).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return timeoutErr(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	span.RecordError(lastErr)
	return timeoutErr(lastErr)
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutErr(err)
	}
	backoff := 100 * time.Millisecond
	for {
		b.mu.Lock()
		if _, ok := b.pubsubs[topic]; ok {
			ch, _ := b.subs.add(topic)
			b.mu.Unlock()
			unsubscribeOnDone(ctx, b, topic, ch)
			return ch, nil
		}
		b.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, topic)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if _, ok := b.pubsubs[topic]; ok {
				// Lost the race with a concurrent subscriber.
				b.mu.Unlock()
				_ = ps.Close()
				continue
			}
			b.pubsubs[topic] = ps
			ch, _ := b.subs.add(topic)
			b.mu.Unlock()
			go b.dispatch(topic, ps)
			unsubscribeOnDone(ctx, b, topic, ch)
			return ch, nil
		}
		_ = ps.Close()
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, warperrors.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, timeoutErr(ctx.Err())
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		_, span := tracer.Start(context.Background(), "RedisBus.Dispatch",
			trace.WithAttributes(attribute.String("accord.bus.topic", topic)))
		b.subs.deliver(Event{Topic: topic, Payload: []byte(msg.Payload)})
		span.End()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	b.mu.Lock()
	_, last := b.subs.remove(topic, ch)
	ps := b.pubsubs[topic]
	if !last || ps == nil {
		b.mu.Unlock()
		return nil
	}
	delete(b.pubsubs, topic)
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	_ = ps.Unsubscribe(cctx, topic)
	if err := ps.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Close stops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, topic)
	}
	b.subs.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
