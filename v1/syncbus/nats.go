package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Topics map to subjects.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	subs      *subscribers
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		natsSubs: make(map[string]*nats.Subscription),
		subs:     newSubscribers(),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.mu.Lock()
	if _, ok := b.natsSubs[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			b.subs.deliver(Event{Topic: topic, Payload: msg.Data})
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		// Make sure the server registered the interest before returning.
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		b.natsSubs[topic] = ns
	}
	ch, _ := b.subs.add(topic)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(_ context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	_, last := b.subs.remove(topic, ch)
	ns := b.natsSubs[topic]
	if !last || ns == nil {
		b.mu.Unlock()
		return nil
	}
	delete(b.natsSubs, topic)
	b.mu.Unlock()
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
