package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the capacity of each subscription channel. Events for a
// subscriber whose buffer is full are dropped.
const subscriberBuffer = 64

// Event is one payload published on a topic.
type Event struct {
	Topic   string
	Payload []byte
}

// Bus provides a simple pub/sub mechanism used to ship access profiles
// between nodes.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics reports how many events a bus published and delivered to local
// subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscribers fans events out to the local channels of each topic.
type subscribers struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	delivered atomic.Uint64
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string][]chan Event)}
}

// add registers a channel and reports whether it is the first for topic.
func (s *subscribers) add(topic string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	first := len(s.subs[topic]) == 0
	s.subs[topic] = append(s.subs[topic], ch)
	s.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. It
// reports found=false when ch was not subscribed.
func (s *subscribers) remove(topic string, ch <-chan Event) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subs, topic)
		return found, found
	}
	s.subs[topic] = subs
	return found, false
}

// deliver sends without blocking, under s.mu so that no channel is closed
// concurrently.
func (s *subscribers) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[evt.Topic] {
		select {
		case ch <- evt:
			s.delivered.Add(1)
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.subs, topic)
	}
}

func (s *subscribers) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[topic])
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan Event) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus mainly for testing and single
// node deployments.
type InMemoryBus struct {
	subs      *subscribers
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newSubscribers()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.subs.deliver(Event{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(_ context.Context, topic string, ch <-chan Event) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
