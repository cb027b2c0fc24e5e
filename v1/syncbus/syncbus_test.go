package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	payload := []byte("hello")
	if err := bus.Publish(context.Background(), "topic", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload[0] = 'j'

	select {
	case evt := <-ch:
		if evt.Topic != "topic" || string(evt.Payload) != "hello" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	if n := bus.subs.count("topic"); n != 0 {
		t.Fatalf("subscription still present after context cancel: %d", n)
	}
}

func TestFanOutAndTopicIsolation(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "a")
	a2, _ := bus.Subscribe(ctx, "a")
	b, _ := bus.Subscribe(ctx, "b")

	if err := bus.Publish(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Event{a, a2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case evt := <-b:
		t.Fatalf("unexpected event on other topic %+v", evt)
	default:
	}

	if err := bus.Unsubscribe(ctx, "a", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := bus.subs.count("a"); n != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", n)
	}
	// Unsubscribing twice is harmless.
	if err := bus.Unsubscribe(ctx, "a", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "topic")
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(ctx, "topic", nil)
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer, got %d", len(ch))
	}
	m := bus.Metrics()
	if m.Published != subscriberBuffer+10 || m.Delivered != subscriberBuffer {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestPublishCancelledContext(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "topic", nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
