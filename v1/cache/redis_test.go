package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisCache[T any](t *testing.T, opts ...RedisOption) (*RedisCache[T], *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis[T](client, opts...), mr
}

func TestRedisCacheComplexStruct(t *testing.T) {
	type complex struct {
		Name string
		Age  int
		Tags []string
	}
	c, _ := newRedisCache[complex](t)
	ctx := context.Background()

	expected := complex{Name: "Alice", Age: 30, Tags: []string{"go", "redis"}}
	if err := c.Set(ctx, "user:1", expected, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "user:1")
	if err != nil || !ok {
		t.Fatalf("expected value, got miss (err %v)", err)
	}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %+v, got %+v", expected, got)
	}
}

func TestRedisCachePrefixAndExpiry(t *testing.T) {
	c, mr := newRedisCache[int](t, WithPrefix("accord:items:"))
	ctx := context.Background()

	if err := c.Set(ctx, "7", 42, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("accord:items:7") {
		t.Fatal("expected prefixed key in redis")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := c.Get(ctx, "7"); ok || err != nil {
		t.Fatalf("expected miss after expiry, got ok %v err %v", ok, err)
	}

	c.Set(ctx, "8", 1, 0)
	if err := c.Invalidate(ctx, "8"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "8"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestRedisCacheDecodeError(t *testing.T) {
	c, mr := newRedisCache[int](t)
	mr.Set("bad", "not-a-number")
	if _, _, err := c.Get(context.Background(), "bad"); err == nil {
		t.Fatal("expected decode error")
	}
}
