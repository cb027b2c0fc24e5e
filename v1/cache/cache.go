package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-accord/v1/cache")

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL. A
	// non-positive TTL keeps the value until it is evicted.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an in-memory cache with TTL support and optional LRU
// eviction.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

func (it item[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the cache; the least recently used entry is evicted
// first. A non-positive value means the cache size is unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_cache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_cache_evictions_total",
			Help: "Total number of cache evictions",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accord_cache_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache instance. Unless disabled with
// WithSweepInterval, a background goroutine removes expired items every
// minute; call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// instrument starts a span and a latency measurement for op. The returned
// function ends both and must be deferred.
func (c *InMemoryCache[T]) instrument(ctx context.Context, op string) (context.Context, trace.Span, func()) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, nil, func() {}
	}
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Cache."+op)
	}
	start := time.Now()
	return ctx, span, func() {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(attribute.Int64("accord.cache.latency_us", latency.Microseconds()))
			span.End()
		}
	}
}

func (c *InMemoryCache[T]) recordResult(span trace.Span, hit bool) {
	if hit {
		c.hits.Add(1)
		if c.hitCounter != nil {
			c.hitCounter.Inc()
		}
	} else {
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
	}
	if span != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		span.SetAttributes(attribute.String("accord.cache.result", result))
	}
}

func (c *InMemoryCache[T]) evicted() {
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span, done := c.instrument(ctx, "Get")
	defer done()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && it.expired(time.Now()) {
		c.order.Remove(it.element)
		delete(c.items, key)
		c.evicted()
		ok = false
	}
	if ok {
		c.order.MoveToFront(it.element)
	}
	c.mu.Unlock()

	c.recordResult(span, ok)
	if !ok {
		return zero, false, nil
	}
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, _, done := c.instrument(ctx, "Set")
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.items, tail.Value.(string))
			c.evicted()
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, _, done := c.instrument(ctx, "Invalidate")
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.order.Remove(it.element)
		delete(c.items, key)
		c.evicted()
	}
	return nil
}

// sweeper periodically removes expired items. Each round samples a few
// entries and repeats while a large share of the sample had expired, so the
// map is never locked for a full scan.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)
	for {
		select {
		case <-ticker.C:
			for c.sweepSample(sampleSize) >= int(sampleSize*evictionRatio) {
				// Expirations are dense, sample again.
			}
		case <-c.stop:
			return
		}
	}
}

func (c *InMemoryCache[T]) sweepSample(n int) int {
	now := time.Now()
	expired, checked := 0, 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if it.expired(now) {
			c.order.Remove(it.element)
			delete(c.items, k)
			c.evicted()
			expired++
		}
		checked++
		if checked >= n {
			break
		}
	}
	return expired
}

// Close terminates the sweeper and drops every entry.
func (c *InMemoryCache[T]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
