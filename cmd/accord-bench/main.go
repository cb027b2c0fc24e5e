package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-accord/v1/access"
	"github.com/mirkobrombin/go-accord/v1/cache"
	"github.com/mirkobrombin/go-accord/v1/config"
	"github.com/mirkobrombin/go-accord/v1/datastore"
	"github.com/mirkobrombin/go-accord/v1/lock"
	"github.com/mirkobrombin/go-accord/v1/metrics"
	"github.com/mirkobrombin/go-accord/v1/profile"
	"github.com/mirkobrombin/go-accord/v1/syncbus"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	concurrency = flag.Int("c", 32, "Concurrent workers")
	total       = flag.Int("n", 10000, "Total transactions")
	keys        = flag.Int("keys", 64, "Number of distinct keys")
	opsPerTxn   = flag.Int("ops", 4, "Operations per transaction")
	writeRatio  = flag.Float64("writes", 0.3, "Fraction of operations that write")
	store       = flag.String("store", "", "Backing store: memory, ristretto, redis (overrides config)")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	trace       = flag.Bool("trace", false, "Export lock wait spans to stdout")
)

const maxBackoff = 50 * time.Millisecond

type stats struct {
	committed atomic.Int64
	retries   atomic.Int64
	failed    atomic.Int64
}

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *store != "" {
		cfg.Cache.Backend = *store
	}
	if *trace {
		cfg.Lock.Tracing = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}

	if cfg.Lock.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoordinatorMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	bus, closeBus, err := newBus(cfg)
	if err != nil {
		log.Fatalf("Bus: %v", err)
	}
	defer closeBus()
	breaker := syncbus.NewCircuitBreaker(bus, cfg.Bus.CircuitThreshold, cfg.CircuitTimeout())

	rec := profile.NewRecorder(cfg.Profile.History)
	sink := profile.MultiSink{rec, profile.NewBusSink(breaker, profile.WithTopic(cfg.Profile.Topic))}

	opts := append(cfg.CoordinatorOptions(), lock.WithProfileSink(sink))
	coord, err := lock.New(opts...)
	if err != nil {
		log.Fatalf("Coordinator: %v", err)
	}

	backend, closeBackend, err := newBackend(cfg, reg)
	if err != nil {
		log.Fatalf("Store: %v", err)
	}
	defer closeBackend()
	ds, err := datastore.New[int64](coord, "bench", backend, datastore.WithTTL[int64](cfg.CacheTTL()))
	if err != nil {
		log.Fatalf("Store: %v", err)
	}

	log.Printf("Starting benchmark: %d transactions, %d workers, %d keys, %d ops/txn, %.0f%% writes, store=%s",
		*total, *concurrency, *keys, *opsPerTxn, *writeRatio*100, cfg.Cache.Backend)

	var st stats
	var next atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		seed := uint64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for next.Add(1) <= int64(*total) {
				if err := runWithRetry(gctx, coord, ds, rng, &st); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark aborted: %v", err)
	}
	elapsed := time.Since(start)

	committed := st.committed.Load()
	fmt.Printf("| %-10s | %-10s | %-10s | %-10s | %-10s | %-10s |\n", "Committed", "Txn/sec", "Retries", "Failed", "Timeouts", "Deadlocks")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")
	fmt.Printf("| %-10d | %-10.0f | %-10d | %-10d | %-10d | %-10d |\n",
		committed,
		float64(committed)/elapsed.Seconds(),
		st.retries.Load(),
		st.failed.Load(),
		rec.Count(access.ConflictAccessNotGranted),
		rec.Count(access.ConflictDeadlock),
	)
	log.Printf("Finished in %v, %d locks still held", elapsed, coord.LockCount())
}

// runWithRetry runs one transaction, aborting and retrying with exponential
// backoff on lock conflicts. The start time is kept across attempts so an
// old transaction is never picked as a deadlock victim over a newer one.
func runWithRetry(ctx context.Context, coord *lock.Coordinator, ds *datastore.Store[int64], rng *rand.Rand, st *stats) error {
	startTime := time.Now().UnixNano()
	backoff := time.Millisecond
	for try := 0; ; try++ {
		err := attempt(ctx, coord, ds, rng, startTime, try)
		if err == nil {
			st.committed.Add(1)
			return nil
		}
		if !errors.Is(err, lock.ErrConflict) {
			st.failed.Add(1)
			log.Printf("Transaction failed: %v", err)
			return nil
		}
		st.retries.Add(1)
		sleep := backoff + time.Duration(rng.Int64N(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func attempt(ctx context.Context, coord *lock.Coordinator, ds *datastore.Store[int64], rng *rand.Rand, startTime int64, try int) error {
	tx, err := txn.New()
	if err != nil {
		return err
	}
	if err := coord.NotifyNewTransaction(tx, startTime, try); err != nil {
		return err
	}
	for i := 0; i < *opsPerTxn; i++ {
		key := fmt.Sprintf("k%d", rng.IntN(*keys))
		v, _, err := ds.Get(ctx, tx, key)
		if err == nil && rng.Float64() < *writeRatio {
			err = ds.Put(ctx, tx, key, v+1)
		}
		if err != nil {
			_ = tx.Abort(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func newBus(cfg *config.Config) (syncbus.Bus, func(), error) {
	switch strings.ToLower(cfg.Bus.Backend) {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.Addr})
		b := syncbus.NewRedisBus(client)
		return b, func() { _ = b.Close(); _ = client.Close() }, nil
	case "nats":
		conn, err := nats.Connect(cfg.Bus.Addr)
		if err != nil {
			return nil, nil, err
		}
		return syncbus.NewNATSBus(conn), conn.Close, nil
	case "kafka":
		kcfg := sarama.NewConfig()
		kcfg.Producer.Return.Successes = true
		b, err := syncbus.NewKafkaBus(strings.Split(cfg.Bus.Addr, ","), kcfg)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return syncbus.NewInMemoryBus(), func() {}, nil
	}
}

func newBackend(cfg *config.Config, reg prometheus.Registerer) (cache.Cache[int64], func(), error) {
	switch strings.ToLower(cfg.Cache.Backend) {
	case "ristretto":
		var opts []cache.RistrettoOption
		if cfg.Cache.MaxEntries > 0 {
			opts = append(opts, cache.WithMaxItems(int64(cfg.Cache.MaxEntries)))
		}
		c, err := cache.NewRistretto[int64](opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		return cache.NewRedis[int64](client, cache.WithPrefix("accord-bench:")), func() { _ = client.Close() }, nil
	default:
		opts := []cache.InMemoryOption[int64]{cache.WithMetrics[int64](reg)}
		if cfg.Cache.MaxEntries > 0 {
			opts = append(opts, cache.WithMaxEntries[int64](cfg.Cache.MaxEntries))
		}
		c := cache.NewInMemory[int64](opts...)
		return c, c.Close, nil
	}
}
