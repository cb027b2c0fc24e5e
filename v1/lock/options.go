package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-accord/v1/profile"
)

const (
	// DefaultLockTimeout is the default maximum time to wait for a lock. It is
	// short on purpose so that contention surfaces quickly.
	DefaultLockTimeout = 10 * time.Millisecond
	// DefaultKeyMaps is the default number of lock table shards.
	DefaultKeyMaps = 8
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTimeout sets the maximum time a request waits for a lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.lockTimeout = d
	}
}

// WithKeyMaps sets the number of independently synchronized lock table
// shards. More shards allow more concurrency.
func WithKeyMaps(n int) Option {
	return func(c *Coordinator) {
		c.keyMaps = n
	}
}

// WithLogger sets the logger used for lock tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around blocking waits.
func WithTracing() Option {
	return func(c *Coordinator) {
		c.traceEnabled = true
	}
}

// WithProfileSink sets where access details are recorded when a transaction
// ends.
func WithProfileSink(s profile.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithClock replaces time.Now for computing wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}
