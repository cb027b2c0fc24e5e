// Package config loads the coordinator and transport settings from YAML,
// with ACCORD_* environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
	"github.com/mirkobrombin/go-accord/v1/lock"
	"github.com/mirkobrombin/go-accord/v1/profile"
)

type LockConfig struct {
	TimeoutMillis int64 `yaml:"timeout_ms"`
	KeyMaps       int   `yaml:"key_maps"`
	Tracing       bool  `yaml:"tracing"`
}

type ProfileConfig struct {
	History int    `yaml:"history"`
	Topic   string `yaml:"topic"`
}

type BusConfig struct {
	// Backend is one of memory, redis, nats or kafka.
	Backend              string `yaml:"backend"`
	Addr                 string `yaml:"addr"`
	CircuitThreshold     int    `yaml:"circuit_threshold"`
	CircuitTimeoutMillis int64  `yaml:"circuit_timeout_ms"`
}

type CacheConfig struct {
	// Backend is one of memory, ristretto or redis.
	Backend    string `yaml:"backend"`
	Addr       string `yaml:"addr"`
	MaxEntries int    `yaml:"max_entries"`
	TTLMillis  int64  `yaml:"ttl_ms"`
}

type Config struct {
	Lock    LockConfig    `yaml:"lock"`
	Profile ProfileConfig `yaml:"profile"`
	Bus     BusConfig     `yaml:"bus"`
	Cache   CacheConfig   `yaml:"cache"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			TimeoutMillis: lock.DefaultLockTimeout.Milliseconds(),
			KeyMaps:       lock.DefaultKeyMaps,
		},
		Profile: ProfileConfig{
			History: profile.DefaultHistory,
			Topic:   profile.DefaultTopic,
		},
		Bus: BusConfig{
			Backend:              "memory",
			CircuitThreshold:     5,
			CircuitTimeoutMillis: 1000,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		// #nosec G304 -- config path is operator-provided.
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Keys that are absent keep their
// default value.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int64) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", warperrors.ErrInvalidArgument, name, v)
		}
		*dst = n
		return nil
	}

	if err := integer("ACCORD_LOCK_TIMEOUT_MS", &c.Lock.TimeoutMillis); err != nil {
		return err
	}
	keyMaps := int64(c.Lock.KeyMaps)
	if err := integer("ACCORD_KEY_MAPS", &keyMaps); err != nil {
		return err
	}
	c.Lock.KeyMaps = int(keyMaps)
	if v, ok := lookup("ACCORD_TRACING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ACCORD_TRACING=%q", warperrors.ErrInvalidArgument, v)
		}
		c.Lock.Tracing = b
	}
	str("ACCORD_PROFILE_TOPIC", &c.Profile.Topic)
	str("ACCORD_BUS_BACKEND", &c.Bus.Backend)
	str("ACCORD_BUS_ADDR", &c.Bus.Addr)
	str("ACCORD_CACHE_BACKEND", &c.Cache.Backend)
	str("ACCORD_CACHE_ADDR", &c.Cache.Addr)
	return nil
}

// Validate checks ranges and backend names.
func (c *Config) Validate() error {
	var problems []string
	if c.Lock.TimeoutMillis < 0 {
		problems = append(problems, "lock.timeout_ms must not be negative")
	}
	if c.Lock.KeyMaps < 1 {
		problems = append(problems, "lock.key_maps must be at least 1")
	}
	if c.Profile.History < 0 {
		problems = append(problems, "profile.history must not be negative")
	}
	switch strings.ToLower(c.Bus.Backend) {
	case "memory", "redis", "nats", "kafka":
	default:
		problems = append(problems, fmt.Sprintf("unknown bus.backend %q", c.Bus.Backend))
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "ristretto", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown cache.backend %q", c.Cache.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", warperrors.ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// LockTimeout returns the configured maximum lock wait.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMillis) * time.Millisecond
}

// CircuitTimeout returns how long the bus circuit stays open.
func (c *Config) CircuitTimeout() time.Duration {
	return time.Duration(c.Bus.CircuitTimeoutMillis) * time.Millisecond
}

// CacheTTL returns the TTL for committed values.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMillis) * time.Millisecond
}

// CoordinatorOptions maps the lock section to coordinator options.
func (c *Config) CoordinatorOptions() []lock.Option {
	opts := []lock.Option{
		lock.WithLockTimeout(c.LockTimeout()),
		lock.WithKeyMaps(c.Lock.KeyMaps),
	}
	if c.Lock.Tracing {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}
