// Package datastore is a transactional key/value store layered on a cache
// backend. Every read and write is reported to the lock coordinator, so
// concurrent transactions are serialized by two-phase locking; writes are
// buffered per transaction and applied when it commits.
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-accord/v1/access"
	"github.com/mirkobrombin/go-accord/v1/cache"
	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
	"github.com/mirkobrombin/go-accord/v1/lock"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

// Store is a transactional view over a cache backend for one access source.
type Store[T any] struct {
	reporter *lock.Reporter[string]
	backend  cache.Cache[T]
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*changeset[T]
}

type change[T any] struct {
	value   T
	deleted bool
}

// changeset holds the buffered writes of one transaction in write order.
type changeset[T any] struct {
	writes map[string]change[T]
	order  []string
}

func (c *changeset[T]) set(id string, ch change[T]) {
	if _, ok := c.writes[id]; !ok {
		c.order = append(c.order, id)
	}
	c.writes[id] = ch
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithTTL sets the TTL applied to committed values. Zero keeps them until
// evicted.
func WithTTL[T any](d time.Duration) Option[T] {
	return func(s *Store[T]) {
		s.ttl = d
	}
}

// WithLogger sets the logger used to report failed commits.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(s *Store[T]) {
		if l != nil {
			s.logger = l
		}
	}
}

// New registers source with the coordinator and returns a Store over
// backend.
func New[T any](c *lock.Coordinator, source string, backend cache.Cache[T], opts ...Option[T]) (*Store[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", warperrors.ErrInvalidArgument)
	}
	reporter, err := lock.RegisterAccessSource[string](c, source)
	if err != nil {
		return nil, err
	}
	s := &Store[T]{
		reporter: reporter,
		backend:  backend,
		logger:   slog.Default(),
		pending:  make(map[string]*changeset[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Source returns the access source name of the store.
func (s *Store[T]) Source() string { return s.reporter.Source() }

// Get reads id on behalf of tx. The transaction's own buffered write wins
// over the backend value. A lock conflict is returned as a
// *lock.ConflictError.
func (s *Store[T]) Get(ctx context.Context, tx txn.Transaction, id string) (T, bool, error) {
	var zero T
	if err := s.report(ctx, tx, id, access.Read); err != nil {
		return zero, false, err
	}
	s.mu.Lock()
	if cs, ok := s.pending[tx.ID()]; ok {
		if ch, ok := cs.writes[id]; ok {
			s.mu.Unlock()
			if ch.deleted {
				return zero, false, nil
			}
			return ch.value, true, nil
		}
	}
	s.mu.Unlock()
	return s.backend.Get(ctx, id)
}

// Put buffers value for id until tx commits.
func (s *Store[T]) Put(ctx context.Context, tx txn.Transaction, id string, value T) error {
	return s.write(ctx, tx, id, change[T]{value: value})
}

// Delete buffers the removal of id until tx commits.
func (s *Store[T]) Delete(ctx context.Context, tx txn.Transaction, id string) error {
	return s.write(ctx, tx, id, change[T]{deleted: true})
}

// Describe attaches a description to id in tx's access profile.
func (s *Store[T]) Describe(tx txn.Transaction, id string, description any) error {
	return s.reporter.SetObjectDescription(tx, id, description)
}

func (s *Store[T]) report(ctx context.Context, tx txn.Transaction, id string, a access.Type) error {
	conflict, err := s.reporter.ReportObjectAccess(ctx, tx, id, a, nil)
	if err != nil {
		return err
	}
	return lock.AsError(conflict)
}

func (s *Store[T]) write(ctx context.Context, tx txn.Transaction, id string, ch change[T]) error {
	if err := s.report(ctx, tx, id, access.Write); err != nil {
		return err
	}
	s.mu.Lock()
	cs, ok := s.pending[tx.ID()]
	if !ok {
		cs = &changeset[T]{writes: make(map[string]change[T])}
		s.pending[tx.ID()] = cs
	}
	cs.set(id, ch)
	s.mu.Unlock()
	if !ok {
		if err := tx.Join(s); err != nil {
			s.take(tx)
			return err
		}
	}
	return nil
}

// take removes and returns the buffered changes of tx.
func (s *Store[T]) take(tx txn.Transaction) *changeset[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.pending[tx.ID()]
	delete(s.pending, tx.ID())
	return cs
}

func (s *Store[T]) apply(ctx context.Context, cs *changeset[T]) error {
	if cs == nil {
		return nil
	}
	for _, id := range cs.order {
		ch := cs.writes[id]
		var err error
		if ch.deleted {
			err = s.backend.Invalidate(ctx, id)
		} else {
			err = s.backend.Set(ctx, id, ch.value, s.ttl)
		}
		if err != nil {
			return fmt.Errorf("datastore %s: apply %s: %w", s.Source(), id, err)
		}
	}
	return nil
}

// Prepare implements txn.Participant. A transaction with no buffered
// changes is read-only for the store.
func (s *Store[T]) Prepare(_ context.Context, tx txn.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.pending[tx.ID()]
	return !ok || len(cs.order) == 0, nil
}

// Commit implements txn.Participant.
func (s *Store[T]) Commit(ctx context.Context, tx txn.Transaction) {
	if err := s.apply(ctx, s.take(tx)); err != nil {
		s.logger.Warn("datastore commit failed", "source", s.Source(), "txn", tx.ID(), "err", err)
	}
}

// PrepareAndCommit implements txn.Participant.
func (s *Store[T]) PrepareAndCommit(ctx context.Context, tx txn.Transaction) error {
	return s.apply(ctx, s.take(tx))
}

// Abort implements txn.Participant.
func (s *Store[T]) Abort(_ context.Context, tx txn.Transaction) {
	s.take(tx)
}

// TypeName implements txn.Participant.
func (s *Store[T]) TypeName() string {
	return "datastore.Store[" + s.Source() + "]"
}
