package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
	"github.com/mirkobrombin/go-accord/v1/metrics"
	"github.com/mirkobrombin/go-accord/v1/profile"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-accord/v1/lock")

// Coordinator grants transactions access to objects using shared/exclusive
// locks. It joins every announced transaction as a participant and releases
// the transaction's locks when it ends.
type Coordinator struct {
	lockTimeout  time.Duration
	keyMaps      int
	logger       *slog.Logger
	traceEnabled bool
	sink         profile.Sink
	now          func() time.Time

	table *lockTable

	mu      sync.Mutex
	lockers map[string]*Locker
}

var _ txn.Participant = (*Coordinator)(nil)

// New returns a Coordinator. It fails with ErrInvalidArgument for a negative
// lock timeout or fewer than one key map.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		lockTimeout: DefaultLockTimeout,
		keyMaps:     DefaultKeyMaps,
		logger:      slog.Default(),
		sink:        profile.Discard,
		now:         time.Now,
		lockers:     make(map[string]*Locker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lockTimeout < 0 {
		return nil, fmt.Errorf("%w: lock timeout %v", warperrors.ErrInvalidArgument, c.lockTimeout)
	}
	if c.keyMaps < 1 {
		return nil, fmt.Errorf("%w: key maps %d", warperrors.ErrInvalidArgument, c.keyMaps)
	}
	c.table = newLockTable(c.keyMaps)
	return c, nil
}

// LockTimeout returns the configured maximum wait.
func (c *Coordinator) LockTimeout() time.Duration { return c.lockTimeout }

// NotifyNewTransaction creates the Locker for t and joins t so that its end
// releases the locks. requestedStartTime orders transactions for deadlock
// victim selection and should come from a monotonic source.
func (c *Coordinator) NotifyNewTransaction(t txn.Transaction, requestedStartTime int64, tryCount int) error {
	if t == nil {
		return fmt.Errorf("%w: nil transaction", warperrors.ErrInvalidArgument)
	}
	if requestedStartTime < 0 || tryCount < 1 {
		return fmt.Errorf("%w: requestedStartTime %d, tryCount %d",
			warperrors.ErrInvalidArgument, requestedStartTime, tryCount)
	}
	locker := newLocker(t, requestedStartTime, c.now())
	c.mu.Lock()
	if _, ok := c.lockers[t.ID()]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", warperrors.ErrTxnAlreadyStarted, t.ID())
	}
	c.lockers[t.ID()] = locker
	c.mu.Unlock()
	if err := t.Join(c); err != nil {
		c.mu.Lock()
		delete(c.lockers, t.ID())
		c.mu.Unlock()
		return err
	}
	metrics.ActiveTransactionsGauge.Inc()
	c.logger.Debug("start", "locker", locker, "requestedStartTime", requestedStartTime, "tryCount", tryCount)
	return nil
}

// Lock acquires a lock, waiting if needed. It returns nil once the lock is
// held, or the conflict that prevented it. After a DEADLOCK conflict the
// transaction must abort; further calls fail with ErrTxnMustAbort.
func (c *Coordinator) Lock(ctx context.Context, t txn.Transaction, source string, objectID any, forWrite bool, description any) (*Conflict, error) {
	locker, key, err := c.prepareLock(t, source, objectID)
	if err != nil {
		return nil, err
	}
	conflict := c.lockNoWait(locker, key, forWrite, description)
	if conflict == nil || conflict.Type == Deadlock {
		return conflict, nil
	}
	return c.waitForLock(ctx, locker)
}

// LockNoWait attempts to acquire a lock without blocking. A request that
// would block stays queued and is reported as BLOCKED; WaitForLock resumes
// it.
func (c *Coordinator) LockNoWait(t txn.Transaction, source string, objectID any, forWrite bool, description any) (*Conflict, error) {
	locker, key, err := c.prepareLock(t, source, objectID)
	if err != nil {
		return nil, err
	}
	return c.lockNoWait(locker, key, forWrite, description), nil
}

// WaitForLock waits for the request t last blocked on. It returns nil
// immediately if nothing is pending. A transaction chosen as a deadlock
// victim while queued gets the DEADLOCK conflict once; later calls fail with
// ErrTxnMustAbort.
func (c *Coordinator) WaitForLock(ctx context.Context, t txn.Transaction) (*Conflict, error) {
	locker, err := c.getLocker(t)
	if err != nil {
		return nil, err
	}
	if conflict := locker.getConflict(); conflict != nil {
		if kl, _, _ := locker.waiting(); kl == nil {
			return nil, fmt.Errorf("%w: %s", warperrors.ErrTxnMustAbort, t.ID())
		}
	}
	return c.waitForLock(ctx, locker)
}

// SetObjectDescription attaches a description to an object accessed by t.
// The first description for an object wins; locking is not affected.
func (c *Coordinator) SetObjectDescription(t txn.Transaction, source string, objectID any, description any) error {
	locker, err := c.getLocker(t)
	if err != nil {
		return err
	}
	key, err := NewKey(source, objectID)
	if err != nil {
		return err
	}
	if description != nil {
		locker.setDescription(key, description)
	}
	return nil
}

// ActiveTransactions returns the number of transactions with a Locker.
func (c *Coordinator) ActiveTransactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lockers)
}

// LockCount returns the number of keys that currently have owners or
// waiters.
func (c *Coordinator) LockCount() int {
	return c.table.size()
}

// Prepare implements txn.Participant. Locks have nothing to prepare, but the
// coordinator still needs the final notification, so it never reports itself
// as read-only.
func (c *Coordinator) Prepare(context.Context, txn.Transaction) (bool, error) {
	return false, nil
}

// Commit implements txn.Participant.
func (c *Coordinator) Commit(ctx context.Context, t txn.Transaction) {
	c.endTransaction(ctx, t)
}

// PrepareAndCommit implements txn.Participant.
func (c *Coordinator) PrepareAndCommit(ctx context.Context, t txn.Transaction) error {
	c.endTransaction(ctx, t)
	return nil
}

// Abort implements txn.Participant.
func (c *Coordinator) Abort(ctx context.Context, t txn.Transaction) {
	c.endTransaction(ctx, t)
}

// TypeName implements txn.Participant.
func (c *Coordinator) TypeName() string {
	return "lock.Coordinator"
}

func (c *Coordinator) getLocker(t txn.Transaction) (*Locker, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transaction", warperrors.ErrInvalidArgument)
	}
	c.mu.Lock()
	locker, ok := c.lockers[t.ID()]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", warperrors.ErrTxnNotActive, t.ID())
	}
	return locker, nil
}

// activeLocker returns the locker for t, failing if it was chosen as a
// deadlock victim.
func (c *Coordinator) activeLocker(t txn.Transaction) (*Locker, error) {
	locker, err := c.getLocker(t)
	if err != nil {
		return nil, err
	}
	if conflict := locker.getConflict(); conflict != nil && conflict.Type == Deadlock {
		return nil, fmt.Errorf("%w: %s", warperrors.ErrTxnMustAbort, t.ID())
	}
	return locker, nil
}

func (c *Coordinator) prepareLock(t txn.Transaction, source string, objectID any) (*Locker, Key, error) {
	locker, err := c.activeLocker(t)
	if err != nil {
		return nil, Key{}, err
	}
	key, err := NewKey(source, objectID)
	if err != nil {
		return nil, Key{}, err
	}
	return locker, key, nil
}

func (c *Coordinator) lockNoWait(locker *Locker, key Key, forWrite bool, description any) *Conflict {
	if description != nil {
		locker.setDescription(key, description)
	}
	s := c.table.shardFor(key)
	s.mu.Lock()
	kl := s.get(key)
	req, blocker, held := kl.acquire(locker, forWrite)
	switch {
	case held:
		s.mu.Unlock()
		metrics.LockRequestsCounter.WithLabelValues(metrics.ResultGranted).Inc()
		c.logger.Debug("lock: already granted", "locker", locker, "key", key, "forWrite", forWrite)
		return nil
	case blocker == nil:
		locker.addRequest(req)
		s.mu.Unlock()
		metrics.LockRequestsCounter.WithLabelValues(metrics.ResultGranted).Inc()
		c.logger.Debug("lock: granted", "locker", locker, "key", key, "forWrite", forWrite)
		return nil
	}
	locker.block(kl, forWrite, blocker)
	s.mu.Unlock()

	if deadlock := newDeadlockChecker(c, locker).check(); deadlock != nil {
		c.abandonWait(locker, kl, forWrite)
		metrics.LockRequestsCounter.WithLabelValues(metrics.ResultDeadlock).Inc()
		c.logger.Debug("lock: deadlock", "locker", locker, "key", key, "forWrite", forWrite, "conflict", deadlock)
		return deadlock
	}
	conflict := &Conflict{Type: Blocked, ConflictingTxn: blocker.txn}
	metrics.LockRequestsCounter.WithLabelValues(metrics.ResultBlocked).Inc()
	c.logger.Debug("lock: blocked", "locker", locker, "key", key, "forWrite", forWrite, "conflict", conflict)
	return conflict
}

func (c *Coordinator) waitForLock(ctx context.Context, locker *Locker) (*Conflict, error) {
	kl, forWrite, blocker := locker.waiting()
	if kl == nil {
		c.logger.Debug("wait for lock: nothing pending", "locker", locker)
		return nil, nil
	}
	s := c.table.shardFor(kl.key)
	s.mu.Lock()
	owned := kl.isOwner(locker, forWrite)
	// The first owner approximates the conflicting transaction; while an
	// upgrade is in progress it may not be the one actually in the way.
	first := kl.firstOwner()
	s.mu.Unlock()
	if owned {
		locker.granted(kl, nil)
		return nil, nil
	}
	var conflictingTxn txn.Transaction
	if blocker != nil {
		conflictingTxn = blocker.txn
	}
	if first != nil {
		conflictingTxn = first.locker.txn
	}

	start := c.now()
	stop := start.Add(c.lockTimeout)
	if locker.stopTime.Before(stop) {
		stop = locker.stopTime
	}
	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Coordinator.WaitForLock", trace.WithAttributes(
			attribute.String("accord.lock.key", kl.key.String()),
			attribute.Bool("accord.lock.write", forWrite),
			attribute.String("accord.txn", locker.txn.ID()),
		))
		defer span.End()
	}
	c.logger.Debug("wait for lock", "locker", locker, "key", kl.key, "stop", stop)

	timer := time.NewTimer(stop.Sub(start))
	defer timer.Stop()
	expired := !start.Before(stop)
	for {
		s.mu.Lock()
		owned = kl.isOwner(locker, forWrite)
		s.mu.Unlock()
		if owned {
			locker.granted(kl, nil)
			c.observeWait(start, metrics.ResultGranted)
			c.logger.Debug("wait for lock: granted", "locker", locker, "key", kl.key)
			return nil, nil
		}
		if conflict := locker.getConflict(); conflict != nil {
			if c.abandonWait(locker, kl, forWrite) {
				c.observeWait(start, metrics.ResultGranted)
				return nil, nil
			}
			c.observeWait(start, metrics.ResultDeadlock)
			c.logger.Debug("wait for lock: deadlock", "locker", locker, "key", kl.key, "conflict", conflict)
			return conflict, nil
		}
		if expired || !c.now().Before(stop) {
			if c.abandonWait(locker, kl, forWrite) {
				c.observeWait(start, metrics.ResultGranted)
				return nil, nil
			}
			conflict := &Conflict{Type: Timeout, ConflictingTxn: conflictingTxn}
			locker.recordDenied(conflict)
			c.observeWait(start, metrics.ResultTimeout)
			c.logger.Debug("wait for lock: timeout", "locker", locker, "key", kl.key, "conflict", conflict)
			return conflict, nil
		}
		select {
		case <-locker.wake:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			if c.abandonWait(locker, kl, forWrite) {
				c.observeWait(start, metrics.ResultGranted)
				return nil, nil
			}
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) observeWait(start time.Time, result string) {
	metrics.LockWaitHistogram.Observe(c.now().Sub(start).Seconds())
	metrics.LockRequestsCounter.WithLabelValues(result).Inc()
}

// abandonWait removes locker's waiter entry from kl. It reports true if the
// request was granted before the entry could be removed.
func (c *Coordinator) abandonWait(locker *Locker, kl *keyLock, forWrite bool) bool {
	s := c.table.shardFor(kl.key)
	s.mu.Lock()
	if kl.isOwner(locker, forWrite) {
		locker.granted(kl, nil)
		s.mu.Unlock()
		return true
	}
	woken := kl.flushWaiter(locker)
	locker.unqueue(kl)
	c.recordGrants(kl, woken)
	s.collect(kl)
	s.mu.Unlock()
	wakeAll(woken)
	return false
}

// recordGrants hands the requests granted from kl's queue to their lockers.
// Called with kl's shard mutex.
func (c *Coordinator) recordGrants(kl *keyLock, grants []grant) {
	for _, g := range grants {
		g.locker.granted(kl, g.req)
	}
}

// wakeAll signals newly granted lockers. It must run after the shard mutex
// that produced the grants is released.
func wakeAll(grants []grant) {
	for _, g := range grants {
		g.locker.notify()
	}
}

// endTransaction releases every lock held or awaited by t and records its
// access detail. Ending an unknown or already ended transaction is a no-op.
func (c *Coordinator) endTransaction(ctx context.Context, t txn.Transaction) {
	if t == nil {
		return
	}
	c.mu.Lock()
	locker, ok := c.lockers[t.ID()]
	delete(c.lockers, t.ID())
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, kl := range locker.drainQueued() {
		s := c.table.shardFor(kl.key)
		s.mu.Lock()
		woken := kl.flushWaiter(locker)
		c.recordGrants(kl, woken)
		s.collect(kl)
		s.mu.Unlock()
		wakeAll(woken)
	}

	released := make(map[Key]struct{})
	for _, req := range locker.snapshotRequests() {
		if _, ok := released[req.key]; ok {
			continue
		}
		released[req.key] = struct{}{}
		s := c.table.shardFor(req.key)
		s.mu.Lock()
		var woken []grant
		if kl := s.lookup(req.key); kl != nil {
			woken = kl.release(locker)
			c.recordGrants(kl, woken)
			s.collect(kl)
		}
		s.mu.Unlock()
		for _, g := range woken {
			c.logger.Debug("notify new owner", "locker", g.locker, "key", req.key)
		}
		wakeAll(woken)
	}

	metrics.ActiveTransactionsGauge.Dec()
	c.logger.Debug("end", "locker", locker, "released", len(released))
	c.sink.Record(ctx, locker.detail(c.now()))
}
