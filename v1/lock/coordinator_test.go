package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-accord/v1/access"
	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
	"github.com/mirkobrombin/go-accord/v1/lock"
	"github.com/mirkobrombin/go-accord/v1/metrics"
	"github.com/mirkobrombin/go-accord/v1/profile"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

func newCoordinator(t *testing.T, opts ...lock.Option) *lock.Coordinator {
	t.Helper()
	c, err := lock.New(opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func begin(t *testing.T, c *lock.Coordinator, start int64) *txn.Local {
	t.Helper()
	tx, err := txn.New(txn.WithTimeout(5 * time.Second))
	if err != nil {
		t.Fatalf("new txn: %v", err)
	}
	if err := c.NotifyNewTransaction(tx, start, 1); err != nil {
		t.Fatalf("notify: %v", err)
	}
	return tx
}

type lockResult struct {
	conflict *lock.Conflict
	err      error
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	if _, err := lock.New(lock.WithLockTimeout(-time.Millisecond)); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := lock.New(lock.WithKeyMaps(0)); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	c := newCoordinator(t)
	if c.LockTimeout() != lock.DefaultLockTimeout {
		t.Fatalf("expected default timeout, got %v", c.LockTimeout())
	}
}

func TestNotifyNewTransactionErrors(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := txn.New()
	if err := c.NotifyNewTransaction(tx, -1, 1); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for negative start, got %v", err)
	}
	if err := c.NotifyNewTransaction(tx, 1, 0); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero try count, got %v", err)
	}
	if err := c.NotifyNewTransaction(tx, 1, 1); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := c.NotifyNewTransaction(tx, 1, 1); !errors.Is(err, warperrors.ErrTxnAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
	if c.ActiveTransactions() != 1 {
		t.Fatalf("expected 1 active transaction, got %d", c.ActiveTransactions())
	}
}

func TestLockRequiresStartedTransaction(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := txn.New()
	if _, err := c.Lock(context.Background(), tx, "items", 1, true, nil); !errors.Is(err, warperrors.ErrTxnNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if _, err := c.WaitForLock(context.Background(), tx); !errors.Is(err, warperrors.ErrTxnNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	tx = begin(t, c, 1)
	if _, err := c.LockNoWait(tx, "", 1, true, nil); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestScenarioBlockedThenGranted(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)

	if conflict, err := c.Lock(ctx, t1, "item", 42, true, nil); err != nil || conflict != nil {
		t.Fatalf("expected t1 granted, got %v %v", conflict, err)
	}
	conflict, err := c.LockNoWait(t2, "item", 42, true, nil)
	if err != nil {
		t.Fatalf("lock no wait: %v", err)
	}
	if conflict == nil || conflict.Type != lock.Blocked {
		t.Fatalf("expected BLOCKED, got %v", conflict)
	}
	if conflict.ConflictingTxn.ID() != t1.ID() {
		t.Fatalf("expected conflicting txn %s, got %s", t1.ID(), conflict.ConflictingTxn.ID())
	}

	if err := t1.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if conflict, err := c.WaitForLock(ctx, t2); err != nil || conflict != nil {
		t.Fatalf("expected t2 granted after commit, got %v %v", conflict, err)
	}
	if conflict, err := c.WaitForLock(ctx, t2); err != nil || conflict != nil {
		t.Fatalf("expected nothing pending, got %v %v", conflict, err)
	}
	if err := t2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.LockCount() != 0 || c.ActiveTransactions() != 0 {
		t.Fatalf("expected empty coordinator, locks %d txns %d", c.LockCount(), c.ActiveTransactions())
	}
}

func TestLockWakesBlockedWaiter(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, lock.WithLockTimeout(5*time.Second))
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)

	if conflict, _ := c.Lock(ctx, t1, "item", 1, true, nil); conflict != nil {
		t.Fatalf("unexpected conflict %v", conflict)
	}
	if conflict, _ := c.LockNoWait(t2, "item", 1, false, nil); conflict == nil || conflict.Type != lock.Blocked {
		t.Fatalf("expected BLOCKED, got %v", conflict)
	}
	done := make(chan lockResult, 1)
	go func() {
		conflict, err := c.WaitForLock(ctx, t2)
		done <- lockResult{conflict, err}
	}()
	time.Sleep(10 * time.Millisecond)
	if err := t1.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil || res.conflict != nil {
			t.Fatalf("expected grant, got %v %v", res.conflict, res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestUpgradeSoleReader(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)

	if conflict, _ := c.Lock(ctx, t1, "item", 1, false, nil); conflict != nil {
		t.Fatalf("unexpected conflict %v", conflict)
	}
	if conflict, _ := c.Lock(ctx, t1, "item", 1, true, nil); conflict != nil {
		t.Fatalf("expected upgrade granted, got %v", conflict)
	}
	conflict, _ := c.LockNoWait(t2, "item", 1, false, nil)
	if conflict == nil || conflict.Type != lock.Blocked {
		t.Fatalf("expected reader blocked by upgraded writer, got %v", conflict)
	}
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	const timeout = 20 * time.Millisecond
	rec := profile.NewRecorder(0)
	c := newCoordinator(t, lock.WithLockTimeout(timeout), lock.WithProfileSink(rec))
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)

	c.Lock(ctx, t1, "item", 1, true, nil)
	start := time.Now()
	conflict, err := c.Lock(ctx, t2, "item", 1, true, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if conflict == nil || conflict.Type != lock.Timeout {
		t.Fatalf("expected TIMEOUT, got %v", conflict)
	}
	if conflict.ConflictingTxn.ID() != t1.ID() {
		t.Fatalf("expected conflicting txn %s", t1.ID())
	}
	if elapsed < timeout || elapsed > timeout+time.Second {
		t.Fatalf("timeout after %v, want about %v", elapsed, timeout)
	}
	if conflict, err := c.WaitForLock(ctx, t2); err != nil || conflict != nil {
		t.Fatalf("expected nothing pending after timeout, got %v %v", conflict, err)
	}

	t2.Abort(ctx)
	t1.Commit(ctx)
	if c.LockCount() != 0 {
		t.Fatalf("expected no locks, got %d", c.LockCount())
	}
	details := rec.Recent(0)
	if len(details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(details))
	}
	if details[0].TxnID != t2.ID() || details[0].Conflict != access.ConflictAccessNotGranted {
		t.Fatalf("unexpected detail %+v", details[0])
	}
	if details[0].ConflictingTxn != t1.ID() {
		t.Fatalf("expected conflicting txn in detail, got %q", details[0].ConflictingTxn)
	}
	if details[1].Conflict != access.ConflictNone || len(details[1].Objects) != 1 {
		t.Fatalf("unexpected detail %+v", details[1])
	}
}

func TestWaitBoundedByTransactionTimeout(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, lock.WithLockTimeout(5*time.Second))
	t1 := begin(t, c, 1)
	t2, _ := txn.New(txn.WithTimeout(30 * time.Millisecond))
	if err := c.NotifyNewTransaction(t2, 2, 1); err != nil {
		t.Fatalf("notify: %v", err)
	}
	c.Lock(ctx, t1, "item", 1, true, nil)
	start := time.Now()
	conflict, _ := c.Lock(ctx, t2, "item", 1, true, nil)
	if conflict == nil || conflict.Type != lock.Timeout {
		t.Fatalf("expected TIMEOUT, got %v", conflict)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait was not bounded by the transaction timeout")
	}
}

func TestContextCancelEndsWait(t *testing.T) {
	c := newCoordinator(t, lock.WithLockTimeout(5*time.Second))
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)
	c.Lock(context.Background(), t1, "item", 1, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Lock(ctx, t2, "item", 1, true, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	t1.Commit(context.Background())
	if c.LockCount() != 0 {
		t.Fatalf("expected cancelled waiter flushed, got %d locks", c.LockCount())
	}
}

func TestDeadlockVictimIsLatestStart(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, lock.WithLockTimeout(5*time.Second))
	a := begin(t, c, 1)
	b := begin(t, c, 2)
	deadlocks := testutil.ToFloat64(metrics.DeadlockCounter)

	c.Lock(ctx, a, "item", 1, true, nil)
	c.Lock(ctx, b, "item", 2, true, nil)
	if conflict, _ := c.LockNoWait(a, "item", 2, true, nil); conflict == nil || conflict.Type != lock.Blocked {
		t.Fatalf("expected BLOCKED, got %v", conflict)
	}
	done := make(chan lockResult, 1)
	go func() {
		conflict, err := c.WaitForLock(ctx, a)
		done <- lockResult{conflict, err}
	}()

	conflict, err := c.Lock(ctx, b, "item", 1, true, nil)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if conflict == nil || conflict.Type != lock.Deadlock {
		t.Fatalf("expected DEADLOCK for b, got %v", conflict)
	}
	if conflict.ConflictingTxn.ID() != a.ID() {
		t.Fatalf("expected conflicting txn a, got %s", conflict.ConflictingTxn.ID())
	}
	if got := testutil.ToFloat64(metrics.DeadlockCounter) - deadlocks; got != 1 {
		t.Fatalf("expected one deadlock counted, got %v", got)
	}
	if _, err := c.Lock(ctx, b, "item", 3, false, nil); !errors.Is(err, warperrors.ErrTxnMustAbort) {
		t.Fatalf("expected must abort, got %v", err)
	}
	if _, err := c.WaitForLock(ctx, b); !errors.Is(err, warperrors.ErrTxnMustAbort) {
		t.Fatalf("expected must abort, got %v", err)
	}

	b.Abort(ctx)
	select {
	case res := <-done:
		if res.err != nil || res.conflict != nil {
			t.Fatalf("expected a granted, got %v %v", res.conflict, res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("a was not granted after b aborted")
	}
}

func TestDeadlockVictimOtherThanCaller(t *testing.T) {
	ctx := context.Background()
	rec := profile.NewRecorder(0)
	c := newCoordinator(t, lock.WithLockTimeout(5*time.Second), lock.WithProfileSink(rec))
	a := begin(t, c, 2)
	b := begin(t, c, 1)

	c.Lock(ctx, a, "item", 1, true, nil)
	c.Lock(ctx, b, "item", 2, true, nil)
	if conflict, _ := c.LockNoWait(a, "item", 2, true, nil); conflict == nil || conflict.Type != lock.Blocked {
		t.Fatalf("expected BLOCKED, got %v", conflict)
	}
	aDone := make(chan lockResult, 1)
	go func() {
		conflict, err := c.WaitForLock(ctx, a)
		aDone <- lockResult{conflict, err}
	}()
	bDone := make(chan lockResult, 1)
	go func() {
		conflict, err := c.Lock(ctx, b, "item", 1, true, nil)
		bDone <- lockResult{conflict, err}
	}()

	var res lockResult
	select {
	case res = <-aDone:
	case <-time.After(time.Second):
		t.Fatal("a was not told about the deadlock")
	}
	if res.err != nil || res.conflict == nil || res.conflict.Type != lock.Deadlock {
		t.Fatalf("expected DEADLOCK for a, got %v %v", res.conflict, res.err)
	}
	if res.conflict.ConflictingTxn.ID() != b.ID() {
		t.Fatalf("expected conflicting txn b, got %s", res.conflict.ConflictingTxn.ID())
	}

	a.Abort(ctx)
	select {
	case res = <-bDone:
	case <-time.After(time.Second):
		t.Fatal("b was not granted after a aborted")
	}
	if res.err != nil || res.conflict != nil {
		t.Fatalf("expected b granted, got %v %v", res.conflict, res.err)
	}
	b.Commit(ctx)
	if rec.Count(access.ConflictDeadlock) != 1 || rec.Count(access.ConflictNone) != 1 {
		t.Fatalf("unexpected profile counts: deadlock %d none %d",
			rec.Count(access.ConflictDeadlock), rec.Count(access.ConflictNone))
	}
}

func TestEndTransactionIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	tx := begin(t, c, 1)
	c.Lock(ctx, tx, "item", 1, true, nil)
	c.Commit(ctx, tx)
	c.Commit(ctx, tx)
	c.Abort(ctx, tx)
	if c.ActiveTransactions() != 0 || c.LockCount() != 0 {
		t.Fatalf("expected empty coordinator, txns %d locks %d", c.ActiveTransactions(), c.LockCount())
	}
	if readOnly, err := c.Prepare(ctx, tx); readOnly || err != nil {
		t.Fatalf("prepare should not be read-only, got %v %v", readOnly, err)
	}
}

func TestAbortFlushesQueuedWaiters(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	t1 := begin(t, c, 1)
	t2 := begin(t, c, 2)
	t3 := begin(t, c, 3)

	c.Lock(ctx, t1, "item", 1, true, nil)
	c.Lock(ctx, t1, "item", 2, true, nil)
	c.LockNoWait(t2, "item", 1, true, nil)
	c.LockNoWait(t2, "item", 2, true, nil)
	if conflict, _ := c.LockNoWait(t3, "item", 1, true, nil); conflict == nil {
		t.Fatal("expected t3 blocked")
	}

	t2.Abort(ctx)
	t1.Commit(ctx)
	// t3 was behind t2 and becomes the owner once both leave.
	if conflict, err := c.WaitForLock(ctx, t3); err != nil || conflict != nil {
		t.Fatalf("expected t3 granted, got %v %v", conflict, err)
	}
	if c.LockCount() != 1 {
		t.Fatalf("expected only t3's lock left, got %d", c.LockCount())
	}
	t3.Commit(ctx)
	if c.LockCount() != 0 {
		t.Fatalf("expected no locks, got %d", c.LockCount())
	}
}

func TestProfileDetail(t *testing.T) {
	ctx := context.Background()
	rec := profile.NewRecorder(0)
	c := newCoordinator(t, lock.WithProfileSink(rec))
	tx := begin(t, c, 1)

	c.Lock(ctx, tx, "users", "alice", false, "user alice")
	c.Lock(ctx, tx, "items", 7, true, nil)
	if err := c.SetObjectDescription(tx, "items", 7, "sword"); err != nil {
		t.Fatalf("set description: %v", err)
	}
	c.SetObjectDescription(tx, "items", 7, "ignored")
	tx.Commit(ctx)

	details := rec.Recent(1)
	if len(details) != 1 {
		t.Fatalf("expected a detail, got %d", len(details))
	}
	d := details[0]
	if d.TxnID != tx.ID() || d.Conflict != access.ConflictNone {
		t.Fatalf("unexpected detail %+v", d)
	}
	want := []access.Object{
		{Source: "users", ObjectID: "alice", Access: access.Read, Description: "user alice"},
		{Source: "items", ObjectID: 7, Access: access.Write, Description: "sword"},
	}
	if len(d.Objects) != len(want) {
		t.Fatalf("expected %d objects, got %+v", len(want), d.Objects)
	}
	for i, o := range d.Objects {
		if o != want[i] {
			t.Fatalf("object %d: expected %+v, got %+v", i, want[i], o)
		}
	}
}

func TestConflictAsError(t *testing.T) {
	if lock.AsError(nil) != nil {
		t.Fatal("nil conflict should yield nil error")
	}
	err := lock.AsError(&lock.Conflict{Type: lock.Timeout})
	if !errors.Is(err, lock.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var ce *lock.ConflictError
	if !errors.As(err, &ce) || ce.Conflict.Type != lock.Timeout {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if lock.Deadlock.String() != "DEADLOCK" {
		t.Fatalf("unexpected string %q", lock.Deadlock.String())
	}
}
