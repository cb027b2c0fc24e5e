package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/mirkobrombin/go-accord/v1/access"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

// Locker is the lock manager's state for one active transaction.
type Locker struct {
	txn txn.Transaction
	// requestedStartTime orders lockers for deadlock victim selection: the
	// latest one in a cycle is aborted.
	requestedStartTime int64
	// stopTime is the absolute deadline for any wait.
	stopTime time.Time

	// wake holds at most one pending notification; a signal sent before the
	// locker sleeps is not lost.
	wake chan struct{}

	mu           sync.Mutex
	requests     []*request
	descriptions map[Key]any
	// waitingFor is the lock the latest blocked request is queued on.
	waitingFor   *keyLock
	waitingWrite bool
	blockedBy    *Locker
	// queued holds every lock with a waiter entry for this locker. Batched
	// non-waiting attempts can leave more than one.
	queued map[*keyLock]struct{}
	// conflict is set once, to a DEADLOCK, and never cleared.
	conflict *Conflict
	// denied records a TIMEOUT or DENIED outcome for profiling.
	denied *Conflict
}

func newLocker(t txn.Transaction, requestedStartTime int64, now time.Time) *Locker {
	return &Locker{
		txn:                t,
		requestedStartTime: requestedStartTime,
		stopTime:           now.Add(t.Timeout()),
		wake:               make(chan struct{}, 1),
		queued:             make(map[*keyLock]struct{}),
	}
}

// Txn returns the transaction the locker belongs to.
func (l *Locker) Txn() txn.Transaction { return l.txn }

func (l *Locker) String() string {
	return fmt.Sprintf("locker[txn:%s]", l.txn.ID())
}

func (l *Locker) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// setDescription keeps the first description given for key.
func (l *Locker) setDescription(key Key, description any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.descriptions == nil {
		l.descriptions = make(map[Key]any)
	}
	if _, ok := l.descriptions[key]; !ok {
		l.descriptions[key] = description
	}
}

func (l *Locker) addRequest(req *request) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.mu.Unlock()
}

// block records that the locker queued on kl. Called with kl's shard mutex.
func (l *Locker) block(kl *keyLock, forWrite bool, blockedBy *Locker) {
	l.mu.Lock()
	l.waitingFor = kl
	l.waitingWrite = forWrite
	l.blockedBy = blockedBy
	l.queued[kl] = struct{}{}
	l.mu.Unlock()
}

// granted records a request granted from kl's queue. Called with kl's shard
// mutex so that the request is visible before anyone can observe the
// ownership.
func (l *Locker) granted(kl *keyLock, req *request) {
	l.mu.Lock()
	if req != nil {
		l.requests = append(l.requests, req)
	}
	delete(l.queued, kl)
	if l.waitingFor == kl {
		l.waitingFor = nil
		l.blockedBy = nil
	}
	l.mu.Unlock()
}

// unqueue forgets kl after the waiter entry was flushed. Called with kl's
// shard mutex.
func (l *Locker) unqueue(kl *keyLock) {
	l.mu.Lock()
	delete(l.queued, kl)
	if l.waitingFor == kl {
		l.waitingFor = nil
		l.blockedBy = nil
	}
	l.mu.Unlock()
}

// waiting returns the lock the locker last blocked on.
func (l *Locker) waiting() (kl *keyLock, forWrite bool, blockedBy *Locker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitingFor, l.waitingWrite, l.blockedBy
}

// blockingLock returns the lock the locker waits for, or nil if it is not
// waiting or has already been told to stop.
func (l *Locker) blockingLock() *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conflict != nil {
		return nil
	}
	return l.waitingFor
}

func (l *Locker) drainQueued() []*keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*keyLock, 0, len(l.queued))
	for kl := range l.queued {
		out = append(out, kl)
	}
	l.queued = make(map[*keyLock]struct{})
	l.waitingFor = nil
	l.blockedBy = nil
	return out
}

func (l *Locker) snapshotRequests() []*request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*request(nil), l.requests...)
}

// getConflict returns the deadlock conflict, if the locker was chosen as a
// victim.
func (l *Locker) getConflict() *Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflict
}

// markDeadlock makes the locker a deadlock victim and wakes it.
func (l *Locker) markDeadlock(c *Conflict) {
	l.mu.Lock()
	if l.conflict == nil {
		l.conflict = c
	}
	l.mu.Unlock()
	l.notify()
}

func (l *Locker) recordDenied(c *Conflict) {
	l.mu.Lock()
	l.denied = c
	l.mu.Unlock()
}

// detail builds the profiling snapshot of the locker.
func (l *Locker) detail(now time.Time) access.Detail {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := access.Detail{
		TxnID:   l.txn.ID(),
		Objects: make([]access.Object, 0, len(l.requests)),
		EndedAt: now,
	}
	for _, req := range l.requests {
		obj := access.Object{
			Source:   req.key.Source,
			ObjectID: req.key.ObjectID,
			Access:   access.Read,
		}
		if req.forWrite() {
			obj.Access = access.Write
		}
		if desc, ok := l.descriptions[req.key]; ok && desc != nil {
			obj.Description = fmt.Sprint(desc)
		}
		d.Objects = append(d.Objects, obj)
	}
	var c *Conflict
	switch {
	case l.conflict != nil:
		d.Conflict = access.ConflictDeadlock
		c = l.conflict
	case l.denied != nil:
		d.Conflict = access.ConflictAccessNotGranted
		c = l.denied
	}
	if c != nil && c.ConflictingTxn != nil {
		d.ConflictingTxn = c.ConflictingTxn.ID()
	}
	return d
}
