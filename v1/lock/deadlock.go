package lock

import "github.com/mirkobrombin/go-accord/v1/metrics"

// waiterInfo caches, for one deadlock check, the owners of the lock a locker
// waits for, so each shard is read at most once per check.
type waiterInfo struct {
	waiting bool
	owners  []*request
	// pass is the last pass that explored this locker.
	pass    int
	onStack bool
}

// deadlockChecker searches the wait-for graph reachable from a blocked
// locker. Each pass finds at most one cycle and aborts its victim; passes
// repeat until no cycle is left, since several may be active at once.
type deadlockChecker struct {
	c       *Coordinator
	root    *Locker
	waiters map[*Locker]*waiterInfo
	pass    int

	// cycleBoundary is the locker where the current cycle closes; it is
	// cleared once the unwinding search walks back past it.
	cycleBoundary *Locker
	victim        *Locker
	// conflict is the locker the victim waits on.
	conflict *Locker
	last     *Locker
}

func newDeadlockChecker(c *Coordinator, root *Locker) *deadlockChecker {
	return &deadlockChecker{c: c, root: root, waiters: make(map[*Locker]*waiterInfo)}
}

// check returns a DEADLOCK conflict if the root locker was chosen as a
// victim, and nil otherwise. Victims other than the root are marked and
// woken.
func (d *deadlockChecker) check() *Conflict {
	for d.pass = 1; ; d.pass++ {
		d.cycleBoundary, d.victim, d.conflict, d.last = nil, nil, nil, nil
		if !d.search(d.root, d.info(d.root)) {
			d.c.logger.Debug("check deadlock: none", "locker", d.root, "passes", d.pass)
			return nil
		}
		if d.cycleBoundary != nil && d.victim == d.cycleBoundary {
			d.conflict = d.last
		}
		d.c.logger.Debug("check deadlock: victim",
			"locker", d.root, "pass", d.pass, "victim", d.victim, "conflict", d.conflict)
		deadlock := &Conflict{Type: Deadlock}
		if d.conflict != nil {
			deadlock.ConflictingTxn = d.conflict.txn
		}
		d.info(d.victim).waiting = false
		d.victim.markDeadlock(deadlock)
		metrics.DeadlockCounter.Inc()
		if d.victim == d.root {
			return deadlock
		}
	}
}

// search explores the owners locker waits for and reports whether a cycle
// was found below it.
func (d *deadlockChecker) search(locker *Locker, info *waiterInfo) bool {
	info.pass = d.pass
	info.onStack = true
	defer func() { info.onStack = false }()
	for _, req := range info.owners {
		owner := req.locker
		if owner == locker {
			// An upgrading locker waits behind its own read ownership.
			continue
		}
		ownerInfo := d.info(owner)
		switch {
		case !ownerInfo.waiting:
			continue
		case ownerInfo.pass == d.pass && ownerInfo.onStack:
			d.cycleBoundary = owner
			d.victim = owner
			d.last = owner
			d.c.logger.Debug("check deadlock: cycle",
				"locker", d.root, "pass", d.pass, "at", locker, "waitingFor", req)
			return true
		case ownerInfo.pass == d.pass:
			// Already explored in this pass without finding a cycle.
			continue
		default:
			if d.search(owner, ownerInfo) {
				d.maybeUpdateVictim(owner)
				return true
			}
		}
	}
	return false
}

// info returns the cached owners of the lock locker waits for, reading them
// under the lock's shard mutex on first use.
func (d *deadlockChecker) info(locker *Locker) *waiterInfo {
	if wi, ok := d.waiters[locker]; ok {
		return wi
	}
	wi := &waiterInfo{}
	if kl := locker.blockingLock(); kl != nil {
		s := d.c.table.shardFor(kl.key)
		s.mu.Lock()
		wi.owners = kl.copyOwners()
		s.mu.Unlock()
		wi.waiting = true
	}
	d.waiters[locker] = wi
	return wi
}

// maybeUpdateVictim is called for each locker on the way back from a cycle.
// Inside the cycle, a locker that started later than the current victim
// replaces it.
func (d *deadlockChecker) maybeUpdateVictim(locker *Locker) {
	switch {
	case d.cycleBoundary == nil:
	case locker == d.cycleBoundary:
		if d.victim == locker {
			d.conflict = d.last
		}
		d.cycleBoundary = nil
	case locker.requestedStartTime > d.victim.requestedStartTime:
		d.victim = locker
		d.conflict = d.last
	}
	d.last = locker
}
