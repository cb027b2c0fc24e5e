package lock

// keyLock tracks the owners and waiters of one key. All methods must be
// called with the mutex of the shard holding the lock.
type keyLock struct {
	key     Key
	owners  []*request
	waiters []*request
}

// grant is a locker made owner by a release or flush, together with the new
// request, which is nil if the locker already owned the lock.
type grant struct {
	locker *Locker
	req    *request
}

func newKeyLock(key Key) *keyLock {
	return &keyLock{key: key}
}

// tryGrant attempts to make locker an owner without queueing. It reports
// held when locker already owns the lock with sufficient strength.
// Otherwise it returns the new request and, when the request cannot be
// granted, the first owner in its way.
func (l *keyLock) tryGrant(locker *Locker, forWrite bool) (req *request, conflict *Locker, held bool) {
	if len(l.owners) == 0 {
		req = newRequest(locker, l.key, forWrite, false)
		l.owners = append(l.owners, req)
		return req, nil, false
	}
	upgrade := false
	for _, owner := range l.owners {
		if owner.locker == locker {
			if !forWrite || owner.forWrite() {
				return nil, nil, true
			}
			upgrade = true
		} else if (forWrite || owner.forWrite()) && conflict == nil {
			conflict = owner.locker
		}
	}
	req = newRequest(locker, l.key, forWrite, upgrade)
	if conflict != nil {
		return req, conflict, false
	}
	if upgrade {
		l.removeOwner(locker)
	}
	l.owners = append(l.owners, req)
	return req, nil, false
}

// acquire is tryGrant followed by queueing the request when it conflicts.
func (l *keyLock) acquire(locker *Locker, forWrite bool) (req *request, conflict *Locker, held bool) {
	req, conflict, held = l.tryGrant(locker, forWrite)
	if conflict != nil {
		l.addWaiter(req)
	}
	return req, conflict, held
}

// addWaiter queues req. Upgrades go after any queued upgrades but ahead of
// every plain request; everything else goes to the back. A locker has at
// most one waiter entry per lock.
func (l *keyLock) addWaiter(req *request) {
	l.removeWaiter(req.locker)
	if !req.upgrade() {
		l.waiters = append(l.waiters, req)
		return
	}
	i := 0
	for i < len(l.waiters) && l.waiters[i].upgrade() {
		i++
	}
	l.waiters = append(l.waiters, nil)
	copy(l.waiters[i+1:], l.waiters[i:])
	l.waiters[i] = req
}

// release removes locker's ownership and grants the waiters that became
// compatible.
func (l *keyLock) release(locker *Locker) []grant {
	if !l.removeOwner(locker) {
		return nil
	}
	return l.promote()
}

// flushWaiter removes locker from the queue. Removing the head can unblock
// compatible requests behind it, which are granted and returned.
func (l *keyLock) flushWaiter(locker *Locker) []grant {
	if !l.removeWaiter(locker) {
		return nil
	}
	return l.promote()
}

// promote grants waiters in queue order and stops at the first one that
// still conflicts, so a later compatible waiter never overtakes it.
func (l *keyLock) promote() []grant {
	var granted []grant
	n := 0
	for _, w := range l.waiters {
		req, conflict, held := l.tryGrant(w.locker, w.forWrite())
		if conflict != nil {
			break
		}
		n++
		if held {
			req = nil
		}
		granted = append(granted, grant{locker: w.locker, req: req})
	}
	if n > 0 {
		l.waiters = append(l.waiters[:0], l.waiters[n:]...)
	}
	return granted
}

func (l *keyLock) removeOwner(locker *Locker) bool {
	for i, owner := range l.owners {
		if owner.locker == locker {
			l.owners = append(l.owners[:i], l.owners[i+1:]...)
			return true
		}
	}
	return false
}

func (l *keyLock) removeWaiter(locker *Locker) bool {
	for i, w := range l.waiters {
		if w.locker == locker {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// isOwner checks if locker owns the lock, requiring write ownership when
// forWrite is set.
func (l *keyLock) isOwner(locker *Locker, forWrite bool) bool {
	for _, owner := range l.owners {
		if owner.locker == locker {
			return !forWrite || owner.forWrite()
		}
	}
	return false
}

// firstOwner returns the oldest owner request, or nil.
func (l *keyLock) firstOwner() *request {
	if len(l.owners) == 0 {
		return nil
	}
	return l.owners[0]
}

func (l *keyLock) copyOwners() []*request {
	if len(l.owners) == 0 {
		return nil
	}
	return append([]*request(nil), l.owners...)
}

func (l *keyLock) inUse() bool {
	return len(l.owners) > 0 || len(l.waiters) > 0
}

func (l *keyLock) String() string {
	return "lock[" + l.key.String() + "]"
}
