package lock

import (
	"hash/maphash"
	"sync"
)

// shard is one independently synchronized partition of the lock table.
type shard struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

// get returns the lock for key, creating it if needed. s.mu must be held.
func (s *shard) get(key Key) *keyLock {
	l, ok := s.locks[key]
	if !ok {
		l = newKeyLock(key)
		s.locks[key] = l
	}
	return l
}

// lookup returns the lock for key or nil. s.mu must be held.
func (s *shard) lookup(key Key) *keyLock {
	return s.locks[key]
}

// collect drops l from the shard once it has no owners and no waiters.
// s.mu must be held.
func (s *shard) collect(l *keyLock) {
	if !l.inUse() && s.locks[l.key] == l {
		delete(s.locks, l.key)
	}
}

// lockTable routes keys to shards by hash. It is the only structure shared
// by every transaction; a goroutine holds at most one shard mutex at a time.
type lockTable struct {
	seed   maphash.Seed
	shards []*shard
}

func newLockTable(n int) *lockTable {
	t := &lockTable{seed: maphash.MakeSeed(), shards: make([]*shard, n)}
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[Key]*keyLock)}
	}
	return t
}

func (t *lockTable) shardFor(key Key) *shard {
	h := maphash.Comparable(t.seed, key)
	return t.shards[h%uint64(len(t.shards))]
}

// size returns the number of keys with a live lock.
func (t *lockTable) size() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
