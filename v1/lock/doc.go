// Package lock implements the access coordinator: a two-phase lock manager
// that mediates concurrent transactions' access to identified objects.
//
// Each transaction announced through Coordinator.NotifyNewTransaction gets a
// Locker. Locks are shared for reads and exclusive for writes; a reader that
// is the only owner of a lock may upgrade to write in place. Requests that
// cannot be granted are queued in FIFO order, with upgrades ahead of plain
// requests. Locks live in a table split into independently synchronized
// shards, so there is no global mutex on the lock path.
//
// Every blocking attempt runs deadlock detection over the wait-for graph. The
// most recently started transaction in a cycle is chosen as the victim; it
// receives a DEADLOCK conflict and every later lock call on it fails with
// ErrTxnMustAbort until the transaction ends. Waits are bounded by the lock
// timeout and by the transaction's own deadline.
//
// Conflicts are returned as values. Errors are reserved for contract
// violations such as locking for an unknown transaction.
package lock
