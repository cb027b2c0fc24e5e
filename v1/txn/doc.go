// Package txn defines the transaction lifecycle contract consumed by the
// access coordinator and provides Local, an in-process transaction that
// drives its participants through prepare, commit and abort.
package txn
