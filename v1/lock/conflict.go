package lock

import (
	"errors"
	"fmt"

	"github.com/mirkobrombin/go-accord/v1/txn"
)

// ConflictType is the reason a lock request was not granted.
type ConflictType int

const (
	// Blocked means the request is queued; the caller may wait or retry.
	Blocked ConflictType = iota + 1
	// Timeout means the bounded wait expired.
	Timeout
	// Denied is reserved for requests rejected outright.
	Denied
	// Deadlock means the transaction was chosen as a deadlock victim and
	// must abort.
	Deadlock
)

func (t ConflictType) String() string {
	switch t {
	case Blocked:
		return "BLOCKED"
	case Timeout:
		return "TIMEOUT"
	case Denied:
		return "DENIED"
	case Deadlock:
		return "DEADLOCK"
	default:
		return fmt.Sprintf("ConflictType(%d)", int(t))
	}
}

// Conflict describes why a request was not granted and which transaction
// stood in the way.
type Conflict struct {
	Type           ConflictType
	ConflictingTxn txn.Transaction
}

func (c *Conflict) String() string {
	id := "<nil>"
	if c.ConflictingTxn != nil {
		id = c.ConflictingTxn.ID()
	}
	return fmt.Sprintf("conflict[%s, txn:%s]", c.Type, id)
}

// ErrConflict matches every ConflictError through errors.Is.
var ErrConflict = errors.New("accord: lock conflict")

// ConflictError carries a Conflict through layers that report failures as
// errors.
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	return "accord: lock conflict: " + e.Conflict.String()
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// AsError wraps c into a *ConflictError; a nil conflict yields a nil error.
func AsError(c *Conflict) error {
	if c == nil {
		return nil
	}
	return &ConflictError{Conflict: c}
}
