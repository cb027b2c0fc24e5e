// Package access holds the vocabulary shared by the lock coordinator and the
// layers that report or observe object accesses.
package access

import "time"

// Type is the kind of access made to an object.
type Type int

const (
	Read Type = iota
	Write
)

func (t Type) String() string {
	if t == Write {
		return "write"
	}
	return "read"
}

// MarshalText encodes the type as "read" or "write".
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes "read" or "write".
func (t *Type) UnmarshalText(b []byte) error {
	if string(b) == "write" {
		*t = Write
	} else {
		*t = Read
	}
	return nil
}

// ConflictType classifies how a transaction ended with respect to locking.
type ConflictType int

const (
	// ConflictNone means every access was granted.
	ConflictNone ConflictType = iota
	// ConflictAccessNotGranted means an access timed out or was denied.
	ConflictAccessNotGranted
	// ConflictDeadlock means the transaction was chosen as a deadlock victim.
	ConflictDeadlock
)

func (c ConflictType) String() string {
	switch c {
	case ConflictAccessNotGranted:
		return "access-not-granted"
	case ConflictDeadlock:
		return "deadlock"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ConflictType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConflictType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "access-not-granted":
		*c = ConflictAccessNotGranted
	case "deadlock":
		*c = ConflictDeadlock
	default:
		*c = ConflictNone
	}
	return nil
}

// Object is one access made by a transaction.
type Object struct {
	Source      string `json:"source"`
	ObjectID    any    `json:"id"`
	Access      Type   `json:"access"`
	Description string `json:"description,omitempty"`
}

// Detail is a read-only snapshot of the accesses made by a finished
// transaction, in acquisition order.
type Detail struct {
	RecordID       string       `json:"record_id,omitempty"`
	TxnID          string       `json:"txn"`
	Objects        []Object     `json:"objects"`
	Conflict       ConflictType `json:"conflict"`
	ConflictingTxn string       `json:"conflicting_txn,omitempty"`
	EndedAt        time.Time    `json:"ended_at"`
}
