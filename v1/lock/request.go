package lock

import "fmt"

type requestKind int

const (
	readRequest requestKind = iota
	writeRequest
	// upgradeRequest is a write request from a locker that already reads
	// the key.
	upgradeRequest
)

func (k requestKind) String() string {
	switch k {
	case writeRequest:
		return "write"
	case upgradeRequest:
		return "upgrade"
	default:
		return "read"
	}
}

// request is one locker's claim on one key. Requests are immutable.
type request struct {
	locker *Locker
	key    Key
	kind   requestKind
}

func newRequest(locker *Locker, key Key, forWrite, upgrade bool) *request {
	kind := readRequest
	if upgrade {
		kind = upgradeRequest
	} else if forWrite {
		kind = writeRequest
	}
	return &request{locker: locker, key: key, kind: kind}
}

func (r *request) forWrite() bool { return r.kind != readRequest }

func (r *request) upgrade() bool { return r.kind == upgradeRequest }

func (r *request) String() string {
	return fmt.Sprintf("request[%s, %s, %s]", r.locker, r.key, r.kind)
}
