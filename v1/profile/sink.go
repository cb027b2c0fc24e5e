package profile

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-accord/v1/access"
)

// Sink receives one Detail per finished transaction. Implementations must be
// safe for concurrent use and must not block for long: Record runs on the
// goroutine that ends the transaction.
type Sink interface {
	Record(ctx context.Context, d access.Detail)
}

// Discard is a Sink that drops every detail.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, access.Detail) {}

// MultiSink fans a detail out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.Record.
func (m MultiSink) Record(ctx context.Context, d access.Detail) {
	for _, s := range m {
		s.Record(ctx, d)
	}
}

// DefaultHistory is the number of details a Recorder keeps by default.
const DefaultHistory = 1024

// Recorder keeps the most recent details in memory together with a count of
// transactions per conflict classification.
type Recorder struct {
	mu     sync.Mutex
	max    int
	ring   []access.Detail
	next   int
	full   bool
	counts map[access.ConflictType]uint64
}

// NewRecorder returns a Recorder holding up to max details. A non-positive
// max selects DefaultHistory.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = DefaultHistory
	}
	return &Recorder{
		max:    max,
		ring:   make([]access.Detail, max),
		counts: make(map[access.ConflictType]uint64),
	}
}

// Record implements Sink.Record.
func (r *Recorder) Record(_ context.Context, d access.Detail) {
	r.mu.Lock()
	r.ring[r.next] = d
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
	r.counts[d.Conflict]++
	r.mu.Unlock()
}

// Recent returns up to n details, oldest first. A non-positive n returns all
// retained details.
func (r *Recorder) Recent(n int) []access.Detail {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	start := 0
	if r.full {
		size = r.max
		start = r.next
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]access.Detail, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.ring[(start+i)%r.max])
	}
	return out
}

// Count returns the number of recorded transactions with the classification.
func (r *Recorder) Count(c access.ConflictType) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[c]
}
