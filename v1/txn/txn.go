package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
)

// DefaultTimeout is the timeout given to transactions created without one.
const DefaultTimeout = 100 * time.Millisecond

// Transaction is the view of a transaction exposed to participants.
type Transaction interface {
	// ID returns a stable, unique identifier.
	ID() string
	// Timeout returns the time the transaction may run before it is aborted.
	Timeout() time.Duration
	// Join enrolls p so that it is notified once when the transaction ends.
	Join(p Participant) error
}

// Participant receives the termination notifications of the transactions it
// joined. Exactly one of Commit, PrepareAndCommit or Abort is delivered per
// transaction, possibly preceded by Prepare.
type Participant interface {
	// Prepare readies the participant to commit. It returns true when the
	// participant has nothing to commit and does not need a Commit call.
	Prepare(ctx context.Context, t Transaction) (bool, error)
	Commit(ctx context.Context, t Transaction)
	PrepareAndCommit(ctx context.Context, t Transaction) error
	Abort(ctx context.Context, t Transaction)
	TypeName() string
}

type state int

const (
	stateActive state = iota
	stateCommitted
	stateAborted
)

// Local is an in-process Transaction. It is safe for concurrent use, though a
// transaction is normally driven by a single goroutine.
type Local struct {
	id      string
	timeout time.Duration

	mu           sync.Mutex
	state        state
	participants []Participant
}

// Option configures a Local transaction.
type Option func(*Local)

// WithTimeout sets the transaction timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Local) {
		l.timeout = d
	}
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(l *Local) {
		l.id = id
	}
}

// New creates an active transaction with a random identifier.
func New(opts ...Option) (*Local, error) {
	l := &Local{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, err
		}
		l.id = id
	}
	if l.timeout <= 0 {
		return nil, fmt.Errorf("%w: transaction timeout must be positive", warperrors.ErrInvalidArgument)
	}
	return l, nil
}

// ID implements Transaction.ID.
func (l *Local) ID() string { return l.id }

// Timeout implements Transaction.Timeout.
func (l *Local) Timeout() time.Duration { return l.timeout }

// String returns the identifier.
func (l *Local) String() string { return "txn:" + l.id }

// Join implements Transaction.Join. Joining twice is a no-op.
func (l *Local) Join(p Participant) error {
	if p == nil {
		return fmt.Errorf("%w: nil participant", warperrors.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateActive {
		return warperrors.ErrTxnEnded
	}
	for _, existing := range l.participants {
		if existing == p {
			return nil
		}
	}
	l.participants = append(l.participants, p)
	return nil
}

// Active reports whether the transaction has not ended yet.
func (l *Local) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateActive
}

// finish moves the transaction out of the active state and returns the
// participants in reverse join order, so that resources joined at the start
// (such as locks) are released after the data they protect.
func (l *Local) finish(to state) ([]Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateActive {
		return nil, warperrors.ErrTxnEnded
	}
	l.state = to
	ps := make([]Participant, len(l.participants))
	for i, p := range l.participants {
		ps[len(ps)-1-i] = p
	}
	return ps, nil
}

// Commit ends the transaction successfully. With a single participant it
// calls PrepareAndCommit; otherwise every participant is prepared first and
// the ones that are not read-only are committed. If a prepare fails the
// transaction is aborted and the error returned.
func (l *Local) Commit(ctx context.Context) error {
	ps, err := l.finish(stateCommitted)
	if err != nil {
		return err
	}
	if len(ps) == 1 {
		if err := ps[0].PrepareAndCommit(ctx, l); err != nil {
			l.setState(stateAborted)
			return fmt.Errorf("%s: %w", ps[0].TypeName(), err)
		}
		return nil
	}
	commit := make([]Participant, 0, len(ps))
	for i, p := range ps {
		readOnly, err := p.Prepare(ctx, l)
		if err != nil {
			l.setState(stateAborted)
			for _, q := range ps[i:] {
				q.Abort(ctx, l)
			}
			for _, q := range commit {
				q.Abort(ctx, l)
			}
			return fmt.Errorf("%s: %w", p.TypeName(), err)
		}
		if !readOnly {
			commit = append(commit, p)
		}
	}
	for _, p := range commit {
		p.Commit(ctx, l)
	}
	return nil
}

// Abort ends the transaction unsuccessfully, notifying every participant.
func (l *Local) Abort(ctx context.Context) error {
	ps, err := l.finish(stateAborted)
	if err != nil {
		return err
	}
	for _, p := range ps {
		p.Abort(ctx, l)
	}
	return nil
}

func (l *Local) setState(s state) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
