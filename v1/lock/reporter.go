package lock

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-accord/v1/access"
	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
	"github.com/mirkobrombin/go-accord/v1/txn"
)

// Reporter lets a data source report accesses to its objects. Object IDs of
// type T are locked under the source name, so two sources never share locks
// even when their IDs are equal.
type Reporter[T comparable] struct {
	c      *Coordinator
	source string
}

// RegisterAccessSource returns a Reporter for source.
func RegisterAccessSource[T comparable](c *Coordinator, source string) (*Reporter[T], error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil coordinator", warperrors.ErrInvalidArgument)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", warperrors.ErrInvalidArgument)
	}
	return &Reporter[T]{c: c, source: source}, nil
}

// Source returns the source name.
func (r *Reporter[T]) Source() string { return r.source }

// ReportObjectAccess locks id for t, waiting if needed, and returns the
// conflict that prevented the access, if any.
func (r *Reporter[T]) ReportObjectAccess(ctx context.Context, t txn.Transaction, id T, a access.Type, description any) (*Conflict, error) {
	return r.c.Lock(ctx, t, r.source, id, a == access.Write, description)
}

// SetObjectDescription attaches a description to id for profiling.
func (r *Reporter[T]) SetObjectDescription(t txn.Transaction, id T, description any) error {
	return r.c.SetObjectDescription(t, r.source, id, description)
}
