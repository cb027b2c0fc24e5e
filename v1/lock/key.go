package lock

import (
	"fmt"
	"reflect"

	warperrors "github.com/mirkobrombin/go-accord/v1/errors"
)

// Key identifies a lockable object. The source is part of the identity, so
// equal object IDs reported by different sources never share a lock.
type Key struct {
	Source   string
	ObjectID any
}

// NewKey validates and returns a Key. The object ID must be non-nil and of a
// comparable type.
func NewKey(source string, objectID any) (Key, error) {
	if source == "" {
		return Key{}, fmt.Errorf("%w: empty source", warperrors.ErrInvalidArgument)
	}
	if objectID == nil {
		return Key{}, fmt.Errorf("%w: nil object id", warperrors.ErrInvalidArgument)
	}
	if !reflect.TypeOf(objectID).Comparable() {
		return Key{}, fmt.Errorf("%w: object id of type %T is not comparable", warperrors.ErrInvalidArgument, objectID)
	}
	return Key{Source: source, ObjectID: objectID}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%v", k.Source, k.ObjectID)
}
