package versioning

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// ErrVersionConflict is matched by every VersionConflictError
	ErrVersionConflict = errors.New("attempting to submit an older version")

	ErrInvalidConfig = errors.New("versioning: invalid config")
	ErrNoIdentity    = errors.New("versioning: document has no _id")
)

// VersionConflictError is returned when a full save carries a version
// older than the persisted one. It is never retried.
type VersionConflictError struct {
	Collection string
	ID         bson.ObjectID
	Submitted  int64
	Persisted  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("versioning: %s %s: %v (submitted %d, persisted %d)",
		e.Collection, e.ID.Hex(), ErrVersionConflict, e.Submitted, e.Persisted)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// StoreError wraps a failure of the underlying store
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("versioning: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
