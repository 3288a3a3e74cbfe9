// ABOUTME: Snapshot construction from a document's in-memory state
// ABOUTME: A snapshot is a deep copy tagged with the source id and the triggering action

package versioning

import (
	"fmt"
	"time"

	"github.com/nainya/versionstore/pkg/document"
)

// Snapshot fields added to the copied document
const (
	RefIDField  = "_refId"
	ActionField = "_action"
)

// Action is the mutation a snapshot was taken for
type Action string

const (
	ActionSave   Action = "save"
	ActionRemove Action = "remove"
)

// BuildSnapshot deep-copies entity without its _id and tags the copy with
// the source id and action. It must run before the version is incremented
// so the snapshot records the version being replaced.
func BuildSnapshot(entity document.Document, action Action) (document.Document, error) {
	id, ok := entity.ID()
	if !ok {
		return nil, ErrNoIdentity
	}

	snap, err := document.DeepCopy(entity)
	if err != nil {
		return nil, fmt.Errorf("versioning: snapshot %s: %w", id.Hex(), err)
	}
	delete(snap, document.IDField)
	snap[RefIDField] = id
	snap[ActionField] = string(action)
	return snap, nil
}

// SnapshotTime returns when a stored snapshot was created, to the second
func SnapshotTime(snap document.Document) time.Time {
	id, ok := snap.ID()
	if !ok {
		return time.Time{}
	}
	return id.Timestamp().UTC()
}

// versionOf reads the version counter of doc, 0 when unset
func versionOf(doc document.Document, field string) int64 {
	switch v := doc[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
