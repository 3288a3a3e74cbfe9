// ABOUTME: Read access to the snapshot log of a versioned document
// ABOUTME: Supports full history, latest snapshot and point-in-time lookups

package versioning

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/document"
)

// History returns every snapshot of refID, oldest first
func (v *Versioned) History(ctx context.Context, refID bson.ObjectID) ([]document.Document, error) {
	snaps, err := v.Shadow.Find(ctx, RefIDField, refID)
	if err != nil {
		return nil, &StoreError{Op: "history", Collection: v.Shadow.Name(), Err: err}
	}
	vp := v.cfg.VersionProperty
	slices.SortStableFunc(snaps, func(a, b document.Document) int {
		return compareSnapshots(a, b, vp)
	})
	return snaps, nil
}

// compareSnapshots orders by captured version, then creation time, then id.
// Ids alone do not follow commit order across processes.
func compareSnapshots(a, b document.Document, versionField string) int {
	if c := cmp.Compare(versionOf(a, versionField), versionOf(b, versionField)); c != 0 {
		return c
	}
	if c := SnapshotTime(a).Compare(SnapshotTime(b)); c != 0 {
		return c
	}
	ida, _ := a.ID()
	idb, _ := b.ID()
	return bytes.Compare(ida[:], idb[:])
}

// Latest returns the most recent snapshot of refID
func (v *Versioned) Latest(ctx context.Context, refID bson.ObjectID) (document.Document, error) {
	snaps, err := v.History(ctx, refID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no snapshots for %s", document.ErrNotFound, refID.Hex())
	}
	return snaps[len(snaps)-1], nil
}

// AsOf returns the last snapshot of refID taken at or before t. Snapshot
// times have one-second resolution.
func (v *Versioned) AsOf(ctx context.Context, refID bson.ObjectID, t time.Time) (document.Document, error) {
	snaps, err := v.History(ctx, refID)
	if err != nil {
		return nil, err
	}

	var found document.Document
	for _, snap := range snaps {
		if !SnapshotTime(snap).After(t) {
			found = snap
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no snapshot of %s as of %s", document.ErrNotFound, refID.Hex(), t.Format(time.RFC3339))
	}
	return found, nil
}
