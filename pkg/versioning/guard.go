// ABOUTME: Full-save staleness check, version stamp and snapshot write
// ABOUTME: Installed as the pre-save hook of a versioned collection

package versioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/nainya/versionstore/pkg/document"
)

// ConcurrencyGuard rejects full saves that carry an older version than the
// stored document and records a save snapshot for every accepted one.
type ConcurrencyGuard struct {
	cfg     Config
	primary *document.Model
	shadow  *document.Model
}

// NewConcurrencyGuard creates a guard for primary that writes into shadow
func NewConcurrencyGuard(cfg Config, primary, shadow *document.Model) *ConcurrencyGuard {
	return &ConcurrencyGuard{cfg: cfg, primary: primary, shadow: shadow}
}

// CheckAndProceed compares entity's version with the persisted one. On
// success entity carries the incremented version and the save snapshot is
// stored; any error must abort the save.
func (g *ConcurrencyGuard) CheckAndProceed(ctx context.Context, entity document.Document) error {
	if v := versionOf(entity, g.cfg.VersionProperty); v < 0 {
		return &document.ValidationError{
			Collection: g.primary.Name(),
			Field:      g.cfg.VersionProperty,
			Reason:     fmt.Sprintf("version %d is negative", v),
		}
	}
	if g.cfg.CheckVersion {
		if err := g.check(ctx, entity); err != nil {
			return err
		}
	}
	return g.proceed(ctx, entity)
}

func (g *ConcurrencyGuard) check(ctx context.Context, entity document.Document) error {
	id, ok := entity.ID()
	if !ok {
		// Not stored yet
		return nil
	}

	persisted, err := g.primary.FindByID(ctx, id)
	if errors.Is(err, document.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "read", Collection: g.primary.Name(), Err: err}
	}

	submitted := versionOf(entity, g.cfg.VersionProperty)
	current := versionOf(persisted, g.cfg.VersionProperty)
	if current > submitted {
		g.cfg.Recorder.VersionConflict(g.primary.Name())
		g.cfg.Logger.Warn().
			Str("collection", g.primary.Name()).
			Str("id", id.Hex()).
			Int64("submitted", submitted).
			Int64("persisted", current).
			Msg("version conflict")
		return &VersionConflictError{
			Collection: g.primary.Name(),
			ID:         id,
			Submitted:  submitted,
			Persisted:  current,
		}
	}
	return nil
}

func (g *ConcurrencyGuard) proceed(ctx context.Context, entity document.Document) error {
	snap, err := BuildSnapshot(entity, ActionSave)
	if err != nil {
		return err
	}

	vp := g.cfg.VersionProperty
	entity[vp] = versionOf(entity, vp) + 1
	if g.cfg.TrackDates {
		entity[g.cfg.ModifiedProperty] = g.cfg.Clock()
	}

	return persistSnapshot(ctx, g.cfg, g.shadow, g.primary.Name(), snap, ActionSave)
}

// persistSnapshot stores snap in shadow. Snapshots are only ever inserted.
func persistSnapshot(ctx context.Context, cfg Config, shadow *document.Model, collection string, snap document.Document, action Action) error {
	if err := shadow.Save(ctx, snap); err != nil {
		return &StoreError{Op: "snapshot", Collection: shadow.Name(), Err: err}
	}

	cfg.Recorder.SnapshotRecorded(collection, action)
	id, _ := snap.ID()
	cfg.Logger.Debug().
		Str("collection", collection).
		Str("snapshot", id.Hex()).
		Interface("ref", snap[RefIDField]).
		Str("action", string(action)).
		Int64("version", versionOf(snap, cfg.VersionProperty)).
		Msg("snapshot recorded")
	return nil
}
