package versioning

import (
	"context"

	"github.com/nainya/versionstore/pkg/document"
)

// RemovalRecorder stores a final snapshot before a document is removed
type RemovalRecorder struct {
	cfg     Config
	primary *document.Model
	shadow  *document.Model
}

// NewRemovalRecorder creates a recorder for primary that writes into shadow
func NewRemovalRecorder(cfg Config, primary, shadow *document.Model) *RemovalRecorder {
	return &RemovalRecorder{cfg: cfg, primary: primary, shadow: shadow}
}

// RecordAndProceed stores the remove snapshot; any error must abort the
// remove. The in-memory version is bumped like on save, although the
// document is deleted right after and the bump is never stored.
func (r *RemovalRecorder) RecordAndProceed(ctx context.Context, entity document.Document) error {
	snap, err := BuildSnapshot(entity, ActionRemove)
	if err != nil {
		return err
	}

	vp := r.cfg.VersionProperty
	entity[vp] = versionOf(entity, vp) + 1

	return persistSnapshot(ctx, r.cfg, r.shadow, r.primary.Name(), snap, ActionRemove)
}
