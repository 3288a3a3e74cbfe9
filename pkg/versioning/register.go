// ABOUTME: Registration of versioned collections
// ABOUTME: Adds version and date fields, provisions the snapshot collection and installs the hooks

package versioning

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/document"
)

// Versioned is a registered versioned collection and its snapshot
// collection
type Versioned struct {
	cfg     Config
	Model   *document.Model
	Shadow  *document.Model
	Guard   *ConcurrencyGuard
	Removal *RemovalRecorder
}

// Register extends schema with the version and date fields, registers it
// under name, derives the snapshot collection from it and installs the
// pre-save, pre-update and pre-remove hooks.
func Register(db *document.DB, name string, schema *document.Schema, opts ...Option) (*Versioned, error) {
	cfg := NewConfig(opts...)
	if err := cfg.Validate(name); err != nil {
		return nil, err
	}
	shadowName := cfg.ModelName(name)
	for _, n := range []string{name, shadowName} {
		if _, err := db.Lookup(n); err == nil {
			return nil, fmt.Errorf("%w: %s", document.ErrDuplicateModel, n)
		} else if !errors.Is(err, document.ErrUnknownModel) {
			return nil, err
		}
	}

	schema.SetVersionKey("")
	schema.Add(document.Field{Name: cfg.VersionProperty, Type: document.Int, Default: int64(0)})
	if cfg.TrackDates {
		clock := cfg.Clock
		schema.Add(
			document.Field{Name: cfg.CreatedProperty, Type: document.Time, Default: func() any { return clock() }},
			document.Field{Name: cfg.ModifiedProperty, Type: document.Time},
		)
	}

	shadowSchema := schema.Clone()
	shadowSchema.Add(
		document.Field{Name: RefIDField, Type: document.ObjectID, Ref: name, Indexed: true},
		document.Field{Name: ActionField, Type: document.String, Enum: []string{string(ActionSave), string(ActionRemove)}},
	)

	primary, err := db.Model(name, schema)
	if err != nil {
		return nil, err
	}
	shadow, err := db.Model(shadowName, shadowSchema)
	if err != nil {
		return nil, err
	}

	v := &Versioned{
		cfg:     cfg,
		Model:   primary,
		Shadow:  shadow,
		Guard:   NewConcurrencyGuard(cfg, primary, shadow),
		Removal: NewRemovalRecorder(cfg, primary, shadow),
	}
	schema.PreSave(v.Guard.CheckAndProceed)
	schema.PreUpdate(v.sanitizeHook)
	schema.PreRemove(v.Removal.RecordAndProceed)

	cfg.Logger.Info().
		Str("collection", name).
		Str("snapshots", shadowName).
		Str("version_property", cfg.VersionProperty).
		Bool("check_version", cfg.CheckVersion).
		Bool("track_dates", cfg.TrackDates).
		Msg("versioned collection registered")
	return v, nil
}

// Config returns the settings the collection was registered with
func (v *Versioned) Config() Config { return v.cfg }

func (v *Versioned) sanitizeHook(ctx context.Context, id bson.ObjectID, update document.Update) (document.Update, error) {
	out, stripped := sanitize(update, v.cfg.VersionProperty)
	v.cfg.Recorder.UpdateSanitized(v.Model.Name(), stripped)
	if stripped > 0 {
		v.cfg.Logger.Debug().
			Str("collection", v.Model.Name()).
			Str("id", id.Hex()).
			Int("stripped", stripped).
			Msg("version assignment stripped from update")
	}
	return out, nil
}

// Save stores doc through the concurrency guard
func (v *Versioned) Save(ctx context.Context, doc document.Document) error {
	return v.Model.Save(ctx, doc)
}

// Update applies a sanitized partial update
func (v *Versioned) Update(ctx context.Context, id bson.ObjectID, update document.Update, opts ...document.UpdateOption) (document.Document, error) {
	return v.Model.UpdateByID(ctx, id, update, opts...)
}

// Remove deletes doc after recording its remove snapshot
func (v *Versioned) Remove(ctx context.Context, doc document.Document) error {
	return v.Model.Remove(ctx, doc)
}

// RemoveByID loads and removes a document
func (v *Versioned) RemoveByID(ctx context.Context, id bson.ObjectID) (document.Document, error) {
	return v.Model.RemoveByID(ctx, id)
}

// FindByID reads the current state of a document
func (v *Versioned) FindByID(ctx context.Context, id bson.ObjectID) (document.Document, error) {
	return v.Model.FindByID(ctx, id)
}
