// ABOUTME: Model operations: find, full save, partial update and remove
// ABOUTME: Maintains secondary index entries alongside each stored document

package document

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/storage"
)

// Model is a registered collection
type Model struct {
	db     *DB
	name   string
	schema *Schema
}

// Name returns the collection name
func (m *Model) Name() string { return m.name }

// Schema returns the collection schema
func (m *Model) Schema() *Schema { return m.schema }

// DB returns the store the model belongs to
func (m *Model) DB() *DB { return m.db }

type updateOptions struct {
	upsert bool
}

// UpdateOption configures UpdateByID
type UpdateOption func(*updateOptions)

// WithUpsert inserts a new document when none matches the id
func WithUpsert() UpdateOption {
	return func(o *updateOptions) { o.upsert = true }
}

func (m *Model) docKey(id bson.ObjectID) []byte {
	return storage.EncodeKey(PREFIX_DOCUMENT, []storage.Value{
		storage.NewBytesValue([]byte(m.name)),
		storage.NewBytesValue(id[:]),
	})
}

func (m *Model) indexKey(field string, val storage.Value, id bson.ObjectID) []byte {
	return storage.EncodeKey(PREFIX_INDEX, []storage.Value{
		storage.NewBytesValue([]byte(m.name)),
		storage.NewBytesValue([]byte(field)),
		val,
		storage.NewBytesValue(id[:]),
	})
}

func (m *Model) load(r reader, id bson.ObjectID) (Document, error) {
	data, ok := r.Get(m.docKey(id))
	if !ok {
		return nil, nil
	}
	return decode(data)
}

// FindByID reads one document. Inside a mutation's hooks it sees the
// mutation's own transaction.
func (m *Model) FindByID(ctx context.Context, id bson.ObjectID) (doc Document, err error) {
	start := time.Now()
	defer func() { m.db.observe("find_by_id", m.name, start, err) }()

	doc, err = m.load(m.db.reader(ctx), id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, m.name, id.Hex())
	}
	return doc, nil
}

// Find returns the documents whose indexed field equals value, in index
// order.
func (m *Model) Find(ctx context.Context, field string, value any) (docs []Document, err error) {
	start := time.Now()
	defer func() { m.db.observe("find", m.name, start, err) }()

	f, ok := m.schema.Field(field)
	if !ok || !f.Indexed {
		return nil, &ValidationError{Collection: m.name, Field: field, Reason: "field is not indexed"}
	}
	cv, err := castValue(f.Type, value)
	if err != nil {
		return nil, &ValidationError{Collection: m.name, Field: field, Reason: err.Error()}
	}
	iv, ok := indexValue(cv)
	if !ok {
		return nil, &ValidationError{Collection: m.name, Field: field, Reason: fmt.Sprintf("cannot look up %T", cv)}
	}

	r := m.db.reader(ctx)
	prefix := storage.EncodeKey(PREFIX_INDEX, []storage.Value{
		storage.NewBytesValue([]byte(m.name)),
		storage.NewBytesValue([]byte(field)),
		iv,
	})

	var ids []bson.ObjectID
	storage.ScanPrefix(r.Scan, prefix, func(key, val []byte) bool {
		vals, derr := storage.ExtractValues(key)
		if derr != nil || len(vals) < 4 || len(vals[3].Str) != len(bson.ObjectID{}) {
			return true
		}
		var id bson.ObjectID
		copy(id[:], vals[3].Str)
		ids = append(ids, id)
		return true
	})

	for _, id := range ids {
		doc, err := m.load(r, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// All returns every document of the collection in id order
func (m *Model) All(ctx context.Context) (docs []Document, err error) {
	start := time.Now()
	defer func() { m.db.observe("scan", m.name, start, err) }()

	prefix := storage.EncodeKey(PREFIX_DOCUMENT, []storage.Value{storage.NewBytesValue([]byte(m.name))})
	storage.ScanPrefix(m.db.reader(ctx).Scan, prefix, func(key, val []byte) bool {
		var doc Document
		doc, err = decode(val)
		if err != nil {
			return false
		}
		docs = append(docs, doc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Count returns the number of documents in the collection
func (m *Model) Count(ctx context.Context) int {
	n := 0
	prefix := storage.EncodeKey(PREFIX_DOCUMENT, []storage.Value{storage.NewBytesValue([]byte(m.name))})
	storage.ScanPrefix(m.db.reader(ctx).Scan, prefix, func(key, val []byte) bool {
		n++
		return true
	})
	return n
}

// Save inserts or replaces doc. A missing _id is generated and defaults are
// applied on insert. Pre-save hooks then run on doc and may modify or
// reject it. On success doc holds the stored state; on failure it is left
// as the caller passed it.
func (m *Model) Save(ctx context.Context, doc Document) (err error) {
	start := time.Now()
	defer func() { m.db.observe("save", m.name, start, err) }()

	orig := maps.Clone(doc)
	err = m.db.inTx(ctx, func(ctx context.Context, tx *storage.KVTX) error {
		if v, ok := doc[IDField]; !ok || v == nil {
			doc[IDField] = bson.NewObjectID()
		}
		cast, err := m.schema.cast(m.name, doc)
		if err != nil {
			return err
		}
		id := cast[IDField].(bson.ObjectID)

		prev, err := m.load(tx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			m.schema.applyDefaults(cast)
		}
		replace(doc, cast)

		for _, hook := range m.schema.preSave {
			if err := hook(ctx, doc); err != nil {
				return err
			}
		}

		final, err := m.schema.cast(m.name, doc)
		if err != nil {
			return err
		}
		if final[IDField] != id {
			return &ValidationError{Collection: m.name, Field: IDField, Reason: "is immutable"}
		}
		if err := m.write(tx, prev, final); err != nil {
			return err
		}
		replace(doc, final)
		return nil
	})
	if err != nil {
		replace(doc, orig)
	}
	return err
}

// UpdateByID applies a partial update and returns the updated document.
// Pre-update hooks see a copy of update and return the payload to apply;
// the caller's payload is never modified.
func (m *Model) UpdateByID(ctx context.Context, id bson.ObjectID, update Update, opts ...UpdateOption) (doc Document, err error) {
	start := time.Now()
	defer func() { m.db.observe("update", m.name, start, err) }()

	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	err = m.db.inTx(ctx, func(ctx context.Context, tx *storage.KVTX) error {
		u := update.Clone()
		for _, hook := range m.schema.preUpdate {
			next, err := hook(ctx, id, u)
			if err != nil {
				return err
			}
			u = next
		}

		prev, err := m.load(tx, id)
		if err != nil {
			return err
		}
		if prev == nil && !o.upsert {
			return fmt.Errorf("%w: %s %s", ErrNotFound, m.name, id.Hex())
		}

		next, err := applyUpdate(m.name, prev, id, u)
		if err != nil {
			return err
		}
		if prev == nil {
			m.schema.applyDefaults(next)
		}
		final, err := m.schema.cast(m.name, next)
		if err != nil {
			return err
		}
		if err := m.write(tx, prev, final); err != nil {
			return err
		}
		doc = final
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Remove deletes a stored document after running the pre-remove hooks on
// doc. On failure doc is left as the caller passed it.
func (m *Model) Remove(ctx context.Context, doc Document) (err error) {
	start := time.Now()
	defer func() { m.db.observe("remove", m.name, start, err) }()

	id, ok := doc.ID()
	if !ok {
		return &ValidationError{Collection: m.name, Field: IDField, Reason: "missing"}
	}

	orig := maps.Clone(doc)
	err = m.db.inTx(ctx, func(ctx context.Context, tx *storage.KVTX) error {
		prev, err := m.load(tx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("%w: %s %s", ErrNotFound, m.name, id.Hex())
		}

		for _, hook := range m.schema.preRemove {
			if err := hook(ctx, doc); err != nil {
				return err
			}
		}

		tx.Del(m.docKey(id))
		m.unindex(tx, prev, id)
		return nil
	})
	if err != nil {
		replace(doc, orig)
	}
	return err
}

// RemoveByID loads and removes a document, returning its last stored state
func (m *Model) RemoveByID(ctx context.Context, id bson.ObjectID) (doc Document, err error) {
	err = m.db.inTx(ctx, func(ctx context.Context, tx *storage.KVTX) error {
		stored, err := m.FindByID(ctx, id)
		if err != nil {
			return err
		}
		doc = maps.Clone(stored)
		return m.Remove(ctx, stored)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Model) write(tx *storage.KVTX, prev, doc Document) error {
	id := doc[IDField].(bson.ObjectID)
	data, err := encode(doc)
	if err != nil {
		return err
	}
	if prev != nil {
		m.unindex(tx, prev, id)
	}
	tx.Set(m.docKey(id), data)

	for _, f := range m.schema.fields {
		if !f.Indexed {
			continue
		}
		if iv, ok := indexValue(doc[f.Name]); ok {
			tx.Set(m.indexKey(f.Name, iv, id), nil)
		}
	}
	return nil
}

func (m *Model) unindex(tx *storage.KVTX, doc Document, id bson.ObjectID) {
	for _, f := range m.schema.fields {
		if !f.Indexed {
			continue
		}
		if iv, ok := indexValue(doc[f.Name]); ok {
			tx.Del(m.indexKey(f.Name, iv, id))
		}
	}
}

func replace(dst, src Document) {
	clear(dst)
	maps.Copy(dst, src)
}
