// ABOUTME: Document store over the ordered KV: models, reads and mutations
// ABOUTME: Each mutation and its hooks share one KV transaction carried in the context

package document

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/storage"
)

// Prefixes for the key spaces
const (
	PREFIX_DOCUMENT = uint32(1000) // (collection, id) -> bson document
	PREFIX_INDEX    = uint32(2000) // (collection, field, value, id) -> empty
)

// OperationRecorder receives the outcome of every store operation
type OperationRecorder interface {
	RecordDbOperation(operation string, status string, duration time.Duration)
}

// DB holds the registered models of one KV store
type DB struct {
	kv       *storage.KV
	log      zerolog.Logger
	recorder OperationRecorder

	mu     sync.RWMutex
	models map[string]*Model
}

// NewDB creates a document store over an opened KV
func NewDB(kv *storage.KV) *DB {
	return &DB{
		kv:     kv,
		log:    zerolog.Nop(),
		models: make(map[string]*Model),
	}
}

// SetLogger sets the logger for store operations
func (db *DB) SetLogger(log zerolog.Logger) { db.log = log }

// SetRecorder sets where operation outcomes are reported
func (db *DB) SetRecorder(r OperationRecorder) { db.recorder = r }

// Model registers a collection under name. The schema is owned by the
// model from here on.
func (db *DB) Model(name string, schema *Schema) (*Model, error) {
	if name == "" {
		return nil, fmt.Errorf("document: empty model name")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.models[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, name)
	}
	for _, f := range schema.fields {
		if f.Indexed && f.Type == Any {
			return nil, &ValidationError{Collection: name, Field: f.Name, Reason: "fields of type any cannot be indexed"}
		}
	}

	m := &Model{db: db, name: name, schema: schema}
	db.models[name] = m
	db.log.Debug().Str("component", "database").Str("model", name).Int("fields", len(schema.fields)).Msg("model registered")
	return m, nil
}

// Lookup returns a registered model
func (db *DB) Lookup(name string) (*Model, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	m, ok := db.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// Models lists registered model names in sorted order
func (db *DB) Models() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.models))
	for name := range db.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type txKey struct{ db *DB }

type reader interface {
	Get(key []byte) ([]byte, bool)
	Scan(start []byte, callback func(key, val []byte) bool)
}

// inTx runs fn in the transaction already carried by ctx, or in a new one
// committed when fn succeeds. Hooks that write through another model of the
// same DB therefore join the caller's transaction.
func (db *DB) inTx(ctx context.Context, fn func(ctx context.Context, tx *storage.KVTX) error) error {
	if tx, ok := ctx.Value(txKey{db}).(*storage.KVTX); ok {
		return fn(ctx, tx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := db.kv.Begin()
	defer tx.Abort()

	if err := fn(context.WithValue(ctx, txKey{db}, tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) reader(ctx context.Context) reader {
	if tx, ok := ctx.Value(txKey{db}).(*storage.KVTX); ok {
		return tx
	}
	return db.kv
}

func (db *DB) observe(op, collection string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if db.recorder != nil {
		db.recorder.RecordDbOperation(op, status, time.Since(start))
	}

	event := db.log.Debug()
	if err != nil {
		event = db.log.Warn().Err(err)
	}
	event.Str("component", "database").
		Str("operation", op).
		Str("collection", collection).
		Dur("duration_ms", time.Since(start)).
		Msg("Database operation completed")
}

func encode(doc Document) ([]byte, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Document, error) {
	var raw bson.M
	if err := bson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	return Document(normalizeMap(raw)), nil
}

// DeepCopy returns an independent copy of doc made by a bson round trip
func DeepCopy(doc Document) (Document, error) {
	data, err := encode(doc)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// indexValue maps a cast field value onto an order-preserving key value
func indexValue(v any) (storage.Value, bool) {
	switch x := v.(type) {
	case string:
		return storage.NewBytesValue([]byte(x)), true
	case int64:
		return storage.NewInt64Value(x), true
	case bool:
		if x {
			return storage.NewInt64Value(1), true
		}
		return storage.NewInt64Value(0), true
	case float64:
		return storage.NewUint64Value(sortableFloat(x)), true
	case time.Time:
		return storage.NewTimeValue(x), true
	case bson.ObjectID:
		return storage.NewBytesValue(x[:]), true
	}
	return storage.Value{}, false
}

func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if f < 0 {
		return ^bits
	}
	return bits | 1<<63
}
