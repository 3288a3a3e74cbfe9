// ABOUTME: Document data model for schema-based collections
// ABOUTME: Defines Document, Update payloads and the store's error kinds

package document

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDField is the identity field every stored document carries
const IDField = "_id"

// Update operators understood by UpdateByID
const (
	OpSet         = "$set"
	OpSetOnInsert = "$setOnInsert"
	OpInc         = "$inc"
	OpUnset       = "$unset"
)

var (
	ErrNotFound       = errors.New("document: not found")
	ErrDuplicateModel = errors.New("document: model already registered")
	ErrUnknownModel   = errors.New("document: unknown model")
)

// Document is a stored record keyed by field name
type Document map[string]any

// ID returns the document identity, if it has one
func (d Document) ID() (bson.ObjectID, bool) {
	id, ok := d[IDField].(bson.ObjectID)
	return id, ok && !id.IsZero()
}

// Update is a partial-update payload. Keys starting with "$" are operators
// mapping field names to operands; any other top-level key is a plain
// assignment applied like $set.
type Update map[string]any

// Clone copies the payload and every operator map one level deep.
func (u Update) Clone() Update {
	out := make(Update, len(u))
	for k, v := range u {
		if fields, ok := asFields(v); ok {
			cp := make(map[string]any, len(fields))
			for f, fv := range fields {
				cp[f] = fv
			}
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Fields returns the operand map of an operator, if present
func (u Update) Fields(op string) (map[string]any, bool) {
	return asFields(u[op])
}

// ValidationError reports a value the schema or update rules reject
type ValidationError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("document: %s: %s", e.Collection, e.Reason)
	}
	return fmt.Sprintf("document: %s.%s: %s", e.Collection, e.Field, e.Reason)
}

func asFields(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	case bson.M:
		return m, true
	case Update:
		return m, true
	}
	return nil, false
}
