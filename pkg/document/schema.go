// ABOUTME: Collection schemas: declared fields, casting, defaults and hooks
// ABOUTME: Hooks run inside the mutation's transaction and may abort it

package document

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DefaultVersionKey is the built-in version field a new schema maintains
const DefaultVersionKey = "__v"

// FieldType is the declared type of a schema field
type FieldType int

const (
	Any FieldType = iota
	String
	Int
	Float
	Bool
	Time
	ObjectID
)

var fieldTypeNames = map[FieldType]string{
	Any:      "any",
	String:   "string",
	Int:      "int",
	Float:    "float",
	Bool:     "bool",
	Time:     "time",
	ObjectID: "objectid",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseFieldType maps a type name back to its FieldType
func ParseFieldType(name string) (FieldType, error) {
	for t, n := range fieldTypeNames {
		if n == name {
			return t, nil
		}
	}
	return Any, fmt.Errorf("document: unknown field type %q", name)
}

// Field declares one field of a schema. Default is either a value or a
// func() any evaluated per document.
type Field struct {
	Name    string
	Type    FieldType
	Default any
	Enum    []string
	Ref     string // name of the model an ObjectID field points at
	Indexed bool
}

// SaveHook runs before a full save or a remove. It may mutate doc.
type SaveHook func(ctx context.Context, doc Document) error

// UpdateHook runs before a partial update and returns the payload to apply.
type UpdateHook func(ctx context.Context, id bson.ObjectID, update Update) (Update, error)

// Schema describes the fields of a collection and its lifecycle hooks
type Schema struct {
	fields     []Field
	versionKey string
	strict     bool

	preSave   []SaveHook
	preUpdate []UpdateHook
	preRemove []SaveHook
}

// NewSchema creates a strict schema with the built-in version key enabled
func NewSchema(fields ...Field) *Schema {
	s := &Schema{versionKey: DefaultVersionKey, strict: true}
	s.Add(fields...)
	return s
}

// Add declares fields, replacing any existing field of the same name
func (s *Schema) Add(fields ...Field) {
	for _, f := range fields {
		if i := s.fieldIndex(f.Name); i >= 0 {
			s.fields[i] = f
			continue
		}
		s.fields = append(s.fields, f)
	}
}

// Field looks up a declared field
func (s *Schema) Field(name string) (Field, bool) {
	if i := s.fieldIndex(name); i >= 0 {
		return s.fields[i], true
	}
	return Field{}, false
}

// Fields returns the declared fields in declaration order
func (s *Schema) Fields() []Field {
	return slices.Clone(s.fields)
}

// SetVersionKey renames the built-in version key; "" disables it
func (s *Schema) SetVersionKey(key string) { s.versionKey = key }

// VersionKey returns the built-in version key, "" when disabled
func (s *Schema) VersionKey() string { return s.versionKey }

// SetStrict controls whether undeclared fields are dropped on write
func (s *Schema) SetStrict(strict bool) { s.strict = strict }

// PreSave registers a hook run before every full save
func (s *Schema) PreSave(h SaveHook) { s.preSave = append(s.preSave, h) }

// PreUpdate registers a hook run before every partial update
func (s *Schema) PreUpdate(h UpdateHook) { s.preUpdate = append(s.preUpdate, h) }

// PreRemove registers a hook run before every remove
func (s *Schema) PreRemove(h SaveHook) { s.preRemove = append(s.preRemove, h) }

// Clone copies the field set and options. Hooks are not copied.
func (s *Schema) Clone() *Schema {
	out := &Schema{versionKey: s.versionKey, strict: s.strict}
	for _, f := range s.fields {
		f.Enum = slices.Clone(f.Enum)
		out.fields = append(out.fields, f)
	}
	return out
}

func (s *Schema) fieldIndex(name string) int {
	return slices.IndexFunc(s.fields, func(f Field) bool { return f.Name == name })
}

// applyDefaults fills unset declared fields of a document being inserted
func (s *Schema) applyDefaults(doc Document) {
	for _, f := range s.fields {
		if _, ok := doc[f.Name]; ok || f.Default == nil {
			continue
		}
		if fn, ok := f.Default.(func() any); ok {
			doc[f.Name] = fn()
		} else {
			doc[f.Name] = f.Default
		}
	}
	if s.versionKey != "" {
		if _, ok := doc[s.versionKey]; !ok {
			doc[s.versionKey] = int64(0)
		}
	}
}

// cast returns a copy of doc with every declared field converted to its
// type. Undeclared fields are dropped in strict mode.
func (s *Schema) cast(collection string, doc Document) (Document, error) {
	out := make(Document, len(doc))
	for name, val := range doc {
		var (
			f  Field
			ok bool
		)
		switch name {
		case IDField:
			f, ok = Field{Name: IDField, Type: ObjectID}, true
		case s.versionKey:
			f, ok = Field{Name: name, Type: Int}, name != ""
		default:
			f, ok = s.Field(name)
		}
		if !ok {
			if !s.strict {
				out[name] = normalize(val)
			}
			continue
		}

		cv, err := castValue(f.Type, val)
		if err != nil {
			return nil, &ValidationError{Collection: collection, Field: name, Reason: err.Error()}
		}
		if cv != nil && len(f.Enum) > 0 {
			str, _ := cv.(string)
			if !slices.Contains(f.Enum, str) {
				return nil, &ValidationError{Collection: collection, Field: name,
					Reason: fmt.Sprintf("%v is not one of %v", cv, f.Enum)}
			}
		}
		out[name] = cv
	}
	return out, nil
}

func castValue(t FieldType, v any) (any, error) {
	v = normalize(v)
	if v == nil {
		return nil, nil
	}

	switch t {
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case bson.ObjectID:
			return x.Hex(), nil
		case fmt.Stringer:
			return x.String(), nil
		case int64, float64, bool:
			return fmt.Sprint(x), nil
		}
	case Int:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			// NaN fails the first test; ±Inf and out-of-range values the second
			if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
				return int64(x), nil
			}
		case string:
			if i, err := strconv.ParseInt(x, 10, 64); err == nil {
				return i, nil
			}
		}
	case Float:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f, nil
			}
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b, nil
			}
		}
	case Time:
		switch x := v.(type) {
		case time.Time:
			// Stored with millisecond precision
			return time.UnixMilli(x.UnixMilli()).UTC(), nil
		case string:
			if tm, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return time.UnixMilli(tm.UnixMilli()).UTC(), nil
			}
		case int64:
			return time.UnixMilli(x).UTC(), nil
		}
	case ObjectID:
		switch x := v.(type) {
		case bson.ObjectID:
			return x, nil
		case string:
			if id, err := bson.ObjectIDFromHex(x); err == nil {
				return id, nil
			}
		}
	case Any:
		return v, nil
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, t)
}

// normalize folds the numeric and container types bson and callers produce
// onto int64, float64, time.Time, map[string]any and []any.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case bson.DateTime:
		return x.Time().UTC()
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.M:
		return normalizeMap(x)
	case Document:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case bson.A:
		return normalizeSlice(x)
	case []any:
		return normalizeSlice(x)
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalizeSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = normalize(v)
	}
	return out
}
