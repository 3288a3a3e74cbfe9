// ABOUTME: Partial-update operators applied to a single document
// ABOUTME: Supports plain assignments, $set, $setOnInsert, $inc and $unset on dotted paths

package document

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Operators in application order
var updateOperators = []string{OpSetOnInsert, OpSet, OpInc, OpUnset}

// applyUpdate returns the document produced by applying u to prev. A nil
// prev means the update inserts a new document with the given id.
func applyUpdate(collection string, prev Document, id bson.ObjectID, u Update) (Document, error) {
	insert := prev == nil
	doc := Document{IDField: id}
	if !insert {
		doc = maps.Clone(prev)
	}

	invalid := func(field, format string, args ...any) error {
		return &ValidationError{Collection: collection, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	touched := make(map[string]string)
	claim := func(op, field string) error {
		if field == "" {
			return invalid("", "empty field name in %s", op)
		}
		if field == IDField || strings.HasPrefix(field, IDField+".") {
			return invalid(IDField, "is immutable")
		}
		if other, ok := touched[field]; ok {
			return invalid(field, "updated by both %s and %s", other, op)
		}
		touched[field] = op
		return nil
	}

	// Plain top-level assignments behave like $set
	plain := make(map[string]any)
	for key, val := range u {
		if strings.HasPrefix(key, "$") {
			if !slices.Contains(updateOperators, key) {
				return nil, invalid("", "unknown update operator %s", key)
			}
			continue
		}
		plain[key] = val
	}
	for _, field := range sortedKeys(plain) {
		if err := claim("assignment", field); err != nil {
			return nil, err
		}
		if err := setPath(doc, field, normalize(plain[field])); err != nil {
			return nil, invalid(field, "%v", err)
		}
	}

	for _, op := range updateOperators {
		raw, present := u[op]
		if !present {
			continue
		}
		fields, ok := asFields(raw)
		if !ok {
			return nil, invalid("", "%s expects a field map, got %T", op, raw)
		}

		for _, field := range sortedKeys(fields) {
			if err := claim(op, field); err != nil {
				return nil, err
			}
			val := normalize(fields[field])

			var err error
			switch op {
			case OpSetOnInsert:
				if insert {
					err = setPath(doc, field, val)
				}
			case OpSet:
				err = setPath(doc, field, val)
			case OpInc:
				err = incPath(doc, field, val)
			case OpUnset:
				err = unsetPath(doc, field)
			}
			if err != nil {
				return nil, invalid(field, "%s: %v", op, err)
			}
		}
	}

	return doc, nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// parent walks path down to the map holding its last segment. Missing
// intermediate maps are created when create is set.
func parent(doc Document, path string, create bool) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			if !create {
				return nil, "", nil
			}
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		nm, ok := asFields(next)
		if !ok {
			return nil, "", fmt.Errorf("cannot traverse %q of type %T", p, next)
		}
		// Copy on the way down so prev is left untouched
		nm = maps.Clone(nm)
		cur[p] = nm
		cur = nm
	}
	return cur, parts[len(parts)-1], nil
}

func setPath(doc Document, path string, val any) error {
	m, last, err := parent(doc, path, true)
	if err != nil {
		return err
	}
	m[last] = val
	return nil
}

func unsetPath(doc Document, path string) error {
	m, last, err := parent(doc, path, false)
	if err != nil || m == nil {
		return err
	}
	delete(m, last)
	return nil
}

func incPath(doc Document, path string, delta any) error {
	m, last, err := parent(doc, path, true)
	if err != nil {
		return err
	}

	cur := normalize(m[last])
	if cur == nil {
		cur = int64(0)
	}
	switch d := delta.(type) {
	case int64:
		switch c := cur.(type) {
		case int64:
			m[last] = c + d
			return nil
		case float64:
			m[last] = c + float64(d)
			return nil
		}
	case float64:
		switch c := cur.(type) {
		case int64:
			m[last] = float64(c) + d
			return nil
		case float64:
			m[last] = c + d
			return nil
		}
	default:
		return fmt.Errorf("increment must be numeric, got %T", delta)
	}
	return fmt.Errorf("cannot increment a value of type %T", cur)
}
