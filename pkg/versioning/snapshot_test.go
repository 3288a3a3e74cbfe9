package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/document"
)

func TestBuildSnapshot(t *testing.T) {
	id := bson.NewObjectID()
	entity := document.Document{
		document.IDField: id,
		"_v":             int64(3),
		"title":          "x",
		"meta":           map[string]any{"tags": []any{"a"}},
	}

	snap, err := BuildSnapshot(entity, ActionSave)
	require.NoError(t, err)

	assert.NotContains(t, snap, document.IDField)
	assert.Equal(t, id, snap[RefIDField])
	assert.Equal(t, "save", snap[ActionField])
	assert.Equal(t, int64(3), snap["_v"])
	assert.Equal(t, "x", snap["title"])

	// Deep copy: changing the snapshot leaves the entity alone
	snap["meta"].(map[string]any)["tags"].([]any)[0] = "changed"
	assert.Equal(t, "a", entity["meta"].(map[string]any)["tags"].([]any)[0])
	assert.NotContains(t, entity, RefIDField)
	assert.Equal(t, id, entity[document.IDField])
}

func TestBuildSnapshotRequiresIdentity(t *testing.T) {
	_, err := BuildSnapshot(document.Document{"title": "x"}, ActionRemove)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestSanitizeUpdate(t *testing.T) {
	tests := []struct {
		name   string
		input  document.Update
		expect document.Update
	}{
		{
			name:   "empty payload gains increment",
			input:  document.Update{},
			expect: document.Update{"$inc": map[string]any{"_v": int64(1)}},
		},
		{
			name:   "top-level assignment stripped",
			input:  document.Update{"_v": 99, "title": "t"},
			expect: document.Update{"title": "t", "$inc": map[string]any{"_v": int64(1)}},
		},
		{
			name:  "set keeps other fields",
			input: document.Update{"$set": map[string]any{"_v": 99, "title": "t"}},
			expect: document.Update{
				"$set": map[string]any{"title": "t"},
				"$inc": map[string]any{"_v": int64(1)},
			},
		},
		{
			name:   "set with only version removed",
			input:  document.Update{"$set": map[string]any{"_v": 99}},
			expect: document.Update{"$inc": map[string]any{"_v": int64(1)}},
		},
		{
			name:   "set on insert with only version removed",
			input:  document.Update{"$setOnInsert": map[string]any{"_v": 5}},
			expect: document.Update{"$inc": map[string]any{"_v": int64(1)}},
		},
		{
			name:  "existing increments merged",
			input: document.Update{"$inc": map[string]any{"views": 2, "_v": 7}},
			expect: document.Update{
				"$inc": map[string]any{"views": 2, "_v": int64(1)},
			},
		},
		{
			name:  "bson operand maps accepted",
			input: document.Update{"$set": bson.M{"_v": 1, "body": "b"}},
			expect: document.Update{
				"$set": map[string]any{"body": "b"},
				"$inc": map[string]any{"_v": int64(1)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.input.Clone()
			got := SanitizeUpdate(tt.input, "_v")
			assert.Equal(t, tt.expect, got)
			assert.Equal(t, before, tt.input.Clone(), "input must not be modified")
		})
	}
}

func TestSanitizeCountsStripped(t *testing.T) {
	_, n := sanitize(document.Update{
		"_v":           1,
		"$set":         map[string]any{"_v": 2},
		"$setOnInsert": map[string]any{"_v": 3, "x": 1},
	}, "_v")
	assert.Equal(t, 3, n)

	_, n = sanitize(document.Update{"$set": map[string]any{"x": 1}}, "_v")
	assert.Equal(t, 0, n)
}

func TestSanitizeHonoursVersionField(t *testing.T) {
	got := SanitizeUpdate(document.Update{"_v": 1, "$set": map[string]any{"rev": 9}}, "rev")
	assert.Equal(t, 1, got["_v"], "only the configured field is protected")
	assert.NotContains(t, got, "$set")
	assert.Equal(t, map[string]any{"rev": int64(1)}, got["$inc"])
}

func TestVersionConflictError(t *testing.T) {
	err := &VersionConflictError{Collection: "c", ID: bson.NewObjectID(), Submitted: 1, Persisted: 4}
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Contains(t, err.Error(), "submitted 1, persisted 4")

	inner := document.ErrNotFound
	serr := &StoreError{Op: "read", Collection: "c", Err: inner}
	assert.ErrorIs(t, serr, document.ErrNotFound)
}
