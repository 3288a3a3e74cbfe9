// ABOUTME: Tests for the document store
// ABOUTME: Covers casting, defaults, hooks, indexes and partial updates

package document

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/nainya/versionstore/pkg/storage"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	kv := &storage.KV{}
	if err := kv.Open(); err != nil {
		t.Fatalf("Failed to open KV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewDB(kv)
}

func userSchema() *Schema {
	return NewSchema(
		Field{Name: "name", Type: String, Indexed: true},
		Field{Name: "age", Type: Int},
		Field{Name: "score", Type: Float},
		Field{Name: "role", Type: String, Enum: []string{"admin", "member"}, Default: "member"},
		Field{Name: "profile", Type: Any},
	)
}

func mustModel(t *testing.T, db *DB, name string, schema *Schema) *Model {
	t.Helper()
	m, err := db.Model(name, schema)
	if err != nil {
		t.Fatalf("Failed to register model: %v", err)
	}
	return m
}

func TestSaveAssignsIDAndDefaults(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()

	doc := Document{"name": "ada", "age": 36}
	if err := users.Save(ctx, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	id, ok := doc.ID()
	if !ok {
		t.Fatal("Expected generated _id")
	}
	if doc["role"] != "member" {
		t.Errorf("Expected default role, got %v", doc["role"])
	}
	if doc[DefaultVersionKey] != int64(0) {
		t.Errorf("Expected built-in version key 0, got %v", doc[DefaultVersionKey])
	}
	if doc["age"] != int64(36) {
		t.Errorf("Expected age cast to int64, got %T", doc["age"])
	}

	stored, err := users.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored["name"] != "ada" || stored["age"] != int64(36) {
		t.Errorf("Unexpected stored document: %v", stored)
	}
}

func TestSaveStrictDropsUndeclared(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())

	doc := Document{"name": "ada", "nickname": "countess"}
	if err := users.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, ok := doc["nickname"]; ok {
		t.Error("Undeclared field should be dropped in strict mode")
	}

	loose := userSchema()
	loose.SetStrict(false)
	notes := mustModel(t, db, "notes", loose)
	doc = Document{"name": "ada", "nickname": "countess"}
	if err := notes.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if doc["nickname"] != "countess" {
		t.Error("Undeclared field should be kept when not strict")
	}
}

func TestSaveValidation(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()

	tests := []struct {
		name string
		doc  Document
	}{
		{"enum", Document{"role": "owner"}},
		{"int", Document{"age": "old"}},
		{"fractional int", Document{"age": 4.5}},
		{"int above range", Document{"age": 1e19}},
		{"int below range", Document{"age": -1e19}},
		{"int at 2^63", Document{"age": 9223372036854775808.0}},
		{"int infinite", Document{"age": math.Inf(1)}},
		{"int NaN", Document{"age": math.NaN()}},
		{"id", Document{IDField: "not-hex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := users.Save(ctx, tt.doc)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
		})
	}

	if users.Count(ctx) != 0 {
		t.Errorf("Rejected saves must not persist, found %d documents", users.Count(ctx))
	}
}

func TestFindByIDNotFound(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())

	_, err := users.FindByID(context.Background(), bson.NewObjectID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateAndUnknownModel(t *testing.T) {
	db := setupTestDB(t)
	mustModel(t, db, "users", userSchema())

	if _, err := db.Model("users", userSchema()); !errors.Is(err, ErrDuplicateModel) {
		t.Errorf("Expected ErrDuplicateModel, got %v", err)
	}
	if _, err := db.Lookup("ghosts"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
	if names := db.Models(); len(names) != 1 || names[0] != "users" {
		t.Errorf("Unexpected models: %v", names)
	}
}

func TestTimeFieldsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	events := mustModel(t, db, "events", NewSchema(Field{Name: "at", Type: Time}))
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
	doc := Document{"at": at}
	if err := events.Save(ctx, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	id, _ := doc.ID()
	stored, err := events.FindByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := stored["at"].(time.Time)
	if !ok {
		t.Fatalf("Expected time.Time, got %T", stored["at"])
	}
	if !got.Equal(at.Truncate(time.Millisecond)) {
		t.Errorf("Expected %v, got %v", at.Truncate(time.Millisecond), got)
	}
	if !got.Equal(doc["at"].(time.Time)) {
		t.Error("In-memory and stored times differ")
	}
}

func TestIndexedFind(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()

	a := Document{"name": "ada"}
	b := Document{"name": "bob"}
	c := Document{"name": "ada"}
	for _, d := range []Document{a, b, c} {
		if err := users.Save(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	found, err := users.Find(ctx, "name", "ada")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(found))
	}

	// Renaming moves the index entry
	c["name"] = "cy"
	if err := users.Save(ctx, c); err != nil {
		t.Fatal(err)
	}
	found, _ = users.Find(ctx, "name", "ada")
	if len(found) != 1 {
		t.Errorf("Expected 1 match after rename, got %d", len(found))
	}

	if _, err := users.Find(ctx, "age", 3); err == nil {
		t.Error("Expected error for non-indexed field")
	}
}

func TestUpdateOperators(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()

	doc := Document{"name": "ada", "age": 36, "score": 1.5, "profile": map[string]any{"city": "london"}}
	if err := users.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	id, _ := doc.ID()

	updated, err := users.UpdateByID(ctx, id, Update{
		"name":  "ada l.",
		OpInc:   map[string]any{"age": 1, "score": 0.5},
		OpSet:   map[string]any{"profile.country": "uk"},
		OpUnset: map[string]any{"profile.city": ""},
	})
	if err != nil {
		t.Fatalf("UpdateByID failed: %v", err)
	}

	if updated["name"] != "ada l." {
		t.Errorf("Plain assignment not applied: %v", updated["name"])
	}
	if updated["age"] != int64(37) {
		t.Errorf("Expected age 37, got %v", updated["age"])
	}
	if updated["score"] != 2.0 {
		t.Errorf("Expected score 2.0, got %v", updated["score"])
	}
	profile := updated["profile"].(map[string]any)
	if profile["country"] != "uk" {
		t.Errorf("Dotted $set not applied: %v", profile)
	}
	if _, ok := profile["city"]; ok {
		t.Errorf("Dotted $unset not applied: %v", profile)
	}

	stored, _ := users.FindByID(ctx, id)
	if stored["age"] != int64(37) {
		t.Errorf("Update not persisted: %v", stored)
	}
	if found, _ := users.Find(ctx, "name", "ada l."); len(found) != 1 {
		t.Error("Index not maintained by update")
	}
}

func TestUpdateRejections(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()

	doc := Document{"name": "ada", "age": 36}
	users.Save(ctx, doc)
	id, _ := doc.ID()

	tests := []struct {
		name   string
		update Update
	}{
		{"unknown operator", Update{"$push": map[string]any{"tags": "x"}}},
		{"conflict", Update{OpSet: map[string]any{"age": 1}, OpInc: map[string]any{"age": 1}}},
		{"plain conflict", Update{"age": 2, OpInc: map[string]any{"age": 1}}},
		{"immutable id", Update{OpSet: map[string]any{IDField: bson.NewObjectID()}}},
		{"non numeric inc", Update{OpInc: map[string]any{"name": 1}}},
		{"operand type", Update{OpSet: "age"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.UpdateByID(ctx, id, tt.update)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
		})
	}

	stored, _ := users.FindByID(ctx, id)
	if stored["age"] != int64(36) || stored["name"] != "ada" {
		t.Errorf("Rejected updates changed the document: %v", stored)
	}

	if _, err := users.UpdateByID(ctx, bson.NewObjectID(), Update{"age": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSetOnInsert(t *testing.T) {
	db := setupTestDB(t)
	users := mustModel(t, db, "users", userSchema())
	ctx := context.Background()
	id := bson.NewObjectID()

	update := Update{
		OpSet:         map[string]any{"name": "ada"},
		OpSetOnInsert: map[string]any{"age": 1},
	}
	inserted, err := users.UpdateByID(ctx, id, update, WithUpsert())
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if inserted["age"] != int64(1) || inserted["role"] != "member" {
		t.Errorf("Expected $setOnInsert and defaults on insert: %v", inserted)
	}

	update = Update{
		OpSet:         map[string]any{"name": "bob"},
		OpSetOnInsert: map[string]any{"age": 99},
	}
	updated, err := users.UpdateByID(ctx, id, update, WithUpsert())
	if err != nil {
		t.Fatal(err)
	}
	if updated["age"] != int64(1) || updated["name"] != "bob" {
		t.Errorf("$setOnInsert must not apply to existing documents: %v", updated)
	}
}

func TestPreSaveHookAbort(t *testing.T) {
	db := setupTestDB(t)
	schema := userSchema()
	errStop := errors.New("stop")
	schema.PreSave(func(ctx context.Context, doc Document) error {
		doc["age"] = int64(100)
		if doc["name"] == "blocked" {
			return errStop
		}
		return nil
	})
	users := mustModel(t, db, "users", schema)
	ctx := context.Background()

	ok := Document{"name": "ada", "age": 1}
	if err := users.Save(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if ok["age"] != int64(100) {
		t.Errorf("Hook modification not persisted: %v", ok)
	}

	blocked := Document{"name": "blocked", "age": 1}
	if err := users.Save(ctx, blocked); !errors.Is(err, errStop) {
		t.Fatalf("Expected hook error, got %v", err)
	}
	if blocked["age"] != 1 {
		t.Errorf("Failed save must restore the caller's document, got %v", blocked)
	}
	if _, has := blocked[IDField]; has {
		t.Error("Failed save must not leave a generated _id behind")
	}
	if users.Count(ctx) != 1 {
		t.Errorf("Expected 1 document, got %d", users.Count(ctx))
	}
}

func TestPreUpdateHookReplacesPayload(t *testing.T) {
	db := setupTestDB(t)
	schema := userSchema()
	schema.PreUpdate(func(ctx context.Context, id bson.ObjectID, u Update) (Update, error) {
		delete(u, "role")
		return u, nil
	})
	users := mustModel(t, db, "users", schema)
	ctx := context.Background()

	doc := Document{"name": "ada"}
	users.Save(ctx, doc)
	id, _ := doc.ID()

	payload := Update{"role": "admin", "age": 5}
	updated, err := users.UpdateByID(ctx, id, payload)
	if err != nil {
		t.Fatal(err)
	}
	if updated["role"] != "member" || updated["age"] != int64(5) {
		t.Errorf("Unexpected update result: %v", updated)
	}
	if _, ok := payload["role"]; !ok {
		t.Error("Caller's payload was modified")
	}
}

func TestHooksShareTransaction(t *testing.T) {
	db := setupTestDB(t)
	audit := mustModel(t, db, "audit", NewSchema(Field{Name: "note", Type: String}))

	schema := userSchema()
	schema.PreSave(func(ctx context.Context, doc Document) error {
		return audit.Save(ctx, Document{"note": "saving"})
	})
	schema.PreSave(func(ctx context.Context, doc Document) error {
		// Reads inside a hook see the pending audit write
		if audit.Count(ctx) == 0 {
			return errors.New("audit write not visible")
		}
		if doc["name"] == "blocked" {
			return errors.New("blocked")
		}
		return nil
	})
	users := mustModel(t, db, "users", schema)
	ctx := context.Background()

	if err := users.Save(ctx, Document{"name": "ada"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := users.Save(ctx, Document{"name": "blocked"}); err == nil {
		t.Fatal("Expected blocked save to fail")
	}

	if n := audit.Count(ctx); n != 1 {
		t.Errorf("Audit write of the failed save must roll back, found %d", n)
	}
}

func TestRemove(t *testing.T) {
	db := setupTestDB(t)
	schema := userSchema()
	var seen []string
	schema.PreRemove(func(ctx context.Context, doc Document) error {
		seen = append(seen, doc["name"].(string))
		if doc["name"] == "keep" {
			return errors.New("refused")
		}
		return nil
	})
	users := mustModel(t, db, "users", schema)
	ctx := context.Background()

	gone := Document{"name": "gone"}
	keep := Document{"name": "keep"}
	users.Save(ctx, gone)
	users.Save(ctx, keep)

	if err := users.Remove(ctx, gone); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	id, _ := gone.ID()
	if _, err := users.FindByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected removed document to be gone, got %v", err)
	}
	if found, _ := users.Find(ctx, "name", "gone"); len(found) != 0 {
		t.Error("Index entry survived remove")
	}

	keepID, _ := keep.ID()
	if _, err := users.RemoveByID(ctx, keepID); err == nil {
		t.Fatal("Expected hook to refuse remove")
	}
	if _, err := users.FindByID(ctx, keepID); err != nil {
		t.Errorf("Refused remove deleted the document: %v", err)
	}

	if err := users.Remove(ctx, gone); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second remove, got %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("Expected hooks to run twice, got %v", seen)
	}
}

func TestSchemaCloneDropsHooks(t *testing.T) {
	schema := userSchema()
	schema.PreSave(func(ctx context.Context, doc Document) error { return errors.New("no") })
	schema.SetVersionKey("")

	clone := schema.Clone()
	clone.Add(Field{Name: "extra", Type: Bool})

	if len(clone.preSave) != 0 {
		t.Error("Clone must not copy hooks")
	}
	if clone.VersionKey() != "" {
		t.Error("Clone must keep the version key setting")
	}
	if _, ok := schema.Field("extra"); ok {
		t.Error("Adding to the clone changed the original")
	}
	if len(clone.Fields()) != len(schema.Fields())+1 {
		t.Errorf("Unexpected field count %d", len(clone.Fields()))
	}
}

func TestDisabledVersionKey(t *testing.T) {
	db := setupTestDB(t)
	schema := userSchema()
	schema.SetVersionKey("")
	users := mustModel(t, db, "users", schema)

	doc := Document{"name": "ada"}
	if err := users.Save(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc[DefaultVersionKey]; ok {
		t.Error("Disabled version key must not be written")
	}
}

func TestDocumentsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	ctx := context.Background()

	kv := &storage.KV{Path: path}
	if err := kv.Open(); err != nil {
		t.Fatal(err)
	}
	users := mustModel(t, NewDB(kv), "users", userSchema())
	doc := Document{"name": "ada", "profile": map[string]any{"tags": []any{"a", "b"}}}
	if err := users.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	kv.Close()

	kv = &storage.KV{Path: path}
	if err := kv.Open(); err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	users = mustModel(t, NewDB(kv), "users", userSchema())

	id, _ := doc.ID()
	stored, err := users.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("Document lost after reopen: %v", err)
	}
	tags := stored["profile"].(map[string]any)["tags"].([]any)
	if len(tags) != 2 || tags[1] != "b" {
		t.Errorf("Nested values not preserved: %v", stored["profile"])
	}
}

func TestDeepCopyIsIndependent(t *testing.T) {
	src := Document{"a": map[string]any{"b": int64(1)}, "n": 3}
	cp, err := DeepCopy(src)
	if err != nil {
		t.Fatal(err)
	}
	cp["a"].(map[string]any)["b"] = int64(2)
	if src["a"].(map[string]any)["b"] != int64(1) {
		t.Error("DeepCopy shares nested maps")
	}
	if cp["n"] != int64(3) {
		t.Errorf("Expected n normalized to int64, got %T", cp["n"])
	}
}

func TestCastIntFromFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{42, 42},
		{-7, -7},
		{-9223372036854775808, math.MinInt64},
		{1 << 53, 1 << 53},
	}
	for _, tt := range tests {
		got, err := castValue(Int, tt.in)
		if err != nil {
			t.Errorf("castValue(Int, %v): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("castValue(Int, %v) = %v, want %d", tt.in, got, tt.want)
		}
	}
}
