package statedb

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCloseReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.Set(map[string][]byte{"forest": []byte(`{"version":1}`)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	values, err := db2.Get([]string{"forest"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(values["forest"], []byte(`{"version":1}`)) {
		t.Errorf("value did not survive reopen: %q", values["forest"])
	}
}

func TestGetMissingKeys(t *testing.T) {
	db := newTestDB(t)

	values, err := db.Get([]string{"nope", "also-nope"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected no values, got %d", len(values))
	}

	values, err = db.Get(nil)
	if err != nil {
		t.Fatalf("Get(nil): %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected empty result for no keys, got %d", len(values))
	}
}

func TestSetGetRemoveClear(t *testing.T) {
	db := newTestDB(t)

	entries := map[string][]byte{
		"a": []byte("one"),
		"b": []byte("two"),
	}
	if err := db.Set(entries); err != nil {
		t.Fatalf("Set: %v", err)
	}

	values, err := db.Get([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(values["a"]) != "one" || string(values["b"]) != "two" {
		t.Errorf("unexpected values: %v", values)
	}

	if err := db.Remove([]string{"a"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	values, _ = db.Get([]string{"a", "b"})
	if _, ok := values["a"]; ok {
		t.Error("key a should be removed")
	}
	if _, ok := values["b"]; !ok {
		t.Error("key b should survive")
	}

	if err := db.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	empty, err := db.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Error("expected empty after Clear")
	}
}

func TestSetOverwrites(t *testing.T) {
	db := newTestDB(t)

	if err := db.Set(map[string][]byte{"k": []byte("v1")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Set(map[string][]byte{"k": []byte("v2")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	values, _ := db.Get([]string{"k"})
	if string(values["k"]) != "v2" {
		t.Errorf("expected v2, got %q", values["k"])
	}
}

func TestLastModifiedAdvancesOnWrite(t *testing.T) {
	db := newTestDB(t)

	before, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}

	if err := db.Set(map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	after, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if after <= before {
		t.Errorf("timestamp did not advance: %d -> %d", before, after)
	}

	if err := db.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	touched, _ := db.LastModified()
	if touched <= after {
		t.Errorf("Touch did not advance timestamp: %d -> %d", after, touched)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)

	v, err := db.SchemaVersionOf()
	if err != nil {
		t.Fatalf("SchemaVersionOf: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, v)
	}
}
