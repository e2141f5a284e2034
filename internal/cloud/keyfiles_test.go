package cloud

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *keyfileStore {
	t.Helper()
	return &keyfileStore{dir: t.TempDir()}
}

func TestKeyfileStoreWriteReadDelete(t *testing.T) {
	store := newTestStore(t)
	id := InstanceId("mgr-a-abc123")

	if err := store.Write(id, []byte("fake-private-key")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(store.path(id))
	if err != nil {
		t.Fatalf("stat keyfile: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	data, err := store.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "fake-private-key" {
		t.Errorf("unexpected key contents: %s", data)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Read(id); err == nil {
		t.Fatal("expected error reading deleted keyfile")
	}
}

func TestKeyfileStoreDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete(InstanceId("never-existed")); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestKeyfileStoreList(t *testing.T) {
	store := newTestStore(t)
	ids := []InstanceId{"mgr-a-1", "mgr-a-2", "mgr-b-3"}
	for _, id := range ids {
		if err := store.Write(id, []byte("k")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// A non-.key file should be ignored.
	if err := os.WriteFile(filepath.Join(store.dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d ids, got %d: %v", len(ids), len(got), got)
	}
}
