package cloud

import (
	"fmt"
	"os"
	"path/filepath"
)

// keyfileStore manages the on-disk private-key files backing each runner's
// keypair: ~<system_user>/.ssh/<instance_id>.key, mode 0600 (spec.md §4.1
// "Keypairs").
type keyfileStore struct {
	dir string
}

func newKeyfileStore(systemUser string) (*keyfileStore, error) {
	u, err := homeDirFor(systemUser)
	if err != nil {
		return nil, fmt.Errorf("resolve home dir for %s: %w", systemUser, err)
	}
	dir := filepath.Join(u, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keyfile dir: %w", err)
	}
	return &keyfileStore{dir: dir}, nil
}

func (s *keyfileStore) path(id InstanceId) string {
	return filepath.Join(s.dir, string(id)+".key")
}

// Write persists a private key with strict permissions.
func (s *keyfileStore) Write(id InstanceId, privateKeyPEM []byte) error {
	return os.WriteFile(s.path(id), privateKeyPEM, 0o600)
}

// Read loads a private key, returning a *KeyfileError on any failure since a
// missing or unreadable keyfile is always fatal for the caller.
func (s *keyfileStore) Read(id InstanceId) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, &KeyfileError{InstanceID: id, Err: err}
	}
	return data, nil
}

// Delete removes the keyfile. Idempotent: a missing file is not an error.
func (s *keyfileStore) Delete(id InstanceId) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete keyfile for %s: %w", id, err)
	}
	return nil
}

// List returns the InstanceIds of every keyfile currently on disk.
func (s *keyfileStore) List() ([]InstanceId, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list keyfile dir: %w", err)
	}
	var ids []InstanceId
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".key"
		if filepath.Ext(name) == suffix {
			ids = append(ids, InstanceId(name[:len(name)-len(suffix)]))
		}
	}
	return ids, nil
}

func homeDirFor(systemUser string) (string, error) {
	if systemUser == "" || systemUser == "root" {
		return os.UserHomeDir()
	}
	return filepath.Join("/home", systemUser), nil
}
