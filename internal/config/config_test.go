package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
name: mgr-a
prefix: mgr-a
github:
  token: tok
  path: my-org/my-repo
openstack:
  authUrl: https://openstack.example.com/v3
  flavor: m1.small
  network: runners-net
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != "0.0.0.0:8080" {
		t.Errorf("expected default server address, got %q", cfg.Server.Address)
	}
	if cfg.RunnerCount != 1 {
		t.Errorf("expected default runnerCount 1, got %d", cfg.RunnerCount)
	}
	if cfg.IsReactive() {
		t.Errorf("expected proactive mode when reactive is unset")
	}

	owner, repo, isOrg := cfg.RepoOrOrg()
	if isOrg || owner != "my-org" || repo != "my-repo" {
		t.Errorf("unexpected RepoOrOrg: %s %s %v", owner, repo, isOrg)
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, `
name: mgr-a
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestLoadReactiveRequiresQueueFields(t *testing.T) {
	path := writeTempConfig(t, `
name: mgr-a
prefix: mgr-a
github:
  token: tok
  path: my-org
openstack:
  authUrl: https://openstack.example.com/v3
  flavor: m1.small
  network: runners-net
reactive:
  supportedLabels: ["large"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for reactive config missing queue settings")
	}
}

func TestLoadOrgScope(t *testing.T) {
	path := writeTempConfig(t, `
name: mgr-a
prefix: mgr-a
github:
  token: tok
  path: my-org
openstack:
  authUrl: https://openstack.example.com/v3
  flavor: m1.small
  network: runners-net
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	owner, repo, isOrg := cfg.RepoOrOrg()
	if !isOrg || owner != "my-org" || repo != "" {
		t.Errorf("unexpected RepoOrOrg: %s %s %v", owner, repo, isOrg)
	}
}
