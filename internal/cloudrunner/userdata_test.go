package cloudrunner

import (
	"strings"
	"testing"
)

func TestRenderUserdataEmbedsTokenAndLabels(t *testing.T) {
	cfg := ManagerConfig{
		Labels:        []string{"self-hosted", "large", "x64"},
		GitHubPath:    "acme/widgets",
		GitHubBaseURL: "https://api.github.com",
	}

	out, err := renderUserdata(cfg, "mgr-a-abc123", "AREG-TOKEN")
	if err != nil {
		t.Fatalf("renderUserdata: %v", err)
	}

	for _, want := range []string{"AREG-TOKEN", "self-hosted,large,x64", "mgr-a-abc123", "acme/widgets"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected userdata to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderUserdataOmitsOptionalSectionsWhenUnset(t *testing.T) {
	cfg := ManagerConfig{GitHubPath: "acme/widgets", GitHubBaseURL: "https://api.github.com"}

	out, err := renderUserdata(cfg, "mgr-a-1", "tok")
	if err != nil {
		t.Fatalf("renderUserdata: %v", err)
	}
	if strings.Contains(out, "HTTP_PROXY") {
		t.Error("expected no HTTP_PROXY export when HTTPProxy is unset")
	}
	if strings.Contains(out, "daemon.json") {
		t.Error("expected no dockerhub mirror config when unset")
	}
}
