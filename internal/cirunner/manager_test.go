package cirunner

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/ci"
)

type fakeCIClient struct {
	runners []ci.CIRunner

	mu      sync.Mutex
	deleted []int64
}

func (f *fakeCIClient) ListRunners(ctx context.Context) ([]ci.CIRunner, error) {
	return f.runners, nil
}

func (f *fakeCIClient) DeleteRunner(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestManager(fake *fakeCIClient, prefix string) *Manager {
	log := logrus.New()
	log.Out = io.Discard
	return New(fake, prefix, log)
}

func TestListRunnersFiltersByPrefix(t *testing.T) {
	fake := &fakeCIClient{runners: []ci.CIRunner{
		{ID: 1, Name: "mgr-a-1", Online: true},
		{ID: 2, Name: "mgr-b-1", Online: true},
		{ID: 3, Name: "mgr-a-2", Online: true},
	}}
	mgr := newTestManager(fake, "mgr-a")

	owned, err := mgr.ListRunners(context.Background())
	if err != nil {
		t.Fatalf("ListRunners: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected 2 owned runners, got %d: %+v", len(owned), owned)
	}
}

func TestDeleteRunnersOnlyTargetsRequestedStates(t *testing.T) {
	fake := &fakeCIClient{runners: []ci.CIRunner{
		{ID: 1, Name: "mgr-a-1", Online: false},             // offline
		{ID: 2, Name: "mgr-a-2", Online: true, Busy: false},  // idle
		{ID: 3, Name: "mgr-a-3", Online: true, Busy: true},   // busy
		{ID: 4, Name: "mgr-b-9", Online: false},              // not owned
	}}
	mgr := newTestManager(fake, "mgr-a")

	targets, err := mgr.DeleteRunners(context.Background(), map[ci.CIRunnerState]bool{ci.StateOffline: true})
	if err != nil {
		t.Fatalf("DeleteRunners: %v", err)
	}
	if len(targets) != 1 || targets[0].ID != 1 {
		t.Fatalf("expected only runner 1 targeted, got %+v", targets)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 1 || fake.deleted[0] != 1 {
		t.Fatalf("expected DeleteRunner(1) called once, got %v", fake.deleted)
	}
}
