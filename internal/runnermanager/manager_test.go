package runnermanager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/health"
	"github.com/runnerforge/fleet/internal/metricsstore"
)

type fakeMetrics struct{ collected []string }

func (f *fakeMetrics) CollectAndRemove(id cloud.InstanceId, runnerName string) (*metricsstore.RunnerMetrics, error) {
	f.collected = append(f.collected, runnerName)
	return &metricsstore.RunnerMetrics{RunnerName: runnerName}, nil
}

type fakeCloud struct{ instances []cloud.CloudInstance }

func (f *fakeCloud) GetInstances(ctx context.Context) ([]cloud.CloudInstance, error) {
	return f.instances, nil
}

type fakeCI struct{ runners []ci.CIRunner }

func (f *fakeCI) ListRunners(ctx context.Context) ([]ci.CIRunner, error) { return f.runners, nil }

type fakePhantoms struct{ deleted []ci.CIRunner }

func (f *fakePhantoms) DeleteRunners(ctx context.Context, states map[ci.CIRunnerState]bool) ([]ci.CIRunner, error) {
	return f.deleted, nil
}

type fakeTokens struct{}

func (fakeTokens) RegistrationToken(ctx context.Context) (string, error) { return "reg-tok", nil }
func (fakeTokens) RemovalToken(ctx context.Context) (string, error)      { return "rm-tok", nil }

type fakeCloudRunner struct {
	mu      sync.Mutex
	created []string
	deleted []cloud.InstanceId
}

func (f *fakeCloudRunner) CreateRunner(ctx context.Context, registrationToken string) (cloud.InstanceId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := cloud.InstanceId("mgr-a-new")
	f.created = append(f.created, registrationToken)
	return id, nil
}

func (f *fakeCloudRunner) DeleteRunner(ctx context.Context, id cloud.InstanceId, removalToken, status string) (*metricsstore.RunnerMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return &metricsstore.RunnerMetrics{RunnerName: string(id)}, nil
}

func (f *fakeCloudRunner) FlushRunners(ctx context.Context, removalToken string, busy bool) ([]*metricsstore.RunnerMetrics, error) {
	return []*metricsstore.RunnerMetrics{{RunnerName: "mgr-a-1"}}, nil
}

func (f *fakeCloudRunner) Cleanup(ctx context.Context, removalToken string) ([]*metricsstore.RunnerMetrics, error) {
	return []*metricsstore.RunnerMetrics{{RunnerName: "mgr-a-crashed"}}, nil
}

type fakeHealth struct{ state health.State }

func (f fakeHealth) Check(ctx context.Context, instance cloud.CloudInstance, acceptFinishedJob bool) health.State {
	return f.state
}

func newTestManager(t *testing.T, fc *fakeCloud, fci *fakeCI, fp *fakePhantoms, fcr *fakeCloudRunner, hc health.State) *Manager {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	return New(fc, fci, fp, fakeTokens{}, fcr, fakeHealth{state: hc}, nil, nil, log)
}

func TestGetRunnersJoinsByNameAndExcludesPhantoms(t *testing.T) {
	fc := &fakeCloud{instances: []cloud.CloudInstance{
		{InstanceID: "mgr-a-1", Status: cloud.StateActive, CreatedAt: time.Now()},
	}}
	fci := &fakeCI{runners: []ci.CIRunner{
		{ID: 1, Name: "mgr-a-1", Online: true, Busy: false},
		{ID: 2, Name: "mgr-a-phantom", Online: false}, // no cloud instance; excluded
	}}
	mgr := newTestManager(t, fc, fci, &fakePhantoms{}, &fakeCloudRunner{}, health.Healthy)

	runners, err := mgr.GetRunners(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetRunners: %v", err)
	}
	if len(runners) != 1 {
		t.Fatalf("expected 1 joined runner (phantom excluded), got %d: %+v", len(runners), runners)
	}
	if runners[0].CIState != ci.StateIdle {
		t.Errorf("expected idle state, got %s", runners[0].CIState)
	}
}

func TestCreateRunnersUsesOneSharedToken(t *testing.T) {
	fcr := &fakeCloudRunner{}
	mgr := newTestManager(t, &fakeCloud{}, &fakeCI{}, &fakePhantoms{}, fcr, health.Healthy)

	ids, err := mgr.CreateRunners(context.Background(), 3)
	if err != nil {
		t.Fatalf("CreateRunners: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 created ids, got %d", len(ids))
	}
	fcr.mu.Lock()
	defer fcr.mu.Unlock()
	if len(fcr.created) != 3 {
		t.Fatalf("expected 3 create calls, got %d", len(fcr.created))
	}
	for _, tok := range fcr.created {
		if tok != "reg-tok" {
			t.Errorf("expected shared registration token, got %q", tok)
		}
	}
}

func TestDeleteRunnersNeverSelectsBusy(t *testing.T) {
	now := time.Now()
	fc := &fakeCloud{instances: []cloud.CloudInstance{
		{InstanceID: "mgr-a-old", Status: cloud.StateActive, CreatedAt: now.Add(-2 * time.Hour)},
		{InstanceID: "mgr-a-busy", Status: cloud.StateActive, CreatedAt: now.Add(-3 * time.Hour)},
		{InstanceID: "mgr-a-new", Status: cloud.StateActive, CreatedAt: now.Add(-1 * time.Hour)},
	}}
	fci := &fakeCI{runners: []ci.CIRunner{
		{ID: 1, Name: "mgr-a-old", Online: true, Busy: false},
		{ID: 2, Name: "mgr-a-busy", Online: true, Busy: true},
		{ID: 3, Name: "mgr-a-new", Online: true, Busy: false},
	}}
	fcr := &fakeCloudRunner{}
	mgr := newTestManager(t, fc, fci, &fakePhantoms{}, fcr, health.Healthy)

	stats, err := mgr.DeleteRunners(context.Background(), 2)
	if err != nil {
		t.Fatalf("DeleteRunners: %v", err)
	}
	if stats.Deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", stats.Deleted)
	}

	fcr.mu.Lock()
	defer fcr.mu.Unlock()
	for _, id := range fcr.deleted {
		if id == "mgr-a-busy" {
			t.Fatal("must never delete a busy runner via DeleteRunners")
		}
	}
}

func TestCleanupDeletesOfflinePhantoms(t *testing.T) {
	fp := &fakePhantoms{deleted: []ci.CIRunner{{ID: 9, Name: "mgr-a-xyz"}}}
	mgr := newTestManager(t, &fakeCloud{}, &fakeCI{}, fp, &fakeCloudRunner{}, health.Healthy)

	stats, err := mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("expected 1 phantom deleted, got %d", stats.Deleted)
	}
	if stats.Crashed != 1 {
		t.Errorf("expected 1 crashed runner reported, got %d", stats.Crashed)
	}
}

func TestCleanupSynthesizesRunnerStopForPhantoms(t *testing.T) {
	fp := &fakePhantoms{deleted: []ci.CIRunner{{ID: 9, Name: "mgr-a-xyz"}}}
	fm := &fakeMetrics{}

	eventsPath := filepath.Join(t.TempDir(), "events.ndjson")
	events, err := eventlog.Open(eventsPath)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer events.Close()

	log := logrus.New()
	log.Out = io.Discard
	mgr := New(&fakeCloud{}, &fakeCI{}, fp, fakeTokens{}, &fakeCloudRunner{}, fakeHealth{state: health.Healthy}, fm, events, log)

	if _, err := mgr.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if len(fm.collected) != 1 || fm.collected[0] != "mgr-a-xyz" {
		t.Errorf("expected phantom metrics collected for mgr-a-xyz, got %v", fm.collected)
	}

	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	record := string(data)
	if !strings.Contains(record, `"event":"RunnerStop"`) || !strings.Contains(record, `"runner_name":"mgr-a-xyz"`) || !strings.Contains(record, `"status":"phantom"`) {
		t.Errorf("expected a RunnerStop event with status phantom for mgr-a-xyz, got %q", record)
	}
}
