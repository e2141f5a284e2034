package scaler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/runnermanager"
)

type fakeRunnerOps struct {
	mu sync.Mutex

	runners      []runnermanager.RunnerInstance
	createCalls  []int
	deleteCalls  []int
	flushCalls   []runnermanager.FlushMode
	cleanupCalls int

	createErr error
	deleteErr error
}

func (f *fakeRunnerOps) GetRunners(ctx context.Context, ciStates map[ci.CIRunnerState]bool, cloudStates map[cloud.CloudRunnerState]bool) ([]runnermanager.RunnerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runnermanager.RunnerInstance{}, f.runners...), nil
}

func (f *fakeRunnerOps) CreateRunners(ctx context.Context, n int) ([]cloud.InstanceId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, n)
	if f.createErr != nil {
		return nil, f.createErr
	}
	ids := make([]cloud.InstanceId, n)
	for i := range ids {
		ids[i] = cloud.InstanceId("new")
	}
	return ids, nil
}

func (f *fakeRunnerOps) DeleteRunners(ctx context.Context, n int) (runnermanager.EventStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, n)
	if f.deleteErr != nil {
		return runnermanager.EventStats{}, f.deleteErr
	}
	// Mirrors the real Runner Manager's busy protection: only idle runners
	// are ever eligible for deletion.
	idle := 0
	for _, r := range f.runners {
		if !r.Busy() {
			idle++
		}
	}
	deleted := n
	if idle < deleted {
		deleted = idle
	}
	return runnermanager.EventStats{Deleted: deleted}, nil
}

func (f *fakeRunnerOps) FlushRunners(ctx context.Context, mode runnermanager.FlushMode) (runnermanager.EventStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls = append(f.flushCalls, mode)
	return runnermanager.EventStats{}, nil
}

func (f *fakeRunnerOps) Cleanup(ctx context.Context) (runnermanager.EventStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return runnermanager.EventStats{}, nil
}

type fakeSupervisor struct {
	mu           sync.Mutex
	reconcileArg []int
	spawned      int
	killed       int
}

func (f *fakeSupervisor) Reconcile(ctx context.Context, k int) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconcileArg = append(f.reconcileArg, k)
	return f.spawned, f.killed, nil
}

func (f *fakeSupervisor) Observed() int { return 0 }

type fakeQueueDepth struct{ depth int64 }

func (f *fakeQueueDepth) Depth(ctx context.Context) (int64, error) { return f.depth, nil }

func newTestEventLog(t *testing.T) (*eventlog.Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	log, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, path
}

func idleRunner(name string) runnermanager.RunnerInstance {
	return runnermanager.RunnerInstance{Name: name, CIState: ci.StateIdle, CloudState: cloud.StateActive}
}

func busyRunner(name string) runnermanager.RunnerInstance {
	return runnermanager.RunnerInstance{Name: name, CIState: ci.StateBusy, CloudState: cloud.StateActive}
}

func TestReconcileProactiveColdStart(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{}
	s := NewProactive(ops, events, "test", logger)

	delta, err := s.Reconcile(context.Background(), 3)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if delta != 3 {
		t.Fatalf("expected delta 3, got %d", delta)
	}
	if len(ops.createCalls) != 1 || ops.createCalls[0] != 3 {
		t.Fatalf("expected one CreateRunners(3) call, got %v", ops.createCalls)
	}
	if ops.cleanupCalls != 1 {
		t.Errorf("expected cleanup to run first, got %d calls", ops.cleanupCalls)
	}
}

func TestReconcileProactiveDriftDown(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{runners: []runnermanager.RunnerInstance{
		idleRunner("a"), idleRunner("b"), idleRunner("c"), idleRunner("d"), idleRunner("e"),
	}}
	s := NewProactive(ops, events, "test", logger)

	delta, err := s.Reconcile(context.Background(), 2)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if delta != -3 {
		t.Fatalf("expected delta -3, got %d", delta)
	}
	if len(ops.deleteCalls) != 1 || ops.deleteCalls[0] != 3 {
		t.Fatalf("expected DeleteRunners(3), got %v", ops.deleteCalls)
	}
}

func TestReconcileProactiveBusyProtection(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{runners: []runnermanager.RunnerInstance{
		busyRunner("a"), busyRunner("b"), idleRunner("c"),
	}}
	s := NewProactive(ops, events, "test", logger)

	delta, err := s.Reconcile(context.Background(), 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if delta != -1 {
		t.Fatalf("expected delta -1 (only the idle runner targeted), got %d", delta)
	}
	if len(ops.deleteCalls) != 1 || ops.deleteCalls[0] != 3 {
		t.Fatalf("expected DeleteRunners(3) requested (DeleteRunners itself excludes busy), got %v", ops.deleteCalls)
	}
}

func TestReconcileReactiveScaleUp(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{}
	sup := &fakeSupervisor{spawned: 4}
	queue := &fakeQueueDepth{depth: 4}
	s := NewReactive(ops, sup, queue, events, "test", logger)

	delta, err := s.Reconcile(context.Background(), 4)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if delta != 4 {
		t.Fatalf("expected delta 4, got %d", delta)
	}
	if len(sup.reconcileArg) != 1 || sup.reconcileArg[0] != 4 {
		t.Fatalf("expected supervisor.Reconcile(4), got %v", sup.reconcileArg)
	}
	if len(ops.flushCalls) != 0 {
		t.Errorf("expected no flush when queue is non-empty, got %v", ops.flushCalls)
	}
}

func TestReconcileReactiveEmptyQueueFlushesIdle(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{runners: []runnermanager.RunnerInstance{idleRunner("a")}}
	sup := &fakeSupervisor{}
	queue := &fakeQueueDepth{depth: 0}
	s := NewReactive(ops, sup, queue, events, "test", logger)

	if _, err := s.Reconcile(context.Background(), 0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(ops.flushCalls) != 1 || ops.flushCalls[0] != runnermanager.FlushIdle {
		t.Fatalf("expected FlushIdle on empty queue, got %v", ops.flushCalls)
	}
}

func TestReconcileIsNotReentrant(t *testing.T) {
	events, path := newTestEventLog(t)
	defer os.Remove(path)
	logger := logrus.New()
	logger.Out = io.Discard

	ops := &fakeRunnerOps{}
	s := NewProactive(ops, events, "test", logger)
	s.inFlight = 1 // simulate a reconciliation already running

	delta, err := s.Reconcile(context.Background(), 5)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if delta != 0 {
		t.Fatalf("expected delta 0 for an overlapping call, got %d", delta)
	}
	if len(ops.createCalls) != 0 {
		t.Errorf("expected no mutation from an overlapping call, got %v", ops.createCalls)
	}
}
