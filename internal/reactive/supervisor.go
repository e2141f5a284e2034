package reactive

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// workerTerminationGrace bounds how long Reconcile waits for a SIGTERM'd
// worker to exit on its own before escalating to SIGKILL. It must exceed
// the time a worker's in-flight CreateRunners(1) can legitimately take, or
// the supervisor would kill a worker mid-create (spec.md §9 "ordering under
// flush during reconcile").
const workerTerminationGrace = 11 * time.Minute

// spawnFunc starts one worker process and returns a handle to it. Tests
// substitute this to avoid actually forking a binary.
type spawnFunc func(ctx context.Context) (workerHandle, error)

// workerHandle is the subset of *exec.Cmd the supervisor needs to track a
// spawned worker and terminate it gracefully.
type workerHandle interface {
	Terminate() error
	Kill() error
	Wait() error
}

// cmdHandle adapts *exec.Cmd to workerHandle.
type cmdHandle struct{ cmd *exec.Cmd }

func (h *cmdHandle) Terminate() error { return h.cmd.Process.Signal(syscall.SIGTERM) }
func (h *cmdHandle) Kill() error      { return h.cmd.Process.Kill() }
func (h *cmdHandle) Wait() error      { return h.cmd.Wait() }

// trackedWorker is one spawned worker. done is closed exactly once, by the
// single background goroutine that owns the Wait() call.
type trackedWorker struct {
	handle    workerHandle
	startedAt time.Time
	done      chan struct{}
}

func (w trackedWorker) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Supervisor keeps the observed count of running reactive worker processes
// converged on a target k (spec.md §4.7 "Supervision"). Each worker is this
// same binary re-invoked with a "reactive-worker" subcommand; the
// command-line prefix named in spec.md is that subcommand plus the
// manager's prefix flag, which is how an external `ps` inspection would
// recognize a worker as this manager's.
type Supervisor struct {
	mu      sync.Mutex
	workers []trackedWorker

	spawn spawnFunc
	log   *logrus.Logger
}

// New builds a Supervisor that spawns workers by re-executing binaryPath
// with args followed by "reactive-worker", tagged with prefix so a process
// listing can identify ownership.
func New(binaryPath string, args []string, prefix string, log *logrus.Logger) *Supervisor {
	fullArgs := append(append([]string{}, args...), "reactive-worker", "--prefix", prefix)
	return &Supervisor{
		log: log,
		spawn: func(ctx context.Context) (workerHandle, error) {
			cmd := exec.CommandContext(ctx, binaryPath, fullArgs...)
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return &cmdHandle{cmd: cmd}, nil
		},
	}
}

// newTestSupervisor is used by tests to inject a fake spawnFunc.
func newTestSupervisor(spawn spawnFunc, log *logrus.Logger) *Supervisor {
	return &Supervisor{spawn: spawn, log: log}
}

// Observed returns the current tracked worker count, reaping any that have
// already exited.
func (s *Supervisor) Observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	return len(s.workers)
}

// Reconcile spawns k-observed new workers if short, or kills observed-k of
// the newest workers if over (spec.md §4.7 "Reconcile(k) compares observed
// to target: spawn k - observed new workers if short; kill observed - k
// newest workers if over").
func (s *Supervisor) Reconcile(ctx context.Context, k int) (spawned, killed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()

	observed := len(s.workers)
	switch {
	case observed < k:
		for i := 0; i < k-observed; i++ {
			handle, spawnErr := s.spawn(ctx)
			if spawnErr != nil {
				s.log.WithError(spawnErr).Error("reactive supervisor: spawn worker failed")
				continue
			}
			done := make(chan struct{})
			go func(h workerHandle) {
				_ = h.Wait()
				close(done)
			}(handle)
			s.workers = append(s.workers, trackedWorker{handle: handle, startedAt: time.Now(), done: done})
			spawned++
		}
	case observed > k:
		toKill := observed - k
		sort.Slice(s.workers, func(i, j int) bool { return s.workers[i].startedAt.After(s.workers[j].startedAt) })
		for i := 0; i < toKill; i++ {
			w := s.workers[i]
			if err := s.terminateAndWait(w); err != nil {
				s.log.WithError(err).Error("reactive supervisor: terminate worker failed")
				continue
			}
			killed++
		}
		s.workers = s.workers[toKill:]
	}
	return spawned, killed, nil
}

// terminateAndWait sends a termination signal the worker traps to
// ack-or-nack its in-flight message cleanly, then waits up to
// workerTerminationGrace before escalating to Kill (spec.md §4.7 "the
// worker may not be killed while a creation is in flight").
func (s *Supervisor) terminateAndWait(w trackedWorker) error {
	if err := w.handle.Terminate(); err != nil {
		return fmt.Errorf("signal worker: %w", err)
	}

	select {
	case <-w.done:
		return nil
	case <-time.After(workerTerminationGrace):
		s.log.Warn("reactive supervisor: worker did not exit within grace period, killing")
		if err := w.handle.Kill(); err != nil {
			return fmt.Errorf("kill worker: %w", err)
		}
		<-w.done
		return nil
	}
}

// reapLocked drops workers whose process has already exited. Must be
// called with mu held.
func (s *Supervisor) reapLocked() {
	var live []trackedWorker
	for _, w := range s.workers {
		if w.running() {
			live = append(live, w)
		}
	}
	s.workers = live
}
