package reactive

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
)

// jobLookup is the subset of *ci.Client a worker needs to check whether a
// queued job has already been claimed.
type jobLookup interface {
	JobInfo(ctx context.Context, repo string, jobID int64) (ci.Job, error)
}

// runnerCreator is the subset of *runnermanager.Manager a worker drives.
type runnerCreator interface {
	CreateRunners(ctx context.Context, n int) ([]cloud.InstanceId, error)
}

// Worker is one reactive process (spec.md §4.7): it consumes messages one
// at a time and requests at most one runner creation per message.
type Worker struct {
	queue           Queue
	supportedLabels map[string]bool
	jobs            jobLookup
	runners         runnerCreator
	log             *logrus.Logger

	// createMu is the process-local lock spec.md §9's "ordering under
	// flush" open question requires: the supervisor's termination signal
	// must not interrupt an in-flight CreateRunners(1) call.
	createMu sync.Mutex
}

// NewWorker builds a Worker bound to queue, validating incoming messages
// against supportedLabels.
func NewWorker(queue Queue, supportedLabels []string, jobs jobLookup, runners runnerCreator, log *logrus.Logger) *Worker {
	return &Worker{
		queue:           queue,
		supportedLabels: ToSet(supportedLabels),
		jobs:            jobs,
		runners:         runners,
		log:             log,
	}
}

// Run blocks, processing one message at a time, until ctx is cancelled or
// the queue reports a transport failure. Cancellation is only honored
// between messages: a message already being handled runs to completion,
// including any in-flight creation, before Run returns (spec.md §5
// "Cancellation ... Reactive workers on termination run their signal-handled
// exit path: any in-flight CreateRunners(1) completes, the queue message is
// acked, then the process exits").
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Handling uses a context detached from the caller's cancellation
		// signal so a shutdown request cannot abort an in-flight create.
		if err := w.handle(context.Background(), msg); err != nil {
			w.log.WithError(err).WithField("message_id", msg.ID).Error("reactive worker: message handling failed")
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// RunOnce processes exactly one message and returns. It is the unit the
// worker's own unit tests drive directly.
func (w *Worker) RunOnce(ctx context.Context) error {
	msg, err := w.queue.Receive(ctx)
	if err != nil {
		return err
	}
	return w.handle(ctx, msg)
}

func (w *Worker) handle(ctx context.Context, msg *Message) error {
	if !labelsSubsetOf(msg.Job.Labels, w.supportedLabels) {
		w.log.WithField("labels", msg.Job.Labels).Warn("reactive worker: unsupported labels, requeuing")
		return w.queue.Nack(ctx, msg)
	}

	repo, jobID, err := parseJobURL(msg.Job.URL)
	if err != nil {
		var malformed *malformedJobURLError
		if errors.As(err, &malformed) {
			w.log.WithField("url", msg.Job.URL).Error("reactive worker: malformed job url, dropping message")
			return w.queue.Ack(ctx, msg)
		}
		return err
	}

	job, err := w.jobs.JobInfo(ctx, repo, jobID)
	if err != nil {
		var notFound *ci.JobNotFoundError
		if errors.As(err, &notFound) {
			// Job is gone by the time we looked: already handled.
			return w.queue.Ack(ctx, msg)
		}
		return err
	}

	if job.AlreadyClaimed() {
		return w.queue.Ack(ctx, msg)
	}

	w.createMu.Lock()
	_, createErr := w.runners.CreateRunners(ctx, 1)
	w.createMu.Unlock()
	if createErr != nil {
		w.log.WithError(createErr).Error("reactive worker: create runner failed")
	}

	// Acked regardless of create outcome: CreateRunners already logs and
	// swallows per-runner failures, so a failed creation is not retried
	// from this message once it is acked.
	return w.queue.Ack(ctx, msg)
}
