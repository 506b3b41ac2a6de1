// Package cleanup removes attachments that no task references any more.
package cleanup

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

const (
	defaultIdle        = time.Second
	defaultMaxAttempts = 5
)

// Queue yields cleanup jobs. A job that is not acknowledged becomes visible
// again later.
type Queue interface {
	Dequeue(ctx context.Context) (*storage.CleanupJob, error)
	Ack(ctx context.Context, job *storage.CleanupJob) error
}

// Remover deletes blobs by path.
type Remover interface {
	Delete(ctx context.Context, path string) error
}

// Worker drains the cleanup queue.
type Worker struct {
	queue       Queue
	blobs       Remover
	idle        time.Duration
	maxAttempts int
	logger      *log.Logger
}

// NewWorker creates a Worker.
func NewWorker(queue Queue, blobs Remover, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Worker{queue: queue, blobs: blobs, idle: defaultIdle, maxAttempts: defaultMaxAttempts, logger: logger}
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("cleanup worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("cleanup worker stopped")
			return nil
		}
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.WithError(err).Error("dequeue failed")
			}
			w.pause(ctx)
			continue
		}
		if job == nil {
			w.pause(ctx)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *storage.CleanupJob) {
	entry := w.logger.WithFields(log.Fields{"path": job.Path, "attempt": job.Attempts})
	if job.Path == "" {
		entry.Warn("dropping malformed cleanup job")
		w.ack(ctx, job)
		return
	}
	if err := w.blobs.Delete(ctx, job.Path); err != nil {
		if job.Attempts >= w.maxAttempts {
			entry.WithError(err).Error("giving up on attachment cleanup")
			w.ack(ctx, job)
			return
		}
		entry.WithError(err).Warn("attachment cleanup failed, will retry")
		return
	}
	entry.Debug("attachment removed")
	w.ack(ctx, job)
}

func (w *Worker) ack(ctx context.Context, job *storage.CleanupJob) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.WithError(err).WithField("path", job.Path).Error("unable to acknowledge cleanup job")
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Direct removes blobs immediately instead of queueing; used when no queue
// is configured.
type Direct struct {
	Blobs Remover
}

func (d Direct) Schedule(ctx context.Context, path string) error {
	return d.Blobs.Delete(ctx, path)
}
