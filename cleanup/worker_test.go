package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/storage"
)

type fakeQueue struct {
	mu    sync.Mutex
	jobs  []*storage.CleanupJob
	acked []string
}

func (q *fakeQueue) Dequeue(context.Context) (*storage.CleanupJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) Ack(_ context.Context, job *storage.CleanupJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, job.ID)
	return nil
}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type failingRemover struct{}

func (failingRemover) Delete(context.Context, string) error { return errors.New("503") }

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	w.idle = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorkerDeletesAndAcks(t *testing.T) {
	blobs := storage.NewMemoryBlobs("http://local/blobs")
	ctx := context.Background()
	require.NoError(t, blobs.StageBlock(ctx, "users/u1/files/1_a.png", 0, []byte("x")))
	_, err := blobs.Commit(ctx, "users/u1/files/1_a.png", "image/png", 1)
	require.NoError(t, err)

	q := &fakeQueue{jobs: []*storage.CleanupJob{
		{ID: "m1", Path: "users/u1/files/1_a.png", Attempts: 1},
		{ID: "m2", Path: "", Attempts: 1},
	}}
	logger, hook := test.NewNullLogger()
	runWorker(t, NewWorker(q, blobs, logger))

	require.Eventually(t, func() bool { return len(q.ackedIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, q.ackedIDs())
	assert.Zero(t, blobs.Len())

	var dropped bool
	for _, e := range hook.AllEntries() {
		if e.Message == "dropping malformed cleanup job" {
			dropped = true
		}
	}
	assert.True(t, dropped)
}

func TestWorkerRetriesThenGivesUp(t *testing.T) {
	q := &fakeQueue{jobs: []*storage.CleanupJob{
		{ID: "retry", Path: "users/u1/files/1_a.png", Attempts: 1},
		{ID: "poison", Path: "users/u1/files/2_b.png", Attempts: defaultMaxAttempts},
	}}
	logger, _ := test.NewNullLogger()
	runWorker(t, NewWorker(q, failingRemover{}, logger))

	require.Eventually(t, func() bool { return len(q.ackedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"poison"}, q.ackedIDs())
}

func TestDirectSchedulesImmediately(t *testing.T) {
	blobs := storage.NewMemoryBlobs("http://local/blobs")
	ctx := context.Background()
	require.NoError(t, blobs.StageBlock(ctx, "p", 0, []byte("x")))
	_, err := blobs.Commit(ctx, "p", "image/png", 1)
	require.NoError(t, err)

	require.NoError(t, Direct{Blobs: blobs}.Schedule(ctx, "p"))
	assert.Zero(t, blobs.Len())
}
