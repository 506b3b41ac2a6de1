package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// CleanupJob asks for an orphaned attachment to be removed.
type CleanupJob struct {
	ID       string `json:"-"`
	Receipt  string `json:"-"`
	Attempts int    `json:"-"`
	Path     string `json:"path"`
}

// CleanupQueue carries blob removal requests so a task delete never waits on
// the blob store.
type CleanupQueue struct {
	queue *azqueue.QueueClient
}

// NewCleanupQueue creates a queue client for the named queue.
func NewCleanupQueue(connStr, name string) (*CleanupQueue, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return nil, err
	}
	return &CleanupQueue{queue: q}, nil
}

// Schedule enqueues removal of the blob at path.
func (q *CleanupQueue) Schedule(ctx context.Context, path string) error {
	data, err := json.Marshal(CleanupJob{Path: path})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Dequeue retrieves a single job, or nil when the queue is empty.
func (q *CleanupQueue) Dequeue(ctx context.Context) (*CleanupJob, error) {
	resp, err := q.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	job := &CleanupJob{}
	if msg.MessageText != nil {
		if err := json.Unmarshal([]byte(*msg.MessageText), job); err != nil {
			// Undecodable jobs surface with an empty path so the worker
			// acknowledges and drops them.
			job.Path = ""
		}
	}
	if msg.MessageID != nil {
		job.ID = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		job.Receipt = *msg.PopReceipt
	}
	if msg.DequeueCount != nil {
		job.Attempts = int(*msg.DequeueCount)
	}
	return job, nil
}

// Ack removes a processed job from the queue.
func (q *CleanupQueue) Ack(ctx context.Context, job *CleanupJob) error {
	_, err := q.queue.DeleteMessage(ctx, job.ID, job.Receipt, nil)
	return err
}
