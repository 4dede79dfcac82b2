// Package queue enqueues extraction jobs on Redis for a separate worker
// process.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/hibiken/asynq"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client is a dispatch.Dispatcher backed by asynq.
type Client struct {
	client  enqueuer
	queue   string
	timeout time.Duration
	now     func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	return newClient(asynq.NewClient(redisOpt), queueName, timeout)
}

func newClient(c enqueuer, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		client:  c,
		queue:   queueName,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch enqueues the job exactly once. Extraction is never retried, so
// the task carries MaxRetry(0).
func (c *Client) Dispatch(ctx context.Context, t dispatch.Task) error {
	task, err := NewExtractReceiptTask(ExtractReceiptPayload{
		JobID:       t.JobID,
		ReceiptID:   t.ReceiptID,
		RequestedAt: c.now(),
	})
	if err != nil {
		return err
	}

	if _, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(t.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	); err != nil {
		return fmt.Errorf("enqueue job %s: %w", t.JobID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
