package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/entitle-io/entitle/internal/grants"
)

const (
	// QueueGrants carries all grant maintenance work.
	QueueGrants = "grants"

	// TaskGrantsResync replaces the whole grant universe with an uploaded batch.
	TaskGrantsResync = "grants:resync"
	// TaskGrantsGC prunes resource rows no grant edge references anymore.
	TaskGrantsGC = "grants:gc"
)

// GrantsResyncPayload is the queued form of a resynchronization batch.
type GrantsResyncPayload struct {
	BatchID string                   `json:"batch_id"`
	Grants  []grants.PrincipalGrants `json:"grants"`
}

// GrantsGCPayload parameterises one orphan sweep. A zero retention defers to
// the job's configured default.
type GrantsGCPayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewGrantsResyncTask packages a batch for the worker. The batch id doubles
// as the asynq task id, so re-submitting the same batch does not enqueue a
// second run.
func NewGrantsResyncTask(batchID string, batch []grants.PrincipalGrants) (*asynq.Task, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	body, err := json.Marshal(GrantsResyncPayload{BatchID: batchID, Grants: batch})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantsResync, body,
		asynq.Queue(QueueGrants),
		asynq.TaskID(batchID),
		asynq.MaxRetry(5),
	), nil
}

// NewGrantsGCTask builds the orphan sweep task.
func NewGrantsGCTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(GrantsGCPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantsGC, body, asynq.Queue(QueueGrants)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueResync queues a full grant replacement and returns the batch id.
func (c *Client) EnqueueResync(ctx context.Context, batch []grants.PrincipalGrants) (string, error) {
	batchID := uuid.NewString()
	task, err := NewGrantsResyncTask(batchID, batch)
	if err != nil {
		return "", err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return "", fmt.Errorf("jobs: enqueue resync: %w", err)
	}
	return batchID, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
