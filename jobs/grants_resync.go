package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/entitle-io/entitle/internal/grants"
	jobmetrics "github.com/entitle-io/entitle/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// GrantSynchronizer applies a complete grant universe in one shot.
type GrantSynchronizer interface {
	PutAll(ctx context.Context, sets []*grants.Set) error
}

// GrantsResyncJob applies queued resynchronization batches.
type GrantsResyncJob struct {
	Service GrantSynchronizer
	Codec   *grants.Codec
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewGrantsResyncJob constructs the job handler.
func NewGrantsResyncJob(service GrantSynchronizer, codec *grants.Codec, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantsResyncJob {
	return &GrantsResyncJob{
		Service: service,
		Codec:   codec,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one resynchronization batch.
func (j *GrantsResyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil || j.Codec == nil {
		return errors.New("grants resync: dependencies not configured")
	}
	var payload GrantsResyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("grants resync: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskGrantsResync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	sets := make([]*grants.Set, 0, len(payload.Grants))
	for _, entry := range payload.Grants {
		set, err := entry.ToSet(j.Codec)
		if err != nil {
			resultErr = fmt.Errorf("grants resync: batch %s: %v: %w", payload.BatchID, err, asynq.SkipRetry)
			j.log().Error("decode batch entry", slog.String("batch_id", payload.BatchID), slog.String("principal", entry.Principal), slog.Any("error", err))
			return resultErr
		}
		sets = append(sets, set)
	}

	start := j.now()
	if err := j.Service.PutAll(ctx, sets); err != nil {
		resultErr = err
		j.log().Error("apply batch", slog.String("batch_id", payload.BatchID), slog.Any("error", err))
		return resultErr
	}

	j.log().Info("applied resync batch",
		slog.String("batch_id", payload.BatchID),
		slog.Int("principals", len(sets)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *GrantsResyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GrantsResyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGrantsResync))
	}
	return slog.Default().With(slog.String("job", TaskGrantsResync))
}

func (j *GrantsResyncJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *GrantsResyncJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
