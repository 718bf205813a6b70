package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/entitle-io/entitle/internal/jobs"
)

// DefaultResourceRetention is how long an orphaned resource row survives
// before the sweep removes it.
const DefaultResourceRetention = 24 * time.Hour

// ResourcePruner removes resource rows that no grant edge references.
type ResourcePruner interface {
	PruneOrphanResources(ctx context.Context, olderThan int64) (int64, error)
}

// GrantsGCJob removes orphaned resource rows left behind by removed
// principals and shrinking grant sets.
type GrantsGCJob struct {
	Repo      ResourcePruner
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention time.Duration
	clock     func() time.Time
}

// NewGrantsGCJob constructs the job handler.
func NewGrantsGCJob(repo ResourcePruner, logger *slog.Logger, metrics *jobmetrics.Metrics, retention time.Duration) *GrantsGCJob {
	if retention <= 0 {
		retention = DefaultResourceRetention
	}
	return &GrantsGCJob{
		Repo:      repo,
		Logger:    logger,
		Metrics:   metrics,
		Retention: retention,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one orphan sweep.
func (j *GrantsGCJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("grants gc: dependencies not configured")
	}
	var payload GrantsGCPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("grants gc: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskGrantsGC)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	retention := j.Retention
	if payload.Retention > 0 {
		retention = payload.Retention
	}

	cutoff := j.now().Add(-retention).UnixMilli()
	pruned, err := j.Repo.PruneOrphanResources(ctx, cutoff)
	if err != nil {
		resultErr = err
		j.log().Error("prune orphan resources", slog.Any("error", err))
		return resultErr
	}

	j.log().Info("pruned orphan resources", slog.Int64("rows", pruned), slog.Duration("retention", retention))
	return resultErr
}

func (j *GrantsGCJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GrantsGCJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGrantsGC))
	}
	return slog.Default().With(slog.String("job", TaskGrantsGC))
}

func (j *GrantsGCJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *GrantsGCJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
