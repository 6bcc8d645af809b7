package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-tax/internal/exigibility"
	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
)

// Projector refreshes the cash-basis mirrors of a document.
type Projector interface {
	Project(ctx context.Context, moveID int64) (exigibility.Projection, error)
}

// CacheInvalidator drops cached report trees.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// CashBasisProjectJob runs cashbasis:project tasks. Projection is idempotent,
// so failed runs are retried.
type CashBasisProjectJob struct {
	Projector Projector
	Cache     CacheInvalidator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewCashBasisProjectJob constructs the job handler. cache may be nil.
func NewCashBasisProjectJob(projector Projector, cache CacheInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *CashBasisProjectJob {
	return &CashBasisProjectJob{Projector: projector, Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle projects one document.
func (j *CashBasisProjectJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Projector == nil {
		return errors.New("cash basis project: projector not configured")
	}
	var payload CashBasisProjectPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.MoveID <= 0 {
		return fmt.Errorf("cash basis project: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskCashBasisProject)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	projection, err := j.Projector.Project(ctx, payload.MoveID)
	if err != nil {
		resultErr = err
		j.log().Error("project cash basis", slog.Int64("move_id", payload.MoveID), slog.Any("error", err))
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, exigibility.ErrMirrorMove) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if projection.MirrorMoveID == 0 {
		return nil
	}
	j.metrics().AddMirrorMove()
	if j.Cache != nil {
		if err := j.Cache.Invalidate(ctx); err != nil {
			j.log().Warn("report cache invalidation failed", slog.Any("error", err))
		}
	}
	j.log().Info("cash basis mirror posted",
		slog.Int64("move_id", payload.MoveID),
		slog.Int64("mirror_move_id", projection.MirrorMoveID),
		slog.String("paid_fraction", projection.PaidFraction.StringFixed(4)))
	return nil
}

func (j *CashBasisProjectJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CashBasisProjectJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCashBasisProject))
	}
	return slog.Default().With(slog.String("job", TaskCashBasisProject))
}
