package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

// OptionsResolver resolves the scope of a report.
type OptionsResolver interface {
	OptionsFor(reportID string, req scope.Requested) (scope.Options, error)
}

// ClosingGenerator posts closing entries.
type ClosingGenerator interface {
	GenerateClosingEntries(ctx context.Context, period taxreport.Period, opts scope.Options) ([]int64, error)
}

// ClosingGenerateJob runs closing:generate tasks.
type ClosingGenerateJob struct {
	Options   OptionsResolver
	Generator ClosingGenerator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewClosingGenerateJob constructs the job handler.
func NewClosingGenerateJob(options OptionsResolver, generator ClosingGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClosingGenerateJob {
	return &ClosingGenerateJob{Options: options, Generator: generator, Logger: logger, Metrics: metrics}
}

// Handle executes a closing run. Runs that already posted some moves, or
// failed on configuration, are not retried: a retry would post the
// successful buckets again. A run stopped only by held locks is retried.
func (j *ClosingGenerateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Options == nil || j.Generator == nil {
		return errors.New("closing generate: dependencies not configured")
	}
	var payload ClosingGeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("closing generate: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskClosingGenerate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	from, _ := time.Parse(time.DateOnly, payload.DateFrom)
	to, _ := time.Parse(time.DateOnly, payload.DateTo)
	opts, err := j.Options.OptionsFor(payload.ReportID, scope.Requested{
		FiscalPosition: scope.ParseSelector(payload.FiscalPosition),
		CompanyIDs:     payload.CompanyIDs,
	})
	if err != nil {
		resultErr = err
		j.log().Error("resolve closing options", slog.String("report", payload.ReportID), slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	ids, err := j.Generator.GenerateClosingEntries(ctx, taxreport.Period{From: from, To: to}, opts)
	if err != nil {
		resultErr = err
		j.log().Error("closing run failed",
			slog.String("report", payload.ReportID),
			slog.Int("moves", len(ids)),
			slog.Any("error", err))
		if len(ids) == 0 && onlyLocked(err) {
			return err
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	j.log().Info("closing run completed",
		slog.String("report", payload.ReportID),
		slog.String("date_to", payload.DateTo),
		slog.Int("moves", len(ids)))
	return nil
}

func onlyLocked(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return errors.Is(err, shared.ErrLocked)
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, shared.ErrLocked) {
			return false
		}
	}
	return true
}

func (j *ClosingGenerateJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClosingGenerateJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskClosingGenerate))
	}
	return slog.Default().With(slog.String("job", TaskClosingGenerate))
}
