package closing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

// Recorder receives closing counters. *jobmetrics.Metrics implements it.
type Recorder interface {
	AddClosingMoves(companyID int64, count int)
	AddBucketFailures(companyID int64, count int)
}

// Config wires a Generator. Locker and Recorder are optional; without a
// locker buckets are closed without mutual exclusion.
type Config struct {
	Engine   *Engine
	Store    ledger.Store
	Locker   *shared.Locker
	LockTTL  time.Duration
	Recorder Recorder
	Logger   *slog.Logger
}

// Generator posts one draft closing move per bucket.
type Generator struct {
	engine   *Engine
	store    ledger.Store
	locker   *shared.Locker
	lockTTL  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Generator{
		engine:   cfg.Engine,
		store:    cfg.Store,
		locker:   cfg.Locker,
		lockTTL:  ttl,
		recorder: cfg.Recorder,
		logger:   logger,
	}
}

// Preview computes the closing of every bucket without posting anything.
func (g *Generator) Preview(ctx context.Context, period taxreport.Period, opts scope.Options) ([]Entry, error) {
	buckets := g.engine.Buckets(opts)
	entries := make([]Entry, len(buckets))
	eg, ctx := errgroup.WithContext(ctx)
	for i, b := range buckets {
		i, b := i, b
		eg.Go(func() error {
			entry, err := g.engine.Compute(ctx, period, opts, b)
			if err != nil {
				return fmt.Errorf("bucket %s: %w", b, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GenerateClosingEntries posts the closing move of every non-empty bucket
// and returns their ids. A failing bucket does not stop the others; the
// failures are joined into the returned error. Each call posts new moves.
func (g *Generator) GenerateClosingEntries(ctx context.Context, period taxreport.Period, opts scope.Options) ([]int64, error) {
	runID := uuid.NewString()
	var (
		ids  []int64
		errs []error
	)
	posted := make(map[int64]int)
	failed := make(map[int64]int)
	for _, b := range g.engine.Buckets(opts) {
		id, err := g.closeBucket(ctx, runID, period, opts, b)
		if err != nil {
			failed[b.CompanyID]++
			errs = append(errs, fmt.Errorf("bucket %s: %w", b, err))
			g.logger.WarnContext(ctx, "closing bucket failed",
				slog.String("run_id", runID),
				slog.String("bucket", b.String()),
				slog.Any("error", err))
			continue
		}
		if id != 0 {
			posted[b.CompanyID]++
			ids = append(ids, id)
		}
	}
	if g.recorder != nil {
		for company, n := range posted {
			g.recorder.AddClosingMoves(company, n)
		}
		for company, n := range failed {
			g.recorder.AddBucketFailures(company, n)
		}
	}
	g.logger.InfoContext(ctx, "closing generated",
		slog.String("run_id", runID),
		slog.Int("moves", len(ids)),
		slog.Int("failures", len(errs)))
	return ids, errors.Join(errs...)
}

func (g *Generator) closeBucket(ctx context.Context, runID string, period taxreport.Period, opts scope.Options, b Bucket) (int64, error) {
	var id int64
	run := func(ctx context.Context) error {
		entry, err := g.engine.Compute(ctx, period, opts, b)
		if err != nil {
			return err
		}
		if entry.Empty() {
			return nil
		}
		move, err := entry.Move(runID)
		if err != nil {
			return err
		}
		id, err = g.store.Post(ctx, move)
		return err
	}
	if g.locker == nil {
		return id, run(ctx)
	}
	key := shared.ClosingLockKey(b.CompanyID, b.FiscalPosition.String(), period.From, period.To)
	return id, g.locker.WithLock(ctx, key, g.lockTTL, run)
}

type snapshot struct {
	RunID    string      `json:"run_id"`
	Bucket   Bucket      `json:"bucket"`
	DateFrom string      `json:"date_from"`
	DateTo   string      `json:"date_to"`
	Amounts  []TaxAmount `json:"amounts"`
}

// Move renders the entry as a draft move dated at the end of the period,
// with a JSON snapshot of the closed amounts attached.
func (e Entry) Move(runID string) (ledger.Move, error) {
	raw, err := json.Marshal(snapshot{
		RunID:    runID,
		Bucket:   e.Bucket,
		DateFrom: e.Period.From.Format(time.DateOnly),
		DateTo:   e.Period.To.Format(time.DateOnly),
		Amounts:  e.Amounts,
	})
	if err != nil {
		return ledger.Move{}, err
	}
	sum := blake2b.Sum256(raw)

	var fpos int64
	if e.Bucket.FiscalPosition.Mode == scope.ModeSpecific {
		fpos = e.Bucket.FiscalPosition.PositionID
	}
	lines := make([]ledger.Line, len(e.Lines))
	for i, l := range e.Lines {
		l.Date = e.Period.To
		lines[i] = l
	}
	return ledger.Move{
		Reference:        fmt.Sprintf("VAT/%d/%s/%s/%s", e.Bucket.CompanyID, e.Bucket.FiscalPosition, e.Period.To.Format(time.DateOnly), runID[:8]),
		CompanyID:        e.Bucket.CompanyID,
		Type:             ledger.MoveEntry,
		State:            ledger.StateDraft,
		Date:             e.Period.To,
		FiscalPositionID: fpos,
		Lines:            lines,
		Attachments: []ledger.Attachment{{
			Name:        fmt.Sprintf("vat_closing_%d_%s.json", e.Bucket.CompanyID, e.Bucket.FiscalPosition),
			ContentType: "application/json",
			Checksum:    hex.EncodeToString(sum[:]),
			Data:        raw,
		}},
	}, nil
}
