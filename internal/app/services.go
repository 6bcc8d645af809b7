package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-tax/internal/closing"
	"github.com/odyssey-erp/odyssey-tax/internal/exigibility"
	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/observability"
	"github.com/odyssey-erp/odyssey-tax/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-tax/internal/platform/db"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

// Fixtures is the static configuration read from the YAML files.
type Fixtures struct {
	Catalog  *taxes.Catalog
	Snapshot scope.Snapshot
	Accounts []ledger.Account
	Reports  []*taxreport.Report
}

// LoadFixtures reads the tax catalog file (tax groups, taxes, companies,
// fiscal positions, tax units and accounts) and the report definitions.
func LoadFixtures(catalogPath, reportsPath string) (*Fixtures, error) {
	var fx Fixtures
	err := readFile(catalogPath, func(r io.Reader) error {
		var err error
		fx.Catalog, err = taxes.LoadCatalog(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := readFile(catalogPath, func(r io.Reader) error {
		var err error
		fx.Snapshot, err = scope.LoadSnapshot(r)
		return err
	}); err != nil {
		return nil, err
	}
	if err := readFile(catalogPath, func(r io.Reader) error {
		var err error
		fx.Accounts, err = ledger.LoadAccounts(r)
		return err
	}); err != nil {
		return nil, err
	}
	var defs []taxreport.Definition
	if err := readFile(reportsPath, func(r io.Reader) error {
		var err error
		defs, err = taxreport.LoadDefinitions(r)
		return err
	}); err != nil {
		return nil, err
	}
	for _, def := range defs {
		report, err := taxreport.Compile(def)
		if err != nil {
			return nil, err
		}
		fx.Reports = append(fx.Reports, report)
	}
	return &fx, nil
}

func readFile(path string, decode func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	if err := decode(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Services holds the wired tax components shared by the binaries.
type Services struct {
	Fixtures    *Fixtures
	Store       ledger.Store
	Repository  *ledger.Repository
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	ReportCache *taxreport.Cache
	Reports     *taxreport.Service
	Generator   *closing.Generator
	Projector   *exigibility.Projector

	closers []func()
}

// ServiceDeps carries the optional collaborators of BuildServices.
type ServiceDeps struct {
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics
	// Redis overrides the client dialled from REDIS_ADDR.
	Redis *redis.Client
}

// BuildServices opens the ledger and Redis and wires the report service,
// the closing generator and the cash-basis projector. Without Redis the
// memory driver runs uncached and unlocked; the Postgres driver requires it.
func BuildServices(ctx context.Context, cfg *Config, deps ServiceDeps) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fx, err := LoadFixtures(cfg.TaxCatalogPath, cfg.TaxReportsPath)
	if err != nil {
		return nil, err
	}
	svc := &Services{Fixtures: fx}

	switch cfg.LedgerDriver {
	case LedgerMemory:
		svc.Store = ledger.NewMemoryStore(fx.Accounts...)
	default:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		svc.Pool = pool
		svc.closers = append(svc.closers, pool.Close)
		svc.Repository = ledger.NewRepository(pool)
		svc.Store = svc.Repository
	}

	svc.Redis = deps.Redis
	if svc.Redis == nil {
		client, err := cache.New(ctx, cfg.RedisAddr)
		switch {
		case err == nil:
			svc.Redis = client
			svc.closers = append(svc.closers, func() { _ = client.Close() })
		case cfg.LedgerDriver == LedgerMemory:
			logger.Warn("redis unavailable, running without report cache and closing locks", slog.Any("error", err))
		default:
			svc.Close()
			return nil, err
		}
	}

	filter := exigibility.NewFilter(fx.Catalog)
	agg := taxreport.NewAggregator(svc.Store, filter)
	svc.ReportCache = taxreport.NewCache(svc.Redis, cfg.ReportCacheTTL)
	svc.Reports, err = taxreport.NewService(taxreport.ServiceConfig{
		Aggregator: agg,
		Catalog:    fx.Catalog,
		Snapshot:   fx.Snapshot,
		Reports:    fx.Reports,
		Cache:      svc.ReportCache,
		Observer:   deps.Metrics,
		Logger:     logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Generator = closing.NewGenerator(closing.Config{
		Engine:   closing.NewEngine(agg, fx.Catalog),
		Store:    svc.Store,
		Locker:   shared.NewLocker(svc.Redis),
		LockTTL:  cfg.ClosingLockTTL,
		Recorder: deps.JobMetrics,
		Logger:   logger,
	})
	svc.Projector = exigibility.NewProjector(svc.Store, fx.Catalog, logger, exigibility.WithLocker(shared.NewLocker(svc.Redis), cfg.ClosingLockTTL))
	return svc, nil
}

// Checks returns the health checks of the opened dependencies.
func (s *Services) Checks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if s.Pool != nil {
		checks["postgres"] = s.Pool.Ping
	}
	if s.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases the opened connections.
func (s *Services) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
