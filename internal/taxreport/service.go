package taxreport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-tax/internal/scope"
)

// Observer records report builds. *observability.Metrics implements it.
type Observer interface {
	ObserveReport(report string, cached bool, elapsed time.Duration)
}

// Tree is a computed report.
type Tree struct {
	ReportID string        `json:"report_id"`
	Name     string        `json:"name"`
	Country  string        `json:"country,omitempty"`
	DateFrom time.Time     `json:"date_from"`
	DateTo   time.Time     `json:"date_to"`
	Options  scope.Options `json:"options"`
	Lines    []Node        `json:"lines"`
}

// ReportInfo describes a report the service can compute.
type ReportInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}

// Service computes report trees and resolves report options.
type Service struct {
	agg      *Aggregator
	catalog  TaxCatalog
	snapshot scope.Snapshot
	reports  map[string]*Report
	cache    *Cache
	observer Observer
	logger   *slog.Logger
	group    singleflight.Group
}

// ServiceConfig bundles the collaborators of a Service. Cache and Observer
// are optional.
type ServiceConfig struct {
	Aggregator *Aggregator
	Catalog    TaxCatalog
	Snapshot   scope.Snapshot
	Reports    []*Report
	Cache      *Cache
	Observer   Observer
	Logger     *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Aggregator == nil || cfg.Catalog == nil {
		return nil, errors.New("taxreport: aggregator and catalog required")
	}
	if err := cfg.Snapshot.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		agg:      cfg.Aggregator,
		catalog:  cfg.Catalog,
		snapshot: cfg.Snapshot,
		reports:  make(map[string]*Report, len(cfg.Reports)),
		cache:    cfg.Cache,
		observer: cfg.Observer,
		logger:   logger,
	}
	for _, r := range cfg.Reports {
		id := strconv.FormatInt(r.ID, 10)
		if _, dup := svc.reports[id]; dup {
			return nil, fmt.Errorf("%w: duplicate report %s", ErrInvalidReport, id)
		}
		svc.reports[id] = r
	}
	return svc, nil
}

// Reports lists the country reports followed by the generic variants.
func (s *Service) Reports() []ReportInfo {
	out := make([]ReportInfo, 0, len(s.reports)+3)
	for id, r := range s.reports {
		out = append(out, ReportInfo{ID: id, Name: r.Name, Country: r.Country})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	for _, v := range []Variant{VariantGeneric, VariantGroupAccountTax, VariantGroupTaxAccount} {
		out = append(out, ReportInfo{ID: string(v), Name: v.title()})
	}
	return out
}

// Report returns the compiled country report with the given id.
func (s *Service) Report(reportID string) (*Report, bool) {
	r, ok := s.reports[reportID]
	return r, ok
}

// Snapshot returns the company configuration options are resolved against.
func (s *Service) Snapshot() scope.Snapshot {
	return s.snapshot
}

// GetOptions corrects a requested option set.
func (s *Service) GetOptions(_ context.Context, req scope.Requested) (scope.Options, error) {
	return scope.Resolve(req, s.snapshot)
}

// OptionsFor resolves the options of reportID, taking the report country
// and genericity from the report itself.
func (s *Service) OptionsFor(reportID string, req scope.Requested) (scope.Options, error) {
	if _, ok := ParseVariant(reportID); ok {
		req.Generic = true
		req.ReportCountry = ""
		return scope.Resolve(req, s.snapshot)
	}
	r, ok := s.reports[reportID]
	if !ok {
		return scope.Options{}, fmt.Errorf("%w: %s", ErrUnknownReport, reportID)
	}
	req.Generic = false
	req.ReportCountry = r.Country
	return scope.Resolve(req, s.snapshot)
}

// GetReportTree computes reportID over period for the requested options.
// Identical concurrent requests share a single computation, which runs
// detached from the cancellation of the caller that started it.
func (s *Service) GetReportTree(ctx context.Context, reportID string, period Period, req scope.Requested) (Tree, error) {
	if !period.To.IsZero() && period.To.Before(period.From) {
		return Tree{}, fmt.Errorf("%w: date_to before date_from", ErrInvalidPeriod)
	}
	opts, err := s.OptionsFor(reportID, req)
	if err != nil {
		return Tree{}, err
	}

	start := time.Now()
	key := s.cacheKey(ctx, reportID, period, opts)
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		ctx := detached
		var (
			tree     Tree
			buildErr error
		)
		hit, err := s.cache.FetchJSON(ctx, key, &tree, func(ctx context.Context) (any, error) {
			built, err := s.build(ctx, reportID, period, opts)
			buildErr = err
			return built, err
		})
		if buildErr != nil {
			return nil, buildErr
		}
		if err != nil {
			// Redis trouble should not fail the report.
			s.logger.Warn("report cache unavailable", slog.String("report", reportID), slog.Any("error", err))
			built, err := s.build(ctx, reportID, period, opts)
			return cachedTree{tree: built}, err
		}
		return cachedTree{tree: tree, hit: hit}, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Tree{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Tree{}, res.Err
	}
	out := res.Val.(cachedTree)
	if s.observer != nil {
		s.observer.ObserveReport(reportID, out.hit, time.Since(start))
	}
	out.tree.Options = opts
	return out.tree, nil
}

// Invalidate drops every cached report tree.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

type cachedTree struct {
	tree Tree
	hit  bool
}

func (s *Service) build(ctx context.Context, reportID string, period Period, opts scope.Options) (Tree, error) {
	tree := Tree{ReportID: reportID, DateFrom: period.From, DateTo: period.To, Options: opts}
	if variant, ok := ParseVariant(reportID); ok {
		lines, err := s.agg.Generic(ctx, s.catalog, period, opts, variant)
		if err != nil {
			return Tree{}, err
		}
		tree.Name = variant.title()
		tree.Lines = lines
		return tree, nil
	}

	report := s.reports[reportID]
	totals, err := s.agg.TagTotals(ctx, period, opts, report.Country, report.Tags())
	if err != nil {
		return Tree{}, err
	}
	lines, err := report.Render(totals)
	if err != nil {
		return Tree{}, err
	}
	tree.Name = report.Name
	tree.Country = report.Country
	tree.Lines = lines
	return tree, nil
}

func (s *Service) cacheKey(ctx context.Context, reportID string, period Period, opts scope.Options) string {
	companies := make([]string, len(opts.CompanyIDs))
	for i, id := range opts.CompanyIDs {
		companies[i] = strconv.FormatInt(id, 10)
	}
	parts := []string{
		"taxreport",
		reportID,
		period.From.Format(time.DateOnly),
		period.To.Format(time.DateOnly),
		opts.FiscalPosition.String(),
		strings.Join(companies, ","),
	}
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("report cache version unavailable", slog.Any("error", err))
		return strings.Join(parts, ":")
	}
	return key
}
