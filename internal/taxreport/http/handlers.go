package taxhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-tax/internal/closing"
	"github.com/odyssey-erp/odyssey-tax/internal/exigibility"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

// ReportService computes report trees and resolves options.
type ReportService interface {
	Reports() []taxreport.ReportInfo
	GetReportTree(ctx context.Context, reportID string, period taxreport.Period, req scope.Requested) (taxreport.Tree, error)
	GetOptions(ctx context.Context, req scope.Requested) (scope.Options, error)
	OptionsFor(reportID string, req scope.Requested) (scope.Options, error)
	Invalidate(ctx context.Context) error
}

// ClosingService previews and posts VAT closing entries.
type ClosingService interface {
	Preview(ctx context.Context, period taxreport.Period, opts scope.Options) ([]closing.Entry, error)
	GenerateClosingEntries(ctx context.Context, period taxreport.Period, opts scope.Options) ([]int64, error)
}

// CashBasisProjector brings the cash-basis mirrors of a document up to date.
type CashBasisProjector interface {
	Project(ctx context.Context, moveID int64) (exigibility.Projection, error)
}

// Handler serves the tax report API.
type Handler struct {
	logger    *slog.Logger
	reports   ReportService
	closing   ClosingService
	projector CashBasisProjector
	validate  *validator.Validate
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the tax API handler. closingPerMinute bounds closing
// runs per company; zero selects 10.
func NewHandler(logger *slog.Logger, reports ReportService, closingSvc ClosingService, projector CashBasisProjector, closingPerMinute int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if closingPerMinute <= 0 {
		closingPerMinute = 10
	}
	limiter := httprate.Limit(closingPerMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if company := shared.CompanyFromContext(r.Context()); company > 0 {
			return "company:" + strconv.FormatInt(company, 10), nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{
		logger:    logger,
		reports:   reports,
		closing:   closingSvc,
		projector: projector,
		validate:  validator.New(),
		rateLimit: limiter,
	}
}

// MountRoutes registers the tax API under r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports", h.handleListReports)
	r.Get("/reports/{reportID}/tree", h.handleGetTree)
	r.Post("/options", h.handleOptions)
	r.Post("/moves/{moveID}/cash-basis", h.handleCashBasis)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/closing", h.handleClosing)
	})
}

type treeQuery struct {
	DateFrom  string  `validate:"required,datetime=2006-01-02"`
	DateTo    string  `validate:"required,datetime=2006-01-02"`
	Companies []int64 `validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"reports": h.reports.Reports()})
}

func (h *Handler) handleGetTree(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	companies, err := parseCompanies(q.Get("companies"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(companies) == 0 {
		if id := shared.CompanyFromContext(r.Context()); id > 0 {
			companies = []int64{id}
		}
	}
	query := treeQuery{DateFrom: q.Get("date_from"), DateTo: q.Get("date_to"), Companies: companies}
	if err := h.check(query); err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := parsePeriod(query.DateFrom, query.DateTo)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reportID := chi.URLParam(r, "reportID")
	tree, err := h.reports.GetReportTree(r.Context(), reportID, period, scope.Requested{
		FiscalPosition: scope.ParseSelector(q.Get("fiscal_position")),
		CompanyIDs:     companies,
	})
	if err != nil {
		h.fail(w, r, "report tree", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}

type optionsRequest struct {
	ReportID       string  `json:"report_id"`
	ReportCountry  string  `json:"report_country" validate:"omitempty,len=2,alpha"`
	Generic        bool    `json:"generic"`
	FiscalPosition string  `json:"fiscal_position"`
	CompanyIDs     []int64 `json:"company_ids" validate:"required,min=1,dive,gt=0"`
}

type optionsResponse struct {
	Options  scope.Options `json:"options"`
	Accepted []string      `json:"accepted_fiscal_positions"`
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.check(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	requested := scope.Requested{
		ReportCountry:  req.ReportCountry,
		Generic:        req.Generic,
		FiscalPosition: scope.ParseSelector(req.FiscalPosition),
		CompanyIDs:     req.CompanyIDs,
	}
	var (
		opts scope.Options
		err  error
	)
	if req.ReportID != "" {
		opts, err = h.reports.OptionsFor(req.ReportID, requested)
	} else {
		opts, err = h.reports.GetOptions(r.Context(), requested)
	}
	if err != nil {
		h.fail(w, r, "options", err)
		return
	}
	resp := optionsResponse{Options: opts}
	for _, s := range opts.Accepted() {
		resp.Accepted = append(resp.Accepted, s.String())
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type closingRequest struct {
	ReportID       string  `json:"report_id" validate:"required"`
	DateFrom       string  `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo         string  `json:"date_to" validate:"required,datetime=2006-01-02"`
	FiscalPosition string  `json:"fiscal_position"`
	CompanyIDs     []int64 `json:"company_ids" validate:"required,min=1,dive,gt=0"`
	Preview        bool    `json:"preview"`
}

type closingResponse struct {
	MoveIDs []int64         `json:"move_ids"`
	Entries []closing.Entry `json:"entries,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

func (h *Handler) handleClosing(w http.ResponseWriter, r *http.Request) {
	var req closingRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.check(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := parsePeriod(req.DateFrom, req.DateTo)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	opts, err := h.reports.OptionsFor(req.ReportID, scope.Requested{
		FiscalPosition: scope.ParseSelector(req.FiscalPosition),
		CompanyIDs:     req.CompanyIDs,
	})
	if err != nil {
		h.fail(w, r, "closing options", err)
		return
	}

	if req.Preview {
		entries, err := h.closing.Preview(r.Context(), period, opts)
		if err != nil {
			h.fail(w, r, "closing preview", err)
			return
		}
		httpx.JSON(w, http.StatusOK, closingResponse{MoveIDs: []int64{}, Entries: entries})
		return
	}

	ids, err := h.closing.GenerateClosingEntries(r.Context(), period, opts)
	if err != nil && len(ids) == 0 {
		h.fail(w, r, "closing", err)
		return
	}
	resp := closingResponse{MoveIDs: ids}
	if resp.MoveIDs == nil {
		resp.MoveIDs = []int64{}
	}
	if err != nil {
		resp.Errors = splitJoined(err)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCashBasis(w http.ResponseWriter, r *http.Request) {
	moveID, err := strconv.ParseInt(chi.URLParam(r, "moveID"), 10, 64)
	if err != nil || moveID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: move id must be a positive integer", httpx.ErrValidation))
		return
	}
	projection, err := h.projector.Project(r.Context(), moveID)
	if err != nil {
		h.fail(w, r, "cash basis", err)
		return
	}
	if projection.MirrorMoveID != 0 {
		if err := h.reports.Invalidate(r.Context()); err != nil {
			h.logger.Warn("report cache invalidation failed", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, projection)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	classified := classify(err)
	if !errors.Is(classified, httpx.ErrValidation) && !errors.Is(classified, httpx.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(msgs, "; "))
}

// classify attaches the HTTP error class of a domain error.
func classify(err error) error {
	switch {
	case errors.Is(err, shared.ErrLocked):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, taxreport.ErrUnknownReport),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, scope.ErrUnknownCompany):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, taxreport.ErrInvalidPeriod),
		errors.Is(err, scope.ErrNoCompany),
		errors.Is(err, exigibility.ErrMirrorMove):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, taxes.ErrNoRepartition),
		errors.Is(err, taxes.ErrUnknownTax),
		errors.Is(err, closing.ErrMissingAccount),
		errors.Is(err, closing.ErrMissingClearing),
		errors.Is(err, ledger.ErrMissingAccount),
		errors.Is(err, taxreport.ErrInvalidReport):
		return fmt.Errorf("%w: %w", httpx.ErrConfiguration, err)
	}
	return err
}

func parseCompanies(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: companies: %q is not a company id", httpx.ErrValidation, part)
		}
		out = append(out, id)
	}
	return out, nil
}

func parsePeriod(from, to string) (taxreport.Period, error) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return taxreport.Period{}, fmt.Errorf("%w: date_from: %v", httpx.ErrValidation, err)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return taxreport.Period{}, fmt.Errorf("%w: date_to: %v", httpx.ErrValidation, err)
	}
	if end.Before(start) {
		return taxreport.Period{}, fmt.Errorf("%w: date_to before date_from", httpx.ErrValidation)
	}
	return taxreport.Period{From: start, To: end}, nil
}

func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
