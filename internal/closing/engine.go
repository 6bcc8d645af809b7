// Package closing generates the VAT closing entries moving the exigible
// balance of tax accounts into the payable and receivable clearing accounts
// of their tax groups.
package closing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/exigibility"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

var (
	// ErrMissingAccount reports a closing-relevant tax line posted without account.
	ErrMissingAccount = errors.New("closing: tax line without account")
	// ErrMissingClearing reports a tax group without clearing accounts for the company.
	ErrMissingClearing = errors.New("closing: tax group without clearing account")
)

// Catalog is the tax configuration the engine reads.
type Catalog interface {
	taxes.Lookup
	Group(id int64) (taxes.Group, bool)
	RepartitionLine(id int64) (taxes.RepartitionLine, bool)
}

// Bucket is the unit one closing move is generated for.
type Bucket struct {
	CompanyID      int64          `json:"company_id"`
	FiscalPosition scope.Selector `json:"fiscal_position"`
}

func (b Bucket) String() string {
	return fmt.Sprintf("%d/%s", b.CompanyID, b.FiscalPosition)
}

// TaxAmount is the closing-relevant balance accumulated on one tax account
// for one tax.
type TaxAmount struct {
	TaxID     int64           `json:"tax_id"`
	GroupID   int64           `json:"tax_group_id"`
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// Entry is the closing computed for one bucket.
type Entry struct {
	Bucket  Bucket           `json:"bucket"`
	Period  taxreport.Period `json:"-"`
	Amounts []TaxAmount      `json:"amounts"`
	Lines   []ledger.Line    `json:"-"`
}

// Empty reports whether the bucket has nothing to close.
func (e Entry) Empty() bool {
	return len(e.Lines) == 0
}

// Engine computes closing entries.
type Engine struct {
	agg     *taxreport.Aggregator
	catalog Catalog
	filter  *exigibility.Filter
}

// NewEngine constructs an Engine.
func NewEngine(agg *taxreport.Aggregator, catalog Catalog) *Engine {
	return &Engine{agg: agg, catalog: catalog, filter: exigibility.NewFilter(catalog)}
}

// Buckets splits resolved options into closing buckets. Under an active tax
// unit every member company closes its own domestic bucket and the foreign
// positions it owns.
func (e *Engine) Buckets(opts scope.Options) []Bucket {
	selectors := opts.Buckets()
	if !opts.TaxUnitActive {
		out := make([]Bucket, 0, len(selectors))
		for _, s := range selectors {
			out = append(out, Bucket{CompanyID: opts.CurrentCompanyID, FiscalPosition: s})
		}
		return out
	}
	var out []Bucket
	for _, company := range opts.CompanyIDs {
		for _, s := range selectors {
			if s.Mode == scope.ModeSpecific {
				owner, ok := opts.PositionCompany(s.PositionID)
				if !ok || owner != company {
					continue
				}
			}
			out = append(out, Bucket{CompanyID: company, FiscalPosition: s})
		}
	}
	return out
}

type amountKey struct {
	taxID     int64
	accountID int64
}

// Compute sums the exigible, closing-relevant tax lines of the bucket and
// returns the lines of its closing move: one per (tax, posted account) with
// the negated balance, then one clearing line per tax group. A repartition
// line without account closes on the base account its tax was posted on.
func (e *Engine) Compute(ctx context.Context, period taxreport.Period, opts scope.Options, b Bucket) (Entry, error) {
	entry := Entry{Bucket: b, Period: period}
	lines, err := e.agg.Lines(ctx, period, opts.WithSelector(b.FiscalPosition).WithCompanies(b.CompanyID), nil)
	if err != nil {
		return entry, err
	}

	sums := make(map[amountKey]decimal.Decimal)
	for _, l := range lines {
		if !l.IsTaxLine() || l.RepartitionLineID == 0 || !e.filter.TaxExigible(l, l.TaxID) {
			continue
		}
		rep, ok := e.catalog.RepartitionLine(l.RepartitionLineID)
		if !ok {
			return entry, fmt.Errorf("%w: line %d references repartition line %d", taxes.ErrNoRepartition, l.ID, l.RepartitionLineID)
		}
		if !rep.UseInClosing {
			continue
		}
		if l.AccountID == 0 {
			return entry, fmt.Errorf("%w: tax %d repartition line %d", ErrMissingAccount, l.TaxID, rep.ID)
		}
		k := amountKey{taxID: l.TaxID, accountID: l.AccountID}
		sums[k] = sums[k].Add(l.Balance())
	}

	for k, balance := range sums {
		tax, ok := e.catalog.Tax(k.taxID)
		if !ok {
			return entry, fmt.Errorf("%w: %d", taxes.ErrUnknownTax, k.taxID)
		}
		entry.Amounts = append(entry.Amounts, TaxAmount{TaxID: k.taxID, GroupID: tax.GroupID, AccountID: k.accountID, Balance: balance})
	}
	sort.Slice(entry.Amounts, func(i, j int) bool {
		x, _ := e.catalog.Tax(entry.Amounts[i].TaxID)
		y, _ := e.catalog.Tax(entry.Amounts[j].TaxID)
		if x.Sequence != y.Sequence {
			return x.Sequence < y.Sequence
		}
		if x.ID != y.ID {
			return x.ID < y.ID
		}
		return entry.Amounts[i].AccountID < entry.Amounts[j].AccountID
	})

	groups := make(map[int64]decimal.Decimal)
	for _, a := range entry.Amounts {
		if a.Balance.IsZero() {
			continue
		}
		tax, _ := e.catalog.Tax(a.TaxID)
		line := ledger.Line{CompanyID: b.CompanyID, AccountID: a.AccountID, Label: tax.Name}
		line.SetBalance(a.Balance.Neg())
		entry.Lines = append(entry.Lines, line)
		groups[a.GroupID] = groups[a.GroupID].Add(a.Balance)
	}

	counterparts, err := e.clearingLines(b.CompanyID, groups)
	if err != nil {
		return entry, err
	}
	entry.Lines = append(entry.Lines, counterparts...)
	return entry, nil
}

func (e *Engine) clearingLines(companyID int64, totals map[int64]decimal.Decimal) ([]ledger.Line, error) {
	groups := make([]taxes.Group, 0, len(totals))
	for id, total := range totals {
		if total.IsZero() {
			continue
		}
		if id == 0 {
			return nil, fmt.Errorf("%w: tax without tax group", ErrMissingClearing)
		}
		g, ok := e.catalog.Group(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown tax group %d", ErrMissingClearing, id)
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Sequence != groups[j].Sequence {
			return groups[i].Sequence < groups[j].Sequence
		}
		return groups[i].ID < groups[j].ID
	})

	out := make([]ledger.Line, 0, len(groups))
	for _, g := range groups {
		total := totals[g.ID]
		clearing, ok := g.ClearingFor(companyID)
		account := clearing.ReceivableAccountID
		if total.IsNegative() {
			account = clearing.PayableAccountID
		}
		if !ok || account == 0 {
			return nil, fmt.Errorf("%w: group %q company %d", ErrMissingClearing, g.Name, companyID)
		}
		line := ledger.Line{CompanyID: companyID, AccountID: account, Label: g.Name}
		line.SetBalance(total)
		out = append(out, line)
	}
	return out, nil
}
