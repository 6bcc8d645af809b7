package taxreport

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/exigibility"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// Period is an inclusive date range.
type Period struct {
	From time.Time
	To   time.Time
}

// Aggregator sums exigible ledger lines per report tag.
type Aggregator struct {
	store  ledger.Store
	filter *exigibility.Filter
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store ledger.Store, filter *exigibility.Filter) *Aggregator {
	return &Aggregator{store: store, filter: filter}
}

// Lines returns the posted lines of the period inside the option scope:
// the option's companies and its fiscal-position selection.
func (a *Aggregator) Lines(ctx context.Context, period Period, opts scope.Options, tags []taxes.LineRef) ([]ledger.LineSnapshot, error) {
	lines, err := a.store.Lines(ctx, ledger.LineQuery{
		From:       period.From,
		To:         period.To,
		CompanyIDs: opts.CompanyIDs,
		Tags:       tags,
	})
	if err != nil {
		return nil, err
	}
	out := lines[:0]
	for _, l := range lines {
		if opts.Includes(l.FiscalPositionID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// TagTotals sums, per tag name of country, the signed balance of every
// exigible line carrying that tag: balance × polarity × tag inversion.
func (a *Aggregator) TagTotals(ctx context.Context, period Period, opts scope.Options, country string, names []string) (map[string]decimal.Decimal, error) {
	refs := make([]taxes.LineRef, 0, len(names))
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if wanted[name] {
			continue
		}
		wanted[name] = true
		refs = append(refs, taxes.LineRef{Country: country, Name: name})
	}
	totals := make(map[string]decimal.Decimal, len(refs))
	if len(refs) == 0 {
		return totals, nil
	}
	lines, err := a.Lines(ctx, period, opts, refs)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		for _, tag := range a.filter.Decide(l).Exigible {
			if tag.Tag.Country != country || !wanted[tag.Tag.Name] {
				continue
			}
			totals[tag.Tag.Name] = totals[tag.Tag.Name].Add(Contribution(l, tag))
		}
	}
	return totals, nil
}

// Contribution is the signed amount a line brings to a tag.
func Contribution(l ledger.LineSnapshot, tag taxes.LineTag) decimal.Decimal {
	v := l.Balance().Mul(tag.Tag.Polarity.Sign())
	if l.TagInvert {
		v = v.Neg()
	}
	return v
}
