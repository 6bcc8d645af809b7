package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// ErrInvalidDocument reports a document the builder cannot turn into a move.
var ErrInvalidDocument = errors.New("ledger: invalid document")

// TaxSource resolves the taxes applied to document lines.
type TaxSource interface {
	taxes.Lookup
	Resolve(ids []int64) ([]taxes.Tax, error)
}

// AccountLookup resolves accounts; Store satisfies it.
type AccountLookup interface {
	Account(ctx context.Context, id int64) (Account, error)
}

// CashRounding rounds document totals to a cash increment, HALF-UP, and books
// the difference on the biggest tax line.
type CashRounding struct {
	Increment decimal.Decimal
}

func (r CashRounding) round(v decimal.Decimal) decimal.Decimal {
	if r.Increment.IsZero() {
		return v
	}
	return v.Div(r.Increment).Round(0).Mul(r.Increment)
}

// InvoiceLine is a priced product line of an invoice.
type InvoiceLine struct {
	Label     string
	AccountID int64
	PriceUnit decimal.Decimal
	Quantity  decimal.Decimal
	TaxIDs    []int64
}

// Invoice is a customer or vendor document to post.
type Invoice struct {
	Reference        string
	Type             MoveType
	CompanyID        int64
	Date             time.Time
	FiscalPositionID int64
	// CounterpartAccountID is the receivable or payable account.
	CounterpartAccountID int64
	Lines                []InvoiceLine
	Rounding             *CashRounding
}

// EntryLine is a line of a miscellaneous entry. Tags are set by hand and
// apply in addition to the tags of TaxIDs.
type EntryLine struct {
	Label     string
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	TaxIDs    []int64
	Tags      []taxes.Tag
}

// MiscEntry is a journal entry written line by line.
type MiscEntry struct {
	Reference        string
	CompanyID        int64
	Date             time.Time
	FiscalPositionID int64
	Lines            []EntryLine
	// BalanceAccountID receives the residual of the entry once taxes are
	// added. Zero leaves the entry as written.
	BalanceAccountID int64
}

// Builder turns documents into balanced moves with tax lines and tags.
type Builder struct {
	taxes     TaxSource
	accounts  AccountLookup
	precision int32
}

// NewBuilder constructs a Builder. accounts may be nil, in which case no
// account is considered receivable or payable.
func NewBuilder(src TaxSource, accounts AccountLookup) *Builder {
	return &Builder{taxes: src, accounts: accounts, precision: 2}
}

// Invoice computes the base, tax and counterpart lines of an invoice.
func (b *Builder) Invoice(ctx context.Context, inv Invoice) (Move, error) {
	if !inv.Type.IsInvoice() {
		return Move{}, fmt.Errorf("%w: %q is not an invoice type", ErrInvalidDocument, inv.Type)
	}
	if inv.CounterpartAccountID == 0 {
		return Move{}, fmt.Errorf("%w: invoice without counterpart account", ErrInvalidDocument)
	}
	sign := decimal.NewFromInt(1)
	if inv.Type.Inbound() {
		sign = sign.Neg()
	}
	invert := inv.Type.Inbound()
	move := Move{
		Reference:        inv.Reference,
		CompanyID:        inv.CompanyID,
		Type:             inv.Type,
		State:            StatePosted,
		Date:             inv.Date,
		FiscalPositionID: inv.FiscalPositionID,
	}

	acc := newTaxAccumulator(b.taxes)
	for _, il := range inv.Lines {
		selected, err := b.taxes.Resolve(il.TaxIDs)
		if err != nil {
			return Move{}, err
		}
		qty := il.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		res, err := taxes.ComputeAll(b.taxes, selected, taxes.ComputeInput{
			PriceUnit: il.PriceUnit.Mul(sign),
			Quantity:  qty,
			Direction: inv.Type.Direction(),
			Precision: b.precision,
		})
		if err != nil {
			return Move{}, err
		}
		base := Line{
			Label:      il.Label,
			AccountID:  il.AccountID,
			BaseTaxIDs: res.BaseTaxIDs,
			Tags:       res.BaseTags,
			TagInvert:  invert && len(selected) > 0,
		}
		base.SetBalance(res.TotalExcluded)
		move.Lines = append(move.Lines, base)
		if err := acc.add(res.Taxes, il.AccountID, invert); err != nil {
			return Move{}, err
		}
	}
	move.Lines = append(move.Lines, acc.lines()...)

	if inv.Rounding != nil {
		if line, ok := roundingLine(move.Lines, *inv.Rounding); ok {
			move.Lines = append(move.Lines, line)
		}
	}

	counterpart := Line{Label: inv.Reference, AccountID: inv.CounterpartAccountID}
	counterpart.SetBalance(total(move.Lines).Neg())
	move.Lines = append(move.Lines, counterpart)
	return stamp(move), nil
}

// Entry computes tax lines for a miscellaneous entry. A sale base on the
// debit side or a purchase base on the credit side uses refund repartition.
func (b *Builder) Entry(ctx context.Context, e MiscEntry) (Move, error) {
	move := Move{
		Reference:        e.Reference,
		CompanyID:        e.CompanyID,
		Type:             MoveEntry,
		State:            StatePosted,
		Date:             e.Date,
		FiscalPositionID: e.FiscalPositionID,
	}
	always, err := b.alwaysExigible(ctx, e)
	if err != nil {
		return Move{}, err
	}

	acc := newTaxAccumulator(b.taxes)
	acc.settleImmediately = always
	for _, el := range e.Lines {
		line := Line{Label: el.Label, AccountID: el.AccountID, Debit: el.Debit, Credit: el.Credit}
		for _, tag := range el.Tags {
			line.Tags = append(line.Tags, taxes.LineTag{Tag: tag})
		}
		if len(el.TaxIDs) == 0 {
			move.Lines = append(move.Lines, line)
			continue
		}
		selected, err := b.taxes.Resolve(el.TaxIDs)
		if err != nil {
			return Move{}, err
		}
		use := selected[0].Use
		balance := line.Balance()
		refund := (use == taxes.UseSale && balance.IsPositive()) || (use == taxes.UsePurchase && balance.IsNegative())
		dir := taxes.Invoice
		if refund {
			dir = taxes.Refund
		}
		invert := (use == taxes.UsePurchase && refund) || (use == taxes.UseSale && !refund)

		res, err := taxes.ComputeAll(b.taxes, selected, taxes.ComputeInput{
			PriceUnit:          balance,
			Quantity:           decimal.NewFromInt(1),
			Direction:          dir,
			IgnorePriceInclude: true,
			Precision:          b.precision,
		})
		if err != nil {
			return Move{}, err
		}
		line.BaseTaxIDs = res.BaseTaxIDs
		line.Tags = append(res.BaseTags, line.Tags...)
		line.TagInvert = invert
		move.Lines = append(move.Lines, line)
		if err := acc.add(res.Taxes, el.AccountID, invert); err != nil {
			return Move{}, err
		}
	}
	move.Lines = append(move.Lines, acc.lines()...)

	if e.BalanceAccountID != 0 {
		if residual := total(move.Lines); !residual.IsZero() {
			counter := Line{Label: e.Reference, AccountID: e.BalanceAccountID}
			counter.SetBalance(residual.Neg())
			move.Lines = append(move.Lines, counter)
		}
	}
	return stamp(move), nil
}

func (b *Builder) alwaysExigible(ctx context.Context, e MiscEntry) (bool, error) {
	if b.accounts == nil {
		return true, nil
	}
	ids := []int64{e.BalanceAccountID}
	for _, l := range e.Lines {
		ids = append(ids, l.AccountID)
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		acct, err := b.accounts.Account(ctx, id)
		if err != nil {
			return false, err
		}
		if acct.Settles() {
			return false, nil
		}
	}
	return true, nil
}

// Reverse returns a move cancelling m, keeping its tags and tag inversion so
// that both moves net to zero on every report line.
func Reverse(m Move, date time.Time, reference string) Move {
	out := Move{
		Reference:        reference,
		CompanyID:        m.CompanyID,
		Type:             m.Type.Reversed(),
		State:            StatePosted,
		Date:             date,
		FiscalPositionID: m.FiscalPositionID,
	}
	for _, l := range m.Lines {
		l.ID, l.MoveID, l.CashBasisOriginLineID = 0, 0, 0
		l.Debit, l.Credit = l.Credit, l.Debit
		l.Date = date
		out.Lines = append(out.Lines, l)
	}
	return out
}

type taxKey struct {
	repartitionLineID int64
	accountID         int64
	baseAccountID     int64
	affected          string
	invert            bool
}

type taxAccumulator struct {
	lookup            taxes.Lookup
	settleImmediately bool
	order             []taxKey
	buckets           map[taxKey]*Line
}

func newTaxAccumulator(lookup taxes.Lookup) *taxAccumulator {
	return &taxAccumulator{lookup: lookup, buckets: make(map[taxKey]*Line)}
}

func (a *taxAccumulator) add(computed []taxes.TaxLine, baseAccountID int64, invert bool) error {
	for _, tl := range computed {
		account := tl.AccountID
		if a.settleImmediately || account == 0 {
			account = tl.FinalAccountID
		}
		if account == 0 {
			account = baseAccountID
		}
		if account == 0 {
			return fmt.Errorf("%w: tax %d repartition %d", ErrMissingAccount, tl.TaxID, tl.RepartitionLineID)
		}
		key := taxKey{
			repartitionLineID: tl.RepartitionLineID,
			accountID:         account,
			baseAccountID:     baseAccountID,
			affected:          joinIDs(tl.AffectedTaxIDs),
			invert:            invert,
		}
		if existing, ok := a.buckets[key]; ok {
			existing.SetBalance(existing.Balance().Add(tl.Amount))
			continue
		}
		label := ""
		if tax, ok := a.lookup.Tax(tl.TaxID); ok {
			label = tax.Name
		}
		line := &Line{
			Label:             label,
			AccountID:         account,
			TaxID:             tl.TaxID,
			RepartitionLineID: tl.RepartitionLineID,
			BaseTaxIDs:        tl.AffectedTaxIDs,
			Tags:              tl.Tags,
			TagInvert:         invert,
			BaseAccountID:     baseAccountID,
		}
		line.SetBalance(tl.Amount)
		a.buckets[key] = line
		a.order = append(a.order, key)
	}
	return nil
}

func (a *taxAccumulator) lines() []Line {
	out := make([]Line, 0, len(a.order))
	for _, key := range a.order {
		line := a.buckets[key]
		if line.Balance().IsZero() {
			continue
		}
		out = append(out, *line)
	}
	return out
}

func roundingLine(lines []Line, rounding CashRounding) (Line, bool) {
	sum := total(lines)
	diff := rounding.round(sum.Abs()).Sub(sum.Abs())
	if diff.IsZero() {
		return Line{}, false
	}
	biggest := -1
	for i, l := range lines {
		if !l.IsTaxLine() {
			continue
		}
		if biggest < 0 || l.Balance().Abs().GreaterThan(lines[biggest].Balance().Abs()) {
			biggest = i
		}
	}
	if biggest < 0 {
		return Line{}, false
	}
	line := lines[biggest]
	line.Label = line.Label + " (rounding)"
	line.Tags = append([]taxes.LineTag(nil), line.Tags...)
	if sum.IsNegative() {
		diff = diff.Neg()
	}
	line.SetBalance(diff)
	return line, true
}

func total(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Balance())
	}
	return sum
}

func stamp(m Move) Move {
	for i := range m.Lines {
		m.Lines[i].CompanyID = m.CompanyID
		m.Lines[i].Date = m.Date
	}
	return m
}

func joinIDs(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
