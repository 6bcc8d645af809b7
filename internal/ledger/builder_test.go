package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

const (
	acctRevenue    int64 = 400
	acctExpense    int64 = 600
	acctReceivable int64 = 121
	acctPayable    int64 = 221
	acctTax        int64 = 251
	acctTransition int64 = 259
	acctMisc       int64 = 999
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testAccounts() []Account {
	return []Account{
		{ID: acctRevenue, Code: "400", Name: "Revenue", CompanyID: 1, Type: AccountOther},
		{ID: acctExpense, Code: "600", Name: "Expenses", CompanyID: 1, Type: AccountOther},
		{ID: acctReceivable, Code: "121", Name: "Receivable", CompanyID: 1, Type: AccountReceivable},
		{ID: acctPayable, Code: "221", Name: "Payable", CompanyID: 1, Type: AccountPayable},
		{ID: acctTax, Code: "251", Name: "Tax", CompanyID: 1, Type: AccountOther},
		{ID: acctTransition, Code: "259", Name: "Tax transition", CompanyID: 1, Type: AccountOther},
		{ID: acctMisc, Code: "999", Name: "Misc", CompanyID: 1, Type: AccountOther},
	}
}

func simpleTax(id int64, name, amount string, use taxes.Use) taxes.Tax {
	line := func(lid int64, kind taxes.RepartitionKind, account int64, tag string, polarity taxes.Polarity) taxes.RepartitionLine {
		return taxes.RepartitionLine{ID: lid, Kind: kind, Factor: d("100"), AccountID: account, UseInClosing: kind == taxes.KindTax,
			Tags: []taxes.Tag{taxes.NewTag("DW", tag, polarity)}}
	}
	return taxes.Tax{
		ID: id, Name: name, CompanyID: 1, Country: "DW", Amount: d(amount), AmountType: taxes.AmountPercent,
		Use: use, Exigibility: taxes.OnInvoice, Sequence: int(id),
		InvoiceLines: []taxes.RepartitionLine{line(id*10, taxes.KindBase, 0, "base_"+name, taxes.Plus), line(id*10+1, taxes.KindTax, acctTax, "tax_"+name, taxes.Plus)},
		RefundLines:  []taxes.RepartitionLine{line(id*10+2, taxes.KindBase, 0, "base_"+name, taxes.Minus), line(id*10+3, taxes.KindTax, acctTax, "tax_"+name, taxes.Minus)},
	}
}

func testCatalog(t *testing.T, list ...taxes.Tax) *taxes.Catalog {
	t.Helper()
	c, err := taxes.NewCatalog(nil, list)
	require.NoError(t, err)
	return c
}

func balances(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Balance().StringFixed(2)
	}
	return out
}

func TestBuilderInvoiceGroupTax(t *testing.T) {
	incl := simpleTax(1, "incl20", "20", taxes.UseSale)
	incl.PriceInclude = true
	incl.IncludeBaseAmount = true
	excl := simpleTax(2, "excl10", "10", taxes.UseSale)
	group := taxes.Tax{ID: 3, Name: "group", AmountType: taxes.AmountGroup, Use: taxes.UseSale,
		Children: []taxes.Child{{TaxID: 1}, {TaxID: 2}}}
	b := NewBuilder(testCatalog(t, incl, excl, group), nil)

	move, err := b.Invoice(context.Background(), Invoice{
		Reference: "INV/1", Type: MoveOutInvoice, CompanyID: 1, Date: day, CounterpartAccountID: acctReceivable,
		Lines: []InvoiceLine{{Label: "goods", AccountID: acctRevenue, PriceUnit: d("1200"), Quantity: d("1"), TaxIDs: []int64{3}}},
	})
	require.NoError(t, err)
	require.NoError(t, Balanced(move))
	assert.Equal(t, []string{"-1000.00", "-200.00", "-120.00", "1320.00"}, balances(move.Lines))

	base := move.Lines[0]
	assert.True(t, base.TagInvert)
	assert.Equal(t, []int64{1, 2}, base.BaseTaxIDs)
	assert.Len(t, base.Tags, 2)

	first := move.Lines[1]
	assert.Equal(t, int64(1), first.TaxID)
	assert.Equal(t, []int64{2}, first.BaseTaxIDs)
	assert.Equal(t, acctRevenue, first.BaseAccountID)
	require.Len(t, first.Tags, 2)
	assert.Equal(t, "base_excl10", first.Tags[1].Tag.Name)
	assert.Equal(t, int64(2), first.Tags[1].TaxID)
	assert.Equal(t, day, first.Date)
}

func TestBuilderInvoiceCashRounding(t *testing.T) {
	incl20 := simpleTax(1, "incl20", "20", taxes.UseSale)
	incl20.PriceInclude = true
	incl21 := simpleTax(2, "incl21", "21", taxes.UseSale)
	incl21.PriceInclude = true
	b := NewBuilder(testCatalog(t, incl20, incl21), nil)

	move, err := b.Invoice(context.Background(), Invoice{
		Type: MoveOutInvoice, CompanyID: 1, Date: day, CounterpartAccountID: acctReceivable,
		Rounding: &CashRounding{Increment: d("0.05")},
		Lines: []InvoiceLine{
			{Label: "grail", AccountID: acctRevenue, PriceUnit: d("1.26"), TaxIDs: []int64{1}},
			{Label: "colour", AccountID: acctRevenue, PriceUnit: d("2.32"), TaxIDs: []int64{2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-1.05", "-1.92", "-0.21", "-0.40", "-0.02", "3.60"}, balances(move.Lines))
	assert.Equal(t, "incl21 (rounding)", move.Lines[4].Label)
	assert.Equal(t, int64(2), move.Lines[4].TaxID)
}

func TestBuilderRefundUsesRefundRepartition(t *testing.T) {
	tax := simpleTax(1, "t42", "42", taxes.UseSale)
	b := NewBuilder(testCatalog(t, tax), nil)

	move, err := b.Invoice(context.Background(), Invoice{
		Type: MoveOutRefund, CompanyID: 1, Date: day, CounterpartAccountID: acctReceivable,
		Lines: []InvoiceLine{{AccountID: acctRevenue, PriceUnit: d("100"), TaxIDs: []int64{1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"100.00", "42.00", "-142.00"}, balances(move.Lines))
	assert.False(t, move.Lines[0].TagInvert)
	assert.Equal(t, taxes.Minus, move.Lines[1].Tags[0].Tag.Polarity)
	assert.Equal(t, int64(13), move.Lines[1].RepartitionLineID)
}

func TestBuilderMissingTaxAccountFallsBackToBaseAccount(t *testing.T) {
	tax := simpleTax(1, "t42", "42", taxes.UsePurchase)
	tax.InvoiceLines[1].AccountID = 0
	b := NewBuilder(testCatalog(t, tax), nil)

	move, err := b.Invoice(context.Background(), Invoice{
		Type: MoveInInvoice, CompanyID: 1, Date: day, CounterpartAccountID: acctPayable,
		Lines: []InvoiceLine{
			{AccountID: acctExpense, PriceUnit: d("100"), TaxIDs: []int64{1}},
			{AccountID: acctMisc, PriceUnit: d("100"), TaxIDs: []int64{1}},
		},
	})
	require.NoError(t, err)
	var taxLines []Line
	for _, l := range move.Lines {
		if l.IsTaxLine() {
			taxLines = append(taxLines, l)
		}
	}
	require.Len(t, taxLines, 2)
	assert.Equal(t, acctExpense, taxLines[0].AccountID)
	assert.Equal(t, acctMisc, taxLines[1].AccountID)

	_, err = b.Invoice(context.Background(), Invoice{
		Type: MoveInInvoice, CompanyID: 1, Date: day, CounterpartAccountID: acctPayable,
		Lines: []InvoiceLine{{PriceUnit: d("100"), TaxIDs: []int64{1}}},
	})
	require.ErrorIs(t, err, ErrMissingAccount)
}

func TestBuilderEntrySigns(t *testing.T) {
	sale := simpleTax(1, "sale", "42", taxes.UseSale)
	purchase := simpleTax(2, "purchase", "42", taxes.UsePurchase)
	store := NewMemoryStore(testAccounts()...)
	b := NewBuilder(testCatalog(t, sale, purchase), store)

	cases := []struct {
		name   string
		line   EntryLine
		tax    string
		invert bool
		refund bool
	}{
		{name: "sale", line: EntryLine{AccountID: acctRevenue, Credit: d("100"), TaxIDs: []int64{1}}, tax: "-42.00", invert: true},
		{name: "sale refund", line: EntryLine{AccountID: acctRevenue, Debit: d("100"), TaxIDs: []int64{1}}, tax: "42.00", refund: true},
		{name: "purchase", line: EntryLine{AccountID: acctExpense, Debit: d("100"), TaxIDs: []int64{2}}, tax: "42.00"},
		{name: "purchase refund", line: EntryLine{AccountID: acctExpense, Credit: d("100"), TaxIDs: []int64{2}}, tax: "-42.00", invert: true, refund: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			move, err := b.Entry(context.Background(), MiscEntry{CompanyID: 1, Date: day, Lines: []EntryLine{tc.line}, BalanceAccountID: acctMisc})
			require.NoError(t, err)
			require.NoError(t, Balanced(move))
			require.Len(t, move.Lines, 3)
			assert.Equal(t, tc.tax, move.Lines[1].Balance().StringFixed(2))
			assert.Equal(t, tc.invert, move.Lines[0].TagInvert)
			assert.Equal(t, tc.invert, move.Lines[1].TagInvert)
			want := taxes.Plus
			if tc.refund {
				want = taxes.Minus
			}
			assert.Equal(t, want, move.Lines[1].Tags[0].Tag.Polarity)
		})
	}
}

func TestBuilderEntryCashBasisAlwaysExigible(t *testing.T) {
	caba := simpleTax(1, "caba", "10", taxes.UseSale)
	caba.Exigibility = taxes.OnPayment
	caba.TransitionAccountID = acctTransition
	store := NewMemoryStore(testAccounts()...)
	b := NewBuilder(testCatalog(t, caba), store)

	misc, err := b.Entry(context.Background(), MiscEntry{CompanyID: 1, Date: day, BalanceAccountID: acctMisc,
		Lines: []EntryLine{{AccountID: acctRevenue, Credit: d("100"), TaxIDs: []int64{1}}}})
	require.NoError(t, err)
	assert.Equal(t, acctTax, misc.Lines[1].AccountID)

	settled, err := b.Entry(context.Background(), MiscEntry{CompanyID: 1, Date: day, BalanceAccountID: acctReceivable,
		Lines: []EntryLine{{AccountID: acctRevenue, Credit: d("100"), TaxIDs: []int64{1}}}})
	require.NoError(t, err)
	assert.Equal(t, acctTransition, settled.Lines[1].AccountID)
}

func TestBuilderEntryHandTags(t *testing.T) {
	b := NewBuilder(testCatalog(t), nil)
	move, err := b.Entry(context.Background(), MiscEntry{CompanyID: 1, Date: day, Lines: []EntryLine{
		{AccountID: acctMisc, Debit: d("1000"), Tags: []taxes.Tag{taxes.NewTag("DW", "invoice_base", taxes.Plus)}},
		{AccountID: acctRevenue, Credit: d("1000")},
	}})
	require.NoError(t, err)
	require.Len(t, move.Lines, 2)
	assert.False(t, move.Lines[0].TagInvert)
	assert.Equal(t, int64(0), move.Lines[0].Tags[0].TaxID)
}

func TestReverseNetsToZero(t *testing.T) {
	tax := simpleTax(1, "t42", "42", taxes.UseSale)
	b := NewBuilder(testCatalog(t, tax), nil)
	move, err := b.Invoice(context.Background(), Invoice{
		Type: MoveOutInvoice, CompanyID: 1, Date: day, CounterpartAccountID: acctReceivable,
		Lines: []InvoiceLine{{AccountID: acctRevenue, PriceUnit: d("100"), TaxIDs: []int64{1}}},
	})
	require.NoError(t, err)

	reversed := Reverse(move, day.AddDate(0, 0, 1), "RINV/1")
	assert.Equal(t, MoveOutRefund, reversed.Type)
	require.Len(t, reversed.Lines, len(move.Lines))
	for i := range move.Lines {
		assert.True(t, move.Lines[i].Balance().Add(reversed.Lines[i].Balance()).IsZero())
		assert.Equal(t, move.Lines[i].Tags, reversed.Lines[i].Tags)
		assert.Equal(t, move.Lines[i].TagInvert, reversed.Lines[i].TagInvert)
	}
}
