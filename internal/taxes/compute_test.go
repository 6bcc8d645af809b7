package taxes

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func percentTax(id int64, name, amount string, lines ...RepartitionLine) Tax {
	return Tax{
		ID:           id,
		Name:         name,
		CompanyID:    1,
		Country:      "DW",
		Amount:       d(amount),
		AmountType:   AmountPercent,
		Use:          UseSale,
		Exigibility:  OnInvoice,
		Sequence:     int(id),
		InvoiceLines: lines,
		RefundLines:  refundOf(lines),
	}
}

func refundOf(lines []RepartitionLine) []RepartitionLine {
	out := make([]RepartitionLine, len(lines))
	for i, line := range lines {
		out[i] = line
		out[i].ID = line.ID + 1000
	}
	return out
}

func baseLine(id int64, tags ...Tag) RepartitionLine {
	return RepartitionLine{ID: id, Kind: KindBase, Factor: d("100"), Tags: tags}
}

func taxLine(id int64, factor string, account int64, tags ...Tag) RepartitionLine {
	return RepartitionLine{ID: id, Kind: KindTax, Factor: d(factor), AccountID: account, UseInClosing: true, Tags: tags}
}

func mustCatalog(t *testing.T, taxes ...Tax) *Catalog {
	t.Helper()
	c, err := NewCatalog(nil, taxes)
	require.NoError(t, err)
	return c
}

func amounts(lines []TaxLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Amount.StringFixed(2)
	}
	return out
}

func TestComputeAllSplitsAcrossRepartition(t *testing.T) {
	tax := percentTax(1, "tax_42", "42",
		baseLine(10, NewTag("DW", "base_42", Plus)),
		taxLine(11, "25", 500, NewTag("DW", "tax_42_a", Plus)),
		taxLine(12, "75", 501, NewTag("DW", "tax_42_b", Plus)),
		taxLine(13, "-10", 502, NewTag("DW", "tax_neg_10", Minus)),
	)
	c := mustCatalog(t, tax)

	res, err := ComputeAll(c, []Tax{tax}, ComputeInput{PriceUnit: d("100"), Quantity: d("1"), Direction: Invoice})
	require.NoError(t, err)

	assert.Equal(t, "100.00", res.TotalExcluded.StringFixed(2))
	assert.Equal(t, "137.80", res.TotalIncluded.StringFixed(2))
	assert.Equal(t, []string{"10.50", "31.50", "-4.20"}, amounts(res.Taxes))
	require.Len(t, res.BaseTags, 1)
	assert.Equal(t, int64(1), res.BaseTags[0].TaxID)
	assert.Equal(t, []int64{1}, res.BaseTaxIDs)
	assert.Equal(t, int64(500), res.Taxes[0].AccountID)
	assert.Equal(t, "DW:-tax_neg_10", res.Taxes[2].Tags[0].Tag.Key())
}

func TestComputeAllNegativeBase(t *testing.T) {
	tax := percentTax(1, "tax", "42", baseLine(10), taxLine(11, "100", 500))
	res, err := ComputeAll(mustCatalog(t, tax), []Tax{tax}, ComputeInput{PriceUnit: d("-100"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "-100.00", res.TotalExcluded.StringFixed(2))
	assert.Equal(t, "-142.00", res.TotalIncluded.StringFixed(2))
	assert.Equal(t, []string{"-42.00"}, amounts(res.Taxes))
	assert.Equal(t, "-100.00", res.Taxes[0].Base.StringFixed(2))
}

func TestComputeAllPriceIncludedWithIncludeBase(t *testing.T) {
	incl := percentTax(1, "incl20", "20", baseLine(10), taxLine(11, "100", 500))
	incl.PriceInclude = true
	incl.IncludeBaseAmount = true
	excl := percentTax(2, "excl10", "10", baseLine(20), taxLine(21, "100", 500))
	c := mustCatalog(t, incl, excl)

	res, err := ComputeAll(c, []Tax{excl, incl}, ComputeInput{PriceUnit: d("1200"), Quantity: d("1"), Direction: Invoice})
	require.NoError(t, err)
	assert.Equal(t, "1000.00", res.TotalExcluded.StringFixed(2))
	assert.Equal(t, "1320.00", res.TotalIncluded.StringFixed(2))
	assert.Equal(t, []string{"200.00", "120.00"}, amounts(res.Taxes))
	assert.Equal(t, []int64{2}, res.Taxes[0].AffectedTaxIDs)
	assert.Equal(t, "1200.00", res.Taxes[1].Base.StringFixed(2))
}

func TestComputeAllGroupedTaxes(t *testing.T) {
	incl := percentTax(1, "incl20", "20", baseLine(10), taxLine(11, "100", 500))
	incl.PriceInclude = true
	incl.IncludeBaseAmount = true
	excl := percentTax(2, "excl10", "10", baseLine(20), taxLine(21, "100", 500))
	group := Tax{ID: 3, Name: "group", AmountType: AmountGroup, Use: UseSale, Children: []Child{{TaxID: 2}, {TaxID: 1}}}
	c := mustCatalog(t, incl, excl, group)

	res, err := ComputeAll(c, []Tax{group}, ComputeInput{PriceUnit: d("1200"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "1000.00", res.TotalExcluded.StringFixed(2))
	assert.Equal(t, "1320.00", res.TotalIncluded.StringFixed(2))
	assert.Equal(t, []int64{1, 2}, res.BaseTaxIDs)
}

func TestComputeAllPriceIncludedRounding(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		price  string
		base   string
		tax    string
	}{
		{name: "twenty percent", amount: "20", price: "1.26", base: "1.05", tax: "0.21"},
		{name: "twenty one percent", amount: "21", price: "2.32", base: "1.92", tax: "0.40"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tax := percentTax(1, "incl", tc.amount, baseLine(10), taxLine(11, "100", 500))
			tax.PriceInclude = true
			res, err := ComputeAll(mustCatalog(t, tax), []Tax{tax}, ComputeInput{PriceUnit: d(tc.price), Quantity: d("1")})
			require.NoError(t, err)
			assert.Equal(t, tc.base, res.TotalExcluded.StringFixed(2))
			assert.Equal(t, []string{tc.tax}, amounts(res.Taxes))
			assert.Equal(t, tc.price, res.TotalIncluded.StringFixed(2))
		})
	}
}

func TestComputeAllIgnorePriceInclude(t *testing.T) {
	tax := percentTax(1, "incl", "20", baseLine(10), taxLine(11, "100", 500))
	tax.PriceInclude = true
	res, err := ComputeAll(mustCatalog(t, tax), []Tax{tax}, ComputeInput{PriceUnit: d("100"), Quantity: d("1"), IgnorePriceInclude: true})
	require.NoError(t, err)
	assert.Equal(t, "100.00", res.TotalExcluded.StringFixed(2))
	assert.Equal(t, []string{"20.00"}, amounts(res.Taxes))
}

func TestComputeAllIncludeBaseOrder(t *testing.T) {
	regular := percentTax(1, "regular", "42", baseLine(10, NewTag("DW", "base_regular", Plus)), taxLine(11, "100", 500))
	caba := percentTax(2, "caba", "10", baseLine(20, NewTag("DW", "base_caba", Plus)), taxLine(21, "100", 501))
	caba.Exigibility = OnPayment
	caba.TransitionAccountID = 900

	t.Run("regular first", func(t *testing.T) {
		r := regular
		r.IncludeBaseAmount = true
		c := mustCatalog(t, r, caba)
		res, err := ComputeAll(c, []Tax{r, caba}, ComputeInput{PriceUnit: d("100"), Quantity: d("1")})
		require.NoError(t, err)
		assert.Equal(t, []string{"42.00", "14.20"}, amounts(res.Taxes))
		assert.Equal(t, "142.00", res.Taxes[1].Base.StringFixed(2))
		assert.Equal(t, int64(900), res.Taxes[1].AccountID)
		assert.Equal(t, int64(501), res.Taxes[1].FinalAccountID)
		assert.Equal(t, OnPayment, res.Taxes[1].Exigibility)
		require.Len(t, res.Taxes[0].Tags, 1)
		assert.Equal(t, LineTag{Tag: NewTag("DW", "base_caba", Plus), TaxID: 2}, res.Taxes[0].Tags[0])
	})

	t.Run("cash basis first", func(t *testing.T) {
		cb := caba
		cb.IncludeBaseAmount = true
		cb.Sequence = 0
		c := mustCatalog(t, regular, cb)
		res, err := ComputeAll(c, []Tax{regular, cb}, ComputeInput{PriceUnit: d("100"), Quantity: d("1")})
		require.NoError(t, err)
		assert.Equal(t, []string{"10.00", "46.20"}, amounts(res.Taxes))
		assert.Equal(t, "110.00", res.Taxes[1].Base.StringFixed(2))
		assert.Equal(t, []int64{1}, res.Taxes[0].AffectedTaxIDs)
	})
}

func TestComputeAllAmountTypes(t *testing.T) {
	division := percentTax(1, "div", "10", baseLine(10), taxLine(11, "100", 500))
	division.AmountType = AmountDivision
	fixed := percentTax(2, "fixed", "5", baseLine(20), taxLine(21, "100", 500))
	fixed.AmountType = AmountFixed
	c := mustCatalog(t, division, fixed)

	res, err := ComputeAll(c, []Tax{division}, ComputeInput{PriceUnit: d("90"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.00"}, amounts(res.Taxes))

	res, err = ComputeAll(c, []Tax{fixed}, ComputeInput{PriceUnit: d("10"), Quantity: d("3")})
	require.NoError(t, err)
	assert.Equal(t, []string{"15.00"}, amounts(res.Taxes))
	assert.Equal(t, "45.00", res.TotalIncluded.StringFixed(2))
}

func TestComputeAllSpreadsRoundingError(t *testing.T) {
	tax := percentTax(1, "split", "10", baseLine(10),
		taxLine(11, "33.33", 500), taxLine(12, "33.33", 501), taxLine(13, "33.34", 502))
	res, err := ComputeAll(mustCatalog(t, tax), []Tax{tax}, ComputeInput{PriceUnit: d("1"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"0.04", "0.03", "0.03"}, amounts(res.Taxes))
}

func TestComputeAllMissingRepartition(t *testing.T) {
	tax := percentTax(1, "tax", "10", baseLine(10), taxLine(11, "100", 500))
	tax.RefundLines = nil
	_, err := ComputeAll(mustCatalog(t, tax), []Tax{tax}, ComputeInput{PriceUnit: d("1"), Quantity: d("1"), Direction: Refund})
	require.ErrorIs(t, err, ErrNoRepartition)
}
