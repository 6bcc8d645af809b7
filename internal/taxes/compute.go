package taxes

import "github.com/shopspring/decimal"

// ComputeInput describes one priced line to be taxed.
type ComputeInput struct {
	PriceUnit decimal.Decimal
	Quantity  decimal.Decimal
	Direction Direction
	// IgnorePriceInclude treats every tax as price-excluded, as journal entries do.
	IgnorePriceInclude bool
	// Precision is the number of decimals amounts are rounded to; zero means 2.
	Precision int32
}

// TaxLine is the share of one tax amount routed to one repartition line.
type TaxLine struct {
	TaxID             int64
	Use               Use
	Exigibility       Exigibility
	RepartitionLineID int64
	// AccountID is where the amount is posted; cash-basis taxes post to their
	// transition account until settlement.
	AccountID int64
	// FinalAccountID is the repartition account, zero when the base account
	// should be used instead.
	FinalAccountID int64
	UseInClosing   bool
	Amount         decimal.Decimal
	Base           decimal.Decimal
	Tags           []LineTag
	// AffectedTaxIDs lists later taxes whose base includes this amount.
	AffectedTaxIDs []int64
}

// Result gathers everything needed to post a taxed line.
type Result struct {
	TotalExcluded decimal.Decimal
	TotalIncluded decimal.Decimal
	BaseTags      []LineTag
	BaseTaxIDs    []int64
	Taxes         []TaxLine
}

type preparedTax struct {
	leaf         int
	tax          Tax
	use          Use
	base         RepartitionLine
	lines        []RepartitionLine
	sumFactor    decimal.Decimal
	priceInclude bool
}

// ComputeAll applies a selection of taxes to a priced line. Taxes are applied
// in sequence order with groups flattened in place. Price-included taxes are
// extracted from the price first; include-base taxes raise the base of every
// later tax and hand it their base tags.
func ComputeAll(lookup Lookup, selection []Tax, in ComputeInput) (Result, error) {
	prec := in.Precision
	if prec == 0 {
		prec = 2
	}
	var prepared []preparedTax
	for _, tax := range sortBySequence(selection) {
		routed, err := Route(lookup, tax, in.Direction)
		if err != nil {
			return Result{}, err
		}
		prepared = append(prepared, prepare(routed, in.IgnorePriceInclude)...)
	}

	quantity := in.Quantity
	base := in.PriceUnit.Mul(quantity).Round(prec)
	sign := decimal.NewFromInt(1)
	if base.IsNegative() || (base.IsZero() && quantity.IsNegative()) {
		sign = sign.Neg()
		base = base.Abs()
	}

	checkpoints := make(map[int]decimal.Decimal)
	inclFixed, inclPercent, inclDivision := decimal.Zero, decimal.Zero, decimal.Zero
	storeCheckpoint := true
	for i := len(prepared) - 1; i >= 0; i-- {
		p := prepared[i]
		tax := p.tax
		if tax.IncludeBaseAmount {
			base = recomputeBase(base, inclFixed, inclPercent, inclDivision)
			inclFixed, inclPercent, inclDivision = decimal.Zero, decimal.Zero, decimal.Zero
			storeCheckpoint = true
		}
		if !p.priceInclude {
			continue
		}
		switch tax.AmountType {
		case AmountPercent:
			inclPercent = inclPercent.Add(tax.Amount.Mul(p.sumFactor))
		case AmountDivision:
			inclDivision = inclDivision.Add(tax.Amount.Mul(p.sumFactor))
		case AmountFixed:
			inclFixed = inclFixed.Add(quantity.Abs().Mul(tax.Amount).Mul(p.sumFactor))
		}
		if storeCheckpoint && !tax.Amount.IsZero() {
			checkpoints[i] = base
			storeCheckpoint = false
		}
	}

	totalExcluded := recomputeBase(base, inclFixed, inclPercent, inclDivision).Round(prec)
	base = totalExcluded
	totalIncluded := totalExcluded
	unit := decimal.New(1, -prec)

	result := Result{}
	skipCheckpoint := false
	cumulatedIncluded := decimal.Zero
	for i, p := range prepared {
		tax := p.tax
		checkpoint, hasCheckpoint := checkpoints[i]

		var taxAmount decimal.Decimal
		if !skipCheckpoint && p.priceInclude && hasCheckpoint && !p.sumFactor.IsZero() {
			taxAmount = checkpoint.Sub(base.Add(cumulatedIncluded))
			cumulatedIncluded = decimal.Zero
		} else {
			taxAmount = excludedAmount(tax, base, quantity)
		}
		taxAmount = taxAmount.Round(prec)
		factorized := taxAmount.Mul(p.sumFactor).Round(prec)
		if p.priceInclude && !hasCheckpoint {
			cumulatedIncluded = cumulatedIncluded.Add(factorized)
		}

		var affected []int64
		var subsequentTags []LineTag
		if tax.IncludeBaseAmount {
			for _, later := range prepared[i+1:] {
				affected = append(affected, later.tax.ID)
				for _, tag := range later.base.Tags {
					subsequentTags = append(subsequentTags, LineTag{Tag: tag, TaxID: later.tax.ID})
				}
			}
		}

		amounts := make([]decimal.Decimal, len(p.lines))
		distributed := decimal.Zero
		for j, line := range p.lines {
			amounts[j] = taxAmount.Mul(line.Ratio()).Round(prec)
			distributed = distributed.Add(amounts[j])
		}
		roundingError := factorized.Sub(distributed).Round(prec)
		steps := roundingError.Abs().Div(unit).IntPart()
		step := decimal.Zero
		if steps > 0 {
			step = roundingError.Div(decimal.NewFromInt(steps)).Round(prec)
		}

		for j, line := range p.lines {
			amount := amounts[j]
			if steps > 0 {
				amount = amount.Add(step)
				steps--
			}
			tags := make([]LineTag, 0, len(line.Tags)+len(subsequentTags))
			for _, tag := range line.Tags {
				tags = append(tags, LineTag{Tag: tag, TaxID: tax.ID})
			}
			tags = append(tags, subsequentTags...)
			account := line.AccountID
			if tax.OnPayment() {
				account = tax.TransitionAccountID
			}
			result.Taxes = append(result.Taxes, TaxLine{
				TaxID:             tax.ID,
				Use:               p.use,
				Exigibility:       exigibilityOf(tax),
				RepartitionLineID: line.ID,
				AccountID:         account,
				FinalAccountID:    line.AccountID,
				UseInClosing:      line.UseInClosing,
				Amount:            amount.Mul(sign),
				Base:              base.Mul(sign).Round(prec),
				Tags:              tags,
				AffectedTaxIDs:    affected,
			})
		}

		if tax.IncludeBaseAmount {
			base = base.Add(factorized)
			if !p.priceInclude {
				skipCheckpoint = true
			}
		}
		totalIncluded = totalIncluded.Add(factorized)
	}

	for _, p := range prepared {
		result.BaseTaxIDs = append(result.BaseTaxIDs, p.tax.ID)
		for _, tag := range p.base.Tags {
			result.BaseTags = append(result.BaseTags, LineTag{Tag: tag, TaxID: p.tax.ID})
		}
	}
	result.TotalExcluded = totalExcluded.Mul(sign)
	result.TotalIncluded = totalIncluded.Round(prec).Mul(sign)
	return result, nil
}

// prepare groups routed lines back into one entry per leaf tax.
func prepare(routed []Routed, ignorePriceInclude bool) []preparedTax {
	var out []preparedTax
	for _, r := range routed {
		if len(out) == 0 || out[len(out)-1].leaf != r.Leaf {
			out = append(out, preparedTax{
				leaf:         r.Leaf,
				tax:          r.Tax,
				use:          r.Use,
				sumFactor:    decimal.Zero,
				priceInclude: r.Tax.PriceInclude && !ignorePriceInclude,
			})
		}
		p := &out[len(out)-1]
		if r.Line.Kind == KindBase {
			p.base = r.Line
			continue
		}
		p.lines = append(p.lines, r.Line)
		p.sumFactor = p.sumFactor.Add(r.Line.Ratio())
	}
	return out
}

func recomputeBase(base, fixed, percent, division decimal.Decimal) decimal.Decimal {
	out := base.Sub(fixed).Div(decimal.NewFromInt(1).Add(percent.Div(hundred)))
	return out.Mul(hundred.Sub(division)).Div(hundred)
}

func excludedAmount(tax Tax, base, quantity decimal.Decimal) decimal.Decimal {
	switch tax.AmountType {
	case AmountFixed:
		if !base.IsZero() {
			return quantity.Abs().Mul(tax.Amount)
		}
		return quantity.Mul(tax.Amount)
	case AmountDivision:
		denominator := decimal.NewFromInt(1).Sub(tax.Amount.Div(hundred))
		if denominator.IsZero() {
			return decimal.Zero
		}
		return base.Div(denominator).Sub(base)
	default:
		return base.Mul(tax.Amount).Div(hundred)
	}
}

func exigibilityOf(tax Tax) Exigibility {
	if tax.Exigibility == "" {
		return OnInvoice
	}
	return tax.Exigibility
}
