// Package exigibility decides when the tax impact of an accounting line is
// due and projects cash-basis taxes onto mirror moves as documents get paid.
package exigibility

import (
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// Reason names the rule that decided a line's exigibility.
type Reason string

const (
	// OnInvoice lines are due at posting date.
	OnInvoice Reason = "on_invoice"
	// AlwaysExigible lines belong to a move without receivable or payable
	// lines, so there is no settlement to wait for.
	AlwaysExigible Reason = "always_exigible"
	// CashBasisMirror lines recognise a paid fraction of a cash-basis tax.
	CashBasisMirror Reason = "cash_basis_mirror"
	// DeferredOnPayment lines carry cash-basis tags awaiting settlement.
	DeferredOnPayment Reason = "deferred_on_payment"
)

// Decision splits the tags of a line into the ones due now and the ones
// deferred until payment.
type Decision struct {
	Exigible []taxes.LineTag
	Deferred []taxes.LineTag
	Reason   Reason
}

// Filter applies exigibility rules using the tax configuration.
type Filter struct {
	taxes taxes.Lookup
}

// NewFilter constructs a Filter.
func NewFilter(lookup taxes.Lookup) *Filter {
	return &Filter{taxes: lookup}
}

// Decide classifies every tag of the line. Each tag follows the exigibility
// of the tax whose repartition produced it, so stacked taxes with different
// modes are handled independently.
func (f *Filter) Decide(l ledger.LineSnapshot) Decision {
	switch {
	case l.CashBasisOriginID != 0:
		return Decision{Exigible: l.Tags, Reason: CashBasisMirror}
	case l.AlwaysExigible:
		return Decision{Exigible: l.Tags, Reason: AlwaysExigible}
	}
	var d Decision
	for _, tag := range l.Tags {
		if f.deferred(tag.TaxID) {
			d.Deferred = append(d.Deferred, tag)
			continue
		}
		d.Exigible = append(d.Exigible, tag)
	}
	d.Reason = OnInvoice
	if len(d.Deferred) > 0 {
		d.Reason = DeferredOnPayment
	}
	return d
}

// TaxExigible reports whether the line's impact for taxID is due now.
func (f *Filter) TaxExigible(l ledger.LineSnapshot, taxID int64) bool {
	if l.CashBasisOriginID != 0 || l.AlwaysExigible {
		return true
	}
	return !f.deferred(taxID)
}

// CashBasisTax reports whether taxID is settled on payment.
func (f *Filter) CashBasisTax(taxID int64) bool {
	return f.deferred(taxID)
}

func (f *Filter) deferred(taxID int64) bool {
	if taxID == 0 {
		return false
	}
	tax, ok := f.taxes.Tax(taxID)
	return ok && tax.OnPayment()
}
