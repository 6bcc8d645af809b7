// Package taxes holds tax configuration and the routing of tax amounts onto
// report-line tags.
package taxes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountType describes how a tax amount is derived from its base.
type AmountType string

const (
	AmountPercent  AmountType = "percent"
	AmountFixed    AmountType = "fixed"
	AmountDivision AmountType = "division"
	AmountGroup    AmountType = "group"
)

// Use scopes a tax to sales or purchases.
type Use string

const (
	UseSale     Use = "sale"
	UsePurchase Use = "purchase"
	UseNone     Use = "none"
)

// Exigibility decides when a tax becomes due.
type Exigibility string

const (
	OnInvoice Exigibility = "on_invoice"
	OnPayment Exigibility = "on_payment"
)

// Direction selects the invoice or refund repartition of a tax.
type Direction string

const (
	Invoice Direction = "invoice"
	Refund  Direction = "refund"
)

// RepartitionKind distinguishes base and tax repartition lines.
type RepartitionKind string

const (
	KindBase RepartitionKind = "base"
	KindTax  RepartitionKind = "tax"
)

var (
	// ErrNoRepartition reports a tax without repartition lines for a direction.
	ErrNoRepartition = errors.New("taxes: missing repartition")
	// ErrUnknownTax reports a reference to a tax absent from the catalog.
	ErrUnknownTax = errors.New("taxes: unknown tax")
	// ErrInvalidTax reports an inconsistent tax definition.
	ErrInvalidTax = errors.New("taxes: invalid tax")
	// ErrInvalidTag reports a tag that cannot be parsed.
	ErrInvalidTag = errors.New("taxes: invalid tag")
)

var hundred = decimal.NewFromInt(100)

// RepartitionLine splits a tax base or amount onto an account and tags.
type RepartitionLine struct {
	ID           int64           `yaml:"id" json:"id"`
	Kind         RepartitionKind `yaml:"kind" json:"kind"`
	Factor       decimal.Decimal `yaml:"factor" json:"factor"`
	AccountID    int64           `yaml:"account" json:"account_id,omitempty"`
	UseInClosing bool            `yaml:"use_in_closing" json:"use_in_closing"`
	Tags         []Tag           `yaml:"tags" json:"tags,omitempty"`
}

// Ratio returns the factor as a fraction of one.
func (r RepartitionLine) Ratio() decimal.Decimal {
	return r.Factor.Div(hundred)
}

// Child links a group tax to one of its members.
type Child struct {
	TaxID int64           `yaml:"tax" json:"tax_id"`
	Share decimal.Decimal `yaml:"share" json:"share"`
}

// ShareRatio returns the group-level share of the child, defaulting to 100%.
func (c Child) ShareRatio() decimal.Decimal {
	if c.Share.IsZero() {
		return decimal.NewFromInt(1)
	}
	return c.Share.Div(hundred)
}

// Tax is a configured tax of one company.
type Tax struct {
	ID                  int64             `yaml:"id" json:"id"`
	Name                string            `yaml:"name" json:"name"`
	CompanyID           int64             `yaml:"company" json:"company_id"`
	Country             string            `yaml:"country" json:"country"`
	Amount              decimal.Decimal   `yaml:"amount" json:"amount"`
	AmountType          AmountType        `yaml:"type" json:"amount_type"`
	Use                 Use               `yaml:"use" json:"use"`
	Exigibility         Exigibility       `yaml:"exigibility" json:"exigibility"`
	Sequence            int               `yaml:"sequence" json:"sequence"`
	PriceInclude        bool              `yaml:"price_include" json:"price_include"`
	IncludeBaseAmount   bool              `yaml:"include_base_amount" json:"include_base_amount"`
	GroupID             int64             `yaml:"tax_group" json:"tax_group_id"`
	TransitionAccountID int64             `yaml:"transition_account" json:"transition_account_id,omitempty"`
	Children            []Child           `yaml:"children" json:"children,omitempty"`
	InvoiceLines        []RepartitionLine `yaml:"invoice" json:"invoice_repartition,omitempty"`
	RefundLines         []RepartitionLine `yaml:"refund" json:"refund_repartition,omitempty"`
}

// IsGroup reports whether the tax only aggregates children.
func (t Tax) IsGroup() bool {
	return t.AmountType == AmountGroup
}

// OnPayment reports whether the tax is due on cash settlement.
func (t Tax) OnPayment() bool {
	return t.Exigibility == OnPayment
}

// Repartition returns the repartition lines configured for a direction.
func (t Tax) Repartition(dir Direction) []RepartitionLine {
	if dir == Refund {
		return t.RefundLines
	}
	return t.InvoiceLines
}

// BaseLine returns the base repartition line for a direction.
func (t Tax) BaseLine(dir Direction) (RepartitionLine, bool) {
	for _, line := range t.Repartition(dir) {
		if line.Kind == KindBase {
			return line, true
		}
	}
	return RepartitionLine{}, false
}

// Label renders the tax the way generic reports name it, e.g. "VAT (21.0%)".
func (t Tax) Label() string {
	amount := t.Amount.String()
	if !strings.Contains(amount, ".") {
		amount += ".0"
	}
	return fmt.Sprintf("%s (%s%%)", t.Name, amount)
}

// ClearingAccounts are the payable/receivable accounts a tax group closes into.
type ClearingAccounts struct {
	CompanyID           int64 `yaml:"company" json:"company_id"`
	PayableAccountID    int64 `yaml:"payable" json:"payable_account_id"`
	ReceivableAccountID int64 `yaml:"receivable" json:"receivable_account_id"`
}

// Group categorises taxes for closing purposes.
type Group struct {
	ID       int64              `yaml:"id" json:"id"`
	Name     string             `yaml:"name" json:"name"`
	Sequence int                `yaml:"sequence" json:"sequence"`
	Clearing []ClearingAccounts `yaml:"clearing" json:"clearing,omitempty"`
}

// ClearingFor returns the clearing accounts configured for a company.
func (g Group) ClearingFor(companyID int64) (ClearingAccounts, bool) {
	for _, c := range g.Clearing {
		if c.CompanyID == companyID {
			return c, true
		}
	}
	return ClearingAccounts{}, false
}
