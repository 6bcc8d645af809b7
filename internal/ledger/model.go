// Package ledger models posted accounting documents and the store the tax
// engine reads lines from and posts closing and cash-basis moves to.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

var (
	// ErrUnbalanced is returned when a posted entry's debits and credits differ.
	ErrUnbalanced = errors.New("ledger: entry is not balanced")
	// ErrEmptyEntry is returned when an entry has no lines.
	ErrEmptyEntry = errors.New("ledger: entry has no lines")
	// ErrMissingAccount reports a line that resolves to no account.
	ErrMissingAccount = errors.New("ledger: line has no account")
	// ErrNotFound reports an unknown move or account.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicateReference reports a reference already used by another move.
	ErrDuplicateReference = errors.New("ledger: duplicate move reference")
)

// AccountType classifies accounts; receivable and payable accounts mark a
// document as awaiting settlement.
type AccountType string

const (
	AccountReceivable AccountType = "receivable"
	AccountPayable    AccountType = "payable"
	AccountOther      AccountType = "other"
)

// Account is a ledger account of one company.
type Account struct {
	ID        int64       `yaml:"id" json:"id"`
	Code      string      `yaml:"code" json:"code"`
	Name      string      `yaml:"name" json:"name"`
	CompanyID int64       `yaml:"company" json:"company_id"`
	Type      AccountType `yaml:"type" json:"type"`
}

// Settles reports whether lines on the account take part in settlement.
func (a Account) Settles() bool {
	return a.Type == AccountReceivable || a.Type == AccountPayable
}

// MoveType is the document type of a move.
type MoveType string

const (
	MoveEntry      MoveType = "entry"
	MoveOutInvoice MoveType = "out_invoice"
	MoveOutRefund  MoveType = "out_refund"
	MoveInInvoice  MoveType = "in_invoice"
	MoveInRefund   MoveType = "in_refund"
)

// IsInvoice reports whether the move is a customer or vendor document.
func (t MoveType) IsInvoice() bool {
	return t != MoveEntry && t != ""
}

// Inbound reports whether the document brings money in.
func (t MoveType) Inbound() bool {
	return t == MoveOutInvoice || t == MoveInRefund
}

// Direction returns the repartition direction used by the document.
func (t MoveType) Direction() taxes.Direction {
	if t == MoveOutRefund || t == MoveInRefund {
		return taxes.Refund
	}
	return taxes.Invoice
}

// Reversed returns the document type of a reversal.
func (t MoveType) Reversed() MoveType {
	switch t {
	case MoveOutInvoice:
		return MoveOutRefund
	case MoveOutRefund:
		return MoveOutInvoice
	case MoveInInvoice:
		return MoveInRefund
	case MoveInRefund:
		return MoveInInvoice
	default:
		return MoveEntry
	}
}

// MoveState is the lifecycle state of a move.
type MoveState string

const (
	StateDraft  MoveState = "draft"
	StatePosted MoveState = "posted"
)

// Attachment is a document stored alongside a move.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum"`
	Data        []byte `json:"-"`
}

// Move is an accounting document and its lines.
type Move struct {
	ID               int64        `json:"id"`
	Reference        string       `json:"reference"`
	CompanyID        int64        `json:"company_id"`
	Type             MoveType     `json:"type"`
	State            MoveState    `json:"state"`
	Date             time.Time    `json:"date"`
	FiscalPositionID int64        `json:"fiscal_position_id,omitempty"`
	// CashBasisOriginID is set on cash-basis mirror moves to the settled document.
	CashBasisOriginID int64        `json:"cash_basis_origin_id,omitempty"`
	Lines             []Line       `json:"lines"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

// Line is one accounting line. Tax lines carry TaxID; base lines list the
// taxes applied to them in BaseTaxIDs.
type Line struct {
	ID                int64           `json:"id"`
	MoveID            int64           `json:"move_id"`
	CompanyID         int64           `json:"company_id"`
	AccountID         int64           `json:"account_id"`
	Date              time.Time       `json:"date"`
	Label             string          `json:"label,omitempty"`
	Debit             decimal.Decimal `json:"debit"`
	Credit            decimal.Decimal `json:"credit"`
	TaxID             int64           `json:"tax_id,omitempty"`
	RepartitionLineID int64           `json:"repartition_line_id,omitempty"`
	BaseTaxIDs        []int64         `json:"base_tax_ids,omitempty"`
	Tags              []taxes.LineTag `json:"tags,omitempty"`
	// TagInvert flips the sign of every tag on the line when reporting.
	TagInvert bool `json:"tag_invert"`
	// BaseAccountID is the account of the base line a tax line was computed from.
	BaseAccountID int64 `json:"base_account_id,omitempty"`
	// CashBasisOriginLineID links a mirror line to the line it recognises.
	CashBasisOriginLineID int64 `json:"cash_basis_origin_line_id,omitempty"`
}

// Balance returns debit minus credit.
func (l Line) Balance() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// IsTaxLine reports whether the line carries a tax amount.
func (l Line) IsTaxLine() bool {
	return l.TaxID != 0
}

// HasBaseTax reports whether tax is applied to the line's amount.
func (l Line) HasBaseTax(taxID int64) bool {
	for _, id := range l.BaseTaxIDs {
		if id == taxID {
			return true
		}
	}
	return false
}

// SetBalance sets debit or credit from a signed amount.
func (l *Line) SetBalance(balance decimal.Decimal) {
	if balance.IsNegative() {
		l.Debit, l.Credit = decimal.Zero, balance.Neg()
		return
	}
	l.Debit, l.Credit = balance, decimal.Zero
}

// LineSnapshot is a line as seen by the reporting engine, together with the
// document attributes it is filtered on.
type LineSnapshot struct {
	Line
	MoveType          MoveType
	MoveState         MoveState
	FiscalPositionID  int64
	CashBasisOriginID int64
	AccountType       AccountType
	// AlwaysExigible is true when the owning move has no receivable or
	// payable line.
	AlwaysExigible bool
}

// Reconciliation is a settlement event on a document. Unreconciling is
// recorded as an event with a negative amount.
type Reconciliation struct {
	ID                int64           `json:"id"`
	MoveID            int64           `json:"move_id"`
	CounterpartMoveID int64           `json:"counterpart_move_id"`
	Amount            decimal.Decimal `json:"amount"`
	Date              time.Time       `json:"date"`
}

// Balanced verifies an entry before it is stored.
func Balanced(m Move) error {
	if len(m.Lines) == 0 {
		return ErrEmptyEntry
	}
	total := decimal.Zero
	for _, l := range m.Lines {
		if l.AccountID == 0 {
			return ErrMissingAccount
		}
		total = total.Add(l.Balance())
	}
	if !total.IsZero() {
		return ErrUnbalanced
	}
	return nil
}
