package ledger

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// LineQuery filters ledger lines. Zero-valued fields do not filter.
type LineQuery struct {
	From       time.Time
	To         time.Time
	CompanyIDs []int64
	AccountIDs []int64
	// Tags keeps lines carrying at least one tag routed to one of the lines.
	Tags []taxes.LineRef
	// States defaults to posted moves only.
	States []MoveState
	MoveIDs []int64
	// CashBasisOriginID keeps the lines of mirror moves of that document.
	CashBasisOriginID int64
}

func (q LineQuery) states() []MoveState {
	if len(q.States) == 0 {
		return []MoveState{StatePosted}
	}
	return q.States
}

// Store is the ledger the tax engine works against.
type Store interface {
	// Lines returns matching lines ordered by date, move and line id.
	Lines(ctx context.Context, q LineQuery) ([]LineSnapshot, error)
	// Reconciliations returns the settlement events of a document in date order.
	Reconciliations(ctx context.Context, moveID int64) ([]Reconciliation, error)
	// Post stores a balanced entry atomically and returns its id.
	Post(ctx context.Context, m Move) (int64, error)
	Move(ctx context.Context, id int64) (Move, error)
	Account(ctx context.Context, id int64) (Account, error)
	Reconcile(ctx context.Context, r Reconciliation) (int64, error)
}
