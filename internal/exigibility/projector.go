package exigibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// ErrMirrorMove is returned when asked to project a cash-basis mirror move.
var ErrMirrorMove = errors.New("exigibility: move is a cash basis mirror")

// Catalog is the tax configuration the projector needs.
type Catalog interface {
	taxes.Lookup
	RepartitionLine(id int64) (taxes.RepartitionLine, bool)
}

// Projection summarises one projection run.
type Projection struct {
	MoveID       int64           `json:"move_id"`
	PaidFraction decimal.Decimal `json:"paid_fraction"`
	MirrorMoveID int64           `json:"mirror_move_id,omitempty"`
	Adjustments  int             `json:"adjustments"`
}

// Projector keeps the cash-basis mirrors of a document in line with its
// cumulative paid fraction. Runs are idempotent: only the difference between
// the target and what earlier mirrors already recognised gets posted. Runs on
// the same document are serialised in-process and, with a locker, across
// processes.
type Projector struct {
	store     ledger.Store
	catalog   Catalog
	filter    *Filter
	logger    *slog.Logger
	precision int32
	locker    *shared.Locker
	lockTTL   time.Duration
	stripes   [64]sync.Mutex
}

// ProjectorOption customises a Projector.
type ProjectorOption func(*Projector)

// WithLocker guards every projection with a redis lock on the document. A
// nil locker is ignored.
func WithLocker(locker *shared.Locker, ttl time.Duration) ProjectorOption {
	return func(p *Projector) {
		p.locker = locker
		if ttl > 0 {
			p.lockTTL = ttl
		}
	}
}

// NewProjector constructs a Projector.
func NewProjector(store ledger.Store, catalog Catalog, logger *slog.Logger, opts ...ProjectorOption) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{store: store, catalog: catalog, filter: NewFilter(catalog), logger: logger, precision: 2, lockTTL: time.Minute}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project brings the mirrors of moveID to its current paid fraction.
// shared.ErrLocked is returned while another process projects the same move.
func (p *Projector) Project(ctx context.Context, moveID int64) (Projection, error) {
	mu := &p.stripes[uint64(moveID)%uint64(len(p.stripes))]
	mu.Lock()
	defer mu.Unlock()

	if p.locker == nil {
		return p.project(ctx, moveID)
	}
	var out Projection
	err := p.locker.WithLock(ctx, shared.CashBasisLockKey(moveID), p.lockTTL, func(ctx context.Context) error {
		var err error
		out, err = p.project(ctx, moveID)
		return err
	})
	return out, err
}

func (p *Projector) project(ctx context.Context, moveID int64) (Projection, error) {
	move, err := p.store.Move(ctx, moveID)
	if err != nil {
		return Projection{}, err
	}
	if move.CashBasisOriginID != 0 {
		return Projection{}, fmt.Errorf("%w: %d", ErrMirrorMove, moveID)
	}
	out := Projection{MoveID: moveID, PaidFraction: decimal.Zero}

	lines, err := p.store.Lines(ctx, ledger.LineQuery{MoveIDs: []int64{moveID}})
	if err != nil {
		return Projection{}, err
	}
	if len(lines) == 0 || lines[0].AlwaysExigible {
		return out, nil
	}

	settleTotal := decimal.Zero
	for _, l := range lines {
		if l.AccountType == ledger.AccountReceivable || l.AccountType == ledger.AccountPayable {
			settleTotal = settleTotal.Add(l.Balance())
		}
	}
	settleTotal = settleTotal.Abs()
	if settleTotal.IsZero() {
		return out, nil
	}

	recs, err := p.store.Reconciliations(ctx, moveID)
	if err != nil {
		return Projection{}, err
	}
	paid := decimal.Zero
	date := move.Date
	for _, r := range recs {
		paid = paid.Add(r.Amount)
		if r.Date.After(date) {
			date = r.Date
		}
	}
	out.PaidFraction = clamp(paid.Div(settleTotal))

	mirrors, err := p.store.Lines(ctx, ledger.LineQuery{CashBasisOriginID: moveID})
	if err != nil {
		return Projection{}, err
	}
	projected := make(map[int64]decimal.Decimal)
	for _, m := range mirrors {
		if m.CashBasisOriginLineID == 0 {
			continue
		}
		projected[m.CashBasisOriginLineID] = projected[m.CashBasisOriginLineID].Add(m.Balance())
	}

	mirror := ledger.Move{
		Reference:         fmt.Sprintf("CABA/%d/%s", moveID, uuid.NewString()),
		CompanyID:         move.CompanyID,
		Type:              ledger.MoveEntry,
		State:             ledger.StatePosted,
		Date:              date,
		FiscalPositionID:  move.FiscalPositionID,
		CashBasisOriginID: moveID,
	}
	for _, l := range lines {
		pair, err := p.adjust(l, out.PaidFraction, projected[l.ID], date)
		if err != nil {
			return Projection{}, err
		}
		if len(pair) > 0 {
			mirror.Lines = append(mirror.Lines, pair...)
			out.Adjustments++
		}
	}
	if len(mirror.Lines) == 0 {
		return out, nil
	}

	id, err := p.store.Post(ctx, mirror)
	if err != nil {
		return Projection{}, fmt.Errorf("exigibility: post mirror of move %d: %w", moveID, err)
	}
	out.MirrorMoveID = id
	p.logger.InfoContext(ctx, "cash basis projected",
		slog.Int64("move_id", moveID),
		slog.Int64("mirror_move_id", id),
		slog.String("paid_fraction", out.PaidFraction.StringFixed(4)),
		slog.Int("adjustments", out.Adjustments))
	return out, nil
}

// adjust returns the tagged and counter lines moving the recognised amount of
// one line from already to its target, or nothing when they match.
func (p *Projector) adjust(l ledger.LineSnapshot, fraction, already decimal.Decimal, date time.Time) ([]ledger.Line, error) {
	decision := p.filter.Decide(l)
	cabaTaxLine := l.IsTaxLine() && p.filter.CashBasisTax(l.TaxID)
	if len(decision.Deferred) == 0 && !cabaTaxLine {
		return nil, nil
	}
	delta := l.Balance().Mul(fraction).Round(p.precision).Sub(already)
	if delta.IsZero() {
		return nil, nil
	}

	var deferredBase []int64
	for _, id := range l.BaseTaxIDs {
		if p.filter.CashBasisTax(id) {
			deferredBase = append(deferredBase, id)
		}
	}
	tagged := ledger.Line{
		CompanyID:             l.CompanyID,
		AccountID:             l.AccountID,
		Date:                  date,
		Label:                 l.Label,
		BaseTaxIDs:            deferredBase,
		Tags:                  decision.Deferred,
		TagInvert:             l.TagInvert,
		BaseAccountID:         l.BaseAccountID,
		CashBasisOriginLineID: l.ID,
	}
	tagged.SetBalance(delta)
	counter := ledger.Line{CompanyID: l.CompanyID, AccountID: l.AccountID, Date: date, Label: l.Label}
	counter.SetBalance(delta.Neg())

	if cabaTaxLine {
		account := l.BaseAccountID
		if rep, ok := p.catalog.RepartitionLine(l.RepartitionLineID); ok && rep.AccountID != 0 {
			account = rep.AccountID
		}
		if account == 0 {
			return nil, fmt.Errorf("%w: cash basis line %d", ledger.ErrMissingAccount, l.ID)
		}
		tagged.AccountID = account
		tagged.TaxID = l.TaxID
		tagged.RepartitionLineID = l.RepartitionLineID
	}
	return []ledger.Line{tagged, counter}, nil
}

func clamp(f decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	switch {
	case f.IsNegative():
		return decimal.Zero
	case f.GreaterThan(one):
		return one
	default:
		return f
	}
}
