package ledger

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/platform/db"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

//go:embed schema.sql
var schema string

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the ledger tables when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// UpsertAccount stores or refreshes an account.
func (r *Repository) UpsertAccount(ctx context.Context, a Account) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO ledger_accounts (id, code, name, company_id, type) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name, company_id = EXCLUDED.company_id, type = EXCLUDED.type`,
		a.ID, a.Code, a.Name, a.CompanyID, string(a.Type))
	return err
}

// Account implements Store.
func (r *Repository) Account(ctx context.Context, id int64) (Account, error) {
	var a Account
	var typ string
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, company_id, type FROM ledger_accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Code, &a.Name, &a.CompanyID, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	a.Type = AccountType(typ)
	return a, err
}

// Post implements Store. The move, its lines and attachments are written in
// one repeatable-read transaction.
func (r *Repository) Post(ctx context.Context, m Move) (int64, error) {
	if err := Balanced(m); err != nil {
		return 0, err
	}
	if m.State == "" {
		m.State = StatePosted
	}
	var moveID int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO ledger_moves (reference, company_id, type, state, date, fiscal_position_id, cash_basis_origin_id)
VALUES (NULLIF($1,''),$2,$3,$4,$5,$6,$7) RETURNING id`,
			m.Reference, m.CompanyID, string(m.Type), string(m.State), m.Date, nullInt(m.FiscalPositionID), nullInt(m.CashBasisOriginID)).Scan(&moveID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_ledger_moves_reference" {
				return fmt.Errorf("%w: %s", ErrDuplicateReference, m.Reference)
			}
			return err
		}
		batch := &pgx.Batch{}
		for _, l := range m.Lines {
			tags, err := json.Marshal(l.Tags)
			if err != nil {
				return err
			}
			company := l.CompanyID
			if company == 0 {
				company = m.CompanyID
			}
			date := l.Date
			if date.IsZero() {
				date = m.Date
			}
			baseTaxIDs := l.BaseTaxIDs
			if baseTaxIDs == nil {
				baseTaxIDs = []int64{}
			}
			batch.Queue(`INSERT INTO ledger_lines (move_id, company_id, account_id, date, label, debit, credit, tax_id, repartition_line_id,
base_tax_ids, tags, tag_invert, base_account_id, cash_basis_origin_line_id)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12,$13,$14)`,
				moveID, company, l.AccountID, date, l.Label, l.Debit.StringFixed(2), l.Credit.StringFixed(2),
				nullInt(l.TaxID), nullInt(l.RepartitionLineID), baseTaxIDs, tags, l.TagInvert,
				nullInt(l.BaseAccountID), nullInt(l.CashBasisOriginLineID))
		}
		for _, a := range m.Attachments {
			batch.Queue(`INSERT INTO ledger_attachments (move_id, name, content_type, checksum, data) VALUES ($1,$2,$3,$4,$5)`,
				moveID, a.Name, a.ContentType, a.Checksum, a.Data)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, err
	}
	return moveID, nil
}

// Move implements Store.
func (r *Repository) Move(ctx context.Context, id int64) (Move, error) {
	var m Move
	var typ, state string
	var fpos, origin *int64
	var ref *string
	err := r.pool.QueryRow(ctx, `SELECT id, reference, company_id, type, state, date, fiscal_position_id, cash_basis_origin_id
FROM ledger_moves WHERE id=$1`, id).Scan(&m.ID, &ref, &m.CompanyID, &typ, &state, &m.Date, &fpos, &origin)
	if errors.Is(err, pgx.ErrNoRows) {
		return Move{}, fmt.Errorf("%w: move %d", ErrNotFound, id)
	}
	if err != nil {
		return Move{}, err
	}
	m.Type, m.State = MoveType(typ), MoveState(state)
	m.Reference, m.FiscalPositionID, m.CashBasisOriginID = deref(ref), derefInt(fpos), derefInt(origin)

	snapshots, err := r.Lines(ctx, LineQuery{MoveIDs: []int64{id}, States: []MoveState{StateDraft, StatePosted}})
	if err != nil {
		return Move{}, err
	}
	for _, s := range snapshots {
		m.Lines = append(m.Lines, s.Line)
	}

	rows, err := r.pool.Query(ctx, `SELECT name, content_type, checksum, data FROM ledger_attachments WHERE move_id=$1 ORDER BY id`, id)
	if err != nil {
		return Move{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.Name, &a.ContentType, &a.Checksum, &a.Data); err != nil {
			return Move{}, err
		}
		m.Attachments = append(m.Attachments, a)
	}
	return m, rows.Err()
}

// Reconcile implements Store.
func (r *Repository) Reconcile(ctx context.Context, rec Reconciliation) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO ledger_reconciliations (move_id, counterpart_move_id, amount, date)
VALUES ($1,$2,$3::numeric,$4) RETURNING id`, rec.MoveID, nullInt(rec.CounterpartMoveID), rec.Amount.StringFixed(2), rec.Date).Scan(&id)
	return id, err
}

// Reconciliations implements Store.
func (r *Repository) Reconciliations(ctx context.Context, moveID int64) ([]Reconciliation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, move_id, COALESCE(counterpart_move_id, 0), amount::text, date
FROM ledger_reconciliations WHERE move_id=$1 ORDER BY date, id`, moveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reconciliation
	for rows.Next() {
		var rec Reconciliation
		var amount string
		if err := rows.Scan(&rec.ID, &rec.MoveID, &rec.CounterpartMoveID, &amount, &rec.Date); err != nil {
			return nil, err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Lines implements Store.
func (r *Repository) Lines(ctx context.Context, q LineQuery) ([]LineSnapshot, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	states := make([]string, 0, len(q.states()))
	for _, s := range q.states() {
		states = append(states, string(s))
	}
	where = append(where, "m.state = ANY("+arg(states)+")")
	if !q.From.IsZero() {
		where = append(where, "l.date >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "l.date <= "+arg(q.To))
	}
	if len(q.CompanyIDs) > 0 {
		where = append(where, "l.company_id = ANY("+arg(q.CompanyIDs)+")")
	}
	if len(q.AccountIDs) > 0 {
		where = append(where, "l.account_id = ANY("+arg(q.AccountIDs)+")")
	}
	if len(q.MoveIDs) > 0 {
		where = append(where, "l.move_id = ANY("+arg(q.MoveIDs)+")")
	}
	if q.CashBasisOriginID != 0 {
		where = append(where, "m.cash_basis_origin_id = "+arg(q.CashBasisOriginID))
	}
	if len(q.Tags) > 0 {
		var alts []string
		for _, ref := range q.Tags {
			for _, polarity := range []taxes.Polarity{taxes.Plus, taxes.Minus} {
				probe, err := json.Marshal([]taxes.LineTag{{Tag: taxes.Tag{Country: ref.Country, Name: ref.Name, Polarity: polarity}}})
				if err != nil {
					return nil, err
				}
				alts = append(alts, "l.tags @> "+arg(string(probe))+"::jsonb")
			}
		}
		where = append(where, "("+strings.Join(alts, " OR ")+")")
	}

	query := `SELECT l.id, l.move_id, l.company_id, l.account_id, l.date, l.label, l.debit::text, l.credit::text,
COALESCE(l.tax_id, 0), COALESCE(l.repartition_line_id, 0), l.base_tax_ids, l.tags, l.tag_invert,
COALESCE(l.base_account_id, 0), COALESCE(l.cash_basis_origin_line_id, 0),
m.type, m.state, COALESCE(m.fiscal_position_id, 0), COALESCE(m.cash_basis_origin_id, 0), a.type,
NOT EXISTS (SELECT 1 FROM ledger_lines sl JOIN ledger_accounts sa ON sa.id = sl.account_id
            WHERE sl.move_id = m.id AND sa.type IN ('receivable', 'payable'))
FROM ledger_lines l
JOIN ledger_moves m ON m.id = l.move_id
JOIN ledger_accounts a ON a.id = l.account_id
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY l.date, l.move_id, l.id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query lines: %w", err)
	}
	defer rows.Close()

	var out []LineSnapshot
	for rows.Next() {
		var s LineSnapshot
		var debit, credit, moveType, moveState, accountType string
		var tags []byte
		if err := rows.Scan(&s.ID, &s.MoveID, &s.CompanyID, &s.AccountID, &s.Date, &s.Label, &debit, &credit,
			&s.TaxID, &s.RepartitionLineID, &s.BaseTaxIDs, &tags, &s.TagInvert,
			&s.BaseAccountID, &s.CashBasisOriginLineID,
			&moveType, &moveState, &s.FiscalPositionID, &s.CashBasisOriginID, &accountType, &s.AlwaysExigible); err != nil {
			return nil, err
		}
		if s.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if s.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		var lineTags []taxes.LineTag
		if err := json.Unmarshal(tags, &lineTags); err != nil {
			return nil, fmt.Errorf("ledger: decode tags of line %d: %w", s.ID, err)
		}
		s.Tags = lineTags
		s.MoveType, s.MoveState, s.AccountType = MoveType(moveType), MoveState(moveState), AccountType(accountType)
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
