package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// MemoryStore is an in-process Store used by tests and the memory driver.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]Account
	moves     map[int64]Move
	refs      map[string]int64
	recs      []Reconciliation
	nextMove  int64
	nextLine  int64
	nextRecon int64
}

// NewMemoryStore returns an empty store holding the given accounts.
func NewMemoryStore(accounts ...Account) *MemoryStore {
	s := &MemoryStore{
		accounts: make(map[int64]Account),
		moves:    make(map[int64]Move),
		refs:     make(map[string]int64),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

// AddAccount registers an account.
func (s *MemoryStore) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// Account implements Store.
func (s *MemoryStore) Account(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	return a, nil
}

// Post implements Store.
func (s *MemoryStore) Post(_ context.Context, m Move) (int64, error) {
	if err := Balanced(m); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range m.Lines {
		if _, ok := s.accounts[l.AccountID]; !ok {
			return 0, fmt.Errorf("%w: account %d", ErrNotFound, l.AccountID)
		}
	}
	if m.Reference != "" {
		if _, dup := s.refs[m.Reference]; dup {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateReference, m.Reference)
		}
	}
	if m.State == "" {
		m.State = StatePosted
	}
	s.nextMove++
	m.ID = s.nextMove
	lines := make([]Line, len(m.Lines))
	for i, l := range m.Lines {
		s.nextLine++
		l.ID = s.nextLine
		l.MoveID = m.ID
		if l.CompanyID == 0 {
			l.CompanyID = m.CompanyID
		}
		if l.Date.IsZero() {
			l.Date = m.Date
		}
		l.Tags = append([]taxes.LineTag(nil), l.Tags...)
		l.BaseTaxIDs = append([]int64(nil), l.BaseTaxIDs...)
		lines[i] = l
	}
	m.Lines = lines
	s.moves[m.ID] = m
	if m.Reference != "" {
		s.refs[m.Reference] = m.ID
	}
	return m.ID, nil
}

// Move implements Store.
func (s *MemoryStore) Move(_ context.Context, id int64) (Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.moves[id]
	if !ok {
		return Move{}, fmt.Errorf("%w: move %d", ErrNotFound, id)
	}
	return m, nil
}

// Reconcile implements Store.
func (s *MemoryStore) Reconcile(_ context.Context, r Reconciliation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.moves[r.MoveID]; !ok {
		return 0, fmt.Errorf("%w: move %d", ErrNotFound, r.MoveID)
	}
	s.nextRecon++
	r.ID = s.nextRecon
	s.recs = append(s.recs, r)
	return r.ID, nil
}

// Reconciliations implements Store.
func (s *MemoryStore) Reconciliations(_ context.Context, moveID int64) ([]Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reconciliation
	for _, r := range s.recs {
		if r.MoveID == moveID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Lines implements Store.
func (s *MemoryStore) Lines(_ context.Context, q LineQuery) ([]LineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := q.states()
	var out []LineSnapshot
	for _, m := range s.moves {
		if !containsState(states, m.State) {
			continue
		}
		if len(q.MoveIDs) > 0 && !containsID(q.MoveIDs, m.ID) {
			continue
		}
		if q.CashBasisOriginID != 0 && m.CashBasisOriginID != q.CashBasisOriginID {
			continue
		}
		always := true
		for _, l := range m.Lines {
			if s.accounts[l.AccountID].Settles() {
				always = false
				break
			}
		}
		for _, l := range m.Lines {
			if !q.From.IsZero() && l.Date.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && l.Date.After(q.To) {
				continue
			}
			if len(q.CompanyIDs) > 0 && !containsID(q.CompanyIDs, l.CompanyID) {
				continue
			}
			if len(q.AccountIDs) > 0 && !containsID(q.AccountIDs, l.AccountID) {
				continue
			}
			if len(q.Tags) > 0 && !carriesAny(l.Tags, q.Tags) {
				continue
			}
			out = append(out, LineSnapshot{
				Line:              l,
				MoveType:          m.Type,
				MoveState:         m.State,
				FiscalPositionID:  m.FiscalPositionID,
				CashBasisOriginID: m.CashBasisOriginID,
				AccountType:       s.accounts[l.AccountID].Type,
				AlwaysExigible:    always,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.MoveID != b.MoveID {
			return a.MoveID < b.MoveID
		}
		return a.ID < b.ID
	})
	return out, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsState(states []MoveState, st MoveState) bool {
	for _, v := range states {
		if v == st {
			return true
		}
	}
	return false
}

func carriesAny(tags []taxes.LineTag, refs []taxes.LineRef) bool {
	for _, t := range tags {
		for _, r := range refs {
			if t.Tag.Line() == r {
				return true
			}
		}
	}
	return false
}
