package scope

import (
	"fmt"
	"sort"
	"strings"
)

// Requested is the option set asked for by a caller, possibly inconsistent.
type Requested struct {
	// ReportCountry is the country of the report; empty for the generic report.
	ReportCountry  string   `json:"report_country"`
	Generic        bool     `json:"generic"`
	FiscalPosition Selector `json:"fiscal_position"`
	// CompanyIDs is the selected company set; the first one is the current company.
	CompanyIDs []int64 `json:"company_ids"`
}

// Options is a consistent option set.
type Options struct {
	ReportCountry    string           `json:"report_country"`
	Generic          bool             `json:"generic"`
	FiscalPosition   Selector         `json:"fiscal_position"`
	AllowDomestic    bool             `json:"allow_domestic"`
	Available        []FiscalPosition `json:"available_fiscal_positions"`
	CurrentCompanyID int64            `json:"current_company_id"`
	// CompanyIDs are the companies whose lines are aggregated.
	CompanyIDs    []int64  `json:"company_ids"`
	TaxUnit       *TaxUnit `json:"tax_unit,omitempty"`
	TaxUnitActive bool     `json:"tax_unit_active"`

	positions map[int64]FiscalPosition
}

// Resolve corrects a requested option set into the nearest consistent one.
// Inconsistent requests are downgraded, never rejected.
func Resolve(req Requested, snap Snapshot) (Options, error) {
	selected := dedupe(req.CompanyIDs)
	if len(selected) == 0 {
		return Options{}, ErrNoCompany
	}
	current, ok := snap.Company(selected[0])
	if !ok {
		return Options{}, fmt.Errorf("%w: %d", ErrUnknownCompany, selected[0])
	}

	opts := Options{
		ReportCountry:    strings.ToUpper(req.ReportCountry),
		Generic:          req.Generic,
		CurrentCompanyID: current.ID,
		CompanyIDs:       []int64{current.ID},
		positions:        make(map[int64]FiscalPosition, len(snap.FiscalPositions)),
	}
	for _, f := range snap.FiscalPositions {
		opts.positions[f.ID] = f
	}

	unitCountry := opts.ReportCountry
	if opts.Generic {
		unitCountry = current.Country
	}
	for _, u := range snap.TaxUnits {
		if u.Country == unitCountry && u.Has(current.ID) {
			unit := u
			opts.TaxUnit = &unit
			opts.TaxUnitActive = sameSet(selected, u.CompanyIDs)
			break
		}
	}
	if opts.TaxUnitActive {
		opts.CompanyIDs = sortedIDs(opts.TaxUnit.CompanyIDs)
	}

	inScope := make(map[int64]bool, len(opts.CompanyIDs))
	for _, id := range opts.CompanyIDs {
		inScope[id] = true
	}
	for _, f := range snap.FiscalPositions {
		if !f.Foreign() || !inScope[f.CompanyID] {
			continue
		}
		if opts.Generic || f.Country == opts.ReportCountry {
			opts.Available = append(opts.Available, f)
		}
	}
	sort.Slice(opts.Available, func(i, j int) bool { return opts.Available[i].ID < opts.Available[j].ID })

	opts.AllowDomestic = opts.Generic || opts.ReportCountry == current.Country

	if opts.Generic || opts.TaxUnitActive {
		opts.FiscalPosition = AllPositions()
		return opts, nil
	}
	opts.FiscalPosition = opts.choose(req.FiscalPosition)
	return opts, nil
}

func (o Options) choose(requested Selector) Selector {
	accepted := o.accepted()
	for _, s := range accepted {
		if s == requested {
			return s
		}
	}
	switch {
	case o.AllowDomestic:
		return Domestic()
	case len(o.Available) > 0:
		return Position(o.Available[0].ID)
	default:
		return AllPositions()
	}
}

func (o Options) accepted() []Selector {
	var out []Selector
	for _, f := range o.Available {
		out = append(out, Position(f.ID))
	}
	if o.AllowDomestic {
		out = append(out, Domestic())
	}
	threshold := 1
	if o.AllowDomestic {
		threshold = 0
	}
	if len(o.Available) > threshold || len(out) == 0 {
		out = append(out, AllPositions())
	}
	return out
}

// Accepted lists the fiscal-position selections valid for these options.
func (o Options) Accepted() []Selector {
	if o.Generic || o.TaxUnitActive {
		return []Selector{AllPositions()}
	}
	return o.accepted()
}

// Includes reports whether a move with the given fiscal position falls under
// the selected fiscal position. Domestic covers moves without a position,
// positions without foreign VAT and positions registered in another country.
func (o Options) Includes(fiscalPositionID int64) bool {
	switch o.FiscalPosition.Mode {
	case ModeSpecific:
		return fiscalPositionID == o.FiscalPosition.PositionID
	case ModeDomestic:
		if fiscalPositionID == 0 {
			return true
		}
		f, ok := o.positions[fiscalPositionID]
		if !ok || !f.Foreign() {
			return true
		}
		return !o.Generic && f.Country != o.ReportCountry
	default:
		return true
	}
}

// Buckets splits the options into the fiscal-position buckets a closing run
// posts one entry for.
func (o Options) Buckets() []Selector {
	switch o.FiscalPosition.Mode {
	case ModeSpecific, ModeDomestic:
		return []Selector{o.FiscalPosition}
	}
	var out []Selector
	if o.AllowDomestic {
		out = append(out, Domestic())
	}
	for _, f := range o.Available {
		out = append(out, Position(f.ID))
	}
	return out
}

// WithSelector returns a copy of the options narrowed to one selection.
func (o Options) WithSelector(s Selector) Options {
	o.FiscalPosition = s
	return o
}

// WithCompanies returns a copy of the options restricted to companies.
func (o Options) WithCompanies(ids ...int64) Options {
	o.CompanyIDs = sortedIDs(ids)
	return o
}

// PositionCompany returns the company owning a fiscal position.
func (o Options) PositionCompany(id int64) (int64, bool) {
	f, ok := o.positions[id]
	return f.CompanyID, ok
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sameSet(a, b []int64) bool {
	a, b = dedupe(a), dedupe(b)
	if len(a) != len(b) {
		return false
	}
	members := make(map[int64]bool, len(b))
	for _, id := range b {
		members[id] = true
	}
	for _, id := range a {
		if !members[id] {
			return false
		}
	}
	return true
}
