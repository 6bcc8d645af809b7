// Package scope resolves which companies and fiscal positions a tax report or
// closing run covers.
package scope

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoCompany is returned when no company is selected.
	ErrNoCompany = errors.New("scope: no company selected")
	// ErrUnknownCompany is returned when the current company is not configured.
	ErrUnknownCompany = errors.New("scope: unknown company")
	// ErrInvalidDirectory reports inconsistent company configuration.
	ErrInvalidDirectory = errors.New("scope: invalid directory")
)

// Company is a legal entity filing taxes in its fiscal country.
type Company struct {
	ID      int64  `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Country string `yaml:"country" json:"country"`
}

// FiscalPosition maps a jurisdiction. Positions with a foreign VAT number
// file their own report in Country.
type FiscalPosition struct {
	ID         int64    `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	CompanyID  int64    `yaml:"company" json:"company_id"`
	Country    string   `yaml:"country" json:"country"`
	States     []string `yaml:"states" json:"states,omitempty"`
	ForeignVAT string   `yaml:"foreign_vat" json:"foreign_vat,omitempty"`
	AutoApply  bool     `yaml:"auto_apply" json:"auto_apply"`
}

// Foreign reports whether the position carries a foreign VAT registration.
func (f FiscalPosition) Foreign() bool {
	return f.ForeignVAT != ""
}

// TaxUnit groups companies sharing one VAT identity in Country.
type TaxUnit struct {
	ID            int64   `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	Country       string  `yaml:"country" json:"country"`
	MainCompanyID int64   `yaml:"main_company" json:"main_company_id"`
	CompanyIDs    []int64 `yaml:"companies" json:"company_ids"`
}

// Has reports whether the company is a member of the unit.
func (u TaxUnit) Has(companyID int64) bool {
	for _, id := range u.CompanyIDs {
		if id == companyID {
			return true
		}
	}
	return false
}

// Snapshot is the company configuration options are resolved against.
type Snapshot struct {
	Companies       []Company        `yaml:"companies"`
	FiscalPositions []FiscalPosition `yaml:"fiscal_positions"`
	TaxUnits        []TaxUnit        `yaml:"tax_units"`
}

// LoadSnapshot decodes the company section of a YAML fixture.
func LoadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
		return Snapshot{}, fmt.Errorf("decode companies: %w", err)
	}
	for i := range snap.Companies {
		snap.Companies[i].Country = strings.ToUpper(snap.Companies[i].Country)
	}
	for i := range snap.FiscalPositions {
		snap.FiscalPositions[i].Country = strings.ToUpper(snap.FiscalPositions[i].Country)
	}
	for i := range snap.TaxUnits {
		snap.TaxUnits[i].Country = strings.ToUpper(snap.TaxUnits[i].Country)
	}
	return snap, snap.Validate()
}

// Validate checks that no company belongs to two units of one country.
func (s Snapshot) Validate() error {
	seen := make(map[string]int64)
	for _, u := range s.TaxUnits {
		if !u.Has(u.MainCompanyID) {
			return fmt.Errorf("%w: main company %d is not a member of tax unit %d", ErrInvalidDirectory, u.MainCompanyID, u.ID)
		}
		for _, c := range u.CompanyIDs {
			key := u.Country + "/" + strconv.FormatInt(c, 10)
			if other, dup := seen[key]; dup {
				return fmt.Errorf("%w: company %d is in tax units %d and %d for %s", ErrInvalidDirectory, c, other, u.ID, u.Country)
			}
			seen[key] = u.ID
		}
	}
	return nil
}

// Company looks a company up by id.
func (s Snapshot) Company(id int64) (Company, bool) {
	for _, c := range s.Companies {
		if c.ID == id {
			return c, true
		}
	}
	return Company{}, false
}

// FiscalPosition looks a position up by id.
func (s Snapshot) FiscalPosition(id int64) (FiscalPosition, bool) {
	for _, f := range s.FiscalPositions {
		if f.ID == id {
			return f, true
		}
	}
	return FiscalPosition{}, false
}

// Mode is the kind of fiscal-position selection.
type Mode string

const (
	ModeDomestic Mode = "domestic"
	ModeAll      Mode = "all"
	ModeSpecific Mode = "specific"
)

// Selector narrows lines by the fiscal position of their move.
type Selector struct {
	Mode       Mode  `json:"mode"`
	PositionID int64 `json:"position_id,omitempty"`
}

// Domestic selects lines outside any foreign-VAT position.
func Domestic() Selector { return Selector{Mode: ModeDomestic} }

// AllPositions selects every line.
func AllPositions() Selector { return Selector{Mode: ModeAll} }

// Position selects the lines of one fiscal position.
func Position(id int64) Selector { return Selector{Mode: ModeSpecific, PositionID: id} }

// String renders the selector as "domestic", "all" or the position id.
func (s Selector) String() string {
	if s.Mode == ModeSpecific {
		return strconv.FormatInt(s.PositionID, 10)
	}
	return string(s.Mode)
}

// ParseSelector is the inverse of String. Anything unparsable yields the
// zero Selector, which Resolve treats as "no explicit selection".
func ParseSelector(raw string) Selector {
	switch raw = strings.TrimSpace(strings.ToLower(raw)); raw {
	case "":
		return Selector{}
	case string(ModeDomestic):
		return Domestic()
	case string(ModeAll):
		return AllPositions()
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Selector{}
	}
	return Position(id)
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
