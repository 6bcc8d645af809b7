package taxes

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog is an immutable, validated set of taxes and tax groups.
type Catalog struct {
	taxes  map[int64]Tax
	groups map[int64]Group
	lines  map[int64]RepartitionLine
}

type catalogFile struct {
	Groups []Group `yaml:"tax_groups"`
	Taxes  []Tax   `yaml:"taxes"`
}

// LoadCatalog decodes a YAML catalog and validates it.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode tax catalog: %w", err)
	}
	return NewCatalog(file.Groups, file.Taxes)
}

// NewCatalog indexes groups and taxes and validates their references.
func NewCatalog(groups []Group, taxes []Tax) (*Catalog, error) {
	c := &Catalog{
		taxes:  make(map[int64]Tax, len(taxes)),
		groups: make(map[int64]Group, len(groups)),
		lines:  make(map[int64]RepartitionLine),
	}
	for _, g := range groups {
		if _, dup := c.groups[g.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tax group %d", ErrInvalidTax, g.ID)
		}
		c.groups[g.ID] = g
	}
	for _, t := range taxes {
		if _, dup := c.taxes[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tax %d", ErrInvalidTax, t.ID)
		}
		if t.Exigibility == "" {
			t.Exigibility = OnInvoice
		}
		if t.Use == "" {
			t.Use = UseNone
		}
		c.taxes[t.ID] = t
		for _, line := range append(append([]RepartitionLine(nil), t.InvoiceLines...), t.RefundLines...) {
			if line.ID == 0 {
				continue
			}
			if _, dup := c.lines[line.ID]; dup {
				return nil, fmt.Errorf("%w: repartition line %d used twice", ErrInvalidTax, line.ID)
			}
			c.lines[line.ID] = line
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	for _, t := range c.taxes {
		if t.GroupID != 0 {
			if _, ok := c.groups[t.GroupID]; !ok {
				return fmt.Errorf("%w: tax %d references unknown group %d", ErrInvalidTax, t.ID, t.GroupID)
			}
		}
		if t.IsGroup() {
			if _, err := Flatten(c, []Tax{t}); err != nil {
				return err
			}
			continue
		}
		switch t.AmountType {
		case AmountPercent, AmountFixed, AmountDivision:
		default:
			return fmt.Errorf("%w: tax %d has amount type %q", ErrInvalidTax, t.ID, t.AmountType)
		}
		if t.OnPayment() && t.TransitionAccountID == 0 {
			return fmt.Errorf("%w: cash basis tax %d has no transition account", ErrInvalidTax, t.ID)
		}
		for _, dir := range []Direction{Invoice, Refund} {
			bases := 0
			for _, line := range t.Repartition(dir) {
				if line.Kind == KindBase {
					bases++
				}
			}
			if bases > 1 {
				return fmt.Errorf("%w: tax %d has %d %s base lines", ErrInvalidTax, t.ID, bases, dir)
			}
		}
	}
	return nil
}

// Tax implements Lookup.
func (c *Catalog) Tax(id int64) (Tax, bool) {
	t, ok := c.taxes[id]
	return t, ok
}

// Group returns a tax group by id.
func (c *Catalog) Group(id int64) (Group, bool) {
	g, ok := c.groups[id]
	return g, ok
}

// RepartitionLine returns a repartition line by id.
func (c *Catalog) RepartitionLine(id int64) (RepartitionLine, bool) {
	l, ok := c.lines[id]
	return l, ok
}

// Taxes returns every tax ordered by sequence then id.
func (c *Catalog) Taxes() []Tax {
	out := make([]Tax, 0, len(c.taxes))
	for _, t := range c.taxes {
		out = append(out, t)
	}
	return sortBySequence(out)
}

// Groups returns every tax group ordered by sequence then id.
func (c *Catalog) Groups() []Group {
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve returns the taxes for ids, failing on the first unknown id.
func (c *Catalog) Resolve(ids []int64) ([]Tax, error) {
	out := make([]Tax, 0, len(ids))
	for _, id := range ids {
		t, ok := c.taxes[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTax, id)
		}
		out = append(out, t)
	}
	return out, nil
}
