package taxes

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Lookup resolves taxes by id.
type Lookup interface {
	Tax(id int64) (Tax, bool)
}

// Leaf is a non-group tax reached while expanding a tax selection.
type Leaf struct {
	Tax   Tax
	Use   Use
	Share decimal.Decimal
}

// Routed is one effective repartition line of a leaf tax.
type Routed struct {
	TaxID int64
	Use   Use
	Line  RepartitionLine
	Tags  []Tag
	// Tax is the leaf tax and Leaf its position in the expansion.
	Tax  Tax
	Leaf int
}

// Route returns the repartition lines effective for tax in the given
// direction. Group taxes expand recursively to their children; each child's
// factors are scaled by its share of the group. A leaf without repartition
// lines for dir is a configuration error.
func Route(lookup Lookup, tax Tax, dir Direction) ([]Routed, error) {
	leaves, err := Flatten(lookup, []Tax{tax})
	if err != nil {
		return nil, err
	}
	var out []Routed
	for i, leaf := range leaves {
		lines := leaf.Tax.Repartition(dir)
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: tax %d (%s) has no %s lines", ErrNoRepartition, leaf.Tax.ID, leaf.Tax.Name, dir)
		}
		for _, line := range lines {
			scaled := line
			if line.Kind == KindTax {
				scaled.Factor = line.Factor.Mul(leaf.Share)
			}
			out = append(out, Routed{
				TaxID: leaf.Tax.ID,
				Use:   leaf.Use,
				Line:  scaled,
				Tags:  append([]Tag(nil), line.Tags...),
				Tax:   leaf.Tax,
				Leaf:  i,
			})
		}
	}
	return out, nil
}

// Flatten sorts taxes by sequence and replaces every group by its children,
// recursively, keeping the resulting leaves in computation order.
func Flatten(lookup Lookup, selection []Tax) ([]Leaf, error) {
	var out []Leaf
	for _, tax := range sortBySequence(selection) {
		expanded, err := flatten(lookup, tax, tax.Use, decimal.NewFromInt(1), map[int64]bool{})
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func flatten(lookup Lookup, tax Tax, use Use, share decimal.Decimal, seen map[int64]bool) ([]Leaf, error) {
	if seen[tax.ID] {
		return nil, fmt.Errorf("%w: group %d contains itself", ErrInvalidTax, tax.ID)
	}
	if !tax.IsGroup() {
		effective := tax.Use
		if effective == UseNone || effective == "" {
			effective = use
		}
		return []Leaf{{Tax: tax, Use: effective, Share: share}}, nil
	}
	if len(tax.Children) == 0 {
		return nil, fmt.Errorf("%w: group %d (%s) has no children", ErrNoRepartition, tax.ID, tax.Name)
	}
	seen[tax.ID] = true
	defer delete(seen, tax.ID)

	type member struct {
		tax   Tax
		share decimal.Decimal
	}
	members := make([]member, 0, len(tax.Children))
	for _, child := range tax.Children {
		resolved, ok := lookup.Tax(child.TaxID)
		if !ok {
			return nil, fmt.Errorf("%w: %d (child of %d)", ErrUnknownTax, child.TaxID, tax.ID)
		}
		members = append(members, member{tax: resolved, share: share.Mul(child.ShareRatio())})
	}
	sort.SliceStable(members, func(i, j int) bool {
		return lessBySequence(members[i].tax, members[j].tax)
	})

	var out []Leaf
	for _, m := range members {
		expanded, err := flatten(lookup, m.tax, use, m.share, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func sortBySequence(taxes []Tax) []Tax {
	sorted := append([]Tax(nil), taxes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessBySequence(sorted[i], sorted[j])
	})
	return sorted
}

func lessBySequence(a, b Tax) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.ID < b.ID
}
