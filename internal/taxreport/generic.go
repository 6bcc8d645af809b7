package taxreport

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/taxes"
)

// Variant selects the layout of the generic report.
type Variant string

const (
	VariantGeneric         Variant = "generic"
	VariantGroupAccountTax Variant = "generic_grouped_account_tax"
	VariantGroupTaxAccount Variant = "generic_grouped_tax_account"
)

// ParseVariant recognises generic report ids.
func ParseVariant(id string) (Variant, bool) {
	switch v := Variant(id); v {
	case VariantGeneric, VariantGroupAccountTax, VariantGroupTaxAccount:
		return v, true
	}
	return "", false
}

func (v Variant) title() string {
	switch v {
	case VariantGroupAccountTax:
		return "Generic Tax Report (Account / Tax)"
	case VariantGroupTaxAccount:
		return "Generic Tax Report (Tax / Account)"
	}
	return "Generic Tax Report"
}

// TaxCatalog is the tax configuration the generic report reads.
type TaxCatalog interface {
	taxes.Lookup
	Taxes() []taxes.Tax
}

type amounts struct {
	net decimal.Decimal
	tax decimal.Decimal
}

type genericKey struct {
	taxID     int64
	accountID int64
}

// Generic builds the cross-country report listing net and tax amounts per
// tax, split into sales and purchases.
func (a *Aggregator) Generic(ctx context.Context, catalog TaxCatalog, period Period, opts scope.Options, variant Variant) ([]Node, error) {
	lines, err := a.Lines(ctx, period, opts, nil)
	if err != nil {
		return nil, err
	}

	cells := make(map[genericKey]*amounts)
	cell := func(taxID, accountID int64) *amounts {
		k := genericKey{taxID: taxID, accountID: accountID}
		c, ok := cells[k]
		if !ok {
			c = &amounts{}
			cells[k] = c
		}
		return c
	}
	for _, l := range lines {
		account := l.AccountID
		if l.IsTaxLine() && l.BaseAccountID != 0 {
			account = l.BaseAccountID
		}
		if l.IsTaxLine() && a.filter.TaxExigible(l, l.TaxID) {
			c := cell(l.TaxID, account)
			c.tax = c.tax.Add(l.Balance())
		}
		for _, id := range l.BaseTaxIDs {
			if a.filter.TaxExigible(l, id) {
				c := cell(id, account)
				c.net = c.net.Add(l.Balance())
			}
		}
	}

	parentUse := make(map[int64]taxes.Use)
	for _, t := range catalog.Taxes() {
		if t.IsGroup() {
			for _, child := range t.Children {
				parentUse[child.TaxID] = t.Use
			}
		}
	}
	useOf := func(t taxes.Tax) taxes.Use {
		if t.Use == taxes.UseNone || t.Use == "" {
			return parentUse[t.ID]
		}
		return t.Use
	}

	var out []Node
	for _, section := range []struct {
		id   int64
		code string
		name string
		use  taxes.Use
	}{
		{id: 1, code: "sale", name: "Sales", use: taxes.UseSale},
		{id: 2, code: "purchase", name: "Purchases", use: taxes.UsePurchase},
	} {
		sign := decimal.NewFromInt(1)
		if section.use == taxes.UseSale {
			sign = sign.Neg()
		}
		var keys []genericKey
		for k := range cells {
			t, ok := catalog.Tax(k.taxID)
			if ok && useOf(t) == section.use {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			continue
		}
		children, err := a.genericChildren(ctx, catalog, keys, cells, sign, variant)
		if err != nil {
			return nil, err
		}
		node := Node{ID: section.id, Name: section.name, Code: section.code, Value: decimal.Zero, Children: children}
		for _, c := range children {
			node.Value = node.Value.Add(c.Value)
		}
		out = append(out, node)
	}
	return out, nil
}

func (a *Aggregator) genericChildren(ctx context.Context, catalog TaxCatalog, keys []genericKey, cells map[genericKey]*amounts, sign decimal.Decimal, variant Variant) ([]Node, error) {
	taxRow := func(taxID int64, ks []genericKey) Node {
		t, _ := catalog.Tax(taxID)
		net, tax := decimal.Zero, decimal.Zero
		for _, k := range ks {
			net = net.Add(cells[k].net)
			tax = tax.Add(cells[k].tax)
		}
		net = net.Mul(sign)
		return Node{ID: taxID, Name: t.Label(), Code: "tax:" + strconv.FormatInt(taxID, 10), Net: &net, Value: tax.Mul(sign)}
	}
	accountRow := func(accountID int64) (Node, error) {
		acct, err := a.store.Account(ctx, accountID)
		if err != nil {
			return Node{}, fmt.Errorf("taxreport: generic account row: %w", err)
		}
		return Node{ID: accountID, Name: accountName(acct), Code: "account:" + strconv.FormatInt(accountID, 10), Value: decimal.Zero}, nil
	}

	byTax := groupKeys(keys, func(k genericKey) int64 { return k.taxID })
	taxOrder := make([]int64, 0, len(byTax))
	for id := range byTax {
		taxOrder = append(taxOrder, id)
	}
	sort.Slice(taxOrder, func(i, j int) bool {
		x, _ := catalog.Tax(taxOrder[i])
		y, _ := catalog.Tax(taxOrder[j])
		if x.Sequence != y.Sequence {
			return x.Sequence < y.Sequence
		}
		return x.ID < y.ID
	})

	switch variant {
	case VariantGroupAccountTax:
		byAccount := groupKeys(keys, func(k genericKey) int64 { return k.accountID })
		var out []Node
		for _, accountID := range sortedKeys(byAccount) {
			row, err := accountRow(accountID)
			if err != nil {
				return nil, err
			}
			for _, taxID := range taxOrder {
				k := genericKey{taxID: taxID, accountID: accountID}
				if _, ok := cells[k]; !ok || !containsKey(byAccount[accountID], k) {
					continue
				}
				child := taxRow(taxID, []genericKey{k})
				row.Value = row.Value.Add(child.Value)
				row.Children = append(row.Children, child)
			}
			out = append(out, row)
		}
		return out, nil
	case VariantGroupTaxAccount:
		var out []Node
		for _, taxID := range taxOrder {
			row := taxRow(taxID, byTax[taxID])
			accounts := groupKeys(byTax[taxID], func(k genericKey) int64 { return k.accountID })
			for _, accountID := range sortedKeys(accounts) {
				child, err := accountRow(accountID)
				if err != nil {
					return nil, err
				}
				leaf := taxRow(taxID, accounts[accountID])
				child.Net, child.Value = leaf.Net, leaf.Value
				row.Children = append(row.Children, child)
			}
			out = append(out, row)
		}
		return out, nil
	default:
		out := make([]Node, 0, len(taxOrder))
		for _, taxID := range taxOrder {
			out = append(out, taxRow(taxID, byTax[taxID]))
		}
		return out, nil
	}
}

func accountName(a ledger.Account) string {
	if a.Code == "" {
		return a.Name
	}
	if a.Name == "" {
		return a.Code
	}
	return a.Code + " " + a.Name
}

func groupKeys(keys []genericKey, by func(genericKey) int64) map[int64][]genericKey {
	out := make(map[int64][]genericKey)
	for _, k := range keys {
		out[by(k)] = append(out[by(k)], k)
	}
	return out
}

func sortedKeys(m map[int64][]genericKey) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsKey(keys []genericKey, k genericKey) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}
