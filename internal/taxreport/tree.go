// Package taxreport aggregates tagged ledger lines into tax report trees.
package taxreport

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidReport reports a report definition that cannot be evaluated.
	ErrInvalidReport = errors.New("taxreport: invalid report")
	// ErrUnknownReport is returned for an unknown report id.
	ErrUnknownReport = errors.New("taxreport: unknown report")
	// ErrInvalidPeriod reports a date range ending before it starts.
	ErrInvalidPeriod = errors.New("taxreport: invalid period")
)

// LineDef is the configuration of one report line.
type LineDef struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name"`
	Code     string `yaml:"code"`
	Sequence int    `yaml:"sequence"`
	ParentID int64  `yaml:"parent"`
	Tag      string `yaml:"tag"`
	Formula  string `yaml:"formula"`
}

// Definition is a country tax report as configured.
type Definition struct {
	ID      int64     `yaml:"id"`
	Name    string    `yaml:"name"`
	Country string    `yaml:"country"`
	Lines   []LineDef `yaml:"lines"`
}

// LoadDefinitions decodes the reports section of a YAML fixture.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var file struct {
		Reports []Definition `yaml:"reports"`
	}
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode tax reports: %w", err)
	}
	return file.Reports, nil
}

type node struct {
	def      LineDef
	parent   int
	children []int
	formula  expr
}

// Report is a compiled report: an arena of lines with pre-parsed formulas.
type Report struct {
	ID      int64
	Name    string
	Country string

	nodes  []node
	roots  []int
	byCode map[string]int
}

// Compile validates a definition and builds its arena.
func Compile(def Definition) (*Report, error) {
	r := &Report{
		ID:      def.ID,
		Name:    def.Name,
		Country: strings.ToUpper(def.Country),
		byCode:  make(map[string]int),
	}
	index := make(map[int64]int, len(def.Lines))
	for _, line := range def.Lines {
		if _, dup := index[line.ID]; dup {
			return nil, fmt.Errorf("%w: report %d: duplicate line %d", ErrInvalidReport, def.ID, line.ID)
		}
		index[line.ID] = len(r.nodes)
		r.nodes = append(r.nodes, node{def: line, parent: -1})
		if line.Code != "" {
			if _, dup := r.byCode[line.Code]; dup {
				return nil, fmt.Errorf("%w: report %d: duplicate code %q", ErrInvalidReport, def.ID, line.Code)
			}
			r.byCode[line.Code] = len(r.nodes) - 1
		}
	}
	for i := range r.nodes {
		parentID := r.nodes[i].def.ParentID
		if parentID == 0 {
			r.roots = append(r.roots, i)
			continue
		}
		p, ok := index[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d has unknown parent %d", ErrInvalidReport, r.nodes[i].def.ID, parentID)
		}
		r.nodes[i].parent = p
		r.nodes[p].children = append(r.nodes[p].children, i)
	}
	if err := r.checkAcyclic(); err != nil {
		return nil, err
	}
	r.sortSiblings(r.roots)
	for i := range r.nodes {
		r.sortSiblings(r.nodes[i].children)
	}

	for i := range r.nodes {
		n := &r.nodes[i]
		hasTag, hasFormula := n.def.Tag != "", strings.TrimSpace(n.def.Formula) != ""
		switch {
		case hasTag && hasFormula:
			return nil, fmt.Errorf("%w: line %d has both a tag and a formula", ErrInvalidReport, n.def.ID)
		case hasTag && len(n.children) > 0:
			return nil, fmt.Errorf("%w: tagged line %d has children", ErrInvalidReport, n.def.ID)
		case !hasTag && !hasFormula && len(n.children) == 0:
			return nil, fmt.Errorf("%w: line %d has neither tag nor formula", ErrInvalidReport, n.def.ID)
		}
		if hasFormula {
			e, err := parseFormula(n.def.Formula)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d formula %q: %v", ErrInvalidReport, n.def.ID, n.def.Formula, err)
			}
			for _, code := range e.codes(nil) {
				if _, ok := r.byCode[code]; !ok {
					return nil, fmt.Errorf("%w: line %d formula references unknown code %q", ErrInvalidReport, n.def.ID, code)
				}
			}
			n.formula = e
		}
	}
	if _, err := r.Evaluate(nil); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Report) checkAcyclic() error {
	for i := range r.nodes {
		steps := 0
		for p := r.nodes[i].parent; p >= 0; p = r.nodes[p].parent {
			steps++
			if steps > len(r.nodes) {
				return fmt.Errorf("%w: line %d is its own ancestor", ErrInvalidReport, r.nodes[i].def.ID)
			}
		}
	}
	return nil
}

func (r *Report) sortSiblings(ids []int) {
	sort.SliceStable(ids, func(a, b int) bool {
		x, y := r.nodes[ids[a]].def, r.nodes[ids[b]].def
		if x.Sequence != y.Sequence {
			return x.Sequence < y.Sequence
		}
		return x.ID < y.ID
	})
}

// Tags lists the tag names the report aggregates.
func (r *Report) Tags() []string {
	var out []string
	for _, n := range r.nodes {
		if n.def.Tag != "" {
			out = append(out, n.def.Tag)
		}
	}
	return out
}

// Evaluate computes every line from per-tag totals. Tagged lines take their
// tag's total, sections sum their children and formulas are resolved lazily
// over any code of the report, memoised, in tree order.
func (r *Report) Evaluate(totals map[string]decimal.Decimal) ([]decimal.Decimal, error) {
	const (
		pending = iota
		visiting
		done
	)
	values := make([]decimal.Decimal, len(r.nodes))
	state := make([]int, len(r.nodes))

	var value func(i int) (decimal.Decimal, error)
	value = func(i int) (decimal.Decimal, error) {
		switch state[i] {
		case done:
			return values[i], nil
		case visiting:
			return decimal.Zero, fmt.Errorf("%w: line %d is part of a formula cycle", ErrInvalidReport, r.nodes[i].def.ID)
		}
		state[i] = visiting
		n := r.nodes[i]
		var v decimal.Decimal
		switch {
		case n.def.Tag != "":
			v = totals[n.def.Tag]
		case n.formula != nil:
			var err error
			v, err = n.formula.eval(func(code string) (decimal.Decimal, error) {
				return value(r.byCode[code])
			})
			if err != nil {
				return decimal.Zero, err
			}
		default:
			v = decimal.Zero
			for _, c := range n.children {
				cv, err := value(c)
				if err != nil {
					return decimal.Zero, err
				}
				v = v.Add(cv)
			}
		}
		values[i], state[i] = v, done
		return v, nil
	}

	var walk func(ids []int) error
	walk = func(ids []int) error {
		for _, i := range ids {
			if err := walk(r.nodes[i].children); err != nil {
				return err
			}
			if _, err := value(i); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(r.roots); err != nil {
		return nil, err
	}
	return values, nil
}

// Node is one rendered report line.
type Node struct {
	ID       int64            `json:"line_id"`
	Name     string           `json:"name"`
	Code     string           `json:"code,omitempty"`
	Value    decimal.Decimal  `json:"value"`
	Net      *decimal.Decimal `json:"net,omitempty"`
	Children []Node           `json:"children,omitempty"`
}

// Render evaluates the report and returns its lines depth-first in sequence
// order.
func (r *Report) Render(totals map[string]decimal.Decimal) ([]Node, error) {
	values, err := r.Evaluate(totals)
	if err != nil {
		return nil, err
	}
	var build func(ids []int) []Node
	build = func(ids []int) []Node {
		out := make([]Node, 0, len(ids))
		for _, i := range ids {
			n := r.nodes[i]
			out = append(out, Node{
				ID:       n.def.ID,
				Name:     n.def.Name,
				Code:     n.def.Code,
				Value:    values[i],
				Children: build(n.children),
			})
		}
		return out
	}
	return build(r.roots), nil
}

// Flatten lists nodes depth-first, parents before children.
func Flatten(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		children := n.Children
		n.Children = nil
		out = append(out, n)
		out = append(out, Flatten(children)...)
	}
	return out
}
