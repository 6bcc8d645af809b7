package taxreport

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// expr is a parsed report-line formula.
type expr interface {
	eval(resolve func(code string) (decimal.Decimal, error)) (decimal.Decimal, error)
	codes(into []string) []string
}

type number decimal.Decimal

func (n number) eval(func(string) (decimal.Decimal, error)) (decimal.Decimal, error) {
	return decimal.Decimal(n), nil
}

func (n number) codes(into []string) []string { return into }

type reference string

func (r reference) eval(resolve func(string) (decimal.Decimal, error)) (decimal.Decimal, error) {
	return resolve(string(r))
}

func (r reference) codes(into []string) []string { return append(into, string(r)) }

type negation struct{ operand expr }

func (n negation) eval(resolve func(string) (decimal.Decimal, error)) (decimal.Decimal, error) {
	v, err := n.operand.eval(resolve)
	return v.Neg(), err
}

func (n negation) codes(into []string) []string { return n.operand.codes(into) }

type binary struct {
	op          byte
	left, right expr
}

func (b binary) eval(resolve func(string) (decimal.Decimal, error)) (decimal.Decimal, error) {
	l, err := b.left.eval(resolve)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := b.right.eval(resolve)
	if err != nil {
		return decimal.Zero, err
	}
	switch b.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	default:
		if r.IsZero() {
			return decimal.Zero, nil
		}
		return l.Div(r), nil
	}
}

func (b binary) codes(into []string) []string {
	return b.right.codes(b.left.codes(into))
}

// parseFormula parses arithmetic over line codes: numbers, codes, + - * /,
// parentheses and unary minus. Dividing by a zero line evaluates to zero, so a
// ratio line of an empty period renders as 0 instead of failing the report.
func parseFormula(src string) (expr, error) {
	p := &parser{src: src}
	p.next()
	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	if p.tok != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.text, p.pos)
	}
	return e, nil
}

type token int

const (
	tokEOF token = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokInvalid
)

type parser struct {
	src  string
	pos  int
	tok  token
	text string
}

func (p *parser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok, p.text = tokEOF, ""
		return
	}
	start := p.pos
	c := rune(p.src[p.pos])
	switch {
	case unicode.IsDigit(c) || c == '.':
		for p.pos < len(p.src) && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok = tokNumber
	case unicode.IsLetter(c) || c == '_':
		for p.pos < len(p.src) && isIdent(rune(p.src[p.pos])) {
			p.pos++
		}
		p.tok = tokIdent
	case strings.ContainsRune("+-*/", c):
		p.pos++
		p.tok = tokOp
	case c == '(':
		p.pos++
		p.tok = tokLParen
	case c == ')':
		p.pos++
		p.tok = tokRParen
	default:
		p.pos++
		p.tok = tokInvalid
	}
	p.text = p.src[start:p.pos]
}

func isIdent(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.'
}

func (p *parser) expression() (expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && (p.text == "+" || p.text == "-") {
		op := p.text[0]
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) term() (expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && (p.text == "*" || p.text == "/") {
		op := p.text[0]
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary() (expr, error) {
	if p.tok == tokOp && p.text == "-" {
		p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negation{operand: operand}, nil
	}
	if p.tok == tokOp && p.text == "+" {
		p.next()
		return p.unary()
	}
	return p.primary()
}

func (p *parser) primary() (expr, error) {
	switch p.tok {
	case tokNumber:
		v, err := decimal.NewFromString(p.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p.text)
		}
		p.next()
		return number(v), nil
	case tokIdent:
		code := p.text
		p.next()
		return reference(code), nil
	case tokLParen:
		p.next()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		if p.tok != tokRParen {
			return nil, fmt.Errorf("missing ) at %d", p.pos)
		}
		p.next()
		return e, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", p.text, p.pos)
	}
}
