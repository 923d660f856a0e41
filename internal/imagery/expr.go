package imagery

import (
	"fmt"
	"strconv"
	"unicode"
)

// A tiny arithmetic expression evaluator for the memory engine. Supports
// + - * /, unary minus, parentheses, numeric literals, and named variables.
type exprNode interface {
	eval(vars map[string]float64) (float64, error)
}

type numNode float64

func (n numNode) eval(map[string]float64) (float64, error) { return float64(n), nil }

type varNode string

func (n varNode) eval(vars map[string]float64) (float64, error) {
	v, ok := vars[string(n)]
	if !ok {
		return 0, fmt.Errorf("unbound variable %q", string(n))
	}
	return v, nil
}

type binNode struct {
	op   byte
	l, r exprNode
}

func (n binNode) eval(vars map[string]float64) (float64, error) {
	l, err := n.l.eval(vars)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(vars)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		return l / r, nil
	}
}

type negNode struct{ x exprNode }

func (n negNode) eval(vars map[string]float64) (float64, error) {
	v, err := n.x.eval(vars)
	return -v, err
}

type exprParser struct {
	s   string
	pos int
}

func parseExpr(s string) (exprNode, error) {
	p := &exprParser{s: s}
	node, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.s[p.pos], p.pos)
	}
	return node, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *exprParser) expr() (exprNode, error) {
	node, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		c := p.peek()
		if c != '+' && c != '-' {
			return node, nil
		}
		p.pos++
		rhs, err := p.term()
		if err != nil {
			return nil, err
		}
		node = binNode{op: c, l: node, r: rhs}
	}
}

func (p *exprParser) term() (exprNode, error) {
	node, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		c := p.peek()
		if c != '*' && c != '/' {
			return node, nil
		}
		p.pos++
		rhs, err := p.unary()
		if err != nil {
			return nil, err
		}
		node = binNode{op: c, l: node, r: rhs}
	}
}

func (p *exprParser) unary() (exprNode, error) {
	if p.peek() == '-' {
		p.pos++
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negNode{x: x}, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (exprNode, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		node, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing ) at offset %d", p.pos)
		}
		p.pos++
		return node, nil
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.s) && (p.s[p.pos] >= '0' && p.s[p.pos] <= '9' || p.s[p.pos] == '.') {
			p.pos++
		}
		v, err := strconv.ParseFloat(p.s[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", p.s[start:p.pos], err)
		}
		return numNode(v), nil
	case isIdentStart(rune(c)):
		start := p.pos
		for p.pos < len(p.s) && isIdentPart(rune(p.s[p.pos])) {
			p.pos++
		}
		return varNode(p.s[start:p.pos]), nil
	case c == 0:
		return nil, fmt.Errorf("unexpected end of expression %q", p.s)
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

func isIdentStart(r rune) bool { return unicode.IsLetter(r) || r == '_' }

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
