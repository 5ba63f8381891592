// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package memengine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// Expressions are arithmetic over column references:
//
//	// optional comment lines
//	("price" * "qty") - 1.5
//
// "name" references a column, 'text' is a string literal. Operators are
// + - * / % and unary minus; + also concatenates strings.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokColumn
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind      tokenKind
	text      string
	line, col uint32
}

func lex(src string) ([]token, error) {
	var toks []token
	line, col := uint32(1), uint32(1)
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		start := token{line: line, col: col}
		advance := func(n int) {
			for range n {
				if runes[i] == '\n' {
					line++
					col = 1
				} else {
					col++
				}
				i++
			}
		}
		switch {
		case r == '\n' || unicode.IsSpace(r):
			advance(1)
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				advance(1)
			}
		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r && runes[j] != '\n' {
				j++
			}
			if j >= len(runes) || runes[j] != r {
				return nil, exprErr(start, "unterminated %c", r)
			}
			start.text = string(runes[i+1 : j])
			start.kind = tokString
			if r == '"' {
				start.kind = tokColumn
			}
			advance(j - i + 1)
			toks = append(toks, start)
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			start.kind, start.text = tokNumber, string(runes[i:j])
			advance(j - i)
			toks = append(toks, start)
		case strings.ContainsRune("+-*/%", r):
			start.kind, start.text = tokOp, string(r)
			advance(1)
			toks = append(toks, start)
		case r == '(':
			start.kind, start.text = tokLParen, "("
			advance(1)
			toks = append(toks, start)
		case r == ')':
			start.kind, start.text = tokRParen, ")"
			advance(1)
			toks = append(toks, start)
		default:
			return nil, exprErr(start, "unexpected character %q", r)
		}
	}
	return append(toks, token{kind: tokEOF, line: line, col: col}), nil
}

func exprErr(at token, format string, args ...any) *psprpc.ExprError {
	return &psprpc.ExprError{Message: fmt.Sprintf(format, args...), Line: at.line, Column: at.col}
}

// compiled is a type-checked expression. eval reads column values by
// schema position.
type compiled struct {
	typ  psprpc.ColumnType
	eval func(values []any) any
}

type parser struct {
	toks   []token
	pos    int
	schema psprpc.Schema
}

// compileExpr parses and type-checks src against schema.
func compileExpr(src string, schema psprpc.Schema) (*compiled, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, schema: schema}
	if p.peek().kind == tokEOF {
		return nil, exprErr(p.peek(), "empty expression")
	}
	c, err := p.sum()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, exprErr(tok, "unexpected %q", tok.text)
	}
	return c, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) sum() (*compiled, error) {
	left, err := p.product()
	if err != nil {
		return nil, err
	}
	for tok := p.peek(); tok.kind == tokOp && (tok.text == "+" || tok.text == "-"); tok = p.peek() {
		p.next()
		right, err := p.product()
		if err != nil {
			return nil, err
		}
		if left, err = binary(tok, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) product() (*compiled, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for tok := p.peek(); tok.kind == tokOp && strings.Contains("*/%", tok.text); tok = p.peek() {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if left, err = binary(tok, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) unary() (*compiled, error) {
	if tok := p.peek(); tok.kind == tokOp && tok.text == "-" {
		p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		if !isNumeric(operand.typ) {
			return nil, exprErr(tok, "cannot negate %s", operand.typ)
		}
		return &compiled{typ: operand.typ, eval: func(values []any) any {
			switch v := operand.eval(values).(type) {
			case int64:
				return -v
			case float64:
				return -v
			}
			return nil
		}}, nil
	}
	return p.primary()
}

func (p *parser) primary() (*compiled, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
			return &compiled{typ: psprpc.TypeInteger, eval: func([]any) any { return i }}, nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, exprErr(tok, "bad number %q", tok.text)
		}
		return &compiled{typ: psprpc.TypeFloat, eval: func([]any) any { return f }}, nil
	case tokString:
		s := tok.text
		return &compiled{typ: psprpc.TypeString, eval: func([]any) any { return s }}, nil
	case tokColumn:
		pos := columnPos(p.schema, tok.text)
		if pos < 0 {
			return nil, exprErr(tok, "unknown column %q", tok.text)
		}
		return &compiled{typ: p.schema[pos].Type, eval: func(values []any) any { return values[pos] }}, nil
	case tokLParen:
		inner, err := p.sum()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, exprErr(closing, "expected )")
		}
		return inner, nil
	case tokEOF:
		return nil, exprErr(tok, "unexpected end of expression")
	}
	return nil, exprErr(tok, "unexpected %q", tok.text)
}

func isNumeric(t psprpc.ColumnType) bool {
	return t == psprpc.TypeInteger || t == psprpc.TypeFloat
}

func binary(op token, left, right *compiled) (*compiled, error) {
	if op.text == "+" && left.typ == psprpc.TypeString && right.typ == psprpc.TypeString {
		return &compiled{typ: psprpc.TypeString, eval: func(values []any) any {
			l, r := left.eval(values), right.eval(values)
			if l == nil || r == nil {
				return nil
			}
			return l.(string) + r.(string)
		}}, nil
	}
	if !isNumeric(left.typ) || !isNumeric(right.typ) {
		return nil, exprErr(op, "operator %s needs numbers, got %s and %s", op.text, left.typ, right.typ)
	}
	typ := psprpc.TypeFloat
	if left.typ == psprpc.TypeInteger && right.typ == psprpc.TypeInteger && op.text != "/" {
		typ = psprpc.TypeInteger
	}
	return &compiled{typ: typ, eval: func(values []any) any {
		l, r := left.eval(values), right.eval(values)
		if l == nil || r == nil {
			return nil
		}
		if typ == psprpc.TypeInteger {
			return intOp(op.text, l.(int64), r.(int64))
		}
		return floatOp(op.text, asFloat(l), asFloat(r))
	}}, nil
}

func intOp(op string, a, b int64) any {
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "%":
		if b == 0 {
			return nil
		}
		return a % b
	}
	return nil
}

func floatOp(op string, a, b float64) any {
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "/":
		if b == 0 {
			return nil
		}
		return a / b
	case "%":
		if b == 0 {
			return nil
		}
		return math.Mod(a, b)
	}
	return nil
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}
