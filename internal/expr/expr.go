// Package expr parses the infix expressions the search executable prints and
// evaluates them against rows of input data. Only a fixed set of operators
// and functions is understood; nothing is interpreted dynamically.
package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// logFloor keeps log defined for non-positive arguments.
const logFloor = 1e-10

// ErrArity is returned for a function called with the wrong argument count.
var ErrArity = errors.New("expr: wrong number of arguments")

// Expr is a parsed expression.
type Expr struct {
	src    string
	root   node
	maxVar int
}

// Parse compiles src.
func Parse(src string) (*Expr, error) {
	p := &parser{lex: newLexer(src)}
	p.next()
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
	return &Expr{src: src, root: root, maxVar: p.maxVar}, nil
}

// MustParse is Parse that panics, for tests and constants.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// NumVars returns the highest variable index referenced (x3 -> 3).
func (e *Expr) NumVars() int { return e.maxVar }

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression with row[i] bound to x(i+1).
func (e *Expr) Eval(row []float64) (float64, error) {
	if len(row) < e.maxVar {
		return 0, fmt.Errorf("expr: %q needs %d variables, row has %d", e.src, e.maxVar, len(row))
	}
	return e.root.eval(row), nil
}

type node interface {
	eval(row []float64) float64
}

type number float64

func (n number) eval([]float64) float64 { return float64(n) }

type variable int

func (v variable) eval(row []float64) float64 { return row[int(v)-1] }

type negate struct{ arg node }

func (n negate) eval(row []float64) float64 { return -n.arg.eval(row) }

type binary struct {
	op          byte
	left, right node
}

func (b binary) eval(row []float64) float64 {
	l, r := b.left.eval(row), b.right.eval(row)
	switch b.op {
	case '+':
		return l + r
	case '-':
		return l - r
	case '*':
		return l * r
	default:
		return l / r
	}
}

type call struct {
	fn   func(args []float64) float64
	args []node
}

func (c call) eval(row []float64) float64 {
	vals := make([]float64, len(c.args))
	for i, a := range c.args {
		vals[i] = a.eval(row)
	}
	return c.fn(vals)
}

type function struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               func(args []float64) float64
}

func unary(f func(float64) float64) function {
	return function{minArgs: 1, maxArgs: 1, fn: func(a []float64) float64 { return f(a[0]) }}
}

var functions = map[string]function{
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"atan": unary(math.Atan),
	"sqrt": unary(math.Sqrt),
	"log": unary(func(x float64) float64 {
		return math.Log(math.Max(x, logFloor))
	}),
	"pos": unary(func(x float64) float64 {
		return math.Max(x, 0)
	}),
	"avg": {minArgs: 1, maxArgs: -1, fn: func(a []float64) float64 {
		sum := 0.0
		for _, v := range a {
			sum += v
		}
		return sum / float64(len(a))
	}},
	"min": {minArgs: 1, maxArgs: -1, fn: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {minArgs: 1, maxArgs: -1, fn: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

type parser struct {
	lex    *lexer
	tok    token
	maxVar int
}

func (p *parser) next() { p.tok = p.lex.next() }

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("expr: at %d: %s", p.tok.pos, fmt.Sprintf(format, args...))
}

// expr := term {(+|-) term}
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

// term := unary {(*|/) unary}
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		neg := p.tok.text == "-"
		p.next()
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if !neg {
			return arg, nil
		}
		if n, ok := arg.(number); ok {
			return -n, nil
		}
		return negate{arg: arg}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok
	switch tok.kind {
	case tokNumber:
		p.next()
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("expr: at %d: bad number %q", tok.pos, tok.text)
		}
		return number(v), nil
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected )")
		}
		p.next()
		return inner, nil
	case tokIdent:
		p.next()
		if p.tok.kind == tokLParen {
			return p.parseCall(tok)
		}
		return p.variable(tok)
	case tokEOF:
		return nil, p.errorf("unexpected end of expression")
	default:
		return nil, p.errorf("unexpected %q", tok.text)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := functions[strings.ToLower(name.text)]
	if !ok {
		return nil, fmt.Errorf("expr: at %d: unknown function %q", name.pos, name.text)
	}
	p.next() // (
	var args []node
	if p.tok.kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.tok.kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.tok.kind != tokRParen {
		return nil, p.errorf("expected ) after arguments of %s", name.text)
	}
	p.next()
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, fmt.Errorf("%w: %s got %d", ErrArity, name.text, len(args))
	}
	return call{fn: fn.fn, args: args}, nil
}

func (p *parser) variable(tok token) (node, error) {
	name := strings.ToLower(tok.text)
	if !strings.HasPrefix(name, "x") {
		return nil, fmt.Errorf("expr: at %d: unknown identifier %q", tok.pos, tok.text)
	}
	idx, err := strconv.Atoi(name[1:])
	if err != nil || idx < 1 {
		return nil, fmt.Errorf("expr: at %d: bad variable %q", tok.pos, tok.text)
	}
	if idx > p.maxVar {
		p.maxVar = idx
	}
	return variable(idx), nil
}
