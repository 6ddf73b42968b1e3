package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danshapiro/termgpt/internal/plugin"
)

const calculatorChars = "0123456789+-*/(). "

var errDivisionByZero = errors.New("division by zero in expression")

func Calculator() plugin.Plugin {
	return plugin.New("calculator", "Evaluate an arithmetic expression using + - * / // ** and parentheses",
		plugin.Object(
			plugin.Field{Name: "expression", Type: plugin.TypeString, Description: "Expression to evaluate, e.g. (2 + 3) * 4", Required: true},
		),
		plugin.Object(
			plugin.Field{Name: "result", Type: plugin.TypeNumber, Required: true},
			plugin.Field{Name: "expression", Type: plugin.TypeString, Required: true},
		),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			expr := stringArg(args, "expression")
			v, err := Evaluate(expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": v, "expression": expr}, nil
		})
}

// Evaluate computes an arithmetic expression. ** is right-associative and
// binds tighter than unary minus; // is floor division.
func Evaluate(expr string) (float64, error) {
	for _, r := range expr {
		if !strings.ContainsRune(calculatorChars, r) {
			return 0, fmt.Errorf("expression contains invalid characters")
		}
	}
	p := &exprParser{src: strings.ReplaceAll(expr, " ", "")}
	if p.src == "" {
		return 0, fmt.Errorf("invalid mathematical expression: empty")
	}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("invalid mathematical expression: unexpected %q at %d", p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid mathematical expression: result is not finite")
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) peek(tok string) bool {
	return strings.HasPrefix(p.src[p.pos:], tok)
}

func (p *exprParser) accept(tok string) bool {
	if p.peek(tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("+"):
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += r
		case p.accept("-"):
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		var op string
		switch {
		case p.peek("**"):
			return v, nil
		case p.accept("//"):
			op = "//"
		case p.accept("*"):
			op = "*"
		case p.accept("/"):
			op = "/"
		default:
			return v, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			v *= r
		case "/":
			if r == 0 {
				return 0, errDivisionByZero
			}
			v /= r
		case "//":
			if r == 0 {
				return 0, errDivisionByZero
			}
			v = math.Floor(v / r)
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	switch {
	case p.accept("-"):
		v, err := p.parseUnary()
		return -v, err
	case p.accept("+"):
		return p.parseUnary()
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	if !p.accept("**") {
		return base, nil
	}
	exp, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if base == 0 && exp < 0 {
		return 0, errDivisionByZero
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) parsePrimary() (float64, error) {
	if p.pos >= len(p.src) {
		return 0, fmt.Errorf("invalid mathematical expression: unexpected end")
	}
	if p.accept("(") {
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if !p.accept(")") {
			return 0, fmt.Errorf("invalid mathematical expression: missing closing parenthesis")
		}
		return v, nil
	}
	start := p.pos
	dots := 0
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' {
			dots++
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	lit := p.src[start:p.pos]
	if lit == "" || lit == "." || dots > 1 {
		if lit == "" {
			return 0, fmt.Errorf("invalid mathematical expression: unexpected %q at %d", p.src[p.pos], p.pos)
		}
		return 0, fmt.Errorf("invalid mathematical expression: bad number %q", lit)
	}
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mathematical expression: %w", err)
	}
	return v, nil
}
