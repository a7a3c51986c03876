// Package rules implements the small condition grammar used by
// severity rules. Conditions are parsed once at pack-load time into an
// AST of comparators and boolean nodes; evaluation is a tree walk over
// an attribute-lookup function.
//
// Grammar (informal):
//
//	condition  = ["if:"] orExpr
//	orExpr     = andExpr { "||" andExpr }
//	andExpr    = comparison { "&&" comparison }
//	comparison = path op literal | "(" orExpr ")"
//	path       = ident { "." ident }        e.g. exceptionType, rawPayload.amount
//	op         = "==" | "!=" | ">" | ">=" | "<" | "<="
//	literal    = quoted string | number
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Op is a comparison operator.
type Op string

// Supported comparison operators.
const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGt Op = ">"
	OpGe Op = ">="
	OpLt Op = "<"
	OpLe Op = "<="
)

// LookupFunc resolves a dotted attribute path against the exception
// being evaluated. ok=false means the attribute is absent.
type LookupFunc func(path []string) (any, bool)

// Node is a parsed condition tree.
type Node interface {
	// Eval walks the tree against the lookup function.
	Eval(lookup LookupFunc) bool
}

// Matches evaluates a node, treating the nil node (the empty
// condition) as matching nothing. Callers should prefer this over
// calling Eval directly.
func Matches(n Node, lookup LookupFunc) bool {
	if n == nil {
		return false
	}
	return n.Eval(lookup)
}

type andNode struct{ left, right Node }

func (n *andNode) Eval(lookup LookupFunc) bool {
	return n.left.Eval(lookup) && n.right.Eval(lookup)
}

type orNode struct{ left, right Node }

func (n *orNode) Eval(lookup LookupFunc) bool {
	return n.left.Eval(lookup) || n.right.Eval(lookup)
}

type comparisonNode struct {
	path []string
	op   Op

	strValue string
	numValue float64
	isNumber bool
}

func (n *comparisonNode) Eval(lookup LookupFunc) bool {
	val, ok := lookup(n.path)
	if !ok || val == nil {
		return false
	}

	if n.isNumber {
		f, ok := toFloat(val)
		if !ok {
			return false
		}
		return compareFloat(f, n.numValue, n.op)
	}

	s := fmt.Sprintf("%v", val)
	switch n.op {
	case OpEq:
		return s == n.strValue
	case OpNe:
		return s != n.strValue
	default:
		// Ordering operators require numeric literals.
		return false
	}
}

func compareFloat(a, b float64, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Parse compiles a condition string into an AST. An empty or
// whitespace-only condition returns (nil, nil): a nil Node matches
// nothing and never panics.
func Parse(condition string) (Node, error) {
	src := strings.TrimSpace(condition)
	src = strings.TrimPrefix(src, "if:")
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	p := &parser{tokens: tokenize(src)}
	node, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parsing condition %q: %w", condition, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("parsing condition %q: unexpected token %q", condition, p.peek())
	}
	return node, nil
}

// MustParse is a test helper that panics on parse errors.
func MustParse(condition string) Node {
	n, err := Parse(condition)
	if err != nil {
		panic(err)
	}
	return n
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Node, error) {
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	}

	pathTok := p.next()
	if pathTok == "" {
		return nil, fmt.Errorf("expected attribute path")
	}

	opTok := Op(p.next())
	switch opTok {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
	default:
		return nil, fmt.Errorf("expected comparison operator, got %q", opTok)
	}

	lit := p.next()
	if lit == "" {
		return nil, fmt.Errorf("expected literal after %q", opTok)
	}

	node := &comparisonNode{path: strings.Split(pathTok, "."), op: opTok}
	if strings.HasPrefix(lit, `"`) || strings.HasPrefix(lit, "'") {
		node.strValue = strings.Trim(lit, `"'`)
	} else if f, err := strconv.ParseFloat(lit, 64); err == nil {
		node.numValue = f
		node.isNumber = true
	} else {
		// Bare word literals compare as strings.
		node.strValue = lit
	}
	return node, nil
}

// tokenize splits a condition into path, operator, literal, boolean and
// parenthesis tokens. Quoted strings keep their quotes so the parser
// can distinguish them from numbers.
func tokenize(src string) []string {
	var tokens []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '&' && i+1 < len(src) && src[i+1] == '&':
			tokens = append(tokens, "&&")
			i += 2
		case c == '|' && i+1 < len(src) && src[i+1] == '|':
			tokens = append(tokens, "||")
			i += 2
		case c == '=' && i+1 < len(src) && src[i+1] == '=':
			tokens = append(tokens, "==")
			i += 2
		case c == '!' && i+1 < len(src) && src[i+1] == '=':
			tokens = append(tokens, "!=")
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, string(c)+"=")
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j < len(src) {
				j++ // include closing quote
			}
			tokens = append(tokens, src[i:j])
			i = j
		default:
			j := i
			for j < len(src) && !strings.ContainsRune(" \t()&|=!<>", rune(src[j])) {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		}
	}
	return tokens
}
