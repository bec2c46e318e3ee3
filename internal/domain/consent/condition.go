package consent

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Rule condition language
//
// Conditions are parsed into a small expression tree and evaluated by walking
// it against an EvalContext. The grammar is closed: there are no function
// calls, no assignment and no way to reach anything outside the whitelisted
// context fields.
//
//   expr    -> or
//   or      -> and (("||" | "or") and)*
//   and     -> unary (("&&" | "and") unary)*
//   unary   -> ("!" | "not") unary | compare
//   compare -> operand (("==" | "!=") operand)?
//   operand -> "(" expr ")" | "true" | "false" | "null" | STRING | NUMBER | FIELD
// ---------------------------------------------------------------------------

// ExprKind identifies the variant of an expression node.
type ExprKind int

const (
	ExprBoolLiteral ExprKind = iota // Bool
	ExprLiteral                     // Value: string, number or null
	ExprFieldRef                    // Field
	ExprCompare                     // Left Op Right
	ExprAnd                         // Left && Right
	ExprOr                          // Left || Right
	ExprNot                         // !Child
)

// CompareOp is an equality operator.
type CompareOp string

const (
	OpEqual    CompareOp = "=="
	OpNotEqual CompareOp = "!="
)

// Expr is a node of a parsed condition. Which fields are set depends on Kind.
type Expr struct {
	Kind  ExprKind
	Bool  bool      // ExprBoolLiteral
	Value Value     // ExprLiteral
	Field string    // ExprFieldRef
	Op    CompareOp // ExprCompare
	Left  *Expr     // ExprCompare, ExprAnd, ExprOr
	Right *Expr     // ExprCompare, ExprAnd, ExprOr
	Child *Expr     // ExprNot
}

// String renders the expression in canonical form.
func (e *Expr) String() string {
	switch e.Kind {
	case ExprBoolLiteral:
		return strconv.FormatBool(e.Bool)
	case ExprLiteral:
		return e.Value.literal()
	case ExprFieldRef:
		return e.Field
	case ExprCompare:
		return e.Left.String() + " " + string(e.Op) + " " + e.Right.String()
	case ExprAnd:
		return "(" + e.Left.String() + " && " + e.Right.String() + ")"
	case ExprOr:
		return "(" + e.Left.String() + " || " + e.Right.String() + ")"
	case ExprNot:
		return "!" + e.Child.String()
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type condTokenType int

const (
	condIdent condTokenType = iota
	condString
	condNumber
	condLParen
	condRParen
	condAnd
	condOr
	condNot
	condEq
	condNe
)

type condToken struct {
	Type  condTokenType
	Value string
	Pos   int
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9') || ch == '.'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// tokenizeCondition splits a condition string into lexical tokens.
func tokenizeCondition(src string) ([]condToken, error) {
	var tokens []condToken
	i := 0
	n := len(src)

	for i < n {
		ch := src[i]

		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++

		case ch == '(':
			tokens = append(tokens, condToken{Type: condLParen, Value: "(", Pos: i})
			i++

		case ch == ')':
			tokens = append(tokens, condToken{Type: condRParen, Value: ")", Pos: i})
			i++

		case ch == '&':
			if i+1 >= n || src[i+1] != '&' {
				return nil, fmt.Errorf("unexpected '&' at position %d, expected '&&'", i)
			}
			tokens = append(tokens, condToken{Type: condAnd, Value: "&&", Pos: i})
			i += 2

		case ch == '|':
			if i+1 >= n || src[i+1] != '|' {
				return nil, fmt.Errorf("unexpected '|' at position %d, expected '||'", i)
			}
			tokens = append(tokens, condToken{Type: condOr, Value: "||", Pos: i})
			i += 2

		case ch == '=':
			if i+1 >= n || src[i+1] != '=' {
				return nil, fmt.Errorf("unexpected '=' at position %d, expected '=='", i)
			}
			start := i
			i += 2
			// "===" is accepted as an alias of "==".
			if i < n && src[i] == '=' {
				i++
			}
			tokens = append(tokens, condToken{Type: condEq, Value: "==", Pos: start})

		case ch == '!':
			start := i
			if i+1 < n && src[i+1] == '=' {
				i += 2
				if i < n && src[i] == '=' {
					i++
				}
				tokens = append(tokens, condToken{Type: condNe, Value: "!=", Pos: start})
				continue
			}
			tokens = append(tokens, condToken{Type: condNot, Value: "!", Pos: start})
			i++

		case ch == '"' || ch == '\'':
			quote := ch
			start := i
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < n {
				c := src[j]
				if c == '\\' && j+1 < n {
					sb.WriteByte(src[j+1])
					j += 2
					continue
				}
				if c == quote {
					closed = true
					break
				}
				sb.WriteByte(c)
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unclosed quoted string starting at position %d", start)
			}
			tokens = append(tokens, condToken{Type: condString, Value: sb.String(), Pos: start})
			i = j + 1

		case isDigit(ch) || (ch == '-' && i+1 < n && isDigit(src[i+1])):
			start := i
			j := i + 1
			for j < n && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			if _, err := strconv.ParseFloat(src[start:j], 64); err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", src[start:j], start)
			}
			tokens = append(tokens, condToken{Type: condNumber, Value: src[start:j], Pos: start})
			i = j

		case isIdentStart(ch):
			start := i
			j := i + 1
			for j < n && isIdentPart(src[j]) {
				j++
			}
			word := src[start:j]
			i = j
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, condToken{Type: condAnd, Value: "&&", Pos: start})
			case "or":
				tokens = append(tokens, condToken{Type: condOr, Value: "||", Pos: start})
			case "not":
				tokens = append(tokens, condToken{Type: condNot, Value: "!", Pos: start})
			default:
				tokens = append(tokens, condToken{Type: condIdent, Value: word, Pos: start})
			}

		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}

	return tokens, nil
}

// ---------------------------------------------------------------------------
// Recursive descent parser
// ---------------------------------------------------------------------------

type condParser struct {
	tokens []condToken
	pos    int
}

func (p *condParser) peek() *condToken {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *condParser) advance() *condToken {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

// ParseCondition parses a rule condition into an expression tree. Syntax
// errors and references to fields outside the evaluation context are
// reported as ErrRuleEvaluation.
func ParseCondition(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrRuleEvaluation)
	}

	tokens, err := tokenizeCondition(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleEvaluation, err)
	}

	p := &condParser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleEvaluation, err)
	}
	if t := p.peek(); t != nil {
		return nil, fmt.Errorf("%w: unexpected token %q at position %d", ErrRuleEvaluation, t.Value, t.Pos)
	}
	return expr, nil
}

func (p *condParser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != condOr {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprOr, Left: left, Right: right}
	}
}

func (p *condParser) parseAnd() (*Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != condAnd {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprAnd, Left: left, Right: right}
	}
}

func (p *condParser) parseUnary() (*Expr, error) {
	if t := p.peek(); t != nil && t.Type == condNot {
		p.advance()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprNot, Child: child}, nil
	}
	return p.parseCompare()
}

func (p *condParser) parseCompare() (*Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil || (t.Type != condEq && t.Type != condNe) {
		return left, nil
	}
	p.advance()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op := OpEqual
	if t.Type == condNe {
		op = OpNotEqual
	}
	return &Expr{Kind: ExprCompare, Op: op, Left: left, Right: right}, nil
}

func (p *condParser) parseOperand() (*Expr, error) {
	t := p.advance()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	switch t.Type {
	case condLParen:
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.advance()
		if closing == nil || closing.Type != condRParen {
			return nil, fmt.Errorf("missing ')' for '(' at position %d", t.Pos)
		}
		return expr, nil

	case condString:
		return &Expr{Kind: ExprLiteral, Value: StringValue(t.Value)}, nil

	case condNumber:
		f, _ := strconv.ParseFloat(t.Value, 64)
		return &Expr{Kind: ExprLiteral, Value: NumberValue(f)}, nil

	case condIdent:
		switch t.Value {
		case "true":
			return &Expr{Kind: ExprBoolLiteral, Bool: true}, nil
		case "false":
			return &Expr{Kind: ExprBoolLiteral, Bool: false}, nil
		case "null":
			return &Expr{Kind: ExprLiteral, Value: NullValue()}, nil
		}
		if err := checkFieldPath(t.Value); err != nil {
			return nil, fmt.Errorf("%v at position %d", err, t.Pos)
		}
		return &Expr{Kind: ExprFieldRef, Field: t.Value}, nil
	}

	return nil, fmt.Errorf("unexpected token %q at position %d", t.Value, t.Pos)
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Eval evaluates the expression against ctx. A result that is not a boolean
// is an error.
func (e *Expr) Eval(ctx *EvalContext) (bool, error) {
	switch e.Kind {
	case ExprBoolLiteral:
		return e.Bool, nil

	case ExprAnd:
		l, err := e.Left.Eval(ctx)
		if err != nil || !l {
			return false, err
		}
		return e.Right.Eval(ctx)

	case ExprOr:
		l, err := e.Left.Eval(ctx)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return e.Right.Eval(ctx)

	case ExprNot:
		v, err := e.Child.Eval(ctx)
		if err != nil {
			return false, err
		}
		return !v, nil

	case ExprCompare:
		l, err := e.Left.value(ctx)
		if err != nil {
			return false, err
		}
		r, err := e.Right.value(ctx)
		if err != nil {
			return false, err
		}
		eq := l.Equal(r)
		if e.Op == OpNotEqual {
			return !eq, nil
		}
		return eq, nil

	case ExprFieldRef, ExprLiteral:
		v, err := e.value(ctx)
		if err != nil {
			return false, err
		}
		b, ok := v.AsBool()
		if !ok {
			return false, fmt.Errorf("%s is %s, not a boolean", e.String(), v.kind)
		}
		return b, nil
	}
	return false, fmt.Errorf("unknown expression kind %d", e.Kind)
}

// value resolves an operand to a scalar.
func (e *Expr) value(ctx *EvalContext) (Value, error) {
	switch e.Kind {
	case ExprLiteral:
		return e.Value, nil
	case ExprFieldRef:
		return ctx.Lookup(e.Field)
	}
	b, err := e.Eval(ctx)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(b), nil
}
