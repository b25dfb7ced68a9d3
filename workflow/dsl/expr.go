package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/BaSui01/secflow/workflow"
)

// ParseCondition compiles a condition expression into a condition tree and
// the variables it references. Supported forms: and / or, not, is None,
// is not None, comparisons (==, !=, >, <, >=, <=, in) and operands that are
// literals, list literals or variable paths. Anything else is rejected with
// the offending source fragment.
func ParseCondition(src string) (workflow.Condition, []string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil, workflow.NewCompileError(workflow.CompileErrSyntax, src, "empty condition")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, nil, err
	}
	p := &exprParser{src: src, tokens: tokens, seen: make(map[string]bool)}
	cond, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	if t := p.peek(); t != nil {
		return nil, nil, p.unsupported(t, "unexpected %q", t.value)
	}
	return cond, p.refs, nil
}

// --- Token types ---

type tokenKind int

const (
	tkNumber   tokenKind = iota // 42, 0.8
	tkString                    // "hello", 'hello'
	tkIdent                     // variable name, keyword, True/False/None
	tkOp                        // ==, !=, >, <, >=, <=
	tkArith                     // + - * / % ** and other operators outside the grammar
	tkLParen                    // (
	tkRParen                    // )
	tkLBracket                  // [
	tkRBracket                  // ]
	tkComma                     // ,
	tkDot                       // .
)

type token struct {
	kind  tokenKind
	value string
	// start and end are byte offsets into the source.
	start int
	end   int
}

// --- Tokenizer ---

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := rune(src[i])

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "(", i, i + 1})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")", i, i + 1})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tkLBracket, "[", i, i + 1})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tkRBracket, "]", i, i + 1})
			i++
			continue
		case ',':
			tokens = append(tokens, token{tkComma, ",", i, i + 1})
			i++
			continue
		case '.':
			if i+1 >= len(src) || !isDigit(rune(src[i+1])) {
				tokens = append(tokens, token{tkDot, ".", i, i + 1})
				i++
				continue
			}
		case '"', '\'':
			s, n, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i, n})
			i = n
			continue
		}

		if i+1 < len(src) {
			switch two := src[i : i+2]; two {
			case "==", "!=", ">=", "<=":
				tokens = append(tokens, token{tkOp, two, i, i + 2})
				i += 2
				continue
			case "**", "//", "&&", "||", "<<", ">>":
				tokens = append(tokens, token{tkArith, two, i, i + 2})
				i += 2
				continue
			}
		}

		switch ch {
		case '>', '<':
			tokens = append(tokens, token{tkOp, string(ch), i, i + 1})
			i++
			continue
		case '+', '-', '*', '/', '%', '&', '|', '^', '~', '!', '=', '@':
			tokens = append(tokens, token{tkArith, string(ch), i, i + 1})
			i++
			continue
		}

		if isDigit(ch) || ch == '.' {
			n := readNumber(src, i)
			tokens = append(tokens, token{tkNumber, src[i:n], i, n})
			i = n
			continue
		}

		if isIdentStart(ch) {
			n := readIdent(src, i)
			tokens = append(tokens, token{tkIdent, src[i:n], i, n})
			i = n
			continue
		}

		return nil, workflow.NewCompileError(workflow.CompileErrSyntax, src[i:], "unexpected character %q at offset %d", string(ch), i)
	}
	return tokens, nil
}

func readString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			sb.WriteByte(src[i+1])
			i += 2
			continue
		}
		if c == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, workflow.NewCompileError(workflow.CompileErrSyntax, src[start:], "unterminated string at offset %d", start)
}

func readNumber(src string, start int) int {
	i := start
	for i < len(src) && isDigit(rune(src[i])) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(rune(src[i])) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(rune(src[j])) {
			i = j
			for i < len(src) && isDigit(rune(src[i])) {
				i++
			}
		}
	}
	return i
}

func readIdent(src string, start int) int {
	i := start
	for i < len(src) && isIdentPart(rune(src[i])) {
		i++
	}
	return i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') }
func isIdentPart(ch rune) bool  { return isIdentStart(ch) || isDigit(ch) }

// --- Recursive descent parser ---

type exprParser struct {
	src    string
	tokens []token
	pos    int
	refs   []string
	seen   map[string]bool
}

func (p *exprParser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) peekAt(offset int) *token {
	if p.pos+offset < len(p.tokens) {
		return &p.tokens[p.pos+offset]
	}
	return nil
}

func (p *exprParser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) isKeyword(t *token, kw string) bool {
	return t != nil && t.kind == tkIdent && t.value == kw
}

func (p *exprParser) unsupported(t *token, format string, args ...any) error {
	return workflow.NewCompileError(workflow.CompileErrUnsupportedExpression, p.src[t.start:], format, args...)
}

func (p *exprParser) unexpectedEnd() error {
	return workflow.NewCompileError(workflow.CompileErrSyntax, p.src, "unexpected end of expression")
}

// parseOr handles: and_expr ('or' and_expr)*
func (p *exprParser) parseOr() (workflow.Condition, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	values := []workflow.Condition{first}
	for p.isKeyword(p.peek(), "or") {
		p.advance()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		values = append(values, next)
	}
	if len(values) == 1 {
		return first, nil
	}
	return workflow.Or{Values: values}, nil
}

// parseAnd handles: not_expr ('and' not_expr)*
func (p *exprParser) parseAnd() (workflow.Condition, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	values := []workflow.Condition{first}
	for p.isKeyword(p.peek(), "and") {
		p.advance()
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		values = append(values, next)
	}
	if len(values) == 1 {
		return first, nil
	}
	return workflow.And{Values: values}, nil
}

// parseNot handles: 'not' not_expr | comparison
func (p *exprParser) parseNot() (workflow.Condition, error) {
	if p.isKeyword(p.peek(), "not") {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return workflow.Unary{Op: workflow.OpNot, Expr: expr}, nil
	}
	return p.parseComparison()
}

// parseComparison handles: operand [compop operand | 'in' operand | 'is' ['not'] 'None']
func (p *exprParser) parseComparison() (workflow.Condition, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var cond workflow.Condition
	switch {
	case t == nil:
		return lhs, nil

	case t.kind == tkOp:
		p.advance()
		rhs, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		cond = workflow.Binary{Lhs: lhs, Op: workflow.BinaryOp(t.value), Rhs: rhs}

	case p.isKeyword(t, "in"):
		p.advance()
		rhs, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		cond = workflow.Binary{Lhs: lhs, Op: workflow.OpIn, Rhs: rhs}

	case p.isKeyword(t, "not") && p.isKeyword(p.peekAt(1), "in"):
		return nil, p.unsupported(t, "'not in' is not supported, use not (x in y)")

	case p.isKeyword(t, "is"):
		p.advance()
		op := workflow.OpIsNone
		if p.isKeyword(p.peek(), "not") {
			p.advance()
			op = workflow.OpIsNotNone
		}
		none := p.peek()
		if none == nil {
			return nil, p.unexpectedEnd()
		}
		if !p.isKeyword(none, "None") {
			return nil, p.unsupported(none, "'is' only supports None")
		}
		p.advance()
		cond = workflow.Unary{Op: op, Expr: lhs}

	case t.kind == tkArith:
		return nil, p.unsupported(t, "operator %q is not supported", t.value)

	default:
		return lhs, nil
	}

	if next := p.peek(); next != nil && (next.kind == tkOp || p.isKeyword(next, "in") || p.isKeyword(next, "is")) {
		return nil, p.unsupported(next, "chained comparisons are not supported")
	}
	if next := p.peek(); next != nil && next.kind == tkArith {
		return nil, p.unsupported(next, "operator %q is not supported", next.value)
	}
	return cond, nil
}

// parseOperand handles literals, list literals, variable paths and
// parenthesized expressions.
func (p *exprParser) parseOperand() (workflow.Condition, error) {
	t := p.peek()
	if t == nil {
		return nil, p.unexpectedEnd()
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		v, err := parseNumber(t.value)
		if err != nil {
			return nil, workflow.NewCompileError(workflow.CompileErrSyntax, t.value, "invalid number: %v", err)
		}
		return p.literalEnd(workflow.Constant{Value: v})

	case tkArith:
		if t.value == "-" {
			if num := p.peekAt(1); num != nil && num.kind == tkNumber {
				p.advance()
				p.advance()
				v, err := parseNumber("-" + num.value)
				if err != nil {
					return nil, workflow.NewCompileError(workflow.CompileErrSyntax, num.value, "invalid number: %v", err)
				}
				return p.literalEnd(workflow.Constant{Value: v})
			}
		}
		return nil, p.unsupported(t, "operator %q is not supported", t.value)

	case tkString:
		p.advance()
		return p.literalEnd(workflow.Constant{Value: t.value})

	case tkLBracket:
		v, err := p.parseListLiteral()
		if err != nil {
			return nil, err
		}
		return p.literalEnd(workflow.Constant{Value: v})

	case tkLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing == nil {
			return nil, p.unexpectedEnd()
		}
		if closing.kind != tkRParen {
			return nil, p.unsupported(closing, "expected )")
		}
		p.advance()
		return inner, nil

	case tkIdent:
		switch t.value {
		case "True":
			p.advance()
			return p.literalEnd(workflow.Constant{Value: true})
		case "False":
			p.advance()
			return p.literalEnd(workflow.Constant{Value: false})
		case "None":
			p.advance()
			return p.literalEnd(workflow.Constant{Value: nil})
		case "and", "or", "not", "in", "is", "if", "else", "lambda", "for":
			return nil, p.unsupported(t, "unexpected keyword %q", t.value)
		}
		return p.parsePath()

	default:
		return nil, p.unsupported(t, "unexpected %q", t.value)
	}
}

// literalEnd rejects subscripts or calls applied to a literal.
func (p *exprParser) literalEnd(c workflow.Condition) (workflow.Condition, error) {
	if t := p.peek(); t != nil && (t.kind == tkLBracket || t.kind == tkLParen || t.kind == tkDot) {
		return nil, p.unsupported(t, "literals cannot be subscripted or called")
	}
	return c, nil
}

// parsePath handles: IDENT ('[' (STRING | INT) ']')*
func (p *exprParser) parsePath() (workflow.Condition, error) {
	base := p.advance()
	var b strings.Builder
	b.WriteString(base.value)

	for {
		t := p.peek()
		if t == nil {
			break
		}
		if t.kind == tkLParen {
			return nil, p.unsupported(&base, "function calls are not supported")
		}
		if t.kind == tkDot {
			return nil, p.unsupported(&base, "attribute access is not supported, use subscripts")
		}
		if t.kind != tkLBracket {
			break
		}
		p.advance()
		key := p.peek()
		if key == nil {
			return nil, p.unexpectedEnd()
		}
		switch key.kind {
		case tkString:
			switch {
			case !strings.Contains(key.value, "'"):
				fmt.Fprintf(&b, "['%s']", key.value)
			case !strings.Contains(key.value, `"`):
				fmt.Fprintf(&b, `["%s"]`, key.value)
			default:
				return nil, p.unsupported(key, "subscript keys cannot contain both quote characters")
			}
		case tkNumber:
			if _, err := strconv.Atoi(key.value); err != nil {
				return nil, p.unsupported(key, "subscript index must be a non-negative integer")
			}
			fmt.Fprintf(&b, "[%s]", key.value)
		default:
			return nil, p.unsupported(key, "subscripts must be string keys or integer indices")
		}
		p.advance()
		closing := p.peek()
		if closing == nil {
			return nil, p.unexpectedEnd()
		}
		if closing.kind != tkRBracket {
			return nil, p.unsupported(closing, "expected ]")
		}
		p.advance()
	}

	if !p.seen[base.value] {
		p.seen[base.value] = true
		p.refs = append(p.refs, base.value)
	}
	return workflow.Constant{Value: workflow.Placeholder(b.String())}, nil
}

// parseListLiteral handles: '[' [literal (',' literal)* [',']] ']'
func (p *exprParser) parseListLiteral() ([]any, error) {
	p.advance()
	items := make([]any, 0)
	for {
		t := p.peek()
		if t == nil {
			return nil, p.unexpectedEnd()
		}
		if t.kind == tkRBracket {
			p.advance()
			return items, nil
		}
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		c, ok := item.(workflow.Constant)
		if !ok {
			return nil, p.unsupported(t, "list literals may only contain literals and variable paths")
		}
		items = append(items, c.Value)

		sep := p.peek()
		if sep == nil {
			return nil, p.unexpectedEnd()
		}
		switch sep.kind {
		case tkComma:
			p.advance()
		case tkRBracket:
		default:
			return nil, p.unsupported(sep, "expected , or ]")
		}
	}
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		return strconv.ParseInt(s, 10, 64)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return workflow.NormalizeValue(f), nil
}
