package expr

import (
	"strconv"
	"strings"

	"duck-semantic/internal/domain"
)

// Parser parses calculation expressions into an AST using precedence climbing.
type Parser struct {
	lexer      *Lexer
	token      Token // current token
	peek       Token // lookahead token
	template   bool  // argument placeholders allowed
	err        error
	calledArgs bool // set while parsing a call's argument list
}

// NewParser creates a new parser for the given expression text.
func NewParser(text string) *Parser {
	p := &Parser{lexer: NewLexer(text)}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a standalone calculation expression. Argument placeholders
// are rejected.
func Parse(text string) (Node, error) {
	return parse(text, false)
}

// ParseTemplate parses a transform template in which @, @n and @* are legal.
func ParseTemplate(text string) (Node, error) {
	return parse(text, true)
}

// MustParse parses text and panics on error. Intended for tests and
// hard-coded expressions.
func MustParse(text string) Node {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

func parse(text string, template bool) (Node, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrExpression("empty expression")
	}

	p := NewParser(text)
	p.template = template
	n := p.parseExpression()
	if p.err != nil {
		return nil, p.err
	}
	if p.token.Type != TOKEN_EOF {
		return nil, domain.ErrExpression("parse error in %q: unexpected token %q at offset %d", text, p.token.Literal, p.token.Pos)
	}
	return n, nil
}

// === Token Helpers ===

func (p *Parser) nextToken() {
	p.token = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *Parser) check(t TokenType) bool {
	return p.token.Type == t
}

func (p *Parser) match(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	return false
}

func (p *Parser) expect(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	p.fail("unexpected token %s, expected %s", p.token.Type, t)
	return false
}

// fail records the first parse error.
func (p *Parser) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = domain.ErrExpression("parse error: "+format, args...)
	}
}

// === Expressions ===

func (p *Parser) parseExpression() Node {
	return p.parseExpressionWithPrecedence(PrecedenceNone + 1)
}

func (p *Parser) parseExpressionWithPrecedence(minPrecedence int) Node {
	left := p.parsePrefixExpr()
	if left == nil {
		return nil
	}
	for p.err == nil {
		prec := p.infixPrecedence()
		if prec < minPrecedence {
			break
		}
		left = p.parseInfixExpr(left, prec)
		if left == nil {
			return nil
		}
	}
	return left
}

func (p *Parser) parsePrefixExpr() Node {
	switch p.token.Type {
	case TOKEN_NOT:
		p.nextToken()
		x := p.parseExpressionWithPrecedence(PrecedenceNot)
		if x == nil {
			return nil
		}
		return &UnaryOp{Op: OpNot, X: x}
	case TOKEN_MINUS:
		p.nextToken()
		x := p.parseExpressionWithPrecedence(PrecedenceUnary)
		if x == nil {
			return nil
		}
		if lit, ok := x.(*Literal); ok && lit.Kind == LiteralNumber {
			return Num("-" + lit.Value)
		}
		return &UnaryOp{Op: OpNeg, X: x}
	case TOKEN_PLUS:
		p.nextToken()
		return p.parseExpressionWithPrecedence(PrecedenceUnary)
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) infixPrecedence() int {
	switch p.token.Type {
	case TOKEN_OR:
		return PrecedenceOr
	case TOKEN_AND:
		return PrecedenceAnd
	case TOKEN_EQ, TOKEN_NE, TOKEN_LT, TOKEN_GT, TOKEN_LE, TOKEN_GE, TOKEN_IN, TOKEN_IS, TOKEN_NOT:
		return PrecedenceComparison
	case TOKEN_PLUS, TOKEN_MINUS, TOKEN_DPIPE:
		return PrecedenceAddition
	case TOKEN_STAR, TOKEN_SLASH, TOKEN_DSLASH, TOKEN_MOD:
		return PrecedenceMultiply
	default:
		return PrecedenceNone
	}
}

var binaryOps = map[TokenType]Op{
	TOKEN_OR:    OpOr,
	TOKEN_AND:   OpAnd,
	TOKEN_EQ:    OpEq,
	TOKEN_NE:    OpNe,
	TOKEN_LT:    OpLt,
	TOKEN_GT:    OpGt,
	TOKEN_LE:    OpLe,
	TOKEN_GE:    OpGe,
	TOKEN_PLUS:  OpAdd,
	TOKEN_MINUS: OpSub,
	TOKEN_DPIPE: OpConcat,
	TOKEN_STAR:  OpMul,
	TOKEN_SLASH: OpDiv,
	TOKEN_MOD:   OpMod,
}

func (p *Parser) parseInfixExpr(left Node, prec int) Node {
	switch p.token.Type {
	case TOKEN_IN:
		p.nextToken()
		return p.parseInExpr(left, false)
	case TOKEN_NOT:
		p.nextToken()
		if !p.expect(TOKEN_IN) {
			return nil
		}
		return p.parseInExpr(left, true)
	case TOKEN_IS:
		p.nextToken()
		not := p.match(TOKEN_NOT)
		if !p.expect(TOKEN_NULL) {
			return nil
		}
		if not {
			return Fn("notnull", left)
		}
		return Fn("isnull", left)
	case TOKEN_DSLASH:
		p.nextToken()
		right := p.parseExpressionWithPrecedence(prec + 1)
		if right == nil {
			return nil
		}
		return Fn("floor", Bin(OpDiv, left, right))
	}

	op, ok := binaryOps[p.token.Type]
	if !ok {
		p.fail("unexpected operator %q", p.token.Literal)
		return nil
	}
	p.nextToken()
	right := p.parseExpressionWithPrecedence(prec + 1)
	if right == nil {
		return nil
	}
	return Bin(op, left, right)
}

// parseInExpr parses the parenthesized list after [NOT] IN and normalizes
// it into isin(x, values...), negated with NOT for NOT IN.
func (p *Parser) parseInExpr(left Node, not bool) Node {
	if !p.expect(TOKEN_LPAREN) {
		return nil
	}
	args := []Node{left}
	for {
		v := p.parseExpression()
		if v == nil {
			return nil
		}
		args = append(args, v)
		if !p.match(TOKEN_COMMA) {
			break
		}
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}
	call := Fn("isin", args...)
	if not {
		return &UnaryOp{Op: OpNot, X: call}
	}
	return call
}

func (p *Parser) parsePrimary() Node {
	tok := p.token
	switch tok.Type {
	case TOKEN_NUMBER:
		p.nextToken()
		return Num(tok.Literal)
	case TOKEN_STRING:
		p.nextToken()
		return Str(tok.Literal)
	case TOKEN_TRUE:
		p.nextToken()
		return Bool(true)
	case TOKEN_FALSE:
		p.nextToken()
		return Bool(false)
	case TOKEN_NULL:
		p.nextToken()
		return Null()
	case TOKEN_MEASURE:
		p.nextToken()
		return &MeasureRef{ID: tok.Literal}
	case TOKEN_DIMENSION:
		p.nextToken()
		return &DimensionRef{ID: tok.Literal}
	case TOKEN_ARG:
		return p.parseArg()
	case TOKEN_LPAREN:
		p.nextToken()
		inner := p.parseExpression()
		if inner == nil {
			return nil
		}
		if !p.expect(TOKEN_RPAREN) {
			return nil
		}
		return inner
	case TOKEN_CASE:
		return p.parseCase()
	case TOKEN_IDENT:
		if p.peek.Type == TOKEN_LPAREN {
			return p.parseCall()
		}
		return p.parseColumnRef()
	case TOKEN_EOF:
		p.fail("unexpected end of expression")
		return nil
	default:
		p.fail("unexpected token %q", tok.Literal)
		return nil
	}
}

func (p *Parser) parseArg() Node {
	tok := p.token
	if !p.template {
		p.fail("argument placeholder @%s is only allowed in transform templates", tok.Literal)
		return nil
	}
	p.nextToken()
	switch tok.Literal {
	case "":
		return &ArgPlaceholder{Index: ArgInput}
	case "*":
		if !p.calledArgs {
			p.fail("@* is only allowed as a function argument")
			return nil
		}
		return &ArgPlaceholder{Index: ArgAll}
	}
	n, err := strconv.Atoi(tok.Literal)
	if err != nil || n < 1 {
		p.fail("invalid argument placeholder @%s", tok.Literal)
		return nil
	}
	return &ArgPlaceholder{Index: n}
}

func (p *Parser) parseColumnRef() Node {
	parts := []string{p.token.Literal}
	p.nextToken()
	for p.match(TOKEN_DOT) {
		if !p.check(TOKEN_IDENT) {
			p.fail("expected identifier after '.'")
			return nil
		}
		parts = append(parts, p.token.Literal)
		p.nextToken()
	}
	return &ColumnRef{Path: parts[:len(parts)-1], Name: parts[len(parts)-1]}
}

func (p *Parser) parseCall() Node {
	name := strings.ToLower(p.token.Literal)
	p.nextToken() // name
	p.nextToken() // (

	var args []Node
	if name == "count" && p.check(TOKEN_STAR) {
		p.nextToken()
	} else if !p.check(TOKEN_RPAREN) {
		saved := p.calledArgs
		p.calledArgs = true
		for {
			a := p.parseExpression()
			if a == nil {
				return nil
			}
			args = append(args, a)
			if !p.match(TOKEN_COMMA) {
				break
			}
		}
		p.calledArgs = saved
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}

	if name == "if" {
		return p.desugarIf(args)
	}
	nargs := len(args)
	if hasSpread(args) {
		// @* expands at substitution time; only the name can be checked here.
		nargs = -1
	}
	if err := checkCall(name, nargs); err != nil {
		if p.err == nil {
			p.err = err
		}
		return nil
	}
	return &Call{Name: name, Args: args}
}

func hasSpread(args []Node) bool {
	for _, a := range args {
		if ph, ok := a.(*ArgPlaceholder); ok && ph.Index == ArgAll {
			return true
		}
	}
	return false
}

// desugarIf turns if(cond, then[, cond2, then2...][, else]) into a Case.
func (p *Parser) desugarIf(args []Node) Node {
	if len(args) < 2 {
		p.fail("function \"if\" expects at least 2 arguments, got %d", len(args))
		return nil
	}
	c := &Case{}
	for len(args) >= 2 {
		c.Whens = append(c.Whens, When{Cond: args[0], Result: args[1]})
		args = args[2:]
	}
	if len(args) == 1 {
		c.Else = args[0]
	}
	return c
}

// parseCase parses searched and simple CASE expressions. A simple CASE
// (CASE x WHEN v THEN ...) is desugared into WHEN x = v.
func (p *Parser) parseCase() Node {
	p.nextToken() // CASE
	var operand Node
	if !p.check(TOKEN_WHEN) && !p.check(TOKEN_ELSE) && !p.check(TOKEN_END) {
		operand = p.parseExpression()
		if operand == nil {
			return nil
		}
	}
	c := &Case{}
	for p.match(TOKEN_WHEN) {
		cond := p.parseExpression()
		if cond == nil {
			return nil
		}
		if !p.expect(TOKEN_THEN) {
			return nil
		}
		result := p.parseExpression()
		if result == nil {
			return nil
		}
		if operand != nil {
			cond = Bin(OpEq, operand, cond)
		}
		c.Whens = append(c.Whens, When{Cond: cond, Result: result})
	}
	if len(c.Whens) == 0 {
		p.fail("CASE requires at least one WHEN")
		return nil
	}
	if p.match(TOKEN_ELSE) {
		c.Else = p.parseExpression()
		if c.Else == nil {
			return nil
		}
	}
	if !p.expect(TOKEN_END) {
		return nil
	}
	return c
}
