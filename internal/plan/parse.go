package plan

import (
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// chainParser reads the request text syntax:
//
//	id(.transform(arg, ..., of=dim, within=(dim, dim)))*
//
// Positional arguments are literals; of and within take one dimension or a
// parenthesized list.
type chainParser struct {
	text  string
	lexer *expr.Lexer
	token expr.Token
	peek  expr.Token
}

type chainCall struct {
	name   string
	args   []expr.Node
	of     []string
	within []string
}

func newChainParser(text string) *chainParser {
	p := &chainParser{text: text, lexer: expr.NewLexer(text)}
	p.next()
	p.next()
	return p
}

func (p *chainParser) next() {
	p.token = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *chainParser) errorf(format string, args ...interface{}) error {
	return domain.ErrRequest("invalid request %q: "+format, append([]interface{}{p.text}, args...)...)
}

func (p *chainParser) expect(t expr.TokenType) error {
	if p.token.Type != t {
		return p.errorf("expected %s at offset %d, got %q", t, p.token.Pos, p.token.Literal)
	}
	p.next()
	return nil
}

func (p *chainParser) parse() (string, []chainCall, error) {
	if p.token.Type != expr.TOKEN_IDENT {
		return "", nil, p.errorf("expected an id")
	}
	id := p.token.Literal
	p.next()

	var calls []chainCall
	for p.token.Type == expr.TOKEN_DOT {
		p.next()
		if p.token.Type != expr.TOKEN_IDENT && !isKeywordName(p.token) {
			return "", nil, p.errorf("expected a transform name after '.'")
		}
		call := chainCall{name: strings.ToLower(p.token.Literal)}
		p.next()
		if err := p.expect(expr.TOKEN_LPAREN); err != nil {
			return "", nil, err
		}
		for p.token.Type != expr.TOKEN_RPAREN {
			if err := p.parseArg(&call); err != nil {
				return "", nil, err
			}
			if p.token.Type == expr.TOKEN_COMMA {
				p.next()
			} else if p.token.Type != expr.TOKEN_RPAREN {
				return "", nil, p.errorf("expected ',' or ')' at offset %d", p.token.Pos)
			}
		}
		p.next()
		calls = append(calls, call)
	}
	if p.token.Type != expr.TOKEN_EOF {
		return "", nil, p.errorf("unexpected %q at offset %d", p.token.Literal, p.token.Pos)
	}
	return id, calls, nil
}

// isKeywordName allows transform names that collide with keywords (in, isnull).
func isKeywordName(t expr.Token) bool {
	switch t.Type {
	case expr.TOKEN_IN, expr.TOKEN_IS, expr.TOKEN_NOT, expr.TOKEN_NULL:
		return true
	}
	return false
}

func (p *chainParser) parseArg(call *chainCall) error {
	if p.token.Type == expr.TOKEN_IDENT && p.peek.Type == expr.TOKEN_EQ {
		key := strings.ToLower(p.token.Literal)
		p.next()
		p.next()
		names, err := p.parseNames()
		if err != nil {
			return err
		}
		switch key {
		case "of":
			call.of = append(call.of, names...)
		case "within":
			call.within = append(call.within, names...)
		default:
			return p.errorf("unknown keyword argument %q", key)
		}
		return nil
	}

	neg := false
	if p.token.Type == expr.TOKEN_MINUS {
		neg = true
		p.next()
	}
	tok := p.token
	var lit *expr.Literal
	switch tok.Type {
	case expr.TOKEN_NUMBER:
		lit = expr.Num(tok.Literal)
		if neg {
			lit = expr.Num("-" + tok.Literal)
		}
	case expr.TOKEN_STRING:
		lit = expr.Str(tok.Literal)
	case expr.TOKEN_TRUE:
		lit = expr.Bool(true)
	case expr.TOKEN_FALSE:
		lit = expr.Bool(false)
	case expr.TOKEN_NULL:
		lit = expr.Null()
	default:
		return p.errorf("expected a literal argument at offset %d, got %q", tok.Pos, tok.Literal)
	}
	if neg && tok.Type != expr.TOKEN_NUMBER {
		return p.errorf("'-' must precede a number")
	}
	p.next()
	call.args = append(call.args, lit)
	return nil
}

func (p *chainParser) parseNames() ([]string, error) {
	if p.token.Type == expr.TOKEN_IDENT {
		name := p.token.Literal
		p.next()
		return []string{name}, nil
	}
	if err := p.expect(expr.TOKEN_LPAREN); err != nil {
		return nil, err
	}
	var names []string
	for {
		if p.token.Type != expr.TOKEN_IDENT {
			return nil, p.errorf("expected a dimension name at offset %d", p.token.Pos)
		}
		names = append(names, p.token.Literal)
		p.next()
		if p.token.Type != expr.TOKEN_COMMA {
			break
		}
		p.next()
	}
	return names, p.expect(expr.TOKEN_RPAREN)
}

// aliasOf extracts the alias from an alias(...) call.
func aliasOf(call chainCall) (string, error) {
	if len(call.args) != 1 {
		return "", domain.ErrRequest("alias expects exactly one argument")
	}
	lit, ok := call.args[0].(*expr.Literal)
	if !ok || lit.Kind != expr.LiteralString || lit.Value == "" {
		return "", domain.ErrRequest("alias expects a non-empty string")
	}
	return lit.Value, nil
}

// ParseMetric parses a metric request such as "revenue.top(3, within=country)".
func ParseMetric(text string) (MetricRequest, error) {
	id, calls, err := newChainParser(text).parse()
	if err != nil {
		return MetricRequest{}, err
	}
	req := MetricRequest{ID: id}
	for _, c := range calls {
		if c.name == "alias" {
			if req.Alias, err = aliasOf(c); err != nil {
				return MetricRequest{}, err
			}
			continue
		}
		req.Transforms = append(req.Transforms, TableTransform{Name: c.name, Args: c.args, Of: c.of, Within: c.within})
	}
	return req, nil
}

// ParseDimension parses a dimension or filter request such as
// "created_at.year().gte(2020)".
func ParseDimension(text string) (DimensionRequest, error) {
	id, calls, err := newChainParser(text).parse()
	if err != nil {
		return DimensionRequest{}, err
	}
	req := DimensionRequest{ID: id}
	for _, c := range calls {
		if len(c.of) > 0 || len(c.within) > 0 {
			return DimensionRequest{}, domain.ErrRequest("scalar transform %q does not take of/within", c.name)
		}
		if c.name == "alias" {
			if req.Alias, err = aliasOf(c); err != nil {
				return DimensionRequest{}, err
			}
			continue
		}
		req.Transforms = append(req.Transforms, ScalarCall{Name: c.name, Args: c.args})
	}
	return req, nil
}

// ParseOrder parses "name" or "name desc" / "-name".
func ParseOrder(text string) (Order, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "-") {
		return Order{Column: strings.TrimSpace(text[1:]), Desc: true}, nil
	}
	fields := strings.Fields(text)
	switch {
	case len(fields) == 1:
		return Order{Column: fields[0]}, nil
	case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
		return Order{Column: fields[0], Desc: true}, nil
	case len(fields) == 2 && strings.EqualFold(fields[1], "asc"):
		return Order{Column: fields[0]}, nil
	}
	return Order{}, domain.ErrRequest("invalid order %q", text)
}
