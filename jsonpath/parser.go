package jsonpath

import "fmt"

// knownFunctions maps the RFC 9535 function extensions to their arity.
// Names are case-sensitive.
var knownFunctions = map[string]int{
	"length": 1,
	"count":  1,
	"value":  1,
	"match":  2,
	"search": 2,
}

type parser struct {
	tokens   []Token
	pos      int
	original string
}

// Compile tokenizes and parses an expression into its compiled form.
func Compile(expr string) (*Expression, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, original: expr}
	selectors, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return newExpression(expr, selectors), nil
}

// MustCompile is Compile that panics on error, for package-level
// expressions.
func MustCompile(expr string) *Expression {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() (Token, bool) {
	if p.pos >= len(p.tokens) {
		return Token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (Token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) expect(kind TokenKind, what string) (Token, error) {
	t, ok := p.next()
	if !ok {
		return Token{}, parseErrorf(len(p.original), "expected %s, found end of expression", what)
	}
	if t.Kind != kind {
		return Token{}, parseErrorf(t.Pos, "expected %s, found %q", what, t.Render())
	}
	return t, nil
}

func (p *parser) errAt(format string, args ...any) error {
	pos := len(p.original)
	if t, ok := p.peek(); ok {
		pos = t.Pos
	}
	return parseErrorf(pos, format, args...)
}

// parseQuery parses `$` followed by a segment sequence.
func (p *parser) parseQuery() ([]Selector, error) {
	if _, err := p.expect(TokenRoot, "'$'"); err != nil {
		return nil, err
	}
	selectors := []Selector{{Kind: SelRoot}}

	for {
		t, ok := p.peek()
		if !ok {
			return selectors, nil
		}
		switch t.Kind {
		case TokenDot:
			p.pos++
			sel, err := p.parseDotSegment()
			if err != nil {
				return nil, err
			}
			selectors = append(selectors, sel)
		case TokenDotDot:
			p.pos++
			selectors = append(selectors, Selector{Kind: SelRecursiveDescent})
			nxt, ok := p.peek()
			if !ok {
				return nil, parseErrorf(t.Pos, "'..' must be followed by a selector")
			}
			switch nxt.Kind {
			case TokenIdent, TokenTrue, TokenFalse, TokenNull:
				p.pos++
				selectors = append(selectors, Selector{Kind: SelChild, Name: identText(nxt), ExactMatch: true})
			case TokenStar:
				p.pos++
				selectors = append(selectors, Selector{Kind: SelWildcard})
			case TokenLBracket:
				sel, err := p.parseBracketSegment()
				if err != nil {
					return nil, err
				}
				selectors = append(selectors, sel)
			default:
				return nil, parseErrorf(nxt.Pos, "'..' must be followed by a name, '*', or '['")
			}
		case TokenLBracket:
			sel, err := p.parseBracketSegment()
			if err != nil {
				return nil, err
			}
			selectors = append(selectors, sel)
		case TokenIdent:
			return nil, parseErrorf(t.Pos, "bare identifier after '$' requires '.' or '['")
		default:
			return nil, parseErrorf(t.Pos, "unexpected %q in query", t.Render())
		}
	}
}

func identText(t Token) string {
	switch t.Kind {
	case TokenTrue:
		return "true"
	case TokenFalse:
		return "false"
	case TokenNull:
		return "null"
	default:
		return t.Text
	}
}

func (p *parser) parseDotSegment() (Selector, error) {
	t, ok := p.next()
	if !ok {
		return Selector{}, parseErrorf(len(p.original), "expected member name after '.'")
	}
	switch t.Kind {
	case TokenIdent, TokenTrue, TokenFalse, TokenNull:
		return Selector{Kind: SelChild, Name: identText(t), ExactMatch: true}, nil
	case TokenStar:
		return Selector{Kind: SelWildcard}, nil
	default:
		return Selector{}, parseErrorf(t.Pos, "expected member name or '*' after '.', found %q", t.Render())
	}
}

// parseBracketSegment parses `[...]`: a single selector or a union.
func (p *parser) parseBracketSegment() (Selector, error) {
	open, err := p.expect(TokenLBracket, "'['")
	if err != nil {
		return Selector{}, err
	}

	var parts []Selector
	for {
		sel, err := p.parseBracketedSelector()
		if err != nil {
			return Selector{}, err
		}
		parts = append(parts, sel)

		t, ok := p.next()
		if !ok {
			return Selector{}, parseErrorf(open.Pos, "unterminated '['")
		}
		switch t.Kind {
		case TokenComma:
			continue
		case TokenRBracket:
			if len(parts) == 1 {
				return parts[0], nil
			}
			// Order and duplicates inside a union are preserved.
			return Selector{Kind: SelUnion, Union: parts}, nil
		default:
			return Selector{}, parseErrorf(t.Pos, "expected ',' or ']', found %q", t.Render())
		}
	}
}

func (p *parser) parseBracketedSelector() (Selector, error) {
	t, ok := p.peek()
	if !ok {
		return Selector{}, parseErrorf(len(p.original), "expected selector inside '['")
	}
	switch t.Kind {
	case TokenString:
		p.pos++
		return Selector{Kind: SelChild, Name: t.Str, ExactMatch: true}, nil
	case TokenStar:
		p.pos++
		return Selector{Kind: SelWildcard}, nil
	case TokenQuestion:
		p.pos++
		expr, err := p.parseFilterExpr()
		if err != nil {
			return Selector{}, err
		}
		return Selector{Kind: SelFilter, Filter: expr}, nil
	case TokenInt:
		// Could be an index or the start of a slice.
		p.pos++
		if nxt, ok := p.peek(); ok && nxt.Kind == TokenColon {
			start := t.Int
			return p.parseSlice(&start)
		}
		return Selector{Kind: SelIndex, Index: t.Int, FromEnd: t.Int < 0}, nil
	case TokenColon:
		return p.parseSlice(nil)
	default:
		return Selector{}, parseErrorf(t.Pos, "unexpected %q inside '['", t.Render())
	}
}

// parseSlice parses `[start:end:step]` with the leading start (if any)
// already consumed. The cursor sits on the first ':'.
func (p *parser) parseSlice(start *int64) (Selector, error) {
	if _, err := p.expect(TokenColon, "':'"); err != nil {
		return Selector{}, err
	}

	sel := Selector{Kind: SelSlice, Start: start, Step: 1}

	if t, ok := p.peek(); ok && t.Kind == TokenInt {
		p.pos++
		end := t.Int
		sel.End = &end
	}
	if t, ok := p.peek(); ok && t.Kind == TokenColon {
		p.pos++
		if st, ok := p.peek(); ok && st.Kind == TokenInt {
			p.pos++
			if st.Int == 0 {
				return Selector{}, parseErrorf(st.Pos, "slice step of 0 is not allowed")
			}
			sel.Step = st.Int
		}
	}
	return sel, nil
}

// parseFilterExpr parses a filter with precedence
// `||` < `&&` < `!` < comparison < primary.
func (p *parser) parseFilterExpr() (*FilterExpr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (*FilterExpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.Kind != TokenOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &FilterExpr{Kind: FilterOr, Operands: []*FilterExpr{left, right}}
	}
}

func (p *parser) parseAnd() (*FilterExpr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.Kind != TokenAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &FilterExpr{Kind: FilterAnd, Operands: []*FilterExpr{left, right}}
	}
}

func (p *parser) parseComparison() (*FilterExpr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok {
		return left, nil
	}
	var op CompareOp
	switch t.Kind {
	case TokenEq:
		op = CmpEq
	case TokenNe:
		op = CmpNe
	case TokenLt:
		op = CmpLt
	case TokenLe:
		op = CmpLe
	case TokenGt:
		op = CmpGt
	case TokenGe:
		op = CmpGe
	default:
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &FilterExpr{Kind: FilterComparison, Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (*FilterExpr, error) {
	if t, ok := p.peek(); ok && t.Kind == TokenNot {
		p.pos++
		// The operand is a full comparison: `!` binds looser than the
		// comparison operators.
		operand, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		return &FilterExpr{Kind: FilterNot, Operands: []*FilterExpr{operand}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*FilterExpr, error) {
	t, ok := p.next()
	if !ok {
		return nil, parseErrorf(len(p.original), "expected filter operand")
	}
	switch t.Kind {
	case TokenAt:
		return p.parseCurrentRef()
	case TokenRoot:
		// An embedded absolute query; rewind so parseQuery sees '$'.
		p.pos--
		selectors, err := p.parseEmbeddedQuery()
		if err != nil {
			return nil, err
		}
		return &FilterExpr{Kind: FilterJSONPath, Selectors: selectors}, nil
	case TokenLParen:
		inner, err := p.parseFilterExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenString:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitString, Str: t.Str}}, nil
	case TokenInt:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitInt, Int: t.Int}}, nil
	case TokenFloat:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitNumber, Num: t.Num}}, nil
	case TokenTrue:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitBool, Bool: true}}, nil
	case TokenFalse:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitBool, Bool: false}}, nil
	case TokenNull:
		return &FilterExpr{Kind: FilterLiteral, Literal: Literal{Kind: LitNull}}, nil
	case TokenIdent:
		return p.parseFunctionCall(t)
	default:
		return nil, parseErrorf(t.Pos, "unexpected %q in filter expression", t.Render())
	}
}

// parseCurrentRef parses `@` optionally followed by a property path.
func (p *parser) parseCurrentRef() (*FilterExpr, error) {
	var path []string
	for {
		t, ok := p.peek()
		if !ok {
			break
		}
		if t.Kind == TokenDot {
			p.pos++
			name, err := p.expectMemberName()
			if err != nil {
				return nil, err
			}
			path = append(path, name)
			continue
		}
		if t.Kind == TokenLBracket {
			// Only string subscripts extend a property path; anything
			// else belongs to an outer segment.
			if p.pos+2 < len(p.tokens) &&
				p.tokens[p.pos+1].Kind == TokenString &&
				p.tokens[p.pos+2].Kind == TokenRBracket {
				path = append(path, p.tokens[p.pos+1].Str)
				p.pos += 3
				continue
			}
		}
		break
	}
	if len(path) == 0 {
		return &FilterExpr{Kind: FilterCurrent}, nil
	}
	return &FilterExpr{Kind: FilterProperty, Path: path}, nil
}

func (p *parser) expectMemberName() (string, error) {
	t, ok := p.next()
	if !ok {
		return "", parseErrorf(len(p.original), "expected member name")
	}
	switch t.Kind {
	case TokenIdent, TokenTrue, TokenFalse, TokenNull:
		return identText(t), nil
	default:
		return "", parseErrorf(t.Pos, "expected member name, found %q", t.Render())
	}
}

// parseEmbeddedQuery parses an absolute query inside a filter. It stops
// at tokens that cannot continue a query.
func (p *parser) parseEmbeddedQuery() ([]Selector, error) {
	if _, err := p.expect(TokenRoot, "'$'"); err != nil {
		return nil, err
	}
	selectors := []Selector{{Kind: SelRoot}}
	for {
		t, ok := p.peek()
		if !ok {
			return selectors, nil
		}
		switch t.Kind {
		case TokenDot:
			p.pos++
			sel, err := p.parseDotSegment()
			if err != nil {
				return nil, err
			}
			selectors = append(selectors, sel)
		case TokenDotDot:
			p.pos++
			selectors = append(selectors, Selector{Kind: SelRecursiveDescent})
			nxt, ok := p.peek()
			if !ok {
				return nil, parseErrorf(t.Pos, "'..' must be followed by a selector")
			}
			switch nxt.Kind {
			case TokenIdent, TokenTrue, TokenFalse, TokenNull:
				p.pos++
				selectors = append(selectors, Selector{Kind: SelChild, Name: identText(nxt), ExactMatch: true})
			case TokenStar:
				p.pos++
				selectors = append(selectors, Selector{Kind: SelWildcard})
			case TokenLBracket:
				sel, err := p.parseBracketSegment()
				if err != nil {
					return nil, err
				}
				selectors = append(selectors, sel)
			default:
				return nil, parseErrorf(nxt.Pos, "'..' must be followed by a name, '*', or '['")
			}
		case TokenLBracket:
			sel, err := p.parseBracketSegment()
			if err != nil {
				return nil, err
			}
			selectors = append(selectors, sel)
		default:
			return selectors, nil
		}
	}
}

// parseFunctionCall parses name(args...) validating arity and
// case-sensitivity of the known function extensions.
func (p *parser) parseFunctionCall(name Token) (*FilterExpr, error) {
	if _, err := p.expect(TokenLParen, fmt.Sprintf("'(' after function name %q", name.Text)); err != nil {
		return nil, err
	}

	arity, known := knownFunctions[name.Text]
	if !known {
		if _, ok := knownFunctions[lowerASCII(name.Text)]; ok {
			return nil, parseErrorf(name.Pos, "unknown function %q (function names are case-sensitive, did you mean %q?)", name.Text, lowerASCII(name.Text))
		}
		return nil, parseErrorf(name.Pos, "unknown function %q", name.Text)
	}

	var args []*FilterExpr
	if t, ok := p.peek(); ok && t.Kind == TokenRParen {
		p.pos++
	} else {
		for {
			arg, err := p.parseFilterExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			t, ok := p.next()
			if !ok {
				return nil, parseErrorf(len(p.original), "unterminated function call %q", name.Text)
			}
			if t.Kind == TokenRParen {
				break
			}
			if t.Kind != TokenComma {
				return nil, parseErrorf(t.Pos, "expected ',' or ')' in %q arguments, found %q", name.Text, t.Render())
			}
		}
	}

	if len(args) != arity {
		return nil, parseErrorf(name.Pos, "function %q takes %d argument(s), got %d", name.Text, arity, len(args))
	}
	return &FilterExpr{Kind: FilterFunction, Func: name.Text, Args: args}, nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
