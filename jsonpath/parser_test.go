package jsonpath

import (
	"errors"
	"testing"
)

func TestCompileBasicChains(t *testing.T) {
	tests := []struct {
		expr  string
		kinds []SelectorKind
	}{
		{"$", []SelectorKind{SelRoot}},
		{"$.store", []SelectorKind{SelRoot, SelChild}},
		{"$.store.book", []SelectorKind{SelRoot, SelChild, SelChild}},
		{"$['store']", []SelectorKind{SelRoot, SelChild}},
		{"$[*]", []SelectorKind{SelRoot, SelWildcard}},
		{"$.data[*]", []SelectorKind{SelRoot, SelChild, SelWildcard}},
		{"$..author", []SelectorKind{SelRoot, SelRecursiveDescent, SelChild}},
		{"$..*", []SelectorKind{SelRoot, SelRecursiveDescent, SelWildcard}},
		{"$[0]", []SelectorKind{SelRoot, SelIndex}},
		{"$[-1]", []SelectorKind{SelRoot, SelIndex}},
		{"$[1:10:2]", []SelectorKind{SelRoot, SelSlice}},
		{"$[:]", []SelectorKind{SelRoot, SelSlice}},
		{"$[?@.price]", []SelectorKind{SelRoot, SelFilter}},
		{"$['a','b',0,*]", []SelectorKind{SelRoot, SelUnion}},
	}
	for _, tt := range tests {
		e, err := Compile(tt.expr)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.expr, err)
		}
		sels := e.Selectors()
		if len(sels) != len(tt.kinds) {
			t.Fatalf("%s: expected %d selectors, got %d", tt.expr, len(tt.kinds), len(sels))
		}
		for i, k := range tt.kinds {
			if sels[i].Kind != k {
				t.Fatalf("%s: selector %d expected kind %d, got %d", tt.expr, i, k, sels[i].Kind)
			}
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []string{
		"$name",     // bare identifier without . or [
		"$..",       // recursive descent with no selector
		"$...x",     // triple dot
		"$[::0]",    // zero step
		"$[?@.a = 1]",  // single =
		"$[?@.a & @.b]", // single &
		"$[?@.a | @.b]", // single |
		"$[-0]",     // negative zero
		"$[01]",     // leading zero
		"$[?LENGTH(@.a)]",        // case-sensitive function name
		"$[?value(@.a, @.b)]",    // wrong arity
		"$['unterminated",        // unterminated string
	}
	for _, expr := range tests {
		if _, err := Compile(expr); err == nil {
			t.Fatalf("%s: expected parse error, got none", expr)
		}
	}
}

func TestParseErrorCarriesOffset(t *testing.T) {
	_, err := Compile("$.a[?@.b = 1]")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Pos != 9 {
		t.Fatalf("expected offset 9, got %d", pe.Pos)
	}
}

func TestCaseSensitiveFunctionSuggestsLowercase(t *testing.T) {
	_, err := Compile("$[?Match(@.a, 'x')]")
	if err == nil {
		t.Fatal("expected error for capitalized function name")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if want := `did you mean "match"`; !contains(pe.Msg, want) {
		t.Fatalf("expected suggestion %q in %q", want, pe.Msg)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestNegativeIndexSetsFromEnd(t *testing.T) {
	e, err := Compile("$[-2]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sel := e.Selectors()[1]
	if !sel.FromEnd || sel.Index != -2 {
		t.Fatalf("expected from-end index -2, got %+v", sel)
	}
}

func TestUnionPreservesOrderAndDuplicates(t *testing.T) {
	e, err := Compile("$['a','a',0]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	union := e.Selectors()[1].Union
	if len(union) != 3 {
		t.Fatalf("expected 3 union parts, got %d", len(union))
	}
	if union[0].Name != "a" || union[1].Name != "a" || union[2].Kind != SelIndex {
		t.Fatalf("union order not preserved: %+v", union)
	}
}

func TestIsArrayStream(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"$[*]", true},
		{"$.data[*]", true},
		{"$.a.b.c[*]", true},
		{"$.data[0]", true},
		{"$.data[1:10]", true},
		{"$.data[10:1:-1]", false}, // negative step is not streamable
		{"$..items[*]", false},     // recursive descent is not streamable
		{"$", false},
		{"$.data", false},
	}
	for _, tt := range tests {
		e, err := Compile(tt.expr)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.expr, err)
		}
		if e.IsArrayStream() != tt.want {
			t.Fatalf("%s: expected IsArrayStream=%v", tt.expr, tt.want)
		}
	}
}

func TestTokenizeRenderRoundTrip(t *testing.T) {
	// Rendering a token stream must yield an expression that parses to
	// the same token stream (whitespace-normalized equivalence).
	exprs := []string{
		"$.store.book[*].author",
		"$..book[?@.price < 10]",
		"$['a', 'b', 0 , *]",
		"$[1:10:2]",
		"$[?@.x == 'y' && !(@.z >= 3.5) || match(@.s, 'a+')]",
	}
	for _, expr := range exprs {
		tokens, err := tokenize(expr)
		if err != nil {
			t.Fatalf("%s: tokenize: %v", expr, err)
		}
		rendered := RenderTokens(tokens)
		again, err := tokenize(rendered)
		if err != nil {
			t.Fatalf("%s: re-tokenize %q: %v", expr, rendered, err)
		}
		if len(tokens) != len(again) {
			t.Fatalf("%s: token count changed: %d vs %d", expr, len(tokens), len(again))
		}
		for i := range tokens {
			if tokens[i].Kind != again[i].Kind || tokens[i].Render() != again[i].Render() {
				t.Fatalf("%s: token %d diverged: %q vs %q", expr, i, tokens[i].Render(), again[i].Render())
			}
		}
	}
}

func TestComplexityHeuristic(t *testing.T) {
	simple := MustCompile("$.a.b")
	slow := MustCompile("$..items[?@.price > 10]")
	if simple.IsPotentiallySlow() {
		t.Fatal("simple chain must not be potentially slow")
	}
	if !slow.IsPotentiallySlow() {
		t.Fatal("recursive descent with filter must be potentially slow")
	}
	if slow.ComplexityScore() <= simple.ComplexityScore() {
		t.Fatalf("expected higher score for slow expression: %d vs %d",
			slow.ComplexityScore(), simple.ComplexityScore())
	}
}
