package jsonpath

import (
	"errors"
	"testing"
)

const storeDoc = `{
  "store": {
    "book": [
      {"category": "reference", "author": "Nigel Rees", "title": "Sayings", "price": 8.95},
      {"category": "fiction", "author": "Evelyn Waugh", "title": "Sword", "price": 12.99},
      {"category": "fiction", "author": "Herman Melville", "title": "Moby Dick", "price": 8.99},
      {"category": "fiction", "author": "J. R. R. Tolkien", "title": "LOTR", "price": 22.99}
    ],
    "bicycle": {"color": "red", "price": 399}
  }
}`

func evalStrings(t *testing.T, expr, doc string) []string {
	t.Helper()
	e, err := Compile(expr)
	if err != nil {
		t.Fatalf("%s: compile: %v", expr, err)
	}
	results, err := e.Evaluate([]byte(doc))
	if err != nil {
		t.Fatalf("%s: evaluate: %v", expr, err)
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.String()
	}
	return out
}

func TestRootAloneYieldsDocument(t *testing.T) {
	e := MustCompile("$")
	results, err := e.Evaluate([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].IsObject() {
		t.Fatalf("expected the root document, got %v", results)
	}
}

func TestRecursiveDescentDocumentOrder(t *testing.T) {
	got := evalStrings(t, "$..author", `{"store":{"book":[{"author":"A"},{"author":"B"}]}}`)
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf(`expected ["A","B"], got %v`, got)
	}
}

func TestRecursiveDescentOverStore(t *testing.T) {
	got := evalStrings(t, "$..author", storeDoc)
	want := []string{"Nigel Rees", "Evelyn Waugh", "Herman Melville", "J. R. R. Tolkien"}
	if len(got) != len(want) {
		t.Fatalf("expected %d authors, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("author %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWildcardAndIndex(t *testing.T) {
	got := evalStrings(t, "$.store.book[*].title", storeDoc)
	if len(got) != 4 || got[0] != "Sayings" {
		t.Fatalf("unexpected titles: %v", got)
	}

	got = evalStrings(t, "$.store.book[-1].author", storeDoc)
	if len(got) != 1 || got[0] != "J. R. R. Tolkien" {
		t.Fatalf("expected last author, got %v", got)
	}
}

func TestSliceSemantics(t *testing.T) {
	doc := `[0,1,2,3,4,5]`
	tests := []struct {
		expr string
		want []string
	}{
		{"$[1:4]", []string{"1", "2", "3"}},
		{"$[::2]", []string{"0", "2", "4"}},
		{"$[4:1:-1]", []string{"4", "3", "2"}},
		{"$[-2:]", []string{"4", "5"}},
		{"$[:2]", []string{"0", "1"}},
	}
	for _, tt := range tests {
		got := evalStrings(t, tt.expr, doc)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.expr, tt.want, got)
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: expected %v, got %v", tt.expr, tt.want, got)
			}
		}
	}
}

func TestFilterMissingVersusNull(t *testing.T) {
	// {p:1} matches; {q:2} has p missing; {p:null} has p present but
	// null, which is not truthy.
	doc := `{"items":[{"p":1},{"q":2},{"p":null}]}`
	got := evalStrings(t, "$.items[?@.p]", doc)
	if len(got) != 1 || got[0] != `{"p":1}` {
		t.Fatalf("expected only {p:1}, got %v", got)
	}

	// Missing never equals null in comparisons.
	got = evalStrings(t, "$.items[?@.p == null]", doc)
	if len(got) != 1 || got[0] != `{"p":null}` {
		t.Fatalf("expected only the explicit null, got %v", got)
	}
}

func TestFilterComparisons(t *testing.T) {
	got := evalStrings(t, "$.store.book[?@.price < 10].author", storeDoc)
	want := []string{"Nigel Rees", "Herman Melville"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got = evalStrings(t, `$.store.book[?@.category == 'fiction' && @.price > 20]`, storeDoc)
	if len(got) != 1 {
		t.Fatalf("expected one expensive fiction book, got %v", got)
	}

	// Order comparisons across types are false, never an error.
	got = evalStrings(t, `$.store.book[?@.author > 5]`, storeDoc)
	if len(got) != 0 {
		t.Fatalf("expected no matches for cross-type comparison, got %v", got)
	}
}

func TestFilterFunctions(t *testing.T) {
	doc := `{"words":[{"w":"alpha"},{"w":"beta"},{"w":"gamma"}]}`

	got := evalStrings(t, `$.words[?length(@.w) == 5].w`, doc)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "gamma" {
		t.Fatalf("length filter: got %v", got)
	}

	got = evalStrings(t, `$.words[?match(@.w, '[ab].*')].w`, doc)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("match filter: got %v", got)
	}

	// match is anchored: a partial hit is not a match.
	got = evalStrings(t, `$.words[?match(@.w, 'lph')].w`, doc)
	if len(got) != 0 {
		t.Fatalf("anchored match must not hit substrings: %v", got)
	}

	// search is unanchored.
	got = evalStrings(t, `$.words[?search(@.w, 'lph')].w`, doc)
	if len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("search filter: got %v", got)
	}

	got = evalStrings(t, `$[?count($.words) == 1]`, doc)
	if len(got) != 1 {
		t.Fatalf("count filter: got %v", got)
	}
}

func TestValueFunctionCardinality(t *testing.T) {
	e := MustCompile(`$.items[?value($.items[*].id) == 1]`)
	_, err := e.Evaluate([]byte(`{"items":[{"id":1},{"id":2}]}`))
	var procErr *ProcessingError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessingError for multi-node value(), got %v", err)
	}
}

func TestUnionDuplicatesPreserved(t *testing.T) {
	got := evalStrings(t, `$['a','a']`, `{"a":1}`)
	if len(got) != 2 || got[0] != "1" || got[1] != "1" {
		t.Fatalf("expected duplicate results, got %v", got)
	}
}

func TestNormalizedPaths(t *testing.T) {
	e := MustCompile("$.store.book[0].author")
	nodes, err := e.EvaluateNodes([]byte(storeDoc), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	want := "$['store']['book'][0]['author']"
	if nodes[0].Path.String() != want {
		t.Fatalf("expected path %q, got %q", want, nodes[0].Path.String())
	}
	if nodes[0].Path.Depth() != 4 {
		t.Fatalf("expected depth 4, got %d", nodes[0].Path.Depth())
	}

	root := RootPath()
	if !nodes[0].Path.IsDescendantOf(root) {
		t.Fatal("every path descends from the root")
	}
	if !nodes[0].Path.IsDescendantOf(root.ChildMember("store")) {
		t.Fatal("expected descendant of $['store']")
	}
	if nodes[0].Path.IsDescendantOf(root.ChildMember("other")) {
		t.Fatal("must not descend from unrelated path")
	}
}

func TestFastPathSkipsDeadline(t *testing.T) {
	// Expressions without .., *, filters, or slices must complete
	// without invoking the timeout machinery even with an absurdly
	// small budget configured.
	e := MustCompile("$.a.b")
	if e.IsPotentiallySlow() {
		t.Fatal("$.a.b must not be potentially slow")
	}
	nodes, err := e.EvaluateNodes([]byte(`{"a":{"b":42}}`), &EvalOptions{Timeout: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Value.Int() != 42 {
		t.Fatalf("unexpected result: %v", nodes)
	}
}
