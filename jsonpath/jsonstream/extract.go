package jsonstream

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/bc-dunia/quicfetch/jsonpath"
)

// ExtractElement applies the expression's per-element residual — the
// iteration filter, if any, plus trailing selectors — to one complete
// element and returns the JSON fragments to deserialize. Elements
// screened out by a filter yield an empty slice.
func (m *Machine) ExtractElement(elem []byte) ([][]byte, error) {
	if m.iter.Kind != jsonpath.SelFilter && len(m.suffix) == 0 {
		return [][]byte{elem}, nil
	}

	var (
		chain []jsonpath.Selector
		doc   gjson.Result
	)
	if m.iter.Kind == jsonpath.SelFilter {
		// Filters select among the children of their input node, so the
		// element is wrapped in a one-element array for the filter to
		// inspect.
		wrapped := make([]byte, 0, len(elem)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, elem...)
		wrapped = append(wrapped, ']')
		doc = gjson.ParseBytes(wrapped)
		chain = append([]jsonpath.Selector{{Kind: jsonpath.SelRoot}, m.iter}, m.suffix...)
	} else {
		doc = gjson.ParseBytes(elem)
		chain = append([]jsonpath.Selector{{Kind: jsonpath.SelRoot}}, m.suffix...)
	}

	nodes, err := jsonpath.EvaluateSelectors(chain, doc, nil)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, rawJSON(n.Value))
	}
	return out, nil
}

// rawJSON renders a gjson result back to JSON text. Results taken from
// a parsed document carry their raw source; synthesized scalars are
// re-encoded.
func rawJSON(r gjson.Result) []byte {
	if r.Raw != "" {
		return []byte(r.Raw)
	}
	switch r.Type {
	case gjson.Null:
		return []byte("null")
	case gjson.True:
		return []byte("true")
	case gjson.False:
		return []byte("false")
	case gjson.Number:
		return strconv.AppendFloat(nil, r.Num, 'g', -1, 64)
	case gjson.String:
		return strconv.AppendQuote(nil, r.Str)
	}
	return []byte(r.Raw)
}

// unescapeKey decodes a captured object key's escape sequences.
func unescapeKey(raw []byte) (string, error) {
	hasEscape := false
	for _, c := range raw {
		if c == '\\' {
			hasEscape = true
			break
		}
	}
	if !hasEscape {
		return string(raw), nil
	}
	// Delegate JSON string decoding to the standard quoting rules.
	quoted := make([]byte, 0, len(raw)+2)
	quoted = append(quoted, '"')
	quoted = append(quoted, raw...)
	quoted = append(quoted, '"')
	var s string
	if err := json.Unmarshal(quoted, &s); err != nil {
		return "", err
	}
	return s, nil
}
