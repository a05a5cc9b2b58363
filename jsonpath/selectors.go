package jsonpath

import "github.com/tidwall/gjson"

// EvaluateSelectors applies a raw selector chain to a parsed document.
// The chain must begin with the Root selector. This is the entry point
// used by the streaming deserializer to apply an expression's residual
// selectors to each extracted element.
func EvaluateSelectors(selectors []Selector, root gjson.Result, opts *EvalOptions) ([]Node, error) {
	e := newExpression("", selectors)
	return e.evaluateResult(root, opts)
}
