package jsonpath

import (
	"github.com/tidwall/gjson"
)

// fvKind discriminates runtime filter values. Missing stays distinct
// from Null throughout: folding the two together breaks RFC 9535
// conformance.
type fvKind int

const (
	fvMissing fvKind = iota
	fvNull
	fvBool
	fvNumber
	fvString
	fvJSON  // array or object value
	fvNodes // nodelist from an embedded query or property path
)

type filterValue struct {
	kind  fvKind
	b     bool
	f     float64
	s     string
	j     gjson.Result
	nodes []Node
}

var (
	missingValue = filterValue{kind: fvMissing}
	nullValue    = filterValue{kind: fvNull}
)

// filterMatches evaluates a filter expression against the current node
// in boolean context.
func (ev *evaluator) filterMatches(f *FilterExpr, current gjson.Result) (bool, error) {
	switch f.Kind {
	case FilterAnd:
		for _, o := range f.Operands {
			ok, err := ev.filterMatches(o, current)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case FilterOr:
		for _, o := range f.Operands {
			ok, err := ev.filterMatches(o, current)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterNot:
		ok, err := ev.filterMatches(f.Operands[0], current)
		return !ok, err
	case FilterComparison:
		left, err := ev.evalFilterValue(f.Left, current)
		if err != nil {
			return false, err
		}
		right, err := ev.evalFilterValue(f.Right, current)
		if err != nil {
			return false, err
		}
		return compareValues(f.Op, left, right), nil
	default:
		// Existence test: true iff the value is present and truthy.
		v, err := ev.evalFilterValue(f, current)
		if err != nil {
			return false, err
		}
		return isTruthy(v), nil
	}
}

// evalFilterValue evaluates a filter expression in value context.
func (ev *evaluator) evalFilterValue(f *FilterExpr, current gjson.Result) (filterValue, error) {
	switch f.Kind {
	case FilterCurrent:
		return resultToValue(current), nil
	case FilterProperty:
		v := current
		for _, name := range f.Path {
			if err := ev.tick(); err != nil {
				return missingValue, err
			}
			if !v.IsObject() {
				return missingValue, nil
			}
			child, ok := objectMember(v, name)
			if !ok {
				return missingValue, nil
			}
			v = child
		}
		return resultToValue(v), nil
	case FilterJSONPath:
		nodes := []Node{{Value: ev.root, Path: RootPath()}}
		var err error
		for _, sel := range f.Selectors {
			nodes, err = ev.apply(sel, nodes)
			if err != nil {
				return missingValue, err
			}
		}
		return filterValue{kind: fvNodes, nodes: nodes}, nil
	case FilterLiteral:
		return literalToValue(f.Literal), nil
	case FilterFunction:
		return ev.evalFunction(f, current)
	case FilterComparison, FilterAnd, FilterOr, FilterNot:
		ok, err := ev.filterMatches(f, current)
		if err != nil {
			return missingValue, err
		}
		return filterValue{kind: fvBool, b: ok}, nil
	}
	return missingValue, processingErrorf("unhandled filter node kind %d", f.Kind)
}

func resultToValue(r gjson.Result) filterValue {
	if !r.Exists() {
		return missingValue
	}
	switch r.Type {
	case gjson.Null:
		return nullValue
	case gjson.True:
		return filterValue{kind: fvBool, b: true}
	case gjson.False:
		return filterValue{kind: fvBool, b: false}
	case gjson.Number:
		return filterValue{kind: fvNumber, f: r.Num}
	case gjson.String:
		return filterValue{kind: fvString, s: r.Str}
	default:
		return filterValue{kind: fvJSON, j: r}
	}
}

func literalToValue(l Literal) filterValue {
	switch l.Kind {
	case LitNull:
		return nullValue
	case LitMissing:
		return missingValue
	case LitBool:
		return filterValue{kind: fvBool, b: l.Bool}
	case LitInt:
		return filterValue{kind: fvNumber, f: float64(l.Int)}
	case LitNumber:
		return filterValue{kind: fvNumber, f: l.Num}
	case LitString:
		return filterValue{kind: fvString, s: l.Str}
	}
	return missingValue
}

// singular collapses a nodelist to a single value for comparisons: an
// empty list is Missing, a single node is its value, and a multi-node
// list stays a nodelist (never equal to anything but itself).
func singular(v filterValue) filterValue {
	if v.kind != fvNodes {
		return v
	}
	switch len(v.nodes) {
	case 0:
		return missingValue
	case 1:
		return resultToValue(v.nodes[0].Value)
	default:
		return v
	}
}

func isTruthy(v filterValue) bool {
	v = singular(v)
	switch v.kind {
	case fvMissing, fvNull:
		return false
	case fvBool:
		return v.b
	case fvNumber:
		return v.f != 0
	case fvString:
		return v.s != ""
	case fvJSON:
		empty := true
		v.j.ForEach(func(_, _ gjson.Result) bool {
			empty = false
			return false
		})
		return !empty
	case fvNodes:
		return len(v.nodes) > 0
	}
	return false
}

// compareValues implements filter comparison semantics: equality by JSON
// value with Missing ≠ Null; order comparisons only for same-typed
// numbers and strings, false otherwise. Comparisons never error.
func compareValues(op CompareOp, left, right filterValue) bool {
	left = singular(left)
	right = singular(right)

	switch op {
	case CmpEq:
		return valuesEqual(left, right)
	case CmpNe:
		return !valuesEqual(left, right)
	}

	if left.kind == fvNumber && right.kind == fvNumber {
		switch op {
		case CmpLt:
			return left.f < right.f
		case CmpLe:
			return left.f <= right.f
		case CmpGt:
			return left.f > right.f
		case CmpGe:
			return left.f >= right.f
		}
	}
	if left.kind == fvString && right.kind == fvString {
		switch op {
		case CmpLt:
			return left.s < right.s
		case CmpLe:
			return left.s <= right.s
		case CmpGt:
			return left.s > right.s
		case CmpGe:
			return left.s >= right.s
		}
	}
	return false
}

func valuesEqual(left, right filterValue) bool {
	if left.kind != right.kind {
		return false
	}
	switch left.kind {
	case fvMissing, fvNull:
		return true
	case fvBool:
		return left.b == right.b
	case fvNumber:
		return left.f == right.f
	case fvString:
		return left.s == right.s
	case fvJSON:
		return jsonDeepEqual(left.j, right.j)
	case fvNodes:
		if len(left.nodes) != len(right.nodes) {
			return false
		}
		for i := range left.nodes {
			if !valuesEqual(resultToValue(left.nodes[i].Value), resultToValue(right.nodes[i].Value)) {
				return false
			}
		}
		return true
	}
	return false
}

func jsonDeepEqual(a, b gjson.Result) bool {
	if a.IsArray() != b.IsArray() || a.IsObject() != b.IsObject() {
		return false
	}
	switch {
	case a.IsArray():
		av, bv := a.Array(), b.Array()
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(resultToValue(av[i]), resultToValue(bv[i])) {
				return false
			}
		}
		return true
	case a.IsObject():
		am := a.Map()
		bm := b.Map()
		if len(am) != len(bm) {
			return false
		}
		for k, avv := range am {
			bvv, ok := bm[k]
			if !ok || !valuesEqual(resultToValue(avv), resultToValue(bvv)) {
				return false
			}
		}
		return true
	default:
		return valuesEqual(resultToValue(a), resultToValue(b))
	}
}
