package jsonpath

// Expression is a compiled JSONPath expression. Compilation is the only
// way to obtain one; the selector chain is immutable afterwards and safe
// for concurrent use.
type Expression struct {
	selectors     []Selector
	original      string
	isArrayStream bool
	hasRecursive  bool
	complexity    uint32
}

const (
	complexityBaseCost = 5

	// potentiallySlowScore is a reference complexity level. It is not
	// consulted by IsPotentiallySlow, which classifies by selector kinds
	// and nesting depth only.
	potentiallySlowScore = 15

	// maxFastNestingDepth is the selector depth beyond which an
	// expression is treated as potentially slow even without wildcards
	// or filters.
	maxFastNestingDepth = 3
)

func newExpression(original string, selectors []Selector) *Expression {
	e := &Expression{selectors: selectors, original: original}
	e.hasRecursive = containsRecursive(selectors)
	e.isArrayStream = computeArrayStream(selectors)
	e.complexity = computeComplexity(selectors)
	return e
}

// Selectors returns the compiled selector chain, starting with the Root
// selector.
func (e *Expression) Selectors() []Selector { return e.selectors }

// Original returns the source expression text.
func (e *Expression) Original() string { return e.original }

// String implements fmt.Stringer.
func (e *Expression) String() string { return e.original }

// IsArrayStream reports whether the expression addresses the elements of
// a single array location and is therefore eligible for incremental
// streaming evaluation.
func (e *Expression) IsArrayStream() bool { return e.isArrayStream }

// HasRecursiveDescent reports whether the chain contains `..`.
func (e *Expression) HasRecursiveDescent() bool { return e.hasRecursive }

// RootSelector returns the first selector after Root, or nil for the
// bare `$` expression.
func (e *Expression) RootSelector() *Selector {
	if len(e.selectors) < 2 {
		return nil
	}
	return &e.selectors[1]
}

// ComplexityScore is a heuristic evaluation cost: base cost plus a fixed
// cost per selector and penalties for recursive descent, filters, unions
// and slice ranges. Wildcards carry no penalty of their own. Higher means
// more expensive.
func (e *Expression) ComplexityScore() uint32 { return e.complexity }

// IsPotentiallySlow reports whether evaluation should run under the
// expression-level timeout: the chain contains `..`, `*`, a filter or a
// slice, or nests deeper than maxFastNestingDepth.
func (e *Expression) IsPotentiallySlow() bool {
	depth := 0
	for _, s := range e.selectors {
		switch s.Kind {
		case SelRecursiveDescent, SelWildcard, SelFilter, SelSlice:
			return true
		case SelUnion:
			for _, u := range s.Union {
				switch u.Kind {
				case SelWildcard, SelFilter, SelSlice:
					return true
				}
			}
			depth++
		case SelChild, SelIndex:
			depth++
		}
	}
	return depth > maxFastNestingDepth
}

func containsRecursive(selectors []Selector) bool {
	for _, s := range selectors {
		if s.Kind == SelRecursiveDescent {
			return true
		}
	}
	return false
}

// computeArrayStream: a streamable chain is Root, zero or more exact
// child steps, then one array-iteration selector (wildcard, index,
// filter, or a forward slice), optionally followed by further selectors applied to
// each element in memory. Recursive descent anywhere disqualifies
// streaming, as does a negative slice step at the iteration point.
func computeArrayStream(selectors []Selector) bool {
	if len(selectors) < 2 {
		return false
	}
	i := 1
	for i < len(selectors) && selectors[i].Kind == SelChild {
		i++
	}
	if i >= len(selectors) {
		return false
	}
	switch s := selectors[i]; s.Kind {
	case SelWildcard, SelIndex, SelFilter:
	case SelSlice:
		if s.Step <= 0 {
			return false
		}
	default:
		return false
	}
	// The remainder must be free of recursive descent; it is applied
	// per-element by the streaming deserializer.
	for _, s := range selectors[i+1:] {
		if s.Kind == SelRecursiveDescent {
			return false
		}
	}
	return true
}

func computeComplexity(selectors []Selector) uint32 {
	var recursiveDepth, unionCount, filterSum uint32
	var maxSliceRange uint32
	total := uint32(0)

	for _, s := range selectors {
		total++
		switch s.Kind {
		case SelRecursiveDescent:
			recursiveDepth++
		case SelFilter:
			filterSum += s.Filter.complexityScore()
		case SelSlice:
			switch {
			case s.Start != nil && s.End != nil:
				r := *s.End - *s.Start
				if r < 0 {
					r = -r
				}
				if uint32(r) > maxSliceRange {
					maxSliceRange = uint32(r)
				}
			case s.Start != nil || s.End != nil:
				if maxSliceRange < 100 {
					maxSliceRange = 100
				}
			}
		case SelUnion:
			unionCount += uint32(len(s.Union))
			for _, u := range s.Union {
				if u.Kind == SelFilter {
					filterSum += u.Filter.complexityScore()
				}
			}
		}
	}

	score := uint32(complexityBaseCost)
	// Recursive descent compounds: each level multiplies the potential
	// node set.
	if recursiveDepth > 0 {
		penalty := uint32(20)
		for i := uint32(1); i < recursiveDepth && penalty < 1<<16; i++ {
			penalty *= 4
		}
		score += penalty
	}
	score += filterSum
	score += unionCount * 3
	score += maxSliceRange / 10
	score += total * 2
	return score
}
