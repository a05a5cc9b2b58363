package jsonpath

import (
	"time"

	"github.com/tidwall/gjson"
)

// DefaultEvalTimeout bounds evaluation of potentially slow expressions.
const DefaultEvalTimeout = 1500 * time.Millisecond

// deadlineCheckInterval is the number of visited nodes between deadline
// checks; time.Now on every node would dominate small documents.
const deadlineCheckInterval = 256

// Node is one result of an evaluation: the matched value and its
// normalized path.
type Node struct {
	Value gjson.Result
	Path  NormalizedPath
}

// EvalOptions tunes a single evaluation.
type EvalOptions struct {
	// Timeout bounds wall-clock time for potentially slow expressions.
	// Zero means DefaultEvalTimeout. Expressions that are not
	// potentially slow never consult the clock.
	Timeout time.Duration
}

// Evaluate applies the compiled chain to a JSON document and returns the
// matched values. Duplicates are preserved and insertion order within
// each selector is maintained.
func (e *Expression) Evaluate(doc []byte) ([]gjson.Result, error) {
	nodes, err := e.EvaluateNodes(doc, nil)
	if err != nil {
		return nil, err
	}
	out := make([]gjson.Result, len(nodes))
	for i, n := range nodes {
		out[i] = n.Value
	}
	return out, nil
}

// EvaluateNodes is Evaluate returning values paired with their
// normalized paths.
func (e *Expression) EvaluateNodes(doc []byte, opts *EvalOptions) ([]Node, error) {
	root := gjson.ParseBytes(doc)
	return e.evaluateResult(root, opts)
}

// EvaluateResult applies the chain to an already-parsed document.
func (e *Expression) EvaluateResult(root gjson.Result, opts *EvalOptions) ([]Node, error) {
	return e.evaluateResult(root, opts)
}

func (e *Expression) evaluateResult(root gjson.Result, opts *EvalOptions) ([]Node, error) {
	ev := &evaluator{root: root}
	if e.IsPotentiallySlow() {
		timeout := DefaultEvalTimeout
		if opts != nil && opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		ev.deadline = time.Now().Add(timeout)
	}

	nodes := []Node{{Value: root, Path: RootPath()}}
	var err error
	for _, sel := range e.selectors {
		nodes, err = ev.apply(sel, nodes)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, nil
		}
	}
	return nodes, nil
}

type evaluator struct {
	root     gjson.Result
	deadline time.Time
	visited  int
}

// tick counts a visited node and enforces the deadline.
func (ev *evaluator) tick() error {
	ev.visited++
	if ev.deadline.IsZero() || ev.visited%deadlineCheckInterval != 0 {
		return nil
	}
	if time.Now().After(ev.deadline) {
		return ErrTimeout
	}
	return nil
}

func (ev *evaluator) apply(sel Selector, in []Node) ([]Node, error) {
	switch sel.Kind {
	case SelRoot:
		return in, nil
	case SelChild:
		return ev.applyChild(sel.Name, in)
	case SelWildcard:
		return ev.applyWildcard(in)
	case SelIndex:
		return ev.applyIndex(sel.Index, in)
	case SelSlice:
		return ev.applySlice(sel, in)
	case SelRecursiveDescent:
		return ev.collectDescendants(in)
	case SelFilter:
		return ev.applyFilter(sel.Filter, in)
	case SelUnion:
		var out []Node
		for _, part := range sel.Union {
			nodes, err := ev.apply(part, in)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
		return out, nil
	}
	return nil, processingErrorf("unhandled selector kind %d", sel.Kind)
}

func (ev *evaluator) applyChild(name string, in []Node) ([]Node, error) {
	var out []Node
	for _, n := range in {
		if err := ev.tick(); err != nil {
			return nil, err
		}
		if !n.Value.IsObject() {
			continue
		}
		if child, ok := objectMember(n.Value, name); ok {
			out = append(out, Node{Value: child, Path: n.Path.ChildMember(name)})
		}
	}
	return out, nil
}

func (ev *evaluator) applyWildcard(in []Node) ([]Node, error) {
	var out []Node
	for _, n := range in {
		if err := ev.tick(); err != nil {
			return nil, err
		}
		appendChildren(&out, n)
	}
	return out, nil
}

func (ev *evaluator) applyIndex(index int64, in []Node) ([]Node, error) {
	var out []Node
	for _, n := range in {
		if err := ev.tick(); err != nil {
			return nil, err
		}
		if !n.Value.IsArray() {
			continue
		}
		elems := n.Value.Array()
		i := index
		if i < 0 {
			i += int64(len(elems))
		}
		if i < 0 || i >= int64(len(elems)) {
			continue
		}
		out = append(out, Node{Value: elems[i], Path: n.Path.ChildIndex(int(i))})
	}
	return out, nil
}

func (ev *evaluator) applySlice(sel Selector, in []Node) ([]Node, error) {
	var out []Node
	for _, n := range in {
		if err := ev.tick(); err != nil {
			return nil, err
		}
		if !n.Value.IsArray() {
			continue
		}
		elems := n.Value.Array()
		lower, upper, step := sliceBounds(sel, int64(len(elems)))
		if step > 0 {
			for i := lower; i < upper; i += step {
				out = append(out, Node{Value: elems[i], Path: n.Path.ChildIndex(int(i))})
			}
		} else {
			for i := upper; i > lower; i += step {
				out = append(out, Node{Value: elems[i], Path: n.Path.ChildIndex(int(i))})
			}
		}
	}
	return out, nil
}

// sliceBounds normalizes slice parameters per RFC 9535 §2.3.4.2.
func sliceBounds(sel Selector, length int64) (lower, upper, step int64) {
	step = sel.Step
	var start, end int64
	if step > 0 {
		start, end = 0, length
	} else {
		start, end = length-1, -length-1
	}
	if sel.Start != nil {
		start = *sel.Start
	}
	if sel.End != nil {
		end = *sel.End
	}

	normalize := func(i int64) int64 {
		if i >= 0 {
			return i
		}
		return length + i
	}
	start = normalize(start)
	end = normalize(end)

	clamp := func(i, lo, hi int64) int64 {
		if i < lo {
			return lo
		}
		if i > hi {
			return hi
		}
		return i
	}
	if step > 0 {
		lower = clamp(start, 0, length)
		upper = clamp(end, 0, length)
	} else {
		upper = clamp(start, -1, length-1)
		lower = clamp(end, -1, length-1)
	}
	return lower, upper, step
}

// collectDescendants returns, for each input node, the node itself plus
// all descendants in document order: object members in source order,
// array elements in index order.
func (ev *evaluator) collectDescendants(in []Node) ([]Node, error) {
	var out []Node
	var walk func(n Node) error
	walk = func(n Node) error {
		if err := ev.tick(); err != nil {
			return err
		}
		out = append(out, n)
		var children []Node
		appendChildren(&children, n)
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range in {
		if err := walk(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ev *evaluator) applyFilter(f *FilterExpr, in []Node) ([]Node, error) {
	var out []Node
	for _, n := range in {
		var children []Node
		appendChildren(&children, n)
		for _, c := range children {
			if err := ev.tick(); err != nil {
				return nil, err
			}
			ok, err := ev.filterMatches(f, c.Value)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// appendChildren appends the direct children of n — array elements in
// index order or object member values in source order — with extended
// paths.
func appendChildren(out *[]Node, n Node) {
	switch {
	case n.Value.IsArray():
		i := 0
		n.Value.ForEach(func(_, v gjson.Result) bool {
			*out = append(*out, Node{Value: v, Path: n.Path.ChildIndex(i)})
			i++
			return true
		})
	case n.Value.IsObject():
		n.Value.ForEach(func(k, v gjson.Result) bool {
			*out = append(*out, Node{Value: v, Path: n.Path.ChildMember(k.String())})
			return true
		})
	}
}

// objectMember looks up a member by exact name, preserving gjson's
// source-order iteration and avoiding gjson path-syntax interpretation
// of the name.
func objectMember(obj gjson.Result, name string) (gjson.Result, bool) {
	var found gjson.Result
	ok := false
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == name {
			found = v
			ok = true
			return false
		}
		return true
	})
	return found, ok
}
