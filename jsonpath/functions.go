package jsonpath

import (
	"regexp"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
)

const (
	// regexCacheSize bounds the compiled-pattern cache.
	regexCacheSize = 32

	// RegexTimeout is the per-call wall-clock budget for match and
	// search, defeating ReDoS patterns.
	RegexTimeout = 500 * time.Millisecond
)

// regexCache holds compiled patterns shared process-wide. The cache is
// initialized once and only mutated through the lru package's internal
// locking.
var regexCache *lru.Cache[string, *regexp.Regexp]

func init() {
	cache, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(err)
	}
	regexCache = cache
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// runRegex executes one regex match on a worker goroutine under
// RegexTimeout. A timeout returns ErrRegexTimeout, distinguishable from
// "no match".
func runRegex(re *regexp.Regexp, input string) (bool, error) {
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(input)
	}()
	timer := time.NewTimer(RegexTimeout)
	defer timer.Stop()
	select {
	case matched := <-done:
		return matched, nil
	case <-timer.C:
		return false, ErrRegexTimeout
	}
}

// evalFunction evaluates the RFC 9535 function extensions. Arity and
// case-sensitivity were enforced at parse time.
func (ev *evaluator) evalFunction(f *FilterExpr, current gjson.Result) (filterValue, error) {
	switch f.Func {
	case "length":
		arg, err := ev.evalFilterValue(f.Args[0], current)
		if err != nil {
			return missingValue, err
		}
		return lengthOf(singular(arg)), nil

	case "count":
		arg, err := ev.evalFilterValue(f.Args[0], current)
		if err != nil {
			return missingValue, err
		}
		return filterValue{kind: fvNumber, f: float64(cardinality(arg))}, nil

	case "value":
		arg, err := ev.evalFilterValue(f.Args[0], current)
		if err != nil {
			return missingValue, err
		}
		if arg.kind != fvNodes {
			return arg, nil
		}
		if len(arg.nodes) != 1 {
			return missingValue, processingErrorf("value() requires a single-node list, got %d nodes", len(arg.nodes))
		}
		return resultToValue(arg.nodes[0].Value), nil

	case "match", "search":
		input, err := ev.evalFilterValue(f.Args[0], current)
		if err != nil {
			return missingValue, err
		}
		pattern, err := ev.evalFilterValue(f.Args[1], current)
		if err != nil {
			return missingValue, err
		}
		input, pattern = singular(input), singular(pattern)
		if input.kind != fvString || pattern.kind != fvString {
			return filterValue{kind: fvBool, b: false}, nil
		}
		pat := pattern.s
		if f.Func == "match" {
			// match() is a full-string test; search() is unanchored.
			pat = "^(?:" + pat + ")$"
		}
		re, err := compileRegex(pat)
		if err != nil {
			return filterValue{kind: fvBool, b: false}, nil
		}
		matched, err := runRegex(re, input.s)
		if err != nil {
			return missingValue, err
		}
		return filterValue{kind: fvBool, b: matched}, nil
	}
	return missingValue, processingErrorf("unknown function %q", f.Func)
}

// lengthOf: Unicode scalar count for strings, element count for arrays,
// member count for objects, null for anything else.
func lengthOf(v filterValue) filterValue {
	switch v.kind {
	case fvString:
		return filterValue{kind: fvNumber, f: float64(utf8.RuneCountInString(v.s))}
	case fvJSON:
		n := 0
		v.j.ForEach(func(_, _ gjson.Result) bool {
			n++
			return true
		})
		return filterValue{kind: fvNumber, f: float64(n)}
	default:
		return nullValue
	}
}

func cardinality(v filterValue) int {
	switch v.kind {
	case fvNodes:
		return len(v.nodes)
	case fvMissing:
		return 0
	default:
		return 1
	}
}
