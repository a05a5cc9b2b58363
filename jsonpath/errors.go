package jsonpath

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when an evaluation exceeds its wall-clock
// budget. It is distinguishable from "no match" and from parse errors.
var ErrTimeout = errors.New("jsonpath: evaluation timeout")

// ErrRegexTimeout is returned when a single match/search call exceeds the
// per-call regex budget.
var ErrRegexTimeout = errors.New("jsonpath: regex timeout")

// ParseError reports a syntax error with the character offset into the
// original expression that produced it.
type ParseError struct {
	Msg string
	Pos int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonpath: %s at offset %d", e.Msg, e.Pos)
}

func parseErrorf(pos int, format string, args ...any) *ParseError {
	return &ParseError{Msg: fmt.Sprintf(format, args...), Pos: pos}
}

// ProcessingError reports a well-formed expression that failed during
// evaluation, e.g. a function invariant violation such as value() over a
// multi-node list.
type ProcessingError struct {
	Msg string
}

func (e *ProcessingError) Error() string {
	return "jsonpath: " + e.Msg
}

func processingErrorf(format string, args ...any) *ProcessingError {
	return &ProcessingError{Msg: fmt.Sprintf(format, args...)}
}
