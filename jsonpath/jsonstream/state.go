// Package jsonstream implements the byte-level incremental JSON matcher
// behind JSONPath-filtered response bodies. The machine consumes body
// chunks as they arrive, tracks structural depth and string state, and
// emits the boundaries of complete elements at the expression's target
// location without materializing the document.
package jsonstream

import "fmt"

// StateKind is the streaming machine's lifecycle state.
type StateKind int

const (
	// StateInitial precedes the first non-whitespace byte.
	StateInitial StateKind = iota
	// StateNavigating descends through the object prefix toward the
	// target array.
	StateNavigating
	// StateStreamingArray sits between elements of the target array.
	StateStreamingArray
	// StateProcessingObject is inside one element of the target array.
	StateProcessingObject
	// StateFinishing consumes closing brackets after the target array
	// has ended.
	StateFinishing
	// StateComplete means the document closed cleanly.
	StateComplete
	// StateError means the machine stopped; Err and Recoverable
	// describe the failure.
	StateError
)

func (s StateKind) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateNavigating:
		return "navigating"
	case StateStreamingArray:
		return "streaming_array"
	case StateProcessingObject:
		return "processing_object"
	case StateFinishing:
		return "finishing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameKind discriminates frame identifiers on the navigation stack.
type FrameKind int

const (
	FrameRoot FrameKind = iota
	FrameProperty
	FrameIndex
)

// Frame identifies one level of the document the machine is inside.
type Frame struct {
	Kind  FrameKind
	Name  string
	Index int
}

// ObjectBoundary records one complete matched element as offsets into
// the machine's buffer: buf[Start:End] is the element's JSON text.
type ObjectBoundary struct {
	Start int
	End   int
	Index int // element index within the target array
}

// StreamError is a machine failure. Recoverable errors allow skipping
// the malformed element and restarting at the next boundary.
type StreamError struct {
	Msg         string
	Offset      int
	Recoverable bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("jsonstream: %s at offset %d", e.Msg, e.Offset)
}

func streamErrorf(offset int, recoverable bool, format string, args ...any) *StreamError {
	return &StreamError{
		Msg:         fmt.Sprintf(format, args...),
		Offset:      offset,
		Recoverable: recoverable,
	}
}
