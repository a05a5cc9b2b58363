package jsonstream

import (
	"github.com/bc-dunia/quicfetch/internal/bytebuf"
	"github.com/bc-dunia/quicfetch/jsonpath"
)

const (
	// DefaultMaxNestingDepth bounds structural depth of the document.
	DefaultMaxNestingDepth = 128

	// maxStringBytes bounds a single string literal scan.
	maxStringBytes = 1 << 20

	// maxElementTokens is the hard cap on structural tokens per element,
	// defeating malformed inputs that never close.
	maxElementTokens = 10000
)

// scan modes internal to the machine. The public lifecycle state is
// derived from these.
type scanMode int

const (
	mInitial scanMode = iota
	mSeekKey
	mInKey
	mAfterKey
	mKeyValue
	mSkipValue
	mSeekDelim
	mBetweenElems
	mInElem
	mInElemScalar
	mDrainTail
	mRecover
	mDone
	mFailed
)

// Options tunes a streaming machine.
type Options struct {
	// MaxNestingDepth overrides DefaultMaxNestingDepth when positive.
	MaxNestingDepth int
}

// Machine incrementally matches a compiled JSONPath against bytes of a
// JSON document, emitting the boundaries of complete elements at the
// target array. It is reentrant across chunk arrivals: progress lives in
// the struct, not in a call stack.
type Machine struct {
	expr   *jsonpath.Expression
	nav    []string            // child-name prefix to descend through
	iter   jsonpath.Selector   // array-iteration selector
	suffix []jsonpath.Selector // residual selectors applied per element

	buf *bytebuf.Buffer
	pos int

	mode     scanMode
	err      *StreamError
	maxDepth int

	depth     int
	inString  bool
	escaped   bool
	strBytes  int
	frames    []Frame
	navIdx    int
	keyBuf    []byte
	keyMatch  bool
	skipDepth int

	targetDepth  int
	currentIndex int
	elemStart    int
	elemTokens   int
}

// New builds a machine for a streamable expression. Expressions that are
// not array streams — recursive descent, negative slice steps, from-end
// indices or bounds — are rejected: their evaluation needs the full
// document and belongs to the in-memory evaluator.
func New(expr *jsonpath.Expression, opts Options) (*Machine, error) {
	if !expr.IsArrayStream() {
		return nil, streamErrorf(0, false, "expression %q is not streamable", expr.Original())
	}
	selectors := expr.Selectors()
	i := 1
	var nav []string
	for i < len(selectors) && selectors[i].Kind == jsonpath.SelChild {
		nav = append(nav, selectors[i].Name)
		i++
	}
	iter := selectors[i]
	switch iter.Kind {
	case jsonpath.SelIndex:
		if iter.FromEnd {
			return nil, streamErrorf(0, false, "from-end index is not streamable")
		}
	case jsonpath.SelSlice:
		if iter.Step <= 0 {
			return nil, streamErrorf(0, false, "non-positive slice step is not streamable")
		}
		if (iter.Start != nil && *iter.Start < 0) || (iter.End != nil && *iter.End < 0) {
			return nil, streamErrorf(0, false, "negative slice bounds are not streamable")
		}
	}

	maxDepth := opts.MaxNestingDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxNestingDepth
	}

	return &Machine{
		expr:     expr,
		nav:      nav,
		iter:     iter,
		suffix:   selectors[i+1:],
		buf:      bytebuf.New(),
		mode:     mInitial,
		maxDepth: maxDepth,
		frames:   []Frame{{Kind: FrameRoot}},
	}, nil
}

// State reports the public lifecycle state.
func (m *Machine) State() StateKind {
	switch m.mode {
	case mInitial:
		return StateInitial
	case mSeekKey, mInKey, mAfterKey, mKeyValue, mSkipValue, mSeekDelim:
		return StateNavigating
	case mBetweenElems, mRecover:
		return StateStreamingArray
	case mInElem, mInElemScalar:
		return StateProcessingObject
	case mDrainTail:
		return StateFinishing
	case mDone:
		return StateComplete
	case mFailed:
		return StateError
	}
	return StateError
}

// Err returns the terminal error, if any.
func (m *Machine) Err() *StreamError { return m.err }

// Frames returns the current navigation stack.
func (m *Machine) Frames() []Frame { return m.frames }

// CurrentIndex returns the element index at the streaming depth.
func (m *Machine) CurrentIndex() int { return m.currentIndex }

// ElementBytes returns the JSON text of a boundary. The slice aliases
// the machine's buffer.
func (m *Machine) ElementBytes(b ObjectBoundary) []byte {
	return m.buf.Slice(b.Start, b.End)
}

// Feed appends a body chunk and advances the machine, returning the
// boundaries of any elements completed by this chunk. After a
// non-recoverable error, Feed keeps returning it.
func (m *Machine) Feed(chunk []byte) ([]ObjectBoundary, error) {
	if m.err != nil && !m.err.Recoverable {
		return nil, m.err
	}
	m.buf.Append(chunk)
	return m.scan()
}

// Finish signals end of input. Reaching it in any state but Complete
// (or an empty document) is an incomplete-message error.
func (m *Machine) Finish() error {
	if m.err != nil {
		return m.err
	}
	switch m.mode {
	case mDone:
		return nil
	case mInitial:
		// An empty body streams zero elements.
		m.mode = mDone
		return nil
	default:
		m.err = streamErrorf(m.pos, false, "input ended in state %s", m.State())
		m.mode = mFailed
		return m.err
	}
}

// Recover skips the malformed element after a recoverable error and
// restarts at the next top-level boundary.
func (m *Machine) Recover() error {
	if m.err == nil {
		return nil
	}
	if !m.err.Recoverable {
		return m.err
	}
	m.err = nil
	m.inString = false
	m.escaped = false
	m.depth = m.targetDepth
	m.skipDepth = 0
	m.mode = mRecover
	return nil
}

func (m *Machine) fail(recoverable bool, format string, args ...any) *StreamError {
	m.err = streamErrorf(m.pos, recoverable, format, args...)
	if !recoverable {
		m.mode = mFailed
	}
	return m.err
}

func isWS(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// scan advances over buffered bytes until input is exhausted or the
// machine stops.
func (m *Machine) scan() ([]ObjectBoundary, error) {
	var out []ObjectBoundary
	data := m.buf.Bytes()

	for m.pos < len(data) {
		c := data[m.pos]

		switch m.mode {
		case mDone:
			// Trailing whitespace after a complete document is fine.
			if !isWS(c) {
				return out, m.fail(false, "unexpected byte %q after document end", c)
			}
			m.pos++

		case mFailed:
			return out, m.err

		case mInitial:
			if isWS(c) {
				m.pos++
				continue
			}
			if len(m.nav) == 0 {
				if c != '[' {
					return out, m.fail(false, "expected top-level array, found %q", c)
				}
				m.depth = 1
				m.targetDepth = 1
				m.mode = mBetweenElems
				m.pos++
				continue
			}
			if c != '{' {
				return out, m.fail(false, "expected top-level object, found %q", c)
			}
			m.depth = 1
			m.mode = mSeekKey
			m.pos++

		case mSeekKey:
			if isWS(c) || c == ',' {
				m.pos++
				continue
			}
			switch c {
			case '"':
				m.keyBuf = m.keyBuf[:0]
				m.inString = true
				m.strBytes = 0
				m.mode = mInKey
				m.pos++
			case '}':
				// Object ended without the nav key: no elements, drain
				// the remainder of the document.
				m.depth--
				m.mode = mDrainTail
				if m.depth == 0 {
					m.mode = mDone
				}
				m.pos++
			default:
				return out, m.fail(false, "expected object key, found %q", c)
			}

		case mInKey:
			if err := m.scanStringByte(c); err != nil {
				return out, err
			}
			if m.inString {
				m.keyBuf = append(m.keyBuf, c)
			} else {
				m.mode = mAfterKey
			}
			m.pos++

		case mAfterKey:
			if isWS(c) {
				m.pos++
				continue
			}
			if c != ':' {
				return out, m.fail(false, "expected ':' after key, found %q", c)
			}
			key, err := unescapeKey(m.keyBuf)
			if err != nil {
				return out, m.fail(false, "invalid object key: %v", err)
			}
			m.keyMatch = key == m.nav[m.navIdx]
			m.mode = mKeyValue
			m.pos++

		case mKeyValue:
			if isWS(c) {
				m.pos++
				continue
			}
			if !m.keyMatch {
				m.skipDepth = 0
				m.mode = mSkipValue
				continue
			}
			name := m.nav[m.navIdx]
			if m.navIdx == len(m.nav)-1 {
				if c != '[' {
					return out, m.fail(false, "target %q is not an array", name)
				}
				if err := m.push(); err != nil {
					return out, err
				}
				m.frames = append(m.frames, Frame{Kind: FrameProperty, Name: name})
				m.targetDepth = m.depth
				m.navIdx++
				m.mode = mBetweenElems
				m.pos++
				continue
			}
			if c != '{' {
				return out, m.fail(false, "path step %q is not an object", name)
			}
			if err := m.push(); err != nil {
				return out, err
			}
			m.frames = append(m.frames, Frame{Kind: FrameProperty, Name: name})
			m.navIdx++
			m.mode = mSeekKey
			m.pos++

		case mSkipValue:
			if m.inString {
				if err := m.scanStringByte(c); err != nil {
					return out, err
				}
				m.pos++
				continue
			}
			switch c {
			case '"':
				m.inString = true
				m.strBytes = 0
				m.pos++
			case '{', '[':
				m.skipDepth++
				if err := m.checkDepth(m.depth + m.skipDepth); err != nil {
					return out, err
				}
				m.pos++
			case '}', ']':
				if m.skipDepth == 0 {
					// The enclosing object closed: nav key absent here.
					m.depth--
					m.mode = mDrainTail
					if m.depth == 0 {
						m.mode = mDone
					}
					m.pos++
					continue
				}
				m.skipDepth--
				m.pos++
				if m.skipDepth == 0 {
					m.mode = mSeekDelim
				}
			case ',':
				if m.skipDepth == 0 {
					m.mode = mSeekKey
				}
				m.pos++
			case '\\':
				return out, m.fail(false, `'\' outside string`)
			default:
				m.pos++
			}

		case mSeekDelim:
			if isWS(c) {
				m.pos++
				continue
			}
			switch c {
			case ',':
				m.mode = mSeekKey
				m.pos++
			case '}':
				m.depth--
				m.mode = mDrainTail
				if m.depth == 0 {
					m.mode = mDone
				}
				m.pos++
			default:
				return out, m.fail(false, "expected ',' or '}', found %q", c)
			}

		case mBetweenElems:
			if isWS(c) || c == ',' {
				m.pos++
				continue
			}
			if c == ']' {
				m.depth--
				m.mode = mDrainTail
				if m.depth == 0 {
					m.mode = mDone
				}
				m.frames = m.frames[:len(m.frames)-1]
				m.pos++
				continue
			}
			m.elemStart = m.pos
			m.elemTokens = 0
			m.frames = append(m.frames, Frame{Kind: FrameIndex, Index: m.currentIndex})
			switch c {
			case '{', '[':
				if err := m.push(); err != nil {
					return out, err
				}
				m.mode = mInElem
				m.pos++
			case '"':
				m.inString = true
				m.strBytes = 0
				m.mode = mInElemScalar
				m.pos++
			case '\\':
				return out, m.fail(true, `'\' outside string`)
			default:
				m.mode = mInElemScalar
				m.pos++
			}

		case mInElem:
			if m.inString {
				if err := m.scanStringByte(c); err != nil {
					return out, err
				}
				m.pos++
				continue
			}
			switch c {
			case '"':
				m.inString = true
				m.strBytes = 0
				if err := m.elemToken(); err != nil {
					return out, err
				}
				m.pos++
			case '{', '[':
				if err := m.push(); err != nil {
					return out, err
				}
				if err := m.elemToken(); err != nil {
					return out, err
				}
				m.pos++
			case '}', ']':
				m.depth--
				m.pos++
				if m.depth == m.targetDepth {
					out = m.emit(out, m.pos)
				}
			case '\\':
				return out, m.fail(true, `'\' outside string`)
			default:
				m.pos++
			}

		case mInElemScalar:
			if m.inString {
				if err := m.scanStringByte(c); err != nil {
					return out, err
				}
				m.pos++
				if !m.inString {
					// A string scalar ends at its closing quote.
					out = m.emit(out, m.pos)
				}
				continue
			}
			switch c {
			case ',':
				out = m.emit(out, m.pos)
			case ']':
				out = m.emit(out, m.pos)
				// Reprocess ']' as the array close.
			case '\\':
				return out, m.fail(true, `'\' outside string`)
			default:
				m.pos++
			}

		case mDrainTail:
			if m.inString {
				if err := m.scanStringByte(c); err != nil {
					return out, err
				}
				m.pos++
				continue
			}
			switch c {
			case '"':
				m.inString = true
				m.strBytes = 0
			case '{', '[':
				if err := m.checkDepth(m.depth + 1); err != nil {
					return out, err
				}
				m.depth++
			case '}', ']':
				m.depth--
				if m.depth == 0 {
					m.mode = mDone
				}
			case '\\':
				return out, m.fail(false, `'\' outside string`)
			}
			m.pos++

		case mRecover:
			// Skip bytes of the malformed element until its boundary at
			// the target depth, then resume streaming.
			if m.inString {
				if err := m.scanStringByte(c); err != nil {
					return out, err
				}
				m.pos++
				continue
			}
			switch c {
			case '"':
				m.inString = true
				m.strBytes = 0
				m.pos++
			case '{', '[':
				m.skipDepth++
				m.pos++
			case '}', ']':
				if m.skipDepth == 0 && c == ']' {
					m.currentIndex++
					m.frames = m.frames[:len(m.frames)-1]
					m.mode = mBetweenElems
					continue
				}
				if m.skipDepth > 0 {
					m.skipDepth--
				}
				m.pos++
			case ',':
				if m.skipDepth == 0 {
					m.currentIndex++
					m.frames = m.frames[:len(m.frames)-1]
					m.mode = mBetweenElems
				}
				m.pos++
			default:
				m.pos++
			}
		}

		if m.err != nil {
			return out, m.err
		}
	}
	return out, nil
}

// emit records one complete element ending at end (exclusive) and
// returns to the between-elements state.
func (m *Machine) emit(out []ObjectBoundary, end int) []ObjectBoundary {
	start, stop := m.elemStart, end
	for stop > start && isWS(m.buf.Bytes()[stop-1]) {
		stop--
	}
	if m.selected(m.currentIndex) {
		out = append(out, ObjectBoundary{Start: start, End: stop, Index: m.currentIndex})
	}
	m.currentIndex++
	m.frames = m.frames[:len(m.frames)-1]
	m.mode = mBetweenElems
	return out
}

// selected applies the iteration selector to an element index. Filter
// selection happens per element in ExtractElement.
func (m *Machine) selected(i int) bool {
	switch m.iter.Kind {
	case jsonpath.SelWildcard, jsonpath.SelFilter:
		return true
	case jsonpath.SelIndex:
		return int64(i) == m.iter.Index
	case jsonpath.SelSlice:
		start := int64(0)
		if m.iter.Start != nil {
			start = *m.iter.Start
		}
		if int64(i) < start {
			return false
		}
		if m.iter.End != nil && int64(i) >= *m.iter.End {
			return false
		}
		return (int64(i)-start)%m.iter.Step == 0
	}
	return false
}

func (m *Machine) push() error {
	if err := m.checkDepth(m.depth + 1); err != nil {
		return err
	}
	m.depth++
	return nil
}

func (m *Machine) checkDepth(depth int) error {
	if depth > m.maxDepth {
		return m.fail(false, "nesting depth %d exceeds limit %d", depth, m.maxDepth)
	}
	return nil
}

func (m *Machine) elemToken() error {
	m.elemTokens++
	if m.elemTokens > maxElementTokens {
		return m.fail(true, "element exceeded %d tokens", maxElementTokens)
	}
	return nil
}

// scanStringByte advances string state for one byte inside a string
// literal. A backslash escapes exactly the next byte.
func (m *Machine) scanStringByte(c byte) error {
	m.strBytes++
	if m.strBytes > maxStringBytes {
		return m.fail(true, "string literal exceeds %d bytes", maxStringBytes)
	}
	switch {
	case m.escaped:
		m.escaped = false
	case c == '\\':
		m.escaped = true
	case c == '"':
		m.inString = false
	}
	return nil
}
