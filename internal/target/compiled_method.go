package target

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/refmap"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidCompiledMethod = errors.New("invalid compiled method")
)

type MethodKind uint8

const (
	// JIT methods are produced by the template translator, they are never deoptimized.
	KindJIT MethodKind = iota + 1
	// Optimized methods are produced by an optimizing compiler and carry frame descriptors.
	KindOptimized
)

func (k MethodKind) String() string {
	switch k {
	case KindJIT:
		return "jit"
	case KindOptimized:
		return "optimized"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// HandlerEntry is an exception handler at a code position.
type HandlerEntry struct {
	CatchType string //empty for catch-all handlers
	Handler   int
}

// An ExceptionRange covers the code range [Start, End), its handlers are in the order they are tried.
// A range without handler fills a gap between ranges with handlers.
type ExceptionRange struct {
	Start, End int
	Handlers   []HandlerEntry
}

func (r ExceptionRange) HasHandler() bool {
	return len(r.Handlers) > 0
}

// A CompiledMethod is the immutable result of the compilation of a method. Only the code is modified
// after the compilation: by the installation of traps.
type CompiledMethod struct {
	ID       ulid.ULID
	Method   *bytecode.Method
	Kind     MethodKind
	Platform Platform

	Code []byte

	// reference literals, addressed relative to the instruction pointer. The pool precedes the code.
	Literals []any

	Stops         *stops.Table
	PositionIndex stops.PositionIndex

	// BytecodeToCode maps the bytecode positions of the instructions to code positions, the other
	// entries are -1. The last entry is the code position of the end of the body.
	BytecodeToCode []int

	// ExceptionRanges covers the body without gaps, the last range is an empty sentinel positioned at
	// the end of the body.
	ExceptionRanges []ExceptionRange

	Frame refmap.FrameLayout

	// optimized methods: frame descriptors of the stops, by stop index.
	Descriptors map[int]*FrameDescriptor

	armed       atomic.Bool
	invalidated atomic.Bool
}

func NewCompiledMethod(method *bytecode.Method, kind MethodKind, platform Platform) *CompiledMethod {
	return &CompiledMethod{
		ID:       ulid.Make(),
		Method:   method,
		Kind:     kind,
		Platform: platform,
	}
}

func (m *CompiledMethod) String() string {
	return fmt.Sprintf("%s %s (%s)", m.Kind, m.Method, m.ID)
}

func (m *CompiledMethod) IsArmed() bool {
	return m.armed.Load()
}

// MarkArmed marks the method as armed, it returns false if the method was already armed.
func (m *CompiledMethod) MarkArmed() bool {
	return m.armed.CompareAndSwap(false, true)
}

func (m *CompiledMethod) IsInvalidated() bool {
	return m.invalidated.Load()
}

func (m *CompiledMethod) MarkInvalidated() {
	m.invalidated.Store(true)
}

// CodePosition returns the code position of the instruction at bci.
func (m *CompiledMethod) CodePosition(bci int) (int, bool) {
	if bci < 0 || bci >= len(m.BytecodeToCode) || m.BytecodeToCode[bci] < 0 {
		return 0, false
	}
	return m.BytecodeToCode[bci], true
}

// BytecodePosition returns the position of the instruction whose code contains codePos.
func (m *CompiledMethod) BytecodePosition(codePos int) (int, bool) {
	best := -1
	for bci, pos := range m.BytecodeToCode[:len(m.BytecodeToCode)-1] {
		if pos < 0 {
			continue
		}
		if pos > codePos {
			break
		}
		best = bci
	}
	if best < 0 || codePos >= m.BytecodeToCode[len(m.BytecodeToCode)-1] {
		return 0, false
	}
	return best, true
}

// ExceptionRangeAt returns the exception range containing codePos.
func (m *CompiledMethod) ExceptionRangeAt(codePos int) (ExceptionRange, bool) {
	ranges := m.ExceptionRanges
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > codePos })
	if i == len(ranges) || ranges[i].Start > codePos {
		return ExceptionRange{}, false
	}
	return ranges[i], true
}

// FindHandler returns the code position of the first handler of the range containing codePos
// catching exceptions of the given type.
func (m *CompiledMethod) FindHandler(codePos int, exceptionType string) (int, bool) {
	r, ok := m.ExceptionRangeAt(codePos)
	if !ok {
		return 0, false
	}
	for _, h := range r.Handlers {
		if h.CatchType == "" || h.CatchType == exceptionType {
			return h.Handler, true
		}
	}
	return 0, false
}

// ReturnPositionAfter returns the position following the last call stop at bci: the position where
// execution resumes in the frame of an invoke when the callee returns.
func (m *CompiledMethod) ReturnPositionAfter(bci int) (int, bool) {
	it := m.PositionIndex.Iterator()
	if !it.Seek(bci) {
		return 0, false
	}

	pos := -1
	for i := it.NextStopIndex(true); i >= 0; i = it.NextStopIndex(false) {
		if m.Stops.KindAt(i) == stops.Safepoint || m.Stops.IsRuntimeCall(i) {
			continue
		}
		if returnPos := m.Stops.ReturnPosition(i); returnPos > pos {
			pos = returnPos
		}
	}
	return pos, pos >= 0
}

func (m *CompiledMethod) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidCompiledMethod, m, fmt.Sprintf(format, args...))
	}

	if m.Stops == nil {
		return fail("no stops table")
	}
	if err := m.Stops.Validate(); err != nil {
		return fail("%s", err)
	}
	for i := 0; i < m.Stops.Len(); i++ {
		pos := m.Stops.CodePositions[i]
		end := pos
		if i < m.Stops.NumCalls() {
			end += m.Stops.CallSizeAt(i)
		}
		if pos < 0 || end > len(m.Code) {
			return fail("stop %d at %d is outside of the code", i, pos)
		}
	}
	if m.Stops.FrameMapWidth != m.Frame.Width() {
		return fail("frame map width %d does not match the frame layout %s", m.Stops.FrameMapWidth, m.Frame)
	}
	if len(m.BytecodeToCode) != len(m.Method.Code)+1 {
		return fail("bytecode to code map has %d entries", len(m.BytecodeToCode))
	}
	for i := 1; i < len(m.ExceptionRanges); i++ {
		if m.ExceptionRanges[i].Start != m.ExceptionRanges[i-1].End {
			return fail("exception range %d does not follow the previous one", i)
		}
	}
	if m.Kind == KindOptimized {
		for index, desc := range m.Descriptors {
			if index < 0 || index >= m.Stops.Len() {
				return fail("frame descriptor of unknown stop %d", index)
			}
			if err := desc.Validate(); err != nil {
				return fail("%s", err)
			}
		}
	}
	return nil
}
