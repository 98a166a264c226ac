package refmap

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/inoxlang/tjit/internal/bytecode"
)

var (
	ErrStackUnderflow     = errors.New("operand stack underflow")
	ErrStackOverflow      = errors.New("operand stack overflow")
	ErrStackDepthMismatch = errors.New("operand stack depth mismatch at join")
)

// frameState is the abstract state of a frame: for every local and every operand stack entry below
// the current depth, whether it holds a reference.
type frameState struct {
	locals *bitset.BitSet
	stack  *bitset.BitSet
	depth  int
}

func newFrameState(maxLocals, maxStack int) *frameState {
	return &frameState{
		locals: bitset.New(uint(maxLocals)),
		stack:  bitset.New(uint(maxStack)),
	}
}

// entryState returns the state at method entry: the receiver and the parameters are the first locals.
func entryState(m *bytecode.Method) *frameState {
	state := newFrameState(m.MaxLocals, m.MaxStack)
	for i, kind := range m.EntryLocals() {
		if kind.IsRef() {
			state.locals.Set(uint(i))
		}
	}
	return state
}

func (s *frameState) clone() *frameState {
	return &frameState{
		locals: s.locals.Clone(),
		stack:  s.stack.Clone(),
		depth:  s.depth,
	}
}

// handlerEntry returns the state at the entry of an exception handler: same locals, the stack only holds the exception.
func (s *frameState) handlerEntry() (*frameState, error) {
	entry := &frameState{
		locals: s.locals.Clone(),
		stack:  bitset.New(s.stack.Len()),
	}
	if err := entry.push(true); err != nil {
		return nil, err
	}
	return entry, nil
}

// mergeInto merges s into *target and reports whether *target changed. A slot stays a reference
// only if it is a reference in both states.
func (s *frameState) mergeInto(target **frameState) (bool, error) {
	if *target == nil {
		*target = s.clone()
		return true, nil
	}
	t := *target
	if t.depth != s.depth {
		return false, fmt.Errorf("%w: %d and %d", ErrStackDepthMismatch, t.depth, s.depth)
	}

	before := t.locals.Count() + t.stack.Count()
	t.locals.InPlaceIntersection(s.locals)
	t.stack.InPlaceIntersection(s.stack)
	return t.locals.Count()+t.stack.Count() != before, nil
}

func (s *frameState) push(isRef bool) error {
	if s.depth >= int(s.stack.Len()) {
		return ErrStackOverflow
	}
	s.stack.SetTo(uint(s.depth), isRef)
	s.depth++
	return nil
}

func (s *frameState) pop() (bool, error) {
	if s.depth == 0 {
		return false, ErrStackUnderflow
	}
	s.depth--
	isRef := s.stack.Test(uint(s.depth))
	s.stack.Clear(uint(s.depth))
	return isRef, nil
}

func (s *frameState) popN(n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.pop(); err != nil {
			return err
		}
	}
	return nil
}

// forEachRefLocal calls fn with the index of each local holding a reference.
func (s *frameState) forEachRefLocal(fn func(local int)) {
	for i, ok := s.locals.NextSet(0); ok; i, ok = s.locals.NextSet(i + 1) {
		fn(int(i))
	}
}

// forEachRefStackEntry calls fn with the depth of each operand stack entry holding a reference.
func (s *frameState) forEachRefStackEntry(fn func(depth int)) {
	for i, ok := s.stack.NextSet(0); ok && int(i) < s.depth; i, ok = s.stack.NextSet(i + 1) {
		fn(int(i))
	}
}

// interpreter executes instructions on a frameState.
type interpreter struct {
	method *bytecode.Method
}

// invokeArguments returns the number of stack entries popped by an invoke instruction.
func (in interpreter) invokeArguments(ins bytecode.Instruction) (int, bytecode.Symbol, error) {
	sym, err := in.method.Pool.Symbol(ins.Operand)
	if err != nil {
		return 0, sym, err
	}
	return sym.ArgumentSlots(ins.Op != bytecode.OpInvokestatic), sym, nil
}

// execute applies the effect of ins on s. The arguments of invokes are popped by popArguments.
func (in interpreter) execute(s *frameState, ins bytecode.Instruction) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%s: %w", ins, err)
		}
	}()

	if ins.Op.Is(bytecode.FlagInvoke) {
		if err := in.popArguments(s, ins); err != nil {
			return err
		}
		return in.pushResult(s, ins)
	}

	switch ins.Op {
	case bytecode.OpNop, bytecode.OpGoto, bytecode.OpReturn:
	case bytecode.OpAconstNull:
		return s.push(true)
	case bytecode.OpIconst, bytecode.OpIload:
		return s.push(false)
	case bytecode.OpAload:
		return s.push(true)
	case bytecode.OpLdc:
		sym, err := in.method.Pool.Symbol(ins.Operand)
		if err != nil {
			return err
		}
		return s.push(sym.Kind != bytecode.SymIntConstant)
	case bytecode.OpIstore, bytecode.OpAstore:
		isRef, err := s.pop()
		if err != nil {
			return err
		}
		s.locals.SetTo(uint(ins.Operand), isRef && ins.Op == bytecode.OpAstore)
	case bytecode.OpIadd, bytecode.OpIsub, bytecode.OpImul:
		if err := s.popN(2); err != nil {
			return err
		}
		return s.push(false)
	case bytecode.OpPop, bytecode.OpIfeq, bytecode.OpIfne, bytecode.OpIfnull, bytecode.OpIfnonnull,
		bytecode.OpTableswitch, bytecode.OpLookupswitch, bytecode.OpIreturn, bytecode.OpAreturn,
		bytecode.OpAthrow, bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		return s.popN(1)
	case bytecode.OpIfIcmplt, bytecode.OpIfIcmpge:
		return s.popN(2)
	case bytecode.OpDup:
		isRef, err := s.pop()
		if err != nil {
			return err
		}
		if err := s.push(isRef); err != nil {
			return err
		}
		return s.push(isRef)
	case bytecode.OpSwap:
		first, err := s.pop()
		if err != nil {
			return err
		}
		second, err := s.pop()
		if err != nil {
			return err
		}
		if err := s.push(first); err != nil {
			return err
		}
		return s.push(second)
	case bytecode.OpGetfield, bytecode.OpGetstatic:
		sym, err := in.method.Pool.Symbol(ins.Operand)
		if err != nil {
			return err
		}
		if ins.Op == bytecode.OpGetfield {
			if err := s.popN(1); err != nil {
				return err
			}
		}
		return s.push(sym.Type.IsRef())
	case bytecode.OpPutfield:
		return s.popN(2)
	case bytecode.OpPutstatic:
		return s.popN(1)
	case bytecode.OpNew:
		return s.push(true)
	case bytecode.OpCheckcast:
		if err := s.popN(1); err != nil {
			return err
		}
		return s.push(true)
	case bytecode.OpInstanceof:
		if err := s.popN(1); err != nil {
			return err
		}
		return s.push(false)
	default:
		return fmt.Errorf("%w: %s", bytecode.ErrUnsupportedByJIT, ins.Op)
	}
	return nil
}

func (in interpreter) popArguments(s *frameState, ins bytecode.Instruction) error {
	n, _, err := in.invokeArguments(ins)
	if err != nil {
		return err
	}
	return s.popN(n)
}

func (in interpreter) pushResult(s *frameState, ins bytecode.Instruction) error {
	sym, err := in.method.Pool.Symbol(ins.Operand)
	if err != nil {
		return err
	}
	if sym.Signature.Result == bytecode.KindVoid {
		return nil
	}
	return s.push(sym.Signature.Result.IsRef())
}
