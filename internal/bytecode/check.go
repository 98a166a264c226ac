package bytecode

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrUnsupportedByJIT = errors.New("not supported by the template JIT")
	ErrMalformedCode    = errors.New("malformed code")
)

// Precheck rejects the methods that cannot be translated: methods using word or raw pointer types,
// subroutines (jsr/ret), and malformed code. It returns the decoded instructions of valid methods.
func Precheck(m *Method) ([]Instruction, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.Signature.HasWordType() {
		return nil, fmt.Errorf("%w: %s has a word typed signature", ErrUnsupportedByJIT, m)
	}

	instructions, err := DecodeAll(m.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCode, err)
	}

	starts := InstructionStarts(instructions, len(m.Code))

	for _, ins := range instructions {
		if ins.Op.Is(FlagWordType) {
			return nil, fmt.Errorf("%w: %s at %d in %s", ErrUnsupportedByJIT, ins.Op, ins.Pos, m)
		}
		if ins.Op.Is(FlagSubroutine) {
			return nil, fmt.Errorf("%w: subroutine instruction %s at %d in %s", ErrUnsupportedByJIT, ins.Op, ins.Pos, m)
		}

		switch ins.Op.Info().Format {
		case LocalIndex:
			if ins.Operand >= m.MaxLocals {
				return nil, fmt.Errorf("%w: local %d out of bounds at %d", ErrMalformedCode, ins.Operand, ins.Pos)
			}
		case PoolIndex:
			sym, err := m.Pool.Symbol(ins.Operand)
			if err != nil {
				return nil, fmt.Errorf("%w: %s at %d: %w", ErrMalformedCode, ins.Op, ins.Pos, err)
			}
			if sym.UsesWordType() {
				return nil, fmt.Errorf("%w: %s at %d uses a word type (%s)", ErrUnsupportedByJIT, ins.Op, ins.Pos, sym)
			}
			if err := checkSymbolKind(ins, sym); err != nil {
				return nil, err
			}
		}

		for _, target := range ins.BranchTargets() {
			if !starts.Test(uint(target)) {
				return nil, fmt.Errorf("%w: %s at %d branches to %d which is not an instruction", ErrMalformedCode, ins.Op, ins.Pos, target)
			}
		}
	}

	last := instructions[len(instructions)-1]
	if last.Op.FallsThrough() {
		return nil, fmt.Errorf("%w: control falls off the end of %s", ErrMalformedCode, m)
	}

	for _, h := range m.Handlers {
		if !starts.Test(uint(h.Start)) || !starts.Test(uint(h.Handler)) || (h.End < len(m.Code) && !starts.Test(uint(h.End))) {
			return nil, fmt.Errorf("%w: handler [%d, %d) -> %d is not aligned on instructions", ErrMalformedCode, h.Start, h.End, h.Handler)
		}
	}

	return instructions, nil
}

func checkSymbolKind(ins Instruction, sym Symbol) error {
	expected := SymbolKind(0)

	switch ins.Op {
	case OpGetfield, OpPutfield, OpGetstatic, OpPutstatic:
		expected = SymField
	case OpNew, OpCheckcast, OpInstanceof:
		expected = SymClass
	case OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface:
		expected = SymMethod
	case OpLdc:
		if sym.Kind == SymIntConstant || sym.Kind == SymStringConstant || sym.Kind == SymClass {
			return nil
		}
		return fmt.Errorf("%w: ldc at %d references a %s", ErrMalformedCode, ins.Pos, sym.Kind)
	}

	if sym.Kind != expected {
		return fmt.Errorf("%w: %s at %d references a %s", ErrMalformedCode, ins.Op, ins.Pos, sym.Kind)
	}

	static := ins.Op == OpGetstatic || ins.Op == OpPutstatic || ins.Op == OpInvokestatic
	if (expected == SymField || expected == SymMethod) && sym.Static != static {
		return fmt.Errorf("%w: %s at %d references %s", ErrMalformedCode, ins.Op, ins.Pos, sym)
	}
	return nil
}

// InstructionStarts returns the set of the positions of the instructions.
func InstructionStarts(instructions []Instruction, codeLen int) *bitset.BitSet {
	starts := bitset.New(uint(codeLen))
	for _, ins := range instructions {
		starts.Set(uint(ins.Pos))
	}
	return starts
}
