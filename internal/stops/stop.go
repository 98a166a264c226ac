package stops

import (
	"fmt"

	"github.com/inoxlang/tjit/internal/memds"
)

// Kind is the kind of a stop, stops of the same kind are grouped in the same zone of a Table.
type Kind uint8

const (
	DirectCall Kind = iota
	IndirectCall
	Safepoint

	KIND_COUNT = 3
)

func (k Kind) String() string {
	switch k {
	case DirectCall:
		return "direct-call"
	case IndirectCall:
		return "indirect-call"
	case Safepoint:
		return "safepoint"
	}
	return fmt.Sprintf("kind(%d)", k)
}

const (
	// PrologueBCI is the bytecode position of the stops emitted before the first instruction.
	PrologueBCI = -1
	// EpilogueBCI is the bytecode position of the stops emitted after the last instruction.
	EpilogueBCI = -2
)

// Callee describes the target of a direct call: a method or a runtime routine.
type Callee string

// A Stop is a call or a safepoint in the emitted code.
// The fields that do not belong to the kind of the stop are zero.
type Stop struct {
	Kind Kind

	// code position of the first byte of the call instruction or of the safepoint trap site.
	Pos         int
	BytecodePos int

	//calls
	CallSize    int
	ResultIsRef bool

	//direct calls
	Callee      Callee
	RuntimeCall bool

	// BindCallSite is set on the calls of a template whose callee and result kind are only known at emission.
	BindCallSite bool

	//safepoints
	RegisterMap memds.BitSet32

	// template work area slots holding references while the stop is active,
	// relative to the first template slot of the frame.
	TemplateRefSlots []int
}

func NewDirectCall(pos, callSize int, callee Callee, runtimeCall, resultIsRef bool) Stop {
	return Stop{
		Kind:        DirectCall,
		Pos:         pos,
		CallSize:    callSize,
		Callee:      callee,
		RuntimeCall: runtimeCall,
		ResultIsRef: resultIsRef,
	}
}

func NewIndirectCall(pos, callSize int, resultIsRef bool) Stop {
	return Stop{
		Kind:        IndirectCall,
		Pos:         pos,
		CallSize:    callSize,
		ResultIsRef: resultIsRef,
	}
}

func NewSafepoint(pos int, registerMap memds.BitSet32) Stop {
	return Stop{
		Kind:        Safepoint,
		Pos:         pos,
		RegisterMap: registerMap,
	}
}

func (s Stop) IsCall() bool {
	return s.Kind != Safepoint
}

// writeFrameBits sets the frame slots occupied by the stop itself.
func (s Stop) writeFrameBits(set func(slot int), firstTemplateSlot int) {
	for _, slot := range s.TemplateRefSlots {
		set(firstTemplateSlot + slot)
	}
}

// writeRegisterBits sets the callee-saved registers holding references, only safepoints have a register map.
func (s Stop) writeRegisterBits(set func(reg int)) {
	switch s.Kind {
	case Safepoint:
		s.RegisterMap.ForEachSet(func(index memds.Bit32Index) error {
			set(int(index))
			return nil
		})
	}
}

func (s Stop) String() string {
	switch s.Kind {
	case DirectCall:
		runtime := ""
		if s.RuntimeCall {
			runtime = " runtime"
		}
		return fmt.Sprintf("%d: direct call%s %s (bci %d)", s.Pos, runtime, s.Callee, s.BytecodePos)
	case IndirectCall:
		return fmt.Sprintf("%d: indirect call (bci %d)", s.Pos, s.BytecodePos)
	default:
		return fmt.Sprintf("%d: safepoint (bci %d)", s.Pos, s.BytecodePos)
	}
}
