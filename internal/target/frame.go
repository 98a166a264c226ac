package target

import (
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
)

type LocationKind uint8

const (
	InRegister LocationKind = iota + 1
	InStackSlot
	Constant
)

func (k LocationKind) String() string {
	switch k {
	case InRegister:
		return "register"
	case InStackSlot:
		return "stack-slot"
	case Constant:
		return "constant"
	}
	return fmt.Sprintf("location(%d)", k)
}

// ValueLocation describes where the optimized code keeps a value of a logical frame.
type ValueLocation struct {
	Kind LocationKind

	// register number, or stack slot index relative to the frame pointer of the optimized frame.
	Index int

	Value uint64 //constants only
	IsRef bool
}

func RegisterLocation(reg int, isRef bool) ValueLocation {
	return ValueLocation{Kind: InRegister, Index: reg, IsRef: isRef}
}

func StackSlotLocation(slot int, isRef bool) ValueLocation {
	return ValueLocation{Kind: InStackSlot, Index: slot, IsRef: isRef}
}

func ConstantLocation(value uint64, isRef bool) ValueLocation {
	return ValueLocation{Kind: Constant, Value: value, IsRef: isRef}
}

func (l ValueLocation) String() string {
	switch l.Kind {
	case InRegister:
		return fmt.Sprintf("r%d", l.Index)
	case InStackSlot:
		return fmt.Sprintf("fp[%d]", l.Index)
	default:
		return fmt.Sprintf("#%d", l.Value)
	}
}

// A FrameDescriptor describes the logical frame of a (possibly inlined) method at a program point of
// optimized code. Descriptors form a chain, innermost first, linked to the descriptors of their callers.
type FrameDescriptor struct {
	Caller *FrameDescriptor

	Method *bytecode.Method

	// JIT is the JIT form of the method, rebuilt frames execute it.
	JIT *CompiledMethod

	// BytecodePos is the position of the current instruction: the invoke for callers, the instruction at
	// the trap for the innermost frame.
	BytecodePos int

	// Stack does not contain the arguments of the invoke at BytecodePos: they are popped by the call.

	Locals []ValueLocation
	Stack  []ValueLocation
}

// Chain returns the descriptors of the chain, innermost first.
func (d *FrameDescriptor) Chain() []*FrameDescriptor {
	var chain []*FrameDescriptor
	for current := d; current != nil; current = current.Caller {
		chain = append(chain, current)
	}
	return chain
}

func (d *FrameDescriptor) Depth() int {
	depth := 0
	for current := d; current != nil; current = current.Caller {
		depth++
	}
	return depth
}

func (d *FrameDescriptor) Validate() error {
	for _, desc := range d.Chain() {
		if desc.Method == nil || desc.JIT == nil {
			return fmt.Errorf("frame descriptor at %d has no method or no JIT code", desc.BytecodePos)
		}
		if len(desc.Locals) != desc.Method.MaxLocals {
			return fmt.Errorf("frame descriptor of %s: %d locals, %d expected", desc.Method, len(desc.Locals), desc.Method.MaxLocals)
		}
		if len(desc.Stack) > desc.Method.MaxStack {
			return fmt.Errorf("frame descriptor of %s: stack deeper than %d", desc.Method, desc.Method.MaxStack)
		}
		if desc.BytecodePos < 0 || desc.BytecodePos >= len(desc.Method.Code) {
			return fmt.Errorf("frame descriptor of %s: invalid bytecode position %d", desc.Method, desc.BytecodePos)
		}
	}
	return nil
}
