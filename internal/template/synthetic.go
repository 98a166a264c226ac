package template

import (
	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
)

const (
	FILLER_BYTE        = 0x90
	DIRECT_CALL_BYTE   = 0xe8
	INDIRECT_CALL_BYTE = 0xff
	SAFEPOINT_BYTE     = 0x85

	// SYNC_OBJECT_TEMPLATE_SLOT is the template work area slot holding the object locked by a synchronized method.
	SYNC_OBJECT_TEMPLATE_SLOT = 0
)

// Runtime routines called by the synthetic templates.
const (
	RuntimeThrow                 stops.Callee = "runtime.throw"
	RuntimeRethrow               stops.Callee = "runtime.rethrow"
	RuntimeMonitorEnter          stops.Callee = "runtime.monitorEnter"
	RuntimeMonitorExit           stops.Callee = "runtime.monitorExit"
	RuntimeAllocate              stops.Callee = "runtime.allocate"
	RuntimeCheckcast             stops.Callee = "runtime.checkcast"
	RuntimeInstanceof            stops.Callee = "runtime.instanceof"
	RuntimeSelectInterfaceMethod stops.Callee = "runtime.selectInterfaceMethod"
	RuntimeProfileReceiver       stops.Callee = "runtime.profileReceiver"
	RuntimeResolveClass          stops.Callee = "runtime.resolveClass"
	RuntimeResolveField          stops.Callee = "runtime.resolveField"
	RuntimeResolveStaticField    stops.Callee = "runtime.resolveStaticField"
	RuntimeResolveAndAllocate    stops.Callee = "runtime.resolveAndAllocate"
	RuntimeResolveStaticMethod   stops.Callee = "runtime.resolveStaticMethod"
	RuntimeResolveSpecialMethod  stops.Callee = "runtime.resolveSpecialMethod"
	RuntimeResolveVirtualMethod  stops.Callee = "runtime.resolveVirtualMethod"
	RuntimeResolveInterface      stops.Callee = "runtime.resolveInterfaceMethod"
)

// Shape gives the sizes of the instructions the synthetic templates are made of.
type Shape struct {
	DirectCallSize   int
	IndirectCallSize int
	SafepointSize    int
}

// NewSyntheticLibrary returns a catalog of templates made of filler bytes, patchable slots, calls and safepoint
// polls with realistic sizes. It has a template for every supported instruction.
func NewSyntheticLibrary(shape Shape) *Library {
	return newGeneratedLibrary(func(tag Tag) (*Template, bool) {
		b := &templateBuilder{shape: shape, t: &Template{Tag: tag}}
		if !b.build() {
			return nil, false
		}
		if err := b.t.Validate(); err != nil {
			panic(err)
		}
		return b.t, true
	})
}

type templateBuilder struct {
	shape Shape
	t     *Template
}

func (b *templateBuilder) pos() int {
	return len(b.t.Code)
}

func (b *templateBuilder) body(n int) *templateBuilder {
	for i := 0; i < n; i++ {
		b.t.Code = append(b.t.Code, FILLER_BYTE)
	}
	return b
}

func (b *templateBuilder) slot(kind SlotKind) *templateBuilder {
	b.t.Slots = append(b.t.Slots, Slot{Kind: kind, Offset: b.pos()})
	b.t.Code = append(b.t.Code, 0, 0, 0, 0)
	return b
}

func (b *templateBuilder) instruction(first byte, size int) {
	b.t.Code = append(b.t.Code, first)
	for i := 1; i < size; i++ {
		b.t.Code = append(b.t.Code, 0)
	}
}

func (b *templateBuilder) runtimeCall(callee stops.Callee, resultIsRef bool) *templateBuilder {
	b.t.Stops = append(b.t.Stops, stops.NewDirectCall(b.pos(), b.shape.DirectCallSize, callee, true, resultIsRef))
	b.instruction(DIRECT_CALL_BYTE, b.shape.DirectCallSize)
	return b
}

// boundCall is a direct call to the method invoked by the instruction.
func (b *templateBuilder) boundCall() *templateBuilder {
	stop := stops.NewDirectCall(b.pos(), b.shape.DirectCallSize, "", false, false)
	stop.BindCallSite = true
	b.t.Stops = append(b.t.Stops, stop)
	b.instruction(DIRECT_CALL_BYTE, b.shape.DirectCallSize)
	return b
}

// indirectCall is a call through a register to the method invoked by the instruction.
func (b *templateBuilder) indirectCall() *templateBuilder {
	stop := stops.NewIndirectCall(b.pos(), b.shape.IndirectCallSize, false)
	stop.BindCallSite = true
	b.t.Stops = append(b.t.Stops, stop)
	b.instruction(INDIRECT_CALL_BYTE, b.shape.IndirectCallSize)
	return b
}

func (b *templateBuilder) safepoint() *templateBuilder {
	b.t.Stops = append(b.t.Stops, stops.NewSafepoint(b.pos(), 0))
	b.instruction(SAFEPOINT_BYTE, b.shape.SafepointSize)
	return b
}

// refSlots sets the template work area slots holding references during the last stop.
func (b *templateBuilder) refSlots(slots ...int) *templateBuilder {
	last := &b.t.Stops[len(b.t.Stops)-1]
	last.TemplateRefSlots = append(last.TemplateRefSlots, slots...)
	return b
}

func (b *templateBuilder) build() bool {
	op, sel := b.t.Tag.Op, b.t.Tag.Selector

	//instructions without symbol
	if sel == NoAssumption {
		switch op {
		case OpPrologue:
			b.body(3).slot(SlotFrameSize).body(2)
			return true
		case OpLoadException:
			b.body(9)
			return true
		case OpLock:
			b.body(4).runtimeCall(RuntimeMonitorEnter, false).refSlots(SYNC_OBJECT_TEMPLATE_SLOT)
			return true
		case OpUnlock:
			b.body(4).runtimeCall(RuntimeMonitorExit, false).refSlots(SYNC_OBJECT_TEMPLATE_SLOT)
			return true
		case OpRethrow:
			b.body(2).runtimeCall(RuntimeRethrow, false)
			return true
		case OpSafepoint:
			b.safepoint()
			return true
		case bytecode.OpNop:
			return true
		case bytecode.OpAconstNull:
			b.body(3)
			return true
		case bytecode.OpIconst:
			b.body(1).slot(SlotImmediate)
			return true
		case bytecode.OpIload, bytecode.OpAload, bytecode.OpIstore, bytecode.OpAstore:
			b.body(2).slot(SlotLocal).body(1)
			return true
		case bytecode.OpIadd, bytecode.OpIsub, bytecode.OpPop:
			b.body(4)
			return true
		case bytecode.OpImul, bytecode.OpDup:
			b.body(5)
			return true
		case bytecode.OpSwap:
			b.body(8)
			return true
		case bytecode.OpIfeq, bytecode.OpIfne, bytecode.OpIfnull, bytecode.OpIfnonnull:
			b.body(6).slot(SlotBranch)
			return true
		case bytecode.OpIfIcmplt, bytecode.OpIfIcmpge:
			b.body(8).slot(SlotBranch)
			return true
		case bytecode.OpGoto:
			b.body(1).slot(SlotBranch)
			return true
		case bytecode.OpTableswitch:
			b.body(2).slot(SlotImmediate).body(2).slot(SlotCount).body(2).slot(SlotBranch).body(7)
			return true
		case bytecode.OpLookupswitch:
			b.body(2).slot(SlotCount).body(2).slot(SlotBranch).body(9)
			return true
		case bytecode.OpIreturn, bytecode.OpAreturn, bytecode.OpReturn:
			b.body(5)
			return true
		case bytecode.OpAthrow:
			b.body(1).runtimeCall(RuntimeThrow, false)
			return true
		case bytecode.OpMonitorenter:
			b.body(2).runtimeCall(RuntimeMonitorEnter, false)
			return true
		case bytecode.OpMonitorexit:
			b.body(2).runtimeCall(RuntimeMonitorExit, false)
			return true
		}
	}

	return b.buildSymbolic(op, sel)
}

// buildSymbolic builds the templates of the instructions referencing a constant pool entry. NoAssumption variants
// receive a resolution guard in a literal slot and call the runtime to resolve the symbol.
func (b *templateBuilder) buildSymbolic(op bytecode.Opcode, sel Selector) bool {
	switch op {
	case bytecode.OpLdc:
		switch sel {
		case Resolved:
			b.body(3).slot(SlotLiteral)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveClass, true)
		default:
			return false
		}
	case bytecode.OpGetfield, bytecode.OpPutfield:
		switch sel {
		case Resolved:
			b.body(3).slot(SlotFieldOffset).body(1)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveField, false).body(4)
		default:
			return false
		}
	case bytecode.OpGetstatic, bytecode.OpPutstatic:
		switch sel {
		case Initialized:
			b.body(3).slot(SlotLiteral).body(3).slot(SlotFieldOffset).body(1)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveStaticField, true).body(4)
		default:
			return false
		}
	case bytecode.OpNew:
		switch sel {
		case Initialized:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeAllocate, true)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveAndAllocate, true)
		default:
			return false
		}
	case bytecode.OpCheckcast, bytecode.OpInstanceof:
		callee := RuntimeCheckcast
		if op == bytecode.OpInstanceof {
			callee = RuntimeInstanceof
		}
		switch sel {
		case Resolved:
			b.body(3).slot(SlotLiteral).body(4).runtimeCall(callee, false)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveClass, true).body(2).runtimeCall(callee, false)
		default:
			return false
		}
	case bytecode.OpInvokestatic, bytecode.OpInvokespecial:
		resolver := RuntimeResolveStaticMethod
		if op == bytecode.OpInvokespecial {
			resolver = RuntimeResolveSpecialMethod
		}
		switch sel {
		case Resolved:
			b.body(2).boundCall().body(2)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(resolver, false).body(3).indirectCall().body(2)
		default:
			return false
		}
	case bytecode.OpInvokevirtual:
		switch sel {
		case Resolved:
			b.body(4).slot(SlotVTableIndex).body(3).indirectCall().body(2)
		case Instrumented:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeProfileReceiver, false).
				body(4).slot(SlotVTableIndex).body(3).indirectCall().body(2)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveVirtualMethod, false).body(3).indirectCall().body(2)
		default:
			return false
		}
	case bytecode.OpInvokeinterface:
		switch sel {
		case Resolved:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeSelectInterfaceMethod, false).body(3).indirectCall().body(2)
		case Instrumented:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeProfileReceiver, false).
				body(3).runtimeCall(RuntimeSelectInterfaceMethod, false).body(3).indirectCall().body(2)
		case NoAssumption:
			b.body(3).slot(SlotLiteral).runtimeCall(RuntimeResolveInterface, false).body(3).indirectCall().body(2)
		default:
			return false
		}
	default:
		return false
	}
	return true
}
