package translator

import (
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/template"
)

// ResolutionGuard is the literal passed to the runtime by the templates resolving a symbol at run time.
type ResolutionGuard struct {
	PoolIndex int
	Symbol    string
}

// ProfileLiteral is the literal receiving the receiver profile of an instrumented call.
type ProfileLiteral struct {
	Method string
	BCI    int
}

func (t *translator) translateInstruction(ins bytecode.Instruction) error {
	bci := ins.Pos
	op := ins.Op

	t.bciToPos[bci] = t.buf.Position()

	if t.handlerStarts.Contains(bci) {
		t.blocks.Add(bci)
		if _, _, err := t.emit(template.OpLoadException, bci); err != nil {
			return err
		}
	}

	if op.EndsBlock() && ins.NextPos() < len(t.method.Code) {
		t.blocks.Add(ins.NextPos())
	}

	switch {
	case op.Is(bytecode.FlagBranch):
		return t.translateBranch(ins)
	case op.Is(bytecode.FlagSwitch):
		return t.translateSwitch(ins)
	case op.Is(bytecode.FlagReturn):
		return t.translateReturn(ins)
	case op.Is(bytecode.FlagInvoke):
		return t.translateInvoke(ins)
	}

	switch op {
	case bytecode.OpIconst:
		return t.emitIntConstant(bci, ins.Operand)
	case bytecode.OpIload, bytecode.OpAload, bytecode.OpIstore, bytecode.OpAstore:
		tmpl, start, err := t.emit(op, bci)
		if err != nil {
			return err
		}
		t.patch(tmpl, start, template.SlotLocal, t.layout.LocalSlot(ins.Operand))
		return nil
	case bytecode.OpNop, bytecode.OpAconstNull, bytecode.OpIadd, bytecode.OpIsub, bytecode.OpImul,
		bytecode.OpPop, bytecode.OpDup, bytecode.OpSwap, bytecode.OpAthrow,
		bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		_, _, err := t.emit(op, bci)
		return err
	case bytecode.OpLdc:
		return t.translateLdc(ins)
	case bytecode.OpGetfield, bytecode.OpPutfield, bytecode.OpGetstatic, bytecode.OpPutstatic:
		return t.translateFieldAccess(ins)
	case bytecode.OpNew, bytecode.OpCheckcast, bytecode.OpInstanceof:
		return t.translateClassInstruction(ins)
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedInstruction, ins)
}

func (t *translator) emitIntConstant(bci int, value int) error {
	tmpl, start, err := t.emit(bytecode.OpIconst, bci)
	if err != nil {
		return err
	}
	t.patch(tmpl, start, template.SlotImmediate, value)
	return nil
}

// resolve returns the binding of the symbol referenced by an instruction if it is resolvable without
// loading classes. Linkage failures are not errors: the caller falls back to a template resolving the
// symbol at run time.
func (t *translator) resolve(ins bytecode.Instruction) (bytecode.Symbol, bytecode.Binding, bool) {
	pool := t.method.Pool
	sym, err := pool.Symbol(ins.Operand)
	if err != nil {
		//checked before the translation.
		panic(err)
	}

	if !pool.IsResolvableWithoutLoading(ins.Operand) {
		return sym, bytecode.Binding{}, false
	}

	binding, ok := pool.Resolve(ins.Operand).Binding()
	if !ok {
		t.logger.Debug().Int("bci", ins.Pos).Str("symbol", sym.String()).Msg("symbol not resolved at translation")
		return sym, bytecode.Binding{}, false
	}
	return sym, binding, true
}

func (t *translator) guard(ins bytecode.Instruction, sym bytecode.Symbol) int {
	return t.literals.add(ResolutionGuard{PoolIndex: ins.Operand, Symbol: sym.String()})
}

// emitSpecialized emits the template of op specialized by selector. If the catalog has no such template the
// NoAssumption template is emitted, the returned selector is the one of the emitted template.
func (t *translator) emitSpecialized(op bytecode.Opcode, selector template.Selector, bci int, site stops.CallSite) (*template.Template, int, template.Selector, error) {
	tmpl, ok := t.catalog.Lookup(op, selector)
	if !ok {
		selector = template.NoAssumption
		var err error
		tmpl, err = t.lookup(op, selector)
		if err != nil {
			return nil, 0, 0, err
		}
	}
	return tmpl, t.emitTemplate(tmpl, bci, site), selector, nil
}

// patchLiterals makes the literal slots of a template emitted at start refer to literals. When the
// template has more literal slots than literals the last literal is used.
func (t *translator) patchLiterals(tmpl *template.Template, start int, literals ...int) {
	for i, slot := range tmpl.SlotsOf(template.SlotLiteral) {
		literal := literals[min(i, len(literals)-1)]
		t.addLiteralRef(start+slot.Offset, literal)
	}
}

func (t *translator) translateLdc(ins bytecode.Instruction) error {
	sym, binding, resolved := t.resolve(ins)

	if sym.Kind == bytecode.SymIntConstant {
		return t.emitIntConstant(ins.Pos, int(sym.IntValue))
	}

	selector := template.NoAssumption
	if resolved && binding.Literal != nil {
		selector = template.Resolved
	}

	tmpl, start, selector, err := t.emitSpecialized(ins.Op, selector, ins.Pos, stops.CallSite{})
	if err != nil {
		return err
	}
	if selector == template.Resolved {
		t.patchLiterals(tmpl, start, t.literals.add(binding.Literal))
	} else {
		t.patchLiterals(tmpl, start, t.guard(ins, sym))
	}
	return nil
}

func (t *translator) translateFieldAccess(ins bytecode.Instruction) error {
	sym, binding, resolved := t.resolve(ins)
	static := ins.Op == bytecode.OpGetstatic || ins.Op == bytecode.OpPutstatic

	selector := template.NoAssumption
	switch {
	case static && resolved && binding.HolderInitialized:
		selector = template.Initialized
	case !static && resolved:
		selector = template.Resolved
	}

	tmpl, start, selector, err := t.emitSpecialized(ins.Op, selector, ins.Pos, stops.CallSite{})
	if err != nil {
		return err
	}

	if selector == template.NoAssumption {
		t.patchLiterals(tmpl, start, t.guard(ins, sym))
		return nil
	}

	t.patch(tmpl, start, template.SlotFieldOffset, binding.FieldOffset)
	if static {
		t.patchLiterals(tmpl, start, t.literals.add(binding.Literal))
	}
	return nil
}

func (t *translator) translateClassInstruction(ins bytecode.Instruction) error {
	sym, binding, resolved := t.resolve(ins)

	selector := template.NoAssumption
	switch {
	case ins.Op == bytecode.OpNew && resolved && binding.HolderInitialized:
		selector = template.Initialized
	case ins.Op != bytecode.OpNew && resolved:
		selector = template.Resolved
	}

	tmpl, start, selector, err := t.emitSpecialized(ins.Op, selector, ins.Pos, stops.CallSite{})
	if err != nil {
		return err
	}

	if selector == template.NoAssumption {
		t.patchLiterals(tmpl, start, t.guard(ins, sym))
	} else {
		t.patchLiterals(tmpl, start, t.literals.add(binding.Literal))
	}
	return nil
}

func (t *translator) translateInvoke(ins bytecode.Instruction) error {
	sym, binding, resolved := t.resolve(ins)

	site := stops.CallSite{
		Callee:      stops.Callee(binding.Callee),
		ResultIsRef: sym.Signature.Result.IsRef(),
	}
	if site.Callee == "" {
		site.Callee = stops.Callee(sym.Holder + "." + sym.Name + sym.Signature.String())
	}

	selector := template.NoAssumption
	switch ins.Op {
	case bytecode.OpInvokestatic:
		if resolved && binding.HolderInitialized {
			selector = template.Resolved
		}
	case bytecode.OpInvokespecial:
		if resolved {
			selector = template.Resolved
		}
	case bytecode.OpInvokevirtual, bytecode.OpInvokeinterface:
		if resolved {
			selector = template.Resolved
			if t.opts.InstrumentCalls {
				selector = template.Instrumented
			}
		}
	}

	tmpl, start, selector, err := t.emitSpecialized(ins.Op, selector, ins.Pos, site)
	if err != nil {
		return err
	}

	switch selector {
	case template.NoAssumption:
		t.patchLiterals(tmpl, start, t.guard(ins, sym))
	case template.Instrumented:
		t.patchLiterals(tmpl, start, t.literals.add(ProfileLiteral{Method: t.method.String(), BCI: ins.Pos}))
		t.patch(tmpl, start, template.SlotVTableIndex, binding.VTableIndex)
	default:
		t.patch(tmpl, start, template.SlotVTableIndex, binding.VTableIndex)
		if len(tmpl.SlotsOf(template.SlotLiteral)) > 0 {
			literal := binding.Literal
			if literal == nil {
				literal = bytecode.ClassLiteral(sym.Holder)
			}
			t.patchLiterals(tmpl, start, t.literals.add(literal))
		}
	}
	return nil
}

func (t *translator) translateReturn(ins bytecode.Instruction) error {
	if t.method.Synchronized {
		if _, _, err := t.emit(template.OpUnlock, ins.Pos); err != nil {
			return err
		}
	}
	_, _, err := t.emit(ins.Op, ins.Pos)
	return err
}

// emitBackwardBranchSafepoint emits a safepoint poll before the instructions jumping backward so that
// loops can be interrupted.
func (t *translator) emitBackwardBranchSafepoint(ins bytecode.Instruction) error {
	for _, target := range ins.BranchTargets() {
		if target <= ins.Pos {
			_, _, err := t.emit(template.OpSafepoint, ins.Pos)
			return err
		}
	}
	return nil
}

func (t *translator) translateBranch(ins bytecode.Instruction) error {
	if err := t.emitBackwardBranchSafepoint(ins); err != nil {
		return err
	}
	t.blocks.Add(ins.Target)

	tmpl, start, err := t.emit(ins.Op, ins.Pos)
	if err != nil {
		return err
	}
	slot, ok := tmpl.Slot(template.SlotBranch)
	if !ok {
		return fmt.Errorf("%w: %s has no branch slot", ErrMissingSlot, tmpl.Tag)
	}

	kind := JMP
	if ins.Op.Is(bytecode.FlagConditional) {
		kind = JCC
	}
	t.addBranch(kind, start+slot.Offset, ins.Target)
	return nil
}

// translateSwitch emits the switch template followed by its table. Table entries are displacements
// relative to the start of the table, lookup tables interleave the keys and the displacements.
func (t *translator) translateSwitch(ins bytecode.Instruction) error {
	if err := t.emitBackwardBranchSafepoint(ins); err != nil {
		return err
	}
	for _, target := range ins.BranchTargets() {
		t.blocks.Add(target)
	}

	tmpl, start, err := t.emit(ins.Op, ins.Pos)
	if err != nil {
		return err
	}
	slot, ok := tmpl.Slot(template.SlotBranch)
	if !ok {
		return fmt.Errorf("%w: %s has no branch slot", ErrMissingSlot, tmpl.Tag)
	}
	t.addBranch(JMP, start+slot.Offset, ins.Default)
	t.patch(tmpl, start, template.SlotCount, len(ins.Targets))

	tableBase := t.buf.Position()

	if ins.Op == bytecode.OpTableswitch {
		t.patch(tmpl, start, template.SlotImmediate, int(ins.Low))
		for _, target := range ins.Targets {
			t.addTableEntry(JumpTableEntry, t.buf.Position(), tableBase, target)
			t.buf.EmitInt32(0)
		}
		return nil
	}

	for i, target := range ins.Targets {
		t.buf.EmitInt32(ins.Keys[i])
		t.addTableEntry(LookupTableEntry, t.buf.Position(), tableBase, target)
		t.buf.EmitInt32(0)
	}
	return nil
}
