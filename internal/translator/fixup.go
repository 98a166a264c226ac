package translator

import (
	"fmt"
	"reflect"
)

type fixupKind uint8

const (
	JCC fixupKind = iota + 1
	JMP
	JumpTableEntry
	LookupTableEntry
	LiteralRef
)

func (k fixupKind) String() string {
	switch k {
	case JCC:
		return "jcc"
	case JMP:
		return "jmp"
	case JumpTableEntry:
		return "jump-table-entry"
	case LookupTableEntry:
		return "lookup-table-entry"
	case LiteralRef:
		return "literal-ref"
	}
	return fmt.Sprintf("fixup(%d)", k)
}

// A fixup is a 4-byte displacement patched once the whole method is emitted.
type fixup struct {
	kind fixupKind
	pos  int

	// base of the displacement: the end of the slot for branches and literals, the start of the
	// table for table entries.
	base int

	targetBCI int //branches and table entries
	literal   int
}

func (t *translator) addBranch(kind fixupKind, slotPos int, targetBCI int) {
	f := fixup{kind: kind, pos: slotPos, base: slotPos + 4, targetBCI: targetBCI}
	if t.bciToPos[targetBCI] >= 0 {
		//backward branch: the target is already emitted.
		t.applyFixup(f)
		return
	}
	t.fixups = append(t.fixups, f)
}

func (t *translator) addTableEntry(kind fixupKind, entryPos int, tableBase int, targetBCI int) {
	t.fixups = append(t.fixups, fixup{kind: kind, pos: entryPos, base: tableBase, targetBCI: targetBCI})
}

func (t *translator) addLiteralRef(slotPos int, literal int) {
	t.fixups = append(t.fixups, fixup{kind: LiteralRef, pos: slotPos, base: slotPos + 4, literal: literal})
}

func (t *translator) applyFixups() error {
	for _, f := range t.fixups {
		if f.kind != LiteralRef && t.bciToPos[f.targetBCI] < 0 {
			return fmt.Errorf("%s fixup at %d targets %d which has no code", f.kind, f.pos, f.targetBCI)
		}
		t.applyFixup(f)
	}
	t.fixups = nil
	return nil
}

func (t *translator) applyFixup(f fixup) {
	var displacement int

	switch f.kind {
	case JCC, JMP, JumpTableEntry, LookupTableEntry:
		displacement = t.bciToPos[f.targetBCI] - f.base
	case LiteralRef:
		displacement = t.literals.displacement(f.literal, t.opts.Platform.WordSize) - f.base
	}

	t.buf.PatchInt32(f.pos, int32(displacement))
}

// literalPool is the pool of reference literals, it is placed right before the code:
// the last literal is at -wordSize.
type literalPool struct {
	values  []any
	indices map[any]int
}

func (p *literalPool) add(v any) int {
	comparable := v != nil && reflect.TypeOf(v).Comparable()
	if comparable {
		if index, ok := p.indices[v]; ok {
			return index
		}
	}

	p.values = append(p.values, v)
	index := len(p.values) - 1

	if comparable {
		if p.indices == nil {
			p.indices = map[any]int{}
		}
		p.indices[v] = index
	}
	return index
}

// displacement returns the position of a literal relative to the start of the code.
func (p *literalPool) displacement(index int, wordSize int) int {
	return -(len(p.values) - index) * wordSize
}
