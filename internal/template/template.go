package template

import (
	"errors"
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
)

var (
	ErrInvalidTemplate = errors.New("invalid template")
)

// Selector selects the specialization of the template of an instruction.
type Selector uint8

const (
	// NoAssumption templates make no assumption about the resolution state of the symbol referenced by the
	// instruction, they call the runtime to resolve it. Instructions without symbol only have this variant.
	NoAssumption Selector = iota
	Resolved
	Initialized
	Instrumented

	SELECTOR_COUNT = 4
)

var selectorNames = [SELECTOR_COUNT]string{"no-assumption", "resolved", "initialized", "instrumented"}

func (s Selector) String() string {
	if int(s) < len(selectorNames) {
		return selectorNames[s]
	}
	return fmt.Sprintf("selector(%d)", s)
}

func ParseSelector(s string) (Selector, error) {
	for i, name := range selectorNames {
		if name == s {
			return Selector(i), nil
		}
	}
	return 0, fmt.Errorf("unknown selector %q", s)
}

// Pseudo instructions, they do not appear in bytecode but have templates.
const (
	OpPrologue bytecode.Opcode = 0xe0 + iota
	OpLoadException
	OpLock
	OpUnlock
	OpSafepoint
	OpRethrow
)

var pseudoOpcodeNames = map[bytecode.Opcode]string{
	OpPrologue:      "prologue",
	OpLoadException: "load_exception",
	OpLock:          "lock",
	OpUnlock:        "unlock",
	OpSafepoint:     "safepoint",
	OpRethrow:       "rethrow",
}

func OpcodeName(op bytecode.Opcode) string {
	if name, ok := pseudoOpcodeNames[op]; ok {
		return name
	}
	return op.String()
}

func ParseOpcode(name string) (bytecode.Opcode, bool) {
	for op, pseudoName := range pseudoOpcodeNames {
		if pseudoName == name {
			return op, true
		}
	}
	return bytecode.OpcodeByName(name)
}

// Tag is the key of a template in a catalog.
type Tag struct {
	Op       bytecode.Opcode
	Selector Selector
}

func (t Tag) String() string {
	return OpcodeName(t.Op) + "/" + t.Selector.String()
}

type SlotKind uint8

const (
	SlotImmediate SlotKind = iota
	SlotLocal
	SlotFieldOffset
	SlotVTableIndex
	SlotLiteral
	SlotBranch
	SlotFrameSize
	SlotCount
)

var slotKindNames = [...]string{
	SlotImmediate:   "immediate",
	SlotLocal:       "local",
	SlotFieldOffset: "field-offset",
	SlotVTableIndex: "vtable-index",
	SlotLiteral:     "literal",
	SlotBranch:      "branch",
	SlotFrameSize:   "frame-size",
	SlotCount:       "count",
}

func (k SlotKind) String() string {
	if int(k) < len(slotKindNames) {
		return slotKindNames[k]
	}
	return fmt.Sprintf("slot(%d)", k)
}

func ParseSlotKind(s string) (SlotKind, error) {
	for i, name := range slotKindNames {
		if name == s {
			return SlotKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown slot kind %q", s)
}

// A Slot is a 4-byte little-endian field of a template patched at emission.
// Branch and literal slots hold displacements relative to the end of the slot.
type Slot struct {
	Kind   SlotKind
	Offset int
}

const SLOT_SIZE = 4

// A Template is a pre-measured block of machine code. It is immutable and shared by translations.
type Template struct {
	Tag   Tag
	Code  []byte
	Slots []Slot
	Stops []stops.Stop //positions are relative to the start of the template
}

func (t *Template) EmbeddedStops() []stops.Stop {
	return t.Stops
}

func (t *Template) Size() int {
	return len(t.Code)
}

// Slot returns the first slot of the given kind.
func (t *Template) Slot(kind SlotKind) (Slot, bool) {
	for _, s := range t.Slots {
		if s.Kind == kind {
			return s, true
		}
	}
	return Slot{}, false
}

// SlotsOf returns the slots of the given kind in ascending offset order.
func (t *Template) SlotsOf(kind SlotKind) []Slot {
	var slots []Slot
	for _, s := range t.Slots {
		if s.Kind == kind {
			slots = append(slots, s)
		}
	}
	return slots
}

func (t *Template) Validate() error {
	for _, s := range t.Slots {
		if s.Offset < 0 || s.Offset+SLOT_SIZE > len(t.Code) {
			return fmt.Errorf("%w: %s: %s slot at %d is outside of the code", ErrInvalidTemplate, t.Tag, s.Kind, s.Offset)
		}
	}
	for _, stop := range t.Stops {
		end := stop.Pos + stop.CallSize
		if stop.Pos < 0 || end > len(t.Code) {
			return fmt.Errorf("%w: %s: stop at %d is outside of the code", ErrInvalidTemplate, t.Tag, stop.Pos)
		}
		if stop.IsCall() && stop.CallSize <= 0 {
			return fmt.Errorf("%w: %s: call at %d has no size", ErrInvalidTemplate, t.Tag, stop.Pos)
		}
	}
	return nil
}

// Catalog provides the templates of the instructions. Implementations are safe for concurrent use.
type Catalog interface {
	Lookup(op bytecode.Opcode, selector Selector) (*Template, bool)
}
