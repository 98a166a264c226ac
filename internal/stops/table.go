package stops

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/inoxlang/tjit/internal/memds"
)

var (
	ErrInvalidTable = errors.New("invalid stops table")
)

// A Table is the immutable, packed form of the stops of a compiled method.
// Stop indices are grouped in three contiguous zones: [0, NumDirect) are direct calls,
// [NumDirect, NumDirect+NumIndirect) are indirect calls and the remaining ones are safepoints.
//
// The reference map blob contains one frame map of FrameMapWidth bits per stop, followed by one register
// map of RegisterMapWidth bits per safepoint.
type Table struct {
	NumDirect     int `json:"numDirect"`
	NumIndirect   int `json:"numIndirect"`
	NumSafepoints int `json:"numSafepoints"`

	CodePositions     []int `json:"codePositions"`
	BytecodePositions []int `json:"bytecodePositions"`

	//one entry per call
	CallSizes   []int          `json:"callSizes"`
	ResultIsRef *bitset.BitSet `json:"resultIsRef"`

	//one entry per direct call
	Callees      []Callee       `json:"callees"`
	RuntimeCalls *bitset.BitSet `json:"runtimeCalls"`

	RefMaps          *bitset.BitSet `json:"refMaps"`
	FrameMapWidth    int            `json:"frameMapWidth"`
	RegisterMapWidth int            `json:"registerMapWidth"`
}

func (t *Table) Len() int {
	return len(t.CodePositions)
}

func (t *Table) NumCalls() int {
	return t.NumDirect + t.NumIndirect
}

func (t *Table) FirstSafepoint() int {
	return t.NumDirect + t.NumIndirect
}

func (t *Table) KindAt(i int) Kind {
	switch {
	case i < t.NumDirect:
		return DirectCall
	case i < t.NumDirect+t.NumIndirect:
		return IndirectCall
	default:
		return Safepoint
	}
}

func (t *Table) IsRuntimeCall(i int) bool {
	return i < t.NumDirect && t.RuntimeCalls.Test(uint(i))
}

// CallSizeAt returns the size of the call instruction of a call stop.
func (t *Table) CallSizeAt(i int) int {
	return t.CallSizes[i]
}

// ReturnPosition returns the code position following the call instruction of a call stop.
func (t *Table) ReturnPosition(i int) int {
	return t.CodePositions[i] + t.CallSizes[i]
}

func (t *Table) ResultIsRefAt(i int) bool {
	return i < t.NumCalls() && t.ResultIsRef.Test(uint(i))
}

func (t *Table) CalleeAt(i int) Callee {
	if i >= t.NumDirect {
		return ""
	}
	return t.Callees[i]
}

// RefMapSize returns the size of the reference map blob in bits.
func (t *Table) RefMapSize() int {
	return (t.NumDirect+t.NumIndirect+t.NumSafepoints)*t.FrameMapWidth + t.NumSafepoints*t.RegisterMapWidth
}

func (t *Table) frameMapStart(i int) int {
	return i * t.FrameMapWidth
}

func (t *Table) registerMapStart(i int) int {
	return (t.NumDirect+t.NumIndirect+t.NumSafepoints)*t.FrameMapWidth + (i-t.FirstSafepoint())*t.RegisterMapWidth
}

func (t *Table) SetFrameSlot(i, slot int) {
	t.RefMaps.Set(uint(t.frameMapStart(i) + slot))
}

func (t *Table) IsFrameSlotSet(i, slot int) bool {
	return t.RefMaps.Test(uint(t.frameMapStart(i) + slot))
}

// FrameRefSlots returns the frame slots holding references at stop i, in ascending order.
func (t *Table) FrameRefSlots(i int) []int {
	var slots []int
	for slot := 0; slot < t.FrameMapWidth; slot++ {
		if t.IsFrameSlotSet(i, slot) {
			slots = append(slots, slot)
		}
	}
	return slots
}

// RegisterRefMap returns the register map of a safepoint, it is empty for calls.
func (t *Table) RegisterRefMap(i int) memds.BitSet32 {
	var registers memds.BitSet32
	if i < t.FirstSafepoint() {
		return registers
	}
	start := t.registerMapStart(i)
	for reg := 0; reg < t.RegisterMapWidth; reg++ {
		if t.RefMaps.Test(uint(start + reg)) {
			registers.Set(memds.Bit32Index(reg))
		}
	}
	return registers
}

// StopAt rebuilds the stop at index i.
func (t *Table) StopAt(i int) Stop {
	stop := Stop{
		Kind:        t.KindAt(i),
		Pos:         t.CodePositions[i],
		BytecodePos: t.BytecodePositions[i],
	}
	switch stop.Kind {
	case DirectCall:
		stop.Callee = t.Callees[i]
		stop.RuntimeCall = t.IsRuntimeCall(i)
		fallthrough
	case IndirectCall:
		stop.CallSize = t.CallSizes[i]
		stop.ResultIsRef = t.ResultIsRefAt(i)
	case Safepoint:
		stop.RegisterMap = t.RegisterRefMap(i)
	}
	return stop
}

// Validate checks the invariants of the table.
func (t *Table) Validate() error {
	total := t.NumDirect + t.NumIndirect + t.NumSafepoints
	if len(t.CodePositions) != total {
		return fmt.Errorf("%w: %d code positions for %d stops", ErrInvalidTable, len(t.CodePositions), total)
	}
	if len(t.BytecodePositions) != total {
		return fmt.Errorf("%w: %d bytecode positions for %d stops", ErrInvalidTable, len(t.BytecodePositions), total)
	}
	if len(t.CallSizes) != t.NumCalls() {
		return fmt.Errorf("%w: %d call sizes for %d calls", ErrInvalidTable, len(t.CallSizes), t.NumCalls())
	}
	if len(t.Callees) != t.NumDirect {
		return fmt.Errorf("%w: %d callees for %d direct calls", ErrInvalidTable, len(t.Callees), t.NumDirect)
	}
	if t.RefMaps == nil || int(t.RefMaps.Len()) < t.RefMapSize() {
		return fmt.Errorf("%w: reference map blob is smaller than %d bits", ErrInvalidTable, t.RefMapSize())
	}
	return nil
}
