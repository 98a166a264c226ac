package stops

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrRegisterMapTooWide = errors.New("register map too wide")
	ErrSlotOutOfFrame     = errors.New("reference slot outside of the frame map")
)

const (
	DEFAULT_LEDGER_CAPACITY = 16
)

// EmbeddedStops is implemented by code templates: the positions of the returned stops
// are relative to the start of the template.
type EmbeddedStops interface {
	EmbeddedStops() []Stop
}

// A Ledger accumulates the stops of a method during its translation.
type Ledger struct {
	stops []Stop
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DEFAULT_LEDGER_CAPACITY
	}
	return &Ledger{stops: make([]Stop, 0, capacity)}
}

func (l *Ledger) Add(stop Stop) {
	l.stops = append(l.stops, stop)
}

// CallSite describes the invocation performed by a template emitted for an invoke instruction.
type CallSite struct {
	Callee      Callee
	ResultIsRef bool
}

// AddTemplate records the stops of a template emitted at codeOffset. The calls of the template that have
// BindCallSite set are bound to site. It returns the number of recorded stops.
func (l *Ledger) AddTemplate(t EmbeddedStops, codeOffset int, bytecodePos int, site CallSite) int {
	embedded := t.EmbeddedStops()
	for _, stop := range embedded {
		stop.Pos += codeOffset
		stop.BytecodePos = bytecodePos
		if stop.BindCallSite {
			if stop.Kind == DirectCall {
				stop.Callee = site.Callee
			}
			stop.ResultIsRef = site.ResultIsRef
			stop.BindCallSite = false
		}
		l.Add(stop)
	}
	return len(embedded)
}

func (l *Ledger) Len() int {
	return len(l.stops)
}

// Stops returns the recorded stops in discovery order, the slice should not be modified.
func (l *Ledger) Stops() []Stop {
	return l.stops
}

// Pack partitions the stops into three zones (direct calls, indirect calls, safepoints) preserving the
// discovery order inside each zone, and writes the reference bits the stops know about: the template
// work area slots and the safepoint registers.
func (l *Ledger) Pack(frameMapWidth, registerMapWidth, firstTemplateSlot int) *Table {
	if registerMapWidth > 32 || registerMapWidth < 0 {
		panic(fmt.Errorf("%w: %d bits", ErrRegisterMapTooWide, registerMapWidth))
	}

	var zones [KIND_COUNT][]Stop
	for _, stop := range l.stops {
		zones[stop.Kind] = append(zones[stop.Kind], stop)
	}

	numDirect := len(zones[DirectCall])
	numIndirect := len(zones[IndirectCall])
	numSafepoints := len(zones[Safepoint])
	total := numDirect + numIndirect + numSafepoints

	table := &Table{
		NumDirect:         numDirect,
		NumIndirect:       numIndirect,
		NumSafepoints:     numSafepoints,
		CodePositions:     make([]int, 0, total),
		BytecodePositions: make([]int, 0, total),
		CallSizes:         make([]int, 0, numDirect+numIndirect),
		Callees:           make([]Callee, 0, numDirect),
		RuntimeCalls:      bitset.New(uint(numDirect)),
		ResultIsRef:       bitset.New(uint(numDirect + numIndirect)),
		FrameMapWidth:     frameMapWidth,
		RegisterMapWidth:  registerMapWidth,
	}
	table.RefMaps = bitset.New(uint(table.RefMapSize()))

	index := 0
	for _, zone := range zones {
		for _, stop := range zone {
			table.CodePositions = append(table.CodePositions, stop.Pos)
			table.BytecodePositions = append(table.BytecodePositions, stop.BytecodePos)

			if stop.IsCall() {
				table.CallSizes = append(table.CallSizes, stop.CallSize)
				if stop.ResultIsRef {
					table.ResultIsRef.Set(uint(index))
				}
			}
			if stop.Kind == DirectCall {
				table.Callees = append(table.Callees, stop.Callee)
				if stop.RuntimeCall {
					table.RuntimeCalls.Set(uint(index))
				}
			}

			stopIndex := index
			stop.writeFrameBits(func(slot int) {
				if slot < 0 || slot >= frameMapWidth {
					panic(fmt.Errorf("%w: slot %d of %s, width is %d", ErrSlotOutOfFrame, slot, stop, frameMapWidth))
				}
				table.SetFrameSlot(stopIndex, slot)
			}, firstTemplateSlot)

			stop.writeRegisterBits(func(reg int) {
				if reg >= registerMapWidth {
					panic(fmt.Errorf("%w: register %d of %s, width is %d", ErrRegisterMapTooWide, reg, stop, registerMapWidth))
				}
				table.RefMaps.Set(uint(table.registerMapStart(stopIndex) + reg))
			})
			index++
		}
	}

	return table
}
