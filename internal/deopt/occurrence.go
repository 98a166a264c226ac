package deopt

import (
	"fmt"

	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
)

// An Occurrence tells how a trap was reached and whether a reference is live in the return register.
type Occurrence uint8

const (
	// Error is the occurrence of traps that are not at a trap site of the method.
	Error Occurrence = iota
	// None: execution returned from a call whose result is not a reference.
	None
	// Return: execution returned from a call whose result is a reference.
	Return
	// Safepoint: execution reached a safepoint poll.
	Safepoint
)

func (o Occurrence) String() string {
	switch o {
	case Error:
		return "error"
	case None:
		return "none"
	case Return:
		return "return"
	case Safepoint:
		return "safepoint"
	}
	return fmt.Sprintf("occurrence(%d)", o)
}

func (o Occurrence) IsCall() bool {
	return o == None || o == Return
}

// Classify finds the stop of an optimized method whose trap site is at trapPos. The zones of the stops table
// are searched in order: the trap of a call is right after the call instruction, the trap of a safepoint
// replaces the poll. JIT methods have no trap sites. The stop index is -1 when the occurrence is Error.
func Classify(m *target.CompiledMethod, trapPos int) (Occurrence, int) {
	table := m.Stops
	if table == nil || m.Kind == target.KindJIT {
		return Error, -1
	}

	for i := 0; i < table.NumCalls(); i++ {
		if table.ReturnPosition(i) == trapPos {
			if table.ResultIsRefAt(i) {
				return Return, i
			}
			return None, i
		}
	}

	for i := table.FirstSafepoint(); i < table.Len(); i++ {
		if table.CodePositions[i] == trapPos {
			return Safepoint, i
		}
	}

	return Error, -1
}

// trapSite returns the code position of the trap of stop i.
func trapSite(table *stops.Table, i int) int {
	if i < table.NumCalls() {
		return table.ReturnPosition(i)
	}
	return table.CodePositions[i]
}
