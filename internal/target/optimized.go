package target

import (
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
)

// An OptimizedStop is a stop of optimized code and the frame descriptor of the program point of the stop.
type OptimizedStop struct {
	stops.Stop
	Descriptor *FrameDescriptor
}

// NewOptimizedMethod builds the record of a method compiled by the optimizing compiler. Optimized frames
// have no reference maps: the collector finds their references in the frame descriptors.
func NewOptimizedMethod(method *bytecode.Method, platform Platform, code []byte, optimizedStops []OptimizedStop) (*CompiledMethod, error) {
	ledger := stops.NewLedger(len(optimizedStops))

	var zoneCounts [stops.KIND_COUNT]int
	descriptorsByZone := map[stops.Kind]map[int]*FrameDescriptor{}

	for _, s := range optimizedStops {
		ledger.Add(s.Stop)
		if s.Descriptor != nil {
			if descriptorsByZone[s.Kind] == nil {
				descriptorsByZone[s.Kind] = map[int]*FrameDescriptor{}
			}
			descriptorsByZone[s.Kind][zoneCounts[s.Kind]] = s.Descriptor
		}
		zoneCounts[s.Kind]++
	}

	compiled := NewCompiledMethod(method, KindOptimized, platform)
	compiled.Code = code
	compiled.Stops = ledger.Pack(0, platform.CalleeSavedRegisters, 0)
	compiled.PositionIndex = stops.BuildPositionIndex(compiled.Stops)
	compiled.Descriptors = map[int]*FrameDescriptor{}

	//the ledger packs the stops by zone, preserving their order inside each zone.
	zoneStart := map[stops.Kind]int{
		stops.DirectCall:   0,
		stops.IndirectCall: zoneCounts[stops.DirectCall],
		stops.Safepoint:    zoneCounts[stops.DirectCall] + zoneCounts[stops.IndirectCall],
	}
	for kind, descriptors := range descriptorsByZone {
		for indexInZone, desc := range descriptors {
			compiled.Descriptors[zoneStart[kind]+indexInZone] = desc
		}
	}

	compiled.BytecodeToCode = make([]int, len(method.Code)+1)
	for i := range compiled.BytecodeToCode {
		compiled.BytecodeToCode[i] = -1
	}
	compiled.BytecodeToCode[len(method.Code)] = len(code)

	if err := compiled.Validate(); err != nil {
		return nil, fmt.Errorf("optimized method: %w", err)
	}
	return compiled, nil
}
