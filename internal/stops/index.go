package stops

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

var (
	ErrMalformedIndex = errors.New("malformed position index")
	ErrEmptyPosition  = errors.New("bytecode position without stops")
)

const (
	// PositionTag marks the entries of a PositionIndex that are bytecode positions.
	PositionTag uint32 = 1 << 31
	// RuntimeCallTag marks the stop indices of direct calls into runtime support code.
	RuntimeCallTag uint32 = 1 << 30

	INDEX_VALUE_MASK = RuntimeCallTag - 1
	MAX_INDEX_VALUE  = int(INDEX_VALUE_MASK)
)

// A PositionIndex maps bytecode positions to the indices of their stops. It is an ascending sequence of
// entries: a tagged bytecode position followed by the indices of its stops, followed by the next position, etc.
// Every position has at least one stop.
type PositionIndex []uint32

// IndexedStop is a stop index as stored in a PositionIndex.
type IndexedStop struct {
	Index       int
	RuntimeCall bool
}

// EncodePositionIndex encodes a mapping from bytecode positions to stops.
func EncodePositionIndex(mapping map[int][]IndexedStop) (PositionIndex, error) {
	positions := maps.Keys(mapping)
	slices.Sort(positions)

	var index PositionIndex

	for _, pos := range positions {
		stopsOfPos := slices.Clone(mapping[pos])
		if len(stopsOfPos) == 0 {
			return nil, fmt.Errorf("%w: %d", ErrEmptyPosition, pos)
		}
		if pos < 0 || pos > MAX_INDEX_VALUE {
			return nil, fmt.Errorf("%w: position %d cannot be encoded", ErrMalformedIndex, pos)
		}
		slices.SortFunc(stopsOfPos, func(a, b IndexedStop) int {
			return a.Index - b.Index
		})

		index = append(index, PositionTag|uint32(pos))
		for _, stop := range stopsOfPos {
			if stop.Index < 0 || stop.Index > MAX_INDEX_VALUE {
				return nil, fmt.Errorf("%w: stop index %d cannot be encoded", ErrMalformedIndex, stop.Index)
			}
			entry := uint32(stop.Index)
			if stop.RuntimeCall {
				entry |= RuntimeCallTag
			}
			index = append(index, entry)
		}
	}

	return index, nil
}

// BuildPositionIndex builds the index of the stops of a table, the stops emitted
// outside of the bytecode instructions are not indexed.
func BuildPositionIndex(table *Table) PositionIndex {
	mapping := map[int][]IndexedStop{}

	for i, bci := range table.BytecodePositions {
		if bci < 0 {
			continue
		}
		mapping[bci] = append(mapping[bci], IndexedStop{Index: i, RuntimeCall: table.IsRuntimeCall(i)})
	}

	index, err := EncodePositionIndex(mapping)
	if err != nil {
		panic(err)
	}
	return index
}

// NewPositionIndex validates an encoded index.
func NewPositionIndex(raw []uint32) (PositionIndex, error) {
	previousPos := -1
	stopsOfPos := 0

	for i, entry := range raw {
		if entry&PositionTag != 0 {
			if entry&RuntimeCallTag != 0 {
				return nil, fmt.Errorf("%w: entry %d has both tags", ErrMalformedIndex, i)
			}
			pos := int(entry & INDEX_VALUE_MASK)
			if previousPos >= 0 && stopsOfPos == 0 {
				return nil, fmt.Errorf("%w: %d", ErrEmptyPosition, previousPos)
			}
			if pos <= previousPos {
				return nil, fmt.Errorf("%w: position %d follows position %d", ErrMalformedIndex, pos, previousPos)
			}
			previousPos = pos
			stopsOfPos = 0
			continue
		}

		if previousPos < 0 {
			return nil, fmt.Errorf("%w: stop index before the first position", ErrMalformedIndex)
		}
		stopsOfPos++
	}

	if previousPos >= 0 && stopsOfPos == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyPosition, previousPos)
	}

	return PositionIndex(raw), nil
}

func (idx PositionIndex) Iterator() Iterator {
	return newIterator(idx)
}

// Positions returns the indexed bytecode positions, in ascending order.
func (idx PositionIndex) Positions() []int {
	var positions []int
	for _, entry := range idx {
		if entry&PositionTag != 0 {
			positions = append(positions, int(entry&INDEX_VALUE_MASK))
		}
	}
	return positions
}

// StopsAt returns the indices of the stops of a bytecode position.
func (idx PositionIndex) StopsAt(bci int) []int {
	it := idx.Iterator()
	if !it.Seek(bci) {
		return nil
	}
	var indices []int
	for stopIndex := it.NextStopIndex(true); stopIndex >= 0; stopIndex = it.NextStopIndex(false) {
		indices = append(indices, stopIndex)
	}
	return indices
}

// MarshalBinary encodes the index as a sequence of little-endian 32-bit integers.
func (idx PositionIndex) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 4*len(idx))
	for _, entry := range idx {
		data = binary.LittleEndian.AppendUint32(data, entry)
	}
	return data, nil
}

func (idx *PositionIndex) UnmarshalBinary(data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedIndex, len(data))
	}
	raw := make([]uint32, len(data)/4)
	for i := range raw {
		raw[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	validated, err := NewPositionIndex(raw)
	if err != nil {
		return err
	}
	*idx = validated
	return nil
}
