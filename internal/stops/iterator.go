package stops

import "fmt"

const (
	// End is returned by Iterator.BytecodePosition when the iteration is over.
	End = -1
)

// An Iterator traverses a PositionIndex forward. An iterator has no synchronization,
// each reader should use its own copy.
type Iterator struct {
	index PositionIndex

	//index of the current position entry, len(index) at the end.
	positionIndex int

	//index of the next entry returned by NextStopIndex.
	cursor int

	//last entry returned by NextStopIndex.
	last uint32
}

func newIterator(index PositionIndex) Iterator {
	it := Iterator{index: index}
	it.Reset()
	return it
}

// Reset moves the iterator to the first position.
func (it *Iterator) Reset() {
	it.positionIndex = 0
	it.cursor = 1
	it.last = 0
	if len(it.index) > 0 && it.index[0]&PositionTag == 0 {
		panic(fmt.Errorf("%w: first entry is not a position", ErrMalformedIndex))
	}
}

// BytecodePosition returns the current bytecode position or End.
func (it *Iterator) BytecodePosition() int {
	if it.positionIndex >= len(it.index) {
		return End
	}
	return int(it.index[it.positionIndex] & INDEX_VALUE_MASK)
}

// Next moves to the next bytecode position.
func (it *Iterator) Next() {
	i := it.positionIndex + 1
	for i < len(it.index) && it.index[i]&PositionTag == 0 {
		i++
	}
	it.positionIndex = i
	it.cursor = i + 1
	it.last = 0
}

// Seek moves forward to bci, it returns false if bci is not indexed. If bci is not indexed the
// iterator stops at the first greater position.
func (it *Iterator) Seek(bci int) bool {
	for {
		current := it.BytecodePosition()
		if current == End || current > bci {
			return false
		}
		if current == bci {
			it.cursor = it.positionIndex + 1
			return true
		}
		it.Next()
	}
}

// NextStopIndex returns the next stop index of the current position, or -1 if there are no more stops.
// If reset is true the iteration restarts from the first stop of the position.
func (it *Iterator) NextStopIndex(reset bool) int {
	if it.positionIndex >= len(it.index) {
		it.last = 0
		return -1
	}
	if reset {
		it.cursor = it.positionIndex + 1
	}
	if it.cursor >= len(it.index) || it.index[it.cursor]&PositionTag != 0 {
		it.last = 0
		return -1
	}
	it.last = it.index[it.cursor]
	it.cursor++
	return int(it.last & INDEX_VALUE_MASK)
}

// IsDirectRuntimeCall reports whether the stop last returned by NextStopIndex is a direct call into runtime support code.
func (it *Iterator) IsDirectRuntimeCall() bool {
	return it.last&RuntimeCallTag != 0
}
