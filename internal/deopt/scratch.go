package deopt

import "github.com/bits-and-blooms/bitset"

const (
	DEFAULT_SCRATCH_CAPACITY = 32
)

// scratch holds the values read from an optimized frame before the frames replacing it are written:
// the new frames may overlap the memory of the optimized frame.
type scratch struct {
	words []Word
	refs  *bitset.BitSet
}

func newScratch(capacity int) *scratch {
	if capacity <= 0 {
		capacity = DEFAULT_SCRATCH_CAPACITY
	}
	return &scratch{
		words: make([]Word, 0, capacity),
		refs:  bitset.New(uint(capacity)),
	}
}

func (s *scratch) reset() {
	s.words = s.words[:0]
	s.refs.ClearAll()
}

// push appends a value and returns its index.
func (s *scratch) push(value Word, isRef bool) int {
	index := len(s.words)
	s.words = append(s.words, value)
	s.refs.SetTo(uint(index), isRef)
	return index
}

func (s *scratch) at(index int) (Word, bool) {
	return s.words[index], s.refs.Test(uint(index))
}

func (s *scratch) len() int {
	return len(s.words)
}
