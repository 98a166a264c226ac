package refmap

import (
	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/tidwall/btree"
)

// A BlockSet is the sorted set of the bytecode positions that begin a basic block.
type BlockSet struct {
	starts btree.Set[int]
}

func NewBlockSet(starts ...int) *BlockSet {
	set := &BlockSet{}
	for _, s := range starts {
		set.Add(s)
	}
	return set
}

// ComputeBlockSet returns the block starts of a decoded method: position 0, the targets of branches
// and switches and the successors of the instructions ending a block.
func ComputeBlockSet(instructions []bytecode.Instruction) *BlockSet {
	set := NewBlockSet(0)
	for _, ins := range instructions {
		for _, target := range ins.BranchTargets() {
			set.Add(target)
		}
		if ins.Op.EndsBlock() {
			set.Add(ins.NextPos())
		}
	}
	if len(instructions) > 0 {
		//the successor of the last instruction is not a block.
		set.Remove(instructions[len(instructions)-1].NextPos())
	}
	return set
}

func (s *BlockSet) Add(pos int) {
	s.starts.Insert(pos)
}

func (s *BlockSet) Remove(pos int) {
	s.starts.Delete(pos)
}

func (s *BlockSet) Contains(pos int) bool {
	return s.starts.Contains(pos)
}

func (s *BlockSet) Len() int {
	return s.starts.Len()
}

// Starts returns the block starts in ascending order.
func (s *BlockSet) Starts() []int {
	starts := make([]int, 0, s.starts.Len())
	s.starts.Scan(func(pos int) bool {
		starts = append(starts, pos)
		return true
	})
	return starts
}

// Copy returns an independent copy of the set.
func (s *BlockSet) Copy() *BlockSet {
	c := &BlockSet{}
	s.starts.Scan(func(pos int) bool {
		c.starts.Insert(pos)
		return true
	})
	return c
}
