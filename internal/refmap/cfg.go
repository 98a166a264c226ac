package refmap

import (
	"fmt"
	"sort"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/memds"
)

type edgeKind uint8

const (
	fallThroughEdge edgeKind = iota
	branchEdge
	handlerEdge
)

type basicBlock struct {
	start, end   int //[start, end)
	instructions []bytecode.Instruction
}

type cfg struct {
	graph        *memds.DirectedGraph[basicBlock, edgeKind]
	entry        memds.NodeId
	blockByStart map[int]memds.NodeId
	starts       []int
}

// buildCFG splits the instructions into the blocks of the set and links them. Exception handler starts are
// block starts even if the set does not contain them.
func buildCFG(m *bytecode.Method, instructions []bytecode.Instruction, blocks *BlockSet) (*cfg, error) {
	allBlocks := blocks.Copy()
	for _, h := range m.Handlers {
		allBlocks.Add(h.Handler)
	}

	g := &cfg{
		graph:        memds.NewDirectedGraph[basicBlock, edgeKind](),
		blockByStart: map[int]memds.NodeId{},
		starts:       allBlocks.Starts(),
	}

	//split
	current := -1
	var currentBlock basicBlock
	flush := func(end int) {
		if current >= 0 {
			currentBlock.end = end
			g.blockByStart[currentBlock.start] = g.graph.AddNode(currentBlock)
		}
	}

	for _, ins := range instructions {
		if allBlocks.Contains(ins.Pos) || current < 0 {
			flush(ins.Pos)
			current = ins.Pos
			currentBlock = basicBlock{start: ins.Pos}
		}
		currentBlock.instructions = append(currentBlock.instructions, ins)
	}
	flush(len(m.Code))

	entry, ok := g.blockByStart[0]
	if !ok {
		return nil, fmt.Errorf("no block starts at 0")
	}
	g.entry = entry

	//link
	for _, id := range g.graph.NodeIds() {
		block, _ := g.graph.NodeData(id)
		last := block.instructions[len(block.instructions)-1]

		for _, target := range last.BranchTargets() {
			if err := g.link(id, target, branchEdge); err != nil {
				return nil, err
			}
		}
		if last.Op.FallsThrough() && last.NextPos() < len(m.Code) {
			if err := g.link(id, last.NextPos(), fallThroughEdge); err != nil {
				return nil, err
			}
		}

		for _, h := range m.Handlers {
			if h.Start < block.end && block.start < h.End {
				if err := g.link(id, h.Handler, handlerEdge); err != nil {
					return nil, err
				}
			}
		}
	}

	return g, nil
}

func (g *cfg) link(from memds.NodeId, targetPos int, kind edgeKind) error {
	to, ok := g.blockByStart[targetPos]
	if !ok {
		return fmt.Errorf("%w: control flows to %d which is not a block start", ErrInconsistentInputs, targetPos)
	}
	if !g.graph.HasEdgeFromTo(from, to) {
		g.graph.SetEdge(from, to, kind)
	}
	return nil
}

func (g *cfg) block(id memds.NodeId) basicBlock {
	block, _ := g.graph.NodeData(id)
	return block
}

// blockAt returns the block containing pos.
func (g *cfg) blockAt(pos int) (memds.NodeId, bool) {
	i := sort.Search(len(g.starts), func(i int) bool { return g.starts[i] > pos }) - 1
	if i < 0 {
		return 0, false
	}
	id, ok := g.blockByStart[g.starts[i]]
	return id, ok
}

// visitOrder returns the reachable blocks in topological order if the graph is acyclic.
func (g *cfg) visitOrder() ([]memds.NodeId, bool) {
	order, ok := g.graph.TopologicalOrder()
	if !ok {
		return nil, false
	}
	reachable := g.graph.ReachableFrom(g.entry)

	var visited []memds.NodeId
	for _, id := range order {
		if reachable.Test(uint(id)) {
			visited = append(visited, id)
		}
	}
	return visited, true
}
