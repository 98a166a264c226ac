package memds

import (
	"github.com/bits-and-blooms/bitset"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

func (g *DirectedGraph[NodeData, EdgeData]) HasCycle() bool {
	adapter := &simpleDirectedGraphAdapter[NodeData, EdgeData]{graph: g}

	cycles := topo.DirectedCyclesIn(adapter)
	return len(cycles) > 0
}

// TopologicalOrder returns the node ids sorted so that every edge goes from an earlier node to a later one.
// The boolean result is false if the graph has a cycle (self edges included).
func (g *DirectedGraph[NodeData, EdgeData]) TopologicalOrder() ([]NodeId, bool) {
	for id := range g.nodes {
		if g.HasEdgeFromTo(id, id) {
			return nil, false
		}
	}

	adapter := &simpleDirectedGraphAdapter[NodeData, EdgeData]{graph: g}

	sorted, err := topo.Sort(adapter)
	if err != nil {
		return nil, false
	}

	ids := make([]NodeId, len(sorted))
	for i, node := range sorted {
		ids[i] = NodeId(node.ID())
	}
	return ids, true
}

// ReachableFrom returns the set of the nodes reachable from root, root included.
func (g *DirectedGraph[NodeData, EdgeData]) ReachableFrom(root NodeId) *bitset.BitSet {
	reachable := bitset.New(uint(g.currId + 1))
	if _, ok := g.nodes[root]; !ok {
		return reachable
	}

	adapter := &simpleDirectedGraphAdapter[NodeData, EdgeData]{graph: g}

	dfs := traverse.DepthFirst{
		Visit: func(n graph.Node) {
			reachable.Set(uint(n.ID()))
		},
	}
	dfs.Walk(adapter, simpleNodeAdapter{id: root}, nil)
	return reachable
}
