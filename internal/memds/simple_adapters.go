package memds

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
)

var (
	_ graph.Directed = (*simpleDirectedGraphAdapter[int, int])(nil)
	_ graph.Node     = (*simpleNodeAdapter)(nil)
	_ graph.Edge     = (*simpleEdgeAdapter)(nil)
)

// simpleDirectedGraphAdapter exposes a DirectedGraph as a gonum graph.Directed.
type simpleDirectedGraphAdapter[NodeData, EdgeData any] struct {
	graph *DirectedGraph[NodeData, EdgeData]
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) Edge(uid int64, vid int64) graph.Edge {
	if !g.graph.HasEdgeFromTo(NodeId(uid), NodeId(vid)) {
		return nil
	}
	return &simpleEdgeAdapter{
		from: NodeId(uid),
		to:   NodeId(vid),
	}
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) From(id int64) graph.Nodes {
	nodeMap := map[int64]graph.Node{}

	for _, dest := range g.graph.DestinationIds(NodeId(id)) {
		nodeMap[int64(dest)] = simpleNodeAdapter{id: dest}
	}

	return iterator.NewNodes(nodeMap)
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) To(id int64) graph.Nodes {
	nodeMap := map[int64]graph.Node{}

	for _, src := range g.graph.SourceIds(NodeId(id)) {
		nodeMap[int64(src)] = simpleNodeAdapter{id: src}
	}

	return iterator.NewNodes(nodeMap)
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) HasEdgeBetween(xid int64, yid int64) bool {
	return g.graph.HasEdgeBetween(NodeId(xid), NodeId(yid))
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) HasEdgeFromTo(uid int64, vid int64) bool {
	return g.graph.HasEdgeFromTo(NodeId(uid), NodeId(vid))
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) Node(id int64) graph.Node {
	if _, ok := g.graph.Node(NodeId(id)); ok {
		return simpleNodeAdapter{id: NodeId(id)}
	}
	return nil
}

func (g *simpleDirectedGraphAdapter[NodeData, EdgeData]) Nodes() graph.Nodes {
	nodeMap := map[int64]graph.Node{}

	g.graph.forEachNodeIdInternal(func(id NodeId) {
		nodeMap[int64(id)] = simpleNodeAdapter{id: id}
	})

	return iterator.NewNodes(nodeMap)
}

type simpleNodeAdapter struct {
	id NodeId
}

func (s simpleNodeAdapter) ID() int64 {
	return int64(s.id)
}

type simpleEdgeAdapter struct {
	from, to NodeId
}

func (g *simpleEdgeAdapter) From() graph.Node {
	return simpleNodeAdapter{g.from}
}

func (g *simpleEdgeAdapter) To() graph.Node {
	return simpleNodeAdapter{g.to}
}

func (g *simpleEdgeAdapter) ReversedEdge() graph.Edge {
	return &simpleEdgeAdapter{
		from: g.to,
		to:   g.from,
	}
}
