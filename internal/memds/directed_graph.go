package memds

import (
	"errors"
	"slices"

	"golang.org/x/exp/maps"
)

var (
	ErrSrcNodeNotExist  = errors.New("source node does not exist")
	ErrDestNodeNotExist = errors.New("destination node does not exist")
)

type NodeId int64

type GraphNode[NodeData any] struct {
	Id   NodeId
	Data NodeData
}

type GraphEdge[EdgeData any] struct {
	From, To NodeId
	Data     EdgeData
}

// DirectedGraph is a thread unsafe directed graph, node ids are allocated sequentially starting from 0.
// Self edges are supported: a basic block that branches to its own start is a valid control flow graph.
type DirectedGraph[NodeData, EdgeData any] struct {
	nodes map[NodeId]GraphNode[NodeData]

	//source node -> destination nodes
	from map[NodeId]map[NodeId]EdgeData

	//destination node -> source nodes
	to map[NodeId]map[NodeId]EdgeData

	currId    NodeId
	edgeCount int64
}

func NewDirectedGraph[NodeData, EdgeData any]() *DirectedGraph[NodeData, EdgeData] {
	return &DirectedGraph[NodeData, EdgeData]{
		nodes:  make(map[NodeId]GraphNode[NodeData]),
		from:   make(map[NodeId]map[NodeId]EdgeData),
		to:     make(map[NodeId]map[NodeId]EdgeData),
		currId: -1,
	}
}

func (g *DirectedGraph[NodeData, EdgeData]) NodeCount() int {
	return len(g.nodes)
}

func (g *DirectedGraph[NodeData, EdgeData]) EdgeCount() int64 {
	return g.edgeCount
}

// NodeIds returns all the node ids in the graph, in ascending order.
func (g *DirectedGraph[NodeData, EdgeData]) NodeIds() []NodeId {
	ids := maps.Keys(g.nodes)
	slices.Sort(ids)
	return ids
}

// AddNode adds a node and returns its id.
func (g *DirectedGraph[NodeData, EdgeData]) AddNode(data NodeData) NodeId {
	g.currId++
	id := g.currId

	g.nodes[id] = GraphNode[NodeData]{
		Id:   id,
		Data: data,
	}
	return id
}

func (g *DirectedGraph[NodeData, EdgeData]) Node(id NodeId) (GraphNode[NodeData], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *DirectedGraph[NodeData, EdgeData]) NodeData(id NodeId) (_ NodeData, _ bool) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	return n.Data, true
}

func (g *DirectedGraph[NodeData, EdgeData]) Edge(srcId, destId NodeId) (GraphEdge[EdgeData], bool) {
	data, ok := g.from[srcId][destId]
	if !ok {
		return GraphEdge[EdgeData]{}, false
	}
	return GraphEdge[EdgeData]{From: srcId, To: destId, Data: data}, true
}

// DestinationIds returns the ids of the successors of a node, in ascending order.
func (g *DirectedGraph[NodeData, EdgeData]) DestinationIds(id NodeId) []NodeId {
	ids := maps.Keys(g.from[id])
	slices.Sort(ids)
	return ids
}

// SourceIds returns the ids of the predecessors of a node, in ascending order.
func (g *DirectedGraph[NodeData, EdgeData]) SourceIds(id NodeId) []NodeId {
	ids := maps.Keys(g.to[id])
	slices.Sort(ids)
	return ids
}

func (g *DirectedGraph[NodeData, EdgeData]) HasEdgeBetween(xid, yid NodeId) bool {
	if _, ok := g.from[xid][yid]; ok {
		return true
	}
	_, ok := g.from[yid][xid]
	return ok
}

func (g *DirectedGraph[NodeData, EdgeData]) HasEdgeFromTo(srcId, destId NodeId) bool {
	_, ok := g.from[srcId][destId]
	return ok
}

// SetEdge adds an edge from one node to another, the nodes must exist.
// The data of an existing edge is replaced.
func (g *DirectedGraph[NodeData, EdgeData]) SetEdge(from, to NodeId, data EdgeData) {
	if _, ok := g.nodes[from]; !ok {
		panic(ErrSrcNodeNotExist)
	}

	if _, ok := g.nodes[to]; !ok {
		panic(ErrDestNodeNotExist)
	}

	//add edge in mapping SOURCE -> DESTINATION
	if fromMap, ok := g.from[from]; ok {
		if _, ok := fromMap[to]; !ok {
			g.edgeCount++
		}

		fromMap[to] = data
	} else {
		g.edgeCount++
		g.from[from] = map[NodeId]EdgeData{to: data}
	}

	//add edge in mapping DESTINATION -> SOURCE
	if toMap, ok := g.to[to]; ok {
		toMap[from] = data
	} else {
		g.to[to] = map[NodeId]EdgeData{from: data}
	}
}

func (g *DirectedGraph[NodeData, EdgeData]) forEachNodeIdInternal(fn func(id NodeId)) {
	for id := range g.nodes {
		fn(id)
	}
}
