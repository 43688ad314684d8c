// Package edgegraph builds the edge-index and edge-batch tensors consumed by
// eogconv from plain Go edge lists or from gonum graphs.
//
// Node ids are dense int32 values starting at 0. Graphs with sparse or
// arbitrary int64 ids (gonum's) get remapped to dense ids first; the remap is
// deterministic, assigning ids in increasing order of the original ids.
package edgegraph

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
)

// EdgeList accumulates edges as (source, target) pairs of dense node ids.
// The zero value is an empty list ready for use.
type EdgeList struct {
	sources, targets []int32
}

// New creates an EdgeList with capacity for numEdges edges.
func New(numEdges int) *EdgeList {
	return &EdgeList{
		sources: make([]int32, 0, numEdges),
		targets: make([]int32, 0, numEdges),
	}
}

// Add appends one edge. Ids must be non-negative.
func (e *EdgeList) Add(source, target int32) *EdgeList {
	e.sources = append(e.sources, source)
	e.targets = append(e.targets, target)
	return e
}

// NumEdges returns the number of edges added so far.
func (e *EdgeList) NumEdges() int { return len(e.sources) }

// NumNodes returns the number of nodes spanned by the edges, defined as the
// largest node id plus one. An empty list has zero nodes.
func (e *EdgeList) NumNodes() int {
	var maxID int32 = -1
	for _, id := range e.sources {
		maxID = max(maxID, id)
	}
	for _, id := range e.targets {
		maxID = max(maxID, id)
	}
	return int(maxID + 1)
}

// Edge returns the i-th edge.
func (e *EdgeList) Edge(i int) (source, target int32) {
	return e.sources[i], e.targets[i]
}

// EdgeIndexTensor returns the edges as an int32 tensor shaped [2, numEdges],
// row 0 the sources and row 1 the targets.
func (e *EdgeList) EdgeIndexTensor() *tensors.Tensor {
	rows := [][]int32{
		append([]int32(nil), e.sources...),
		append([]int32(nil), e.targets...),
	}
	return tensors.FromValue(rows)
}

// Validate returns an error if any edge refers to a negative node id, or to a
// node id at or beyond numNodes when numNodes > 0.
func (e *EdgeList) Validate(numNodes int) error {
	check := func(ids []int32) error {
		for i, id := range ids {
			if id < 0 {
				return errors.Errorf("edgegraph: edge %d has negative node id %d", i, id)
			}
			if numNodes > 0 && int(id) >= numNodes {
				return errors.Errorf("edgegraph: edge %d refers to node %d, but numNodes=%d", i, id, numNodes)
			}
		}
		return nil
	}
	if err := check(e.sources); err != nil {
		return err
	}
	return check(e.targets)
}

// Concat merges the given graphs into one edge list, offsetting each graph's
// node ids by the node counts of the graphs before it, so the merged ids stay
// disjoint. It also returns the per-edge graph assignment as an int32 tensor
// shaped [totalEdges].
func Concat(lists ...*EdgeList) (merged *EdgeList, edgeBatch *tensors.Tensor) {
	totalEdges := 0
	for _, l := range lists {
		totalEdges += l.NumEdges()
	}
	merged = New(totalEdges)
	batch := make([]int32, 0, totalEdges)
	var nodeOffset int32
	for graphIdx, l := range lists {
		for i := range l.sources {
			merged.Add(l.sources[i]+nodeOffset, l.targets[i]+nodeOffset)
			batch = append(batch, int32(graphIdx))
		}
		nodeOffset += int32(l.NumNodes())
	}
	return merged, tensors.FromValue(batch)
}

// FromDirected converts a gonum directed graph, one edge per arc. Node ids
// are remapped to dense ids in increasing original-id order.
func FromDirected(g graph.Directed) *EdgeList {
	ids, remap := denseIDs(g)
	e := New(0)
	for _, id := range ids {
		it := g.From(id)
		for it.Next() {
			e.Add(remap[id], remap[it.Node().ID()])
		}
	}
	return e
}

// FromUndirected converts a gonum undirected graph, one edge per node pair:
// each pair {u, v} contributes a single (u, v) edge with u <= v after the
// dense remap.
func FromUndirected(g graph.Undirected) *EdgeList {
	ids, remap := denseIDs(g)
	e := New(0)
	for _, id := range ids {
		u := remap[id]
		it := g.From(id)
		for it.Next() {
			v := remap[it.Node().ID()]
			if u <= v {
				e.Add(u, v)
			}
		}
	}
	return e
}

// denseIDs lists the graph's node ids in increasing order and builds the
// original-id to dense-id remap.
func denseIDs(g graph.Graph) ([]int64, map[int64]int32) {
	var ids []int64
	it := g.Nodes()
	for it.Next() {
		ids = append(ids, it.Node().ID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	remap := make(map[int64]int32, len(ids))
	for dense, id := range ids {
		remap[id] = int32(dense)
	}
	return ids, remap
}
