package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MaskedMeanPool averages node states over each graph's real nodes, giving a
// per-graph embedding. states is [batch, maxNodes, dim] and mask
// [batch, maxNodes] bool; the result is [batch, dim]. Graphs whose mask is
// entirely false pool to zero.
func MaskedMeanPool(states, mask *Node) *Node {
	dims := states.Shape().Dimensions
	expanded := BroadcastToDims(InsertAxes(mask, -1), dims...)
	return MaskedReduceMean(states, expanded, 1)
}

// MaskedSumPool sums node states over each graph's real nodes. Same shapes
// as MaskedMeanPool.
func MaskedSumPool(states, mask *Node) *Node {
	dims := states.Shape().Dimensions
	expanded := BroadcastToDims(InsertAxes(mask, -1), dims...)
	return MaskedReduceSum(states, expanded, 1)
}
