package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// GIN builds a graph isomorphism network: each layer computes
// MLP((1+ε)·h_i + Σ_{j∈N(i)} h_j) with a learnable per-layer ε.
//
// Returns node states shaped [batch, maxNodes, hidden].
func GIN(ctx *context.Context, batch *Batch) *Node {
	g := batch.NodeFeatures.Graph()
	hidden := context.GetParamOr(ctx, ParamHiddenDim, 88)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 4)

	nodeMask := batch.flatNodeMask()
	edgeMask := batch.flatEdgeMask()
	source, target := batch.flatEdgeEndpoints()

	h := layers.DenseWithBias(ctx.In("input"), batch.flatNodeFeatures(), hidden)
	h = zeroMaskedRows(h, nodeMask)

	for layerIdx := 0; layerIdx < numLayers; layerIdx++ {
		layerCtx := ctx.Inf("layer_%d", layerIdx)
		messages := Gather(h, source)
		messages = zeroMaskedRows(messages, edgeMask)
		aggregated := ScatterSum(Zeros(g, h.Shape()), target, messages, false, false)

		epsilon := layerCtx.VariableWithValue("epsilon", float32(0)).ValueGraph(g)
		combined := Add(aggregated, Mul(h, OnePlus(ConvertDType(epsilon, h.DType()))))

		updated := fnn.New(layerCtx.In("mlp"), combined, hidden).
			NumHiddenLayers(1, hidden).
			Done()
		updated = layers.DropoutFromContext(layerCtx, updated)
		h = zeroMaskedRows(updated, nodeMask)
	}
	return batch.unflattenStates(h)
}
