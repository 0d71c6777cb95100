package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// GCN builds a graph convolutional network: each layer aggregates neighbor
// states with symmetric degree normalization (D^{-1/2} A D^{-1/2}, with an
// implicit self-loop) followed by a dense transformation, activation,
// dropout and a residual connection.
//
// Returns node states shaped [batch, maxNodes, hidden].
func GCN(ctx *context.Context, batch *Batch) *Node {
	g := batch.NodeFeatures.Graph()
	hidden := context.GetParamOr(ctx, ParamHiddenDim, 88)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 4)

	numNodes := batch.BatchSize() * batch.MaxNodes()
	nodeMask := batch.flatNodeMask()
	edgeMask := batch.flatEdgeMask()
	source, target := batch.flatEdgeEndpoints()

	h := layers.DenseWithBias(ctx.In("input"), batch.flatNodeFeatures(), hidden)
	h = zeroMaskedRows(h, nodeMask)

	// In-degree with the self-loop counted, so every real node has
	// degree >= 1 and the normalization never divides by zero.
	edgeWeights := InsertAxes(ConvertDType(edgeMask, h.DType()), -1)
	degree := ScatterSum(Zeros(g, shapes.Make(h.DType(), numNodes, 1)),
		target, edgeWeights, false, false)
	degree = OnePlus(degree)
	invSqrtDegree := Div(Ones(g, degree.Shape()), Sqrt(degree))

	for layerIdx := 0; layerIdx < numLayers; layerIdx++ {
		layerCtx := ctx.Inf("layer_%d", layerIdx)
		normalized := Mul(h, invSqrtDegree)
		messages := Gather(normalized, source)
		messages = zeroMaskedRows(messages, edgeMask)
		aggregated := ScatterSum(Zeros(g, h.Shape()), target, messages, false, false)
		aggregated = Mul(aggregated, invSqrtDegree)
		// Self-loop contribution: h_i / degree_i.
		aggregated = Add(aggregated, Div(h, degree))

		updated := layers.DenseWithBias(layerCtx.In("dense"), aggregated, hidden)
		updated = activations.ApplyFromContext(layerCtx, updated)
		updated = layers.DropoutFromContext(layerCtx, updated)
		h = Add(h, updated)
		h = zeroMaskedRows(h, nodeMask)
	}
	return batch.unflattenStates(h)
}
