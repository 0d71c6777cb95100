package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Logit value used to exclude padding edges from the attention softmax.
// Large enough that exp(maskedLogit - max) underflows to zero, small enough
// to stay finite in float32.
const maskedLogit = -1e9

// GAT builds a graph attention network: each layer projects node states into
// numHeads heads, scores every edge with a learnable additive attention
// (LeakyReLU of source score + target score), normalizes scores with a
// softmax over each target's incoming edges, and aggregates the attended
// neighbor states. Head outputs are concatenated back to the hidden
// dimension.
//
// Returns node states shaped [batch, maxNodes, hidden].
func GAT(ctx *context.Context, batch *Batch) *Node {
	g := batch.NodeFeatures.Graph()
	hidden := context.GetParamOr(ctx, ParamHiddenDim, 88)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 4)
	numHeads := context.GetParamOr(ctx, ParamGatNumHeads, 8)
	if numHeads <= 0 || hidden%numHeads != 0 {
		exceptions.Panicf("hidden dimension (%d) must be divisible by the number of attention heads (%d)",
			hidden, numHeads)
	}
	headDim := hidden / numHeads

	numNodes := batch.BatchSize() * batch.MaxNodes()
	numEdges := batch.BatchSize() * batch.MaxEdges()
	nodeMask := batch.flatNodeMask()
	edgeMask := batch.flatEdgeMask()
	source, target := batch.flatEdgeEndpoints()

	h := layers.DenseWithBias(ctx.In("input"), batch.flatNodeFeatures(), hidden)
	h = zeroMaskedRows(h, nodeMask)
	dtype := h.DType()

	for layerIdx := 0; layerIdx < numLayers; layerIdx++ {
		layerCtx := ctx.Inf("layer_%d", layerIdx)
		projected := layers.Dense(layerCtx.In("projection"), h, false, numHeads, headDim)

		attSource := layerCtx.VariableWithShape("attention_source", shapes.Make(dtype, numHeads, headDim))
		attTarget := layerCtx.VariableWithShape("attention_target", shapes.Make(dtype, numHeads, headDim))
		scoreSource := ReduceSum(Mul(projected, ExpandLeftToRank(attSource.ValueGraph(g), 3)), -1)
		scoreTarget := ReduceSum(Mul(projected, ExpandLeftToRank(attTarget.ValueGraph(g), 3)), -1)

		logits := Add(Gather(scoreSource, source), Gather(scoreTarget, target))
		logits = activations.LeakyReluWithAlpha(logits, 0.2)
		logits = Where(
			BroadcastToDims(InsertAxes(edgeMask, -1), numEdges, numHeads),
			logits, MulScalar(OnesLike(logits), maskedLogit))

		// Softmax over each target node's incoming edges, computed with
		// scatter/gather: max for stability, then normalize by the sum.
		maxInit := MulScalar(Ones(g, shapes.Make(dtype, numNodes, numHeads)), maskedLogit)
		maxPerNode := StopGradient(ScatterMax(maxInit, target, logits, false, false))
		numerator := Exp(Sub(logits, Gather(maxPerNode, target)))
		numerator = zeroMaskedRows(numerator, edgeMask)
		denominator := ScatterSum(Zeros(g, shapes.Make(dtype, numNodes, numHeads)),
			target, numerator, false, false)
		alpha := Div(numerator, MaxScalar(Gather(denominator, target), 1e-16))
		alpha = layers.DropoutFromContext(layerCtx.In("attention"), alpha)

		messages := Mul(Gather(projected, source), InsertAxes(alpha, -1))
		aggregated := ScatterSum(Zeros(g, projected.Shape()), target, messages, false, false)

		updated := Reshape(aggregated, numNodes, hidden)
		updated = activations.ApplyFromContext(layerCtx, updated)
		updated = layers.DropoutFromContext(layerCtx, updated)
		h = Add(h, updated)
		h = zeroMaskedRows(h, nodeMask)
	}
	return batch.unflattenStates(h)
}
