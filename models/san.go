package models

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gopjrt/dtypes"
)

// SAN builds a structure-aware transformer: every layer runs two dense
// self-attention channels over each graph, one restricted to the real edges
// (plus the diagonal) and one to the remaining within-graph node pairs. The
// two channels are mixed by a learnable gate γ ∈ (0,1), so the model can
// interpolate between sparse message passing (γ→0) and full-graph attention
// (γ→1). Each layer ends with a residual feed-forward block and layer
// normalization, transformer style.
//
// Node features are expected to already carry positional information (e.g. a
// Laplacian eigenvector encoding); without it the full-attention channel
// cannot distinguish nodes.
//
// Returns node states shaped [batch, maxNodes, hidden].
func SAN(ctx *context.Context, batch *Batch) *Node {
	g := batch.NodeFeatures.Graph()
	hidden := context.GetParamOr(ctx, ParamHiddenDim, 88)
	numLayers := context.GetParamOr(ctx, ParamSanNumLayers, 4)
	numHeads := context.GetParamOr(ctx, ParamSanNumHeads, 4)
	if numHeads <= 0 || hidden%numHeads != 0 {
		exceptions.Panicf("hidden dimension (%d) must be divisible by the number of attention heads (%d)",
			hidden, numHeads)
	}
	headDim := hidden / numHeads
	batchSize, maxNodes := batch.BatchSize(), batch.MaxNodes()

	h := layers.DenseWithBias(ctx.In("input"), batch.NodeFeatures, hidden)
	h = zeroMaskedRows(h, batch.NodeMask)
	dtype := h.DType()

	realMask, nonEdgeMask := attentionMasks(batch)
	gamma := Sigmoid(ConvertDType(
		ctx.VariableWithValue("gamma_logit", float32(0)).ValueGraph(g), dtype))

	for layerIdx := 0; layerIdx < numLayers; layerIdx++ {
		layerCtx := ctx.Inf("layer_%d", layerIdx)
		query := layers.Dense(layerCtx.In("query"), h, false, numHeads, headDim)
		key := layers.Dense(layerCtx.In("key"), h, false, numHeads, headDim)
		value := layers.Dense(layerCtx.In("value"), h, false, numHeads, headDim)

		scores := Einsum("bnhd,bmhd->bhnm", query, key)
		scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))

		attendedReal := maskedAttention(scores, realMask, value)
		attendedFull := maskedAttention(scores, nonEdgeMask, value)
		attended := Add(Mul(attendedReal, OneMinus(gamma)), Mul(attendedFull, gamma))
		attended = Reshape(attended, batchSize, maxNodes, hidden)
		attended = layers.Dense(layerCtx.In("output"), attended, false, hidden)
		attended = layers.DropoutFromContext(layerCtx, attended)

		h = Add(h, attended)
		h = layers.LayerNormalization(layerCtx.In("attention_norm"), h, -1).Done()

		ff := fnn.New(layerCtx.In("ffn"), h, hidden).
			NumHiddenLayers(1, 2*hidden).
			Done()
		ff = layers.DropoutFromContext(layerCtx.In("ffn"), ff)
		h = Add(h, ff)
		h = layers.LayerNormalization(layerCtx.In("ffn_norm"), h, -1).Done()
		h = zeroMaskedRows(h, batch.NodeMask)
	}
	return h
}

// attentionMasks builds the two attention masks used by SAN, both shaped
// [batch, maxNodes, maxNodes]: realMask selects pairs connected by a real
// edge (or the diagonal), nonEdgeMask the remaining pairs of real nodes.
func attentionMasks(batch *Batch) (realMask, nonEdgeMask *Node) {
	g := batch.EdgePairs.Graph()
	batchSize, maxNodes, maxEdges := batch.BatchSize(), batch.MaxNodes(), batch.MaxEdges()

	// Adjacency from the edge list: scatter each real edge's indicator at
	// (graph, source, target).
	graphIdx := Iota(g, shapes.Make(dtypes.Int32, batchSize, maxEdges, 1), 0)
	indices := Concatenate([]*Node{graphIdx, batch.EdgePairs}, -1)
	indices = Reshape(indices, batchSize*maxEdges, 3)
	indicators := ConvertDType(batch.flatEdgeMask(), dtypes.Float32)
	adjacency := ScatterMax(Zeros(g, shapes.Make(dtypes.Float32, batchSize, maxNodes, maxNodes)),
		indices, indicators, false, false)
	isEdge := GreaterThan(adjacency, ScalarZero(g, dtypes.Float32))

	// Diagonal: every node attends to itself on the real channel.
	rows := Iota(g, shapes.Make(dtypes.Int32, maxNodes, maxNodes), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, maxNodes, maxNodes), 1)
	diagonal := BroadcastToDims(ExpandLeftToRank(Equal(rows, cols), 3),
		batchSize, maxNodes, maxNodes)

	// Pairs where both endpoints are real nodes.
	validPair := And(
		BroadcastToDims(InsertAxes(batch.NodeMask, -1), batchSize, maxNodes, maxNodes),
		BroadcastToDims(InsertAxes(batch.NodeMask, 1), batchSize, maxNodes, maxNodes))

	realMask = And(Or(isEdge, diagonal), validPair)
	nonEdgeMask = And(validPair, Not(realMask))
	return
}

// maskedAttention applies a masked softmax over the last axis of scores
// [batch, heads, n, m] and attends over value [batch, m, heads, headDim].
// Rows with no unmasked entry attend to nothing and produce zeros.
func maskedAttention(scores, mask, value *Node) *Node {
	dims := scores.Shape().Dimensions
	expanded := BroadcastToDims(InsertAxes(mask, 1), dims...)
	weights := MaskedSoftmax(scores, expanded, -1)
	return Einsum("bhnm,bmhd->bnhd", weights, value)
}
