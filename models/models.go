// Package models implements the four benchmarked graph neural network
// architectures: GCN (the baseline), GIN, GAT and SAN.
//
// All models consume the same padded batch layout produced by the dataset
// packing (see the lrgb package): per-graph node features, node mask, edge
// endpoint pairs, edge features and edge mask, each with a leading batch
// axis. Architectures are selected and configured through context
// hyperparameters, following the usual convention of Param* constants.
package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamModel selects the architecture: "gcn", "gin", "gat" or "san".
	ParamModel = "model"

	// ParamTask is either TaskNode (per-node classification) or TaskGraph
	// (whole-graph classification with a pooled readout).
	ParamTask = "task"

	// ParamNumClasses is the number of output classes. There is no default,
	// the trainer sets it from the dataset.
	ParamNumClasses = "num_classes"

	// ParamHiddenDim is the node state dimension used by every architecture.
	ParamHiddenDim = "hidden_dim"

	// ParamNumLayers is the number of message-passing layers for GCN, GIN
	// and GAT. SAN has its own depth parameter, ParamSanNumLayers.
	ParamNumLayers = "num_layers"

	// ParamGatNumHeads is the number of attention heads per GAT layer.
	ParamGatNumHeads = "gat_num_heads"

	// ParamSanNumHeads and ParamSanNumLayers configure the SAN transformer.
	ParamSanNumHeads  = "san_num_heads"
	ParamSanNumLayers = "san_num_layers"
)

// Valid values for ParamTask.
const (
	TaskNode  = "node"
	TaskGraph = "graph"
)

// builders maps architecture names to their node-state builders. Each
// builder returns per-node states shaped [batch, maxNodes, hidden].
var builders = map[string]func(ctx *context.Context, batch *Batch) *Node{
	"gcn": GCN,
	"gin": GIN,
	"gat": GAT,
	"san": SAN,
}

// ModelGraph is the model-building function handed to the trainer. It unpacks the
// batch, runs the architecture selected by ParamModel and applies the
// per-task readout head. It returns one output: the logits, shaped
// [batch, maxNodes, numClasses] for node tasks and [batch, numClasses] for
// graph tasks.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	batch := BatchFromInputs(inputs)
	name := context.GetParamOr(ctx, ParamModel, "gcn")
	builder, found := builders[name]
	if !found {
		exceptions.Panicf("unknown model %q, valid values are \"gcn\", \"gin\", \"gat\" and \"san\"", name)
	}
	states := builder(ctx.In(name), batch)
	return []*Node{readout(ctx.In("readout"), batch, states)}
}

// readout converts node states [batch, maxNodes, hidden] to logits.
func readout(ctx *context.Context, batch *Batch, states *Node) *Node {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("hyperparameter %q must be set to the number of classes, got %d",
			ParamNumClasses, numClasses)
	}
	task := context.GetParamOr(ctx, ParamTask, TaskNode)
	switch task {
	case TaskNode:
		return layers.DenseWithBias(ctx, states, numClasses)
	case TaskGraph:
		return layers.DenseWithBias(ctx, MaskedMeanPool(states, batch.NodeMask), numClasses)
	}
	exceptions.Panicf("unknown task %q for hyperparameter %q, valid values are %q and %q",
		task, ParamTask, TaskNode, TaskGraph)
	return nil
}

// Batch gives named access to the tensors of one padded batch of graphs.
type Batch struct {
	NodeFeatures *Node // [batch, maxNodes, featDim] float32
	NodeMask     *Node // [batch, maxNodes] bool
	EdgePairs    *Node // [batch, maxEdges, 2] int32, (source, target)
	EdgeFeatures *Node // [batch, maxEdges, edgeDim] float32
	EdgeMask     *Node // [batch, maxEdges] bool
}

// BatchFromInputs wraps the dataset's input tensors into a Batch, validating
// their shapes.
func BatchFromInputs(inputs []*Node) *Batch {
	if len(inputs) != 5 {
		exceptions.Panicf("expected 5 input tensors (node features, node mask, edge pairs, "+
			"edge features, edge mask), got %d", len(inputs))
	}
	b := &Batch{
		NodeFeatures: inputs[0],
		NodeMask:     inputs[1],
		EdgePairs:    inputs[2],
		EdgeFeatures: inputs[3],
		EdgeMask:     inputs[4],
	}
	if b.NodeFeatures.Rank() != 3 || b.NodeMask.Rank() != 2 ||
		b.EdgePairs.Rank() != 3 || b.EdgePairs.Shape().Dimensions[2] != 2 ||
		b.EdgeFeatures.Rank() != 3 || b.EdgeMask.Rank() != 2 {
		exceptions.Panicf("invalid batch shapes: nodes=%s, nodeMask=%s, edges=%s, edgeFeatures=%s, edgeMask=%s",
			b.NodeFeatures.Shape(), b.NodeMask.Shape(), b.EdgePairs.Shape(),
			b.EdgeFeatures.Shape(), b.EdgeMask.Shape())
	}
	return b
}

// BatchSize returns the number of graphs in the batch.
func (b *Batch) BatchSize() int { return b.NodeFeatures.Shape().Dimensions[0] }

// MaxNodes returns the padded per-graph node count.
func (b *Batch) MaxNodes() int { return b.NodeFeatures.Shape().Dimensions[1] }

// MaxEdges returns the padded per-graph edge count.
func (b *Batch) MaxEdges() int { return b.EdgePairs.Shape().Dimensions[1] }

// flatNodeFeatures flattens the graphs into a single node axis:
// [batch*maxNodes, featDim].
func (b *Batch) flatNodeFeatures() *Node {
	return Reshape(b.NodeFeatures, b.BatchSize()*b.MaxNodes(), b.NodeFeatures.Shape().Dimensions[2])
}

// flatNodeMask returns the node mask flattened to [batch*maxNodes].
func (b *Batch) flatNodeMask() *Node {
	return Reshape(b.NodeMask, b.BatchSize()*b.MaxNodes())
}

// flatEdgeMask returns the edge mask flattened to [batch*maxEdges].
func (b *Batch) flatEdgeMask() *Node {
	return Reshape(b.EdgeMask, b.BatchSize()*b.MaxEdges())
}

// flatEdgeEndpoints returns the edge source and target node indices, shifted
// by each graph's offset in the flattened node axis, shaped
// [batch*maxEdges, 1] so they can be used directly as Gather/Scatter indices.
// Padding edges point at their graph's node 0; callers must mask their
// contributions with the edge mask.
func (b *Batch) flatEdgeEndpoints() (source, target *Node) {
	g := b.EdgePairs.Graph()
	batchSize, maxEdges := b.BatchSize(), b.MaxEdges()
	offsets := Iota(g, shapes.Make(dtypes.Int32, batchSize, 1, 1), 0)
	offsets = MulScalar(offsets, float64(b.MaxNodes()))
	shifted := Add(b.EdgePairs, BroadcastToDims(offsets, batchSize, maxEdges, 2))
	flat := Reshape(shifted, batchSize*maxEdges, 2)
	source = Slice(flat, AxisRange(), AxisElem(0))
	target = Slice(flat, AxisRange(), AxisElem(1))
	return
}

// unflattenStates reshapes flattened node states [batch*maxNodes, dim] back
// to [batch, maxNodes, dim] and zeroes the padding rows.
func (b *Batch) unflattenStates(states *Node) *Node {
	dim := states.Shape().Dimensions[1]
	states = Reshape(states, b.BatchSize(), b.MaxNodes(), dim)
	return zeroMaskedRows(states, b.NodeMask)
}

// zeroMaskedRows zeroes the rows of x [..., dim] whose mask [...] is false.
func zeroMaskedRows(x, mask *Node) *Node {
	dims := x.Shape().Dimensions
	expanded := BroadcastToDims(InsertAxes(mask, -1), dims...)
	return Where(expanded, x, ZerosLike(x))
}
