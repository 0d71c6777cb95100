package lrgb

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/graphbench/lrgb/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeSpec() *Spec {
	return &Spec{
		Name:          "test-node",
		Task:          models.TaskNode,
		NumClasses:    3,
		MaxNodes:      4,
		MaxEdges:      4,
		DefaultLoss:   LossWeightedCrossEntropy,
		DefaultMetric: MetricMacroF1,
	}
}

func testGraphs() []*GraphSample {
	// Two graphs: a 3-node path and a single edge.
	return []*GraphSample{
		{
			NodeFeatures: [][]float32{{1, 0}, {0, 1}, {1, 1}},
			Edges:        [][2]int32{{0, 1}, {1, 0}, {1, 2}, {2, 1}},
			EdgeFeatures: [][]float32{{1}, {1}, {1}, {1}},
			NodeLabels:   []int32{0, 1, 0},
		},
		{
			NodeFeatures: [][]float32{{2, 0}, {0, 2}},
			Edges:        [][2]int32{{0, 1}, {1, 0}},
			EdgeFeatures: [][]float32{{1}, {1}},
			NodeLabels:   []int32{2, 0},
		},
	}
}

func TestClassWeights(t *testing.T) {
	weights := ClassWeights(testGraphs(), 3)
	// 5 nodes total, counts per class: {3, 1, 1}.
	assert.InDelta(t, 5.0/(3.0*3.0), weights[0], 1e-6)
	assert.InDelta(t, 5.0/(3.0*1.0), weights[1], 1e-6)
	assert.InDelta(t, 5.0/(3.0*1.0), weights[2], 1e-6)

	// Absent classes get zero weight.
	weights = ClassWeights(testGraphs(), 4)
	assert.Equal(t, float32(0), weights[3])
}

func TestSplitIndicesFallback(t *testing.T) {
	spec := testNodeSpec()
	trainIdx, validIdx, testIdx := spec.splitIndices(nil, 10)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, trainIdx)
	assert.Equal(t, []int32{6, 7}, validIdx)
	assert.Equal(t, []int32{8, 9}, testIdx)
}

func TestPackNodeTask(t *testing.T) {
	spec := testNodeSpec()
	graphs := testGraphs()
	classWeights := []float32{0.5, 1.5, 2.5}
	inputs, labels, err := spec.pack(graphs, classWeights)
	require.NoError(t, err)
	require.Len(t, inputs, 5)
	require.Len(t, labels, 2)

	nodeFeatures := inputs[0].(*tensors.Tensor)
	require.NoError(t, nodeFeatures.Shape().CheckDims(2, 4, 2))
	nodeMask := inputs[1].(*tensors.Tensor)
	mustConstFlatDataBool(nodeMask, func(flat []bool) {
		assert.Equal(t, []bool{true, true, true, false, true, true, false, false}, flat)
	})

	edgePairs := inputs[2].(*tensors.Tensor)
	mustConstFlatData(edgePairs, func(flat []int32) {
		// First graph's first edge is (0, 1); padding entries are zero.
		assert.Equal(t, int32(0), flat[0])
		assert.Equal(t, int32(1), flat[1])
	})
	edgeMask := inputs[4].(*tensors.Tensor)
	mustConstFlatDataBool(edgeMask, func(flat []bool) {
		assert.Equal(t, []bool{true, true, true, true, true, true, false, false}, flat)
	})

	nodeLabels := labels[0].(*tensors.Tensor)
	require.NoError(t, nodeLabels.Shape().CheckDims(2, 4, 1))
	weights := labels[1].(*tensors.Tensor)
	mustConstFlatData(weights, func(flat []float32) {
		// Class weights at the node's label for real nodes, zero for padding.
		assert.Equal(t, []float32{0.5, 1.5, 0.5, 0, 2.5, 0.5, 0, 0}, flat)
	})
}

func TestPackMaskingWeights(t *testing.T) {
	spec := testNodeSpec()
	_, labels, err := spec.pack(testGraphs(), nil)
	require.NoError(t, err)
	weights := labels[1].(*tensors.Tensor)
	mustConstFlatData(weights, func(flat []float32) {
		assert.Equal(t, []float32{1, 1, 1, 0, 1, 1, 0, 0}, flat)
	})
}

func TestPackGraphTask(t *testing.T) {
	spec := testNodeSpec()
	spec.Task = models.TaskGraph
	spec.NumClasses = 2
	graphs := testGraphs()
	graphs[0].GraphLabels = []float32{1, 0}
	graphs[1].GraphLabels = []float32{0, 1}
	inputs, labels, err := spec.pack(graphs, nil)
	require.NoError(t, err)
	require.Len(t, inputs, 5)
	require.Len(t, labels, 1)
	graphLabels := labels[0].(*tensors.Tensor)
	require.NoError(t, graphLabels.Shape().CheckDims(2, 2))
	mustConstFlatData(graphLabels, func(flat []float32) {
		assert.Equal(t, []float32{1, 0, 0, 1}, flat)
	})
}

func TestPackOverflow(t *testing.T) {
	spec := testNodeSpec()
	spec.MaxNodes = 2
	_, _, err := spec.pack(testGraphs(), nil)
	require.Error(t, err)
}

func TestApplyTransforms(t *testing.T) {
	graphs := testGraphs()
	require.NoError(t, applyTransforms(graphs, Options{PosEncoding: "lap", PosEncodingDim: 2}))
	// Two eigenvector dimensions concatenated to the two raw features.
	assert.Len(t, graphs[0].NodeFeatures[0], 4)

	err := applyTransforms(testGraphs(), Options{PosEncoding: "bogus"})
	require.Error(t, err)
}

func TestApplyTransformsAddEdges(t *testing.T) {
	graphs := []*GraphSample{
		{
			// 5-node path, room to add chords.
			NodeFeatures: [][]float32{{1}, {1}, {1}, {1}, {1}},
			Edges:        [][2]int32{{0, 1}, {1, 0}, {1, 2}, {2, 1}, {2, 3}, {3, 2}, {3, 4}, {4, 3}},
			EdgeFeatures: [][]float32{{1}, {1}, {1}, {1}, {1}, {1}, {1}, {1}},
		},
	}
	require.NoError(t, applyTransforms(graphs, Options{AddEdgesRatio: 0.5, Seed: 7}))
	// 4 undirected edges, ratio 0.5 adds 2 undirected = 4 directed.
	assert.Len(t, graphs[0].Edges, 12)
	assert.Len(t, graphs[0].EdgeFeatures, 12)
	// New edges get zero features.
	assert.Equal(t, []float32{0}, graphs[0].EdgeFeatures[8])
}

func TestSyntheticBenchmark(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	benchmark, err := NewSyntheticBenchmark(backend, models.TaskNode, 4, LossCrossEntropy, Options{Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 19, benchmark.NumTrainGraphs) // 60% of 32 graphs.

	_, inputs, labels, err := benchmark.ValidEval.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 5)
	require.Len(t, labels, 2)
	spec := benchmark.Spec
	require.NoError(t, inputs[0].Shape().CheckDims(4, spec.MaxNodes, 8))
	require.NoError(t, inputs[2].Shape().CheckDims(4, spec.MaxEdges, 2))
	require.NoError(t, labels[0].Shape().CheckDims(4, spec.MaxNodes, 1))
}

func TestSyntheticBenchmarkGraphTask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	benchmark, err := NewSyntheticBenchmark(backend, models.TaskGraph, 4, LossBinaryCrossEntropy, Options{Seed: 1})
	require.NoError(t, err)
	_, _, labels, err := benchmark.TestEval.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.NoError(t, labels[0].Shape().CheckDims(4, benchmark.Spec.NumClasses))
}

func TestWeightedLossRequiresNodeTask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := NewSyntheticBenchmark(backend, models.TaskGraph, 4, LossWeightedCrossEntropy, Options{Seed: 1})
	require.Error(t, err)
}

// mustConstFlatDataBool is the bool variant of mustConstFlatData, for masks.
func mustConstFlatDataBool(t *tensors.Tensor, fn func(flat []bool)) {
	if err := tensors.ConstFlatData(t, fn); err != nil {
		panic(err)
	}
}
