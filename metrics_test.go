package lrgb

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/graphbench/lrgb/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetric(t *testing.T) {
	m, err := NewMetric(MetricMacroF1, 3, models.TaskNode)
	require.NoError(t, err)
	assert.Equal(t, "macro-f1", m.MetricType())

	m, err = NewMetric(MetricAveragePrecision, 3, models.TaskGraph)
	require.NoError(t, err)
	assert.Equal(t, "average-precision", m.MetricType())

	_, err = NewMetric("auc", 3, models.TaskNode)
	require.Error(t, err)
}

func TestNewMetricTaskMismatch(t *testing.T) {
	// Macro F1 reads per-node labels plus weights, AP per-graph multi-hot
	// labels; requesting either on the other task must fail cleanly.
	_, err := NewMetric(MetricMacroF1, 3, models.TaskGraph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.TaskGraph)

	_, err = NewMetric(MetricAveragePrecision, 3, models.TaskNode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.TaskNode)
}

func TestBatchAveragePrecision(t *testing.T) {
	graphtest.RunTestGraphFn(t, "batchAveragePrecision",
		func(g *Graph) (inputs, outputs []*Node) {
			// Class 0 ranks its positives at positions 1 and 3 by score,
			// AP = (1/1 + 2/3) / 2. Class 1 ranks both positives first, AP = 1.
			truth := Const(g, [][]float32{{1, 0}, {0, 1}, {1, 0}, {0, 1}})
			logits := Const(g, [][]float32{{0.9, 0.2}, {0.8, 0.9}, {0.7, 0.1}, {0.1, 0.5}})
			inputs = []*Node{truth, logits}
			outputs = []*Node{batchAveragePrecision(truth, logits, 2)}
			return
		}, []any{float32((5.0/6.0 + 1.0) / 2.0)}, 1e-5)
}

func TestBatchAveragePrecisionSkipsEmptyClasses(t *testing.T) {
	graphtest.RunTestGraphFn(t, "batchAveragePrecision skips classes without positives",
		func(g *Graph) (inputs, outputs []*Node) {
			// Class 1 has no positives, so the result is class 0's AP alone.
			truth := Const(g, [][]float32{{1, 0}, {0, 0}, {1, 0}})
			logits := Const(g, [][]float32{{0.9, 0.4}, {0.8, 0.3}, {0.7, 0.2}})
			inputs = []*Node{truth, logits}
			outputs = []*Node{batchAveragePrecision(truth, logits, 2)}
			return
		}, []any{float32((1.0 + 2.0/3.0) / 2.0)}, 1e-5)
}

func TestMacroF1Metric(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	metric := NewMacroF1Metric(2)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		// One graph with 4 node slots, the last one padding (zero weight).
		// Truth: 0, 1, 1; predictions: 0, 1, 0. The padding slot predicts
		// class 1 against truth 0, which must not be counted.
		labels := Const(g, [][][]int32{{{0}, {1}, {1}, {0}}})
		weights := Const(g, [][]float32{{1, 1, 1, 0}})
		logits := Const(g, [][][]float32{{{2, 0}, {0, 2}, {2, 0}, {0, 2}}})
		return metric.UpdateGraph(ctx, []*Node{labels, weights}, []*Node{logits})
	})

	// Class 0: TP=1, FP=1, FN=0. Class 1: TP=1, FP=0, FN=1. Both F1 = 2/3.
	got := exec.MustExec()[0]
	assert.InDelta(t, 2.0/3.0, float64(got.Value().(float32)), 1e-5)

	// Counts accumulate across updates; the same batch twice doubles every
	// count and leaves the F1 unchanged.
	got = exec.MustExec()[0]
	assert.InDelta(t, 2.0/3.0, float64(got.Value().(float32)), 1e-5)

	metric.Reset(ctx)
	got = exec.MustExec()[0]
	assert.InDelta(t, 2.0/3.0, float64(got.Value().(float32)), 1e-5)
}

func TestMacroF1CountsAllClasses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	metric := NewMacroF1Metric(3)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		// Class 2 never appears in truth or predictions: its F1 is zero and
		// still divides the macro average.
		labels := Const(g, [][][]int32{{{0}, {1}}})
		weights := Const(g, [][]float32{{1, 1}})
		logits := Const(g, [][][]float32{{{2, 0, 0}, {0, 2, 0}}})
		return metric.UpdateGraph(ctx, []*Node{labels, weights}, []*Node{logits})
	})

	got := exec.MustExec()[0]
	assert.InDelta(t, 2.0/3.0, float64(got.Value().(float32)), 1e-5)
}
