package lrgb

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/graphbench/lrgb/models"
	"github.com/pkg/errors"
)

// Supported evaluation metrics.
const (
	MetricMacroF1          = "macrof1"
	MetricAveragePrecision = "ap"
)

// NewMetric builds the metric for name: "macrof1" (macro-averaged F1 over
// node classes, accumulated in confusion counts) or "ap" (macro-averaged
// average precision over graph labels, averaged per batch). Each metric
// reads a different label layout, so it must match the task.
func NewMetric(name string, numClasses int, task string) (metrics.Interface, error) {
	switch name {
	case MetricMacroF1:
		if task != models.TaskNode {
			return nil, errors.Errorf("metric %q reads per-node labels and loss weights, but the task is %q",
				name, task)
		}
		return NewMacroF1Metric(numClasses), nil
	case MetricAveragePrecision:
		if task != models.TaskGraph {
			return nil, errors.Errorf("metric %q reads per-graph multi-hot labels, but the task is %q",
				name, task)
		}
		return NewAveragePrecisionMetric(numClasses), nil
	}
	return nil, errors.Errorf("unknown metric %q, valid values are %q and %q",
		name, MetricMacroF1, MetricAveragePrecision)
}

// macroF1Metric accumulates per-class true positive / false positive / false
// negative counts in context variables and reports the mean over classes of
// 2·TP / (2·TP + FP + FN). Padding nodes are excluded through the loss
// weights tensor packed with the labels (zero weight means padding).
type macroF1Metric struct {
	numClasses int
	scopeName  string
}

// NewMacroF1Metric creates a stateful macro-F1 metric over numClasses node
// classes. Like the other stateful metrics, it accumulates until Reset.
func NewMacroF1Metric(numClasses int) metrics.Interface {
	return &macroF1Metric{numClasses: numClasses}
}

func (m *macroF1Metric) Name() string       { return "Macro F1" }
func (m *macroF1Metric) ShortName() string  { return "F1" }
func (m *macroF1Metric) MetricType() string { return "macro-f1" }

func (m *macroF1Metric) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = context.EscapeScopeName(fmt.Sprintf("%s_uuid_%s", m.Name(), uuid.NewString()))
	}
	return m.scopeName
}

func (m *macroF1Metric) PrettyPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.3f", value.Value())
}

// confusionVarNames index the accumulated counts, each shaped [numClasses].
var confusionVarNames = []string{"true_positives", "false_positives", "false_negatives"}

func (m *macroF1Metric) UpdateGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	if len(labels) < 2 {
		exceptions.Panicf("macro-F1 expects per-node labels and loss weights, got %d labels tensors "+
			"-- it only applies to node tasks", len(labels))
	}
	g := predictions[0].Graph()
	logits := predictions[0] // [batch, maxNodes, numClasses]
	truth := labels[0]       // [batch, maxNodes, 1]
	weights := labels[1]     // [batch, maxNodes]

	total := truth.Shape().Dimensions[0] * truth.Shape().Dimensions[1]
	flatLogits := Reshape(logits, total, m.numClasses)
	flatTruth := Reshape(truth, total)
	flatWeights := Reshape(weights, total)
	validMask := ConvertDType(GreaterThan(flatWeights, ScalarZero(g, flatWeights.DType())), dtypes.Float32)
	validMask = InsertAxes(validMask, -1) // [total, 1]

	truthOneHot := Mul(OneHot(flatTruth, m.numClasses, dtypes.Float32), validMask)
	predicted := ArgMax(flatLogits, -1, dtypes.Int32)
	predictedOneHot := Mul(OneHot(predicted, m.numClasses, dtypes.Float32), validMask)

	truePos := ReduceSum(Mul(truthOneHot, predictedOneHot), 0) // [numClasses]
	falsePos := Sub(ReduceSum(predictedOneHot, 0), truePos)
	falseNeg := Sub(ReduceSum(truthOneHot, 0), truePos)

	ctx = ctx.Checked(false).In(metrics.Scope).In(m.ScopeName())
	accumulated := make([]*Node, len(confusionVarNames))
	for i, batchCounts := range []*Node{truePos, falsePos, falseNeg} {
		v := ctx.VariableWithShape(confusionVarNames[i],
			shapes.Make(dtypes.Float32, m.numClasses)).SetTrainable(false)
		accumulated[i] = Add(v.ValueGraph(g), batchCounts)
		v.SetValueGraph(accumulated[i])
	}

	tp, fp, fn := accumulated[0], accumulated[1], accumulated[2]
	doubleTP := MulScalar(tp, 2)
	denominator := MaxScalar(Add(doubleTP, Add(fp, fn)), 1)
	f1PerClass := Div(doubleTP, denominator)
	return ReduceAllMean(f1PerClass)
}

func (m *macroF1Metric) Reset(ctx *context.Context) {
	ctx = ctx.Reuse().In(metrics.Scope).In(m.ScopeName())
	for _, name := range confusionVarNames {
		v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
		if v == nil {
			// Called before the first graph build, nothing to reset.
			return
		}
		v.MustSetValue(tensors.FromShape(shapes.Make(dtypes.Float32, m.numClasses)))
	}
}

// NewAveragePrecisionMetric creates a macro-averaged average-precision
// metric over numClasses independent binary labels, the multilabel graph
// classification metric. AP is computed per batch from pairwise score
// comparisons and averaged over batches weighted by batch size.
func NewAveragePrecisionMetric(numClasses int) metrics.Interface {
	return metrics.NewMeanMetric(
		"Average Precision", "AP", "average-precision",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return batchAveragePrecision(labels[0], predictions[0], numClasses)
		},
		func(value *tensors.Tensor) string {
			return fmt.Sprintf("%.3f", value.Value())
		})
}

// batchAveragePrecision computes the macro-AP of one batch. truth and logits
// are both [batchSize, numClasses]; truth entries are 0 or 1.
//
// For each class, precision at each positive example i is the fraction of
// positives among the examples scored >= score_i; AP is the mean of those
// precisions. Classes without positives in the batch are skipped.
func batchAveragePrecision(truth, logits *Node, numClasses int) *Node {
	batchSize := logits.Shape().Dimensions[0]

	// pairs[i,j,c] = 1 if score_j >= score_i for class c.
	byRow := BroadcastToDims(InsertAxes(logits, 1), batchSize, batchSize, numClasses)
	byCol := BroadcastToDims(InsertAxes(logits, 0), batchSize, batchSize, numClasses)
	pairs := ConvertDType(GreaterOrEqual(byCol, byRow), logits.DType())

	positivesAbove := Einsum("ijc,jc->ic", pairs, truth)
	totalAbove := ReduceSum(pairs, 1)
	precision := Div(positivesAbove, totalAbove) // totalAbove >= 1: i compares with itself.

	perClassSum := ReduceSum(Mul(truth, precision), 0) // [numClasses]
	positives := ReduceSum(truth, 0)
	averagePrecision := Div(perClassSum, MaxScalar(positives, 1))

	hasPositives := GreaterThan(positives, ScalarZero(logits.Graph(), positives.DType()))
	return MaskedReduceMean(averagePrecision, hasPositives)
}
