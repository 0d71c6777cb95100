package lrgb

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/graphbench/lrgb/models"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameter names consumed by the training loop, in addition to the
// models.Param* and the optimizer/regularizer parameters.
const (
	// ParamDataset selects the benchmark dataset by Catalog name.
	ParamDataset = "dataset"

	// ParamBatchSize and ParamEvalBatchSize control batching; eval defaults
	// to the training batch size.
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumEpochs is the number of passes over the training split.
	ParamNumEpochs = "num_epochs"

	// ParamLoss and ParamMetric override the dataset defaults. See
	// LossForName and NewMetric for the valid values.
	ParamLoss   = "loss"
	ParamMetric = "metric"

	// ParamAddEdgesRatio, ParamPosEncoding and ParamPosEncodingDim configure
	// the pre-processing transforms. See Options.
	ParamAddEdgesRatio  = "add_edges_ratio"
	ParamPosEncoding    = "pos_encoding"
	ParamPosEncodingDim = "pos_encoding_dim"

	// ParamNumCheckpoints is the number of rolling checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamSeed drives the random transforms and the synthetic dataset.
	ParamSeed = "seed"

	// ParamSmokeTest replaces the real dataset with a small synthetic one,
	// for a quick end-to-end run with no downloads.
	ParamSmokeTest = "smoke_test"
)

// ParamsExcludedFromSaving are context parameters not saved with
// checkpoints, so they can be overridden when resuming.
var ParamsExcludedFromSaving = []string{
	"data_dir", "num_epochs", "num_checkpoints", "plots", "smoke_test",
}

// Backend is created once and reused across Train calls.
var Backend backends.Backend

// CreateDefaultContext creates a context with the default hyperparameters for
// the benchmarks. Any of them can be overridden with the --set flag.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamDataset:   "PascalVOC-SP",
		ParamBatchSize: 32,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 128,

		ParamNumEpochs:      250,
		ParamLoss:           "", // Empty selects the dataset default.
		ParamMetric:         "", // Empty selects the dataset default.
		ParamAddEdgesRatio:  0.0,
		ParamPosEncoding:    "none",
		ParamPosEncodingDim: 3,
		ParamNumCheckpoints: 3,
		ParamSeed:           42,
		ParamSmokeTest:      false,

		models.ParamModel:        "gcn",
		models.ParamHiddenDim:    88,
		models.ParamNumLayers:    4,
		models.ParamGatNumHeads:  8,
		models.ParamSanNumHeads:  4,
		models.ParamSanNumLayers: 4,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    5e-4,
		optimizers.ParamAdamWeightDecay: 1e-4,
		layers.ParamDropoutRate:         0.1,
		activations.ParamActivation:     "relu",

		// "plots" generates intermediary eval data for plotting, saved along
		// the checkpoint directory.
		plotly.ParamPlots: false,
	})
	return ctx
}

// Train runs one benchmark configured by the ctx hyperparameters: it
// prepares the dataset, builds the selected model and trains it for the
// configured number of epochs, evaluating on the validation split at every
// epoch boundary and keeping a separate checkpoint of the best validation
// weights. Per-epoch results are appended to train.txt under resultsDir and
// the final test evaluation to test.txt.
func Train(ctx *context.Context, dataDir, checkpointPath, resultsDir string, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	opts := Options{
		PosEncoding:    context.GetParamOr(ctx, ParamPosEncoding, "none"),
		PosEncodingDim: context.GetParamOr(ctx, ParamPosEncodingDim, 3),
		AddEdgesRatio:  context.GetParamOr(ctx, ParamAddEdgesRatio, 0.0),
		Seed:           int64(context.GetParamOr(ctx, ParamSeed, 42)),
	}

	// Dataset preparation. The criterion must be known before packing, since
	// weighted cross-entropy bakes class weights into the label tensors.
	var benchmark *Benchmark
	if context.GetParamOr(ctx, ParamSmokeTest, false) {
		task := context.GetParamOr(ctx, models.ParamTask, models.TaskNode)
		syntheticSpec, _ := synthetic(task, 0, 0)
		criterion := paramOrDefault(ctx, ParamLoss, syntheticSpec.DefaultLoss)
		benchmark = must.M1(NewSyntheticBenchmark(Backend, task, batchSize, criterion, opts))
	} else {
		datasetSpec := must.M1(SpecByName(context.GetParamOr(ctx, ParamDataset, "PascalVOC-SP")))
		criterion := paramOrDefault(ctx, ParamLoss, datasetSpec.DefaultLoss)
		benchmark = must.M1(NewBenchmark(Backend, datasetSpec, dataDir, batchSize, evalBatchSize, criterion, opts))
	}
	spec := benchmark.Spec
	criterion := paramOrDefault(ctx, ParamLoss, spec.DefaultLoss)
	metricName := paramOrDefault(ctx, ParamMetric, spec.DefaultMetric)

	// Dataset-derived model hyperparameters.
	ctx.SetParam(models.ParamNumClasses, spec.NumClasses)
	ctx.SetParam(models.ParamTask, spec.Task)

	// Rolling checkpoints for resuming, plus a separate best-validation
	// checkpoint. The main handler is built first: earlier handlers take
	// priority when loading variables, so on resume the latest weights win
	// over the best ones.
	var checkpoint, bestCheckpoint *checkpoints.Handler
	if checkpointPath != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		bestCheckpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath+"-best", dataDir).
			Keep(1).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	lossFn := must.M1(LossForName(criterion))
	trainMetric := must.M1(NewMetric(metricName, spec.NumClasses, spec.Task))
	evalMetric := must.M1(NewMetric(metricName, spec.NumClasses, spec.Task))

	trainer := train.NewTrainer(Backend, ctx, models.ModelGraph, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{trainMetric},
		[]metrics.Interface{evalMetric})

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(benchmark.TrainEval, benchmark.ValidEval).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Per-epoch: validation eval, results logging and best-model tracking.
	stepsPerEpoch := benchmark.NumTrainGraphs / batchSize
	if stepsPerEpoch == 0 {
		stepsPerEpoch = 1
	}
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 250)
	tracker := &epochTracker{
		ctx:            ctx,
		trainer:        trainer,
		trainMetric:    trainMetric,
		validDS:        benchmark.ValidEval,
		bestCheckpoint: bestCheckpoint,
		resultsDir:     resultsDir,
		stepsPerEpoch:  stepsPerEpoch,
		bestValue:      -1,
	}
	train.EveryNSteps(loop, stepsPerEpoch, "epoch evaluation", 90, tracker.onEpochEnd)

	// Bound by global step, so resumed runs train only the missing epochs.
	targetSteps := numEpochs * stepsPerEpoch
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < targetSteps {
		_ = must.M1(loop.RunSteps(benchmark.Train, targetSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target %d epochs (%d steps) already reached at global step %d.\n",
			numEpochs, targetSteps, globalStep)
	}

	// Final report: evaluated with the best-validation weights when a best
	// checkpoint exists, otherwise with the last weights. Test split last,
	// so its numbers are the takeaway.
	evalTrainer := trainer
	if bestCheckpoint != nil && must.M1(bestCheckpoint.HasCheckpoints()) {
		bestCtx := must.M1(ctx.Clone())
		_ = must.M1(checkpoints.Load(bestCtx).Dir(bestCheckpoint.Dir()).Done())
		evalTrainer = train.NewTrainer(Backend, bestCtx.Reuse(), models.ModelGraph, lossFn,
			optimizers.FromContext(bestCtx), nil,
			[]metrics.Interface{evalMetric})
	}
	must.M(commandline.ReportEval(evalTrainer, benchmark.TrainEval, benchmark.ValidEval, benchmark.TestEval))
	testValues := must.M1(evalTrainer.Eval(benchmark.TestEval))
	for metricIdx, metric := range evalTrainer.EvalMetrics() {
		if metric.MetricType() == "macro-f1" || metric.MetricType() == "average-precision" {
			appendResultLine(resultsDir, "test.txt", fmt.Sprintf("%s: %s",
				metric.Name(), metric.PrettyPrint(testValues[metricIdx])))
		}
	}
}

// paramOrDefault reads a string hyperparameter falling back to defaultValue
// when unset or empty.
func paramOrDefault(ctx *context.Context, name, defaultValue string) string {
	value := context.GetParamOr(ctx, name, "")
	if value == "" {
		return defaultValue
	}
	return value
}

// epochTracker evaluates the validation split at every epoch boundary,
// appends a line to train.txt and keeps the best-validation checkpoint.
type epochTracker struct {
	ctx            *context.Context
	trainer        *train.Trainer
	trainMetric    metrics.Interface
	validDS        train.Dataset
	bestCheckpoint *checkpoints.Handler
	resultsDir     string
	stepsPerEpoch  int
	bestValue      float64
}

func (t *epochTracker) onEpochEnd(loop *train.Loop, trainValues []*tensors.Tensor) error {
	epoch := loop.LoopStep / t.stepsPerEpoch
	validValues, err := t.trainer.Eval(t.validDS)
	if err != nil {
		return errors.WithMessage(err, "failed to evaluate validation split")
	}

	line := fmt.Sprintf("epoch %d", epoch)
	for metricIdx, metric := range t.trainer.TrainMetrics() {
		if metricIdx >= len(trainValues) {
			break
		}
		line += fmt.Sprintf("\ttrain %s: %s", metric.ShortName(), metric.PrettyPrint(trainValues[metricIdx]))
	}
	var validMetricValue float64
	for metricIdx, metric := range t.trainer.EvalMetrics() {
		line += fmt.Sprintf("\tvalid %s: %s", metric.ShortName(), metric.PrettyPrint(validValues[metricIdx]))
		if metric.MetricType() == "macro-f1" || metric.MetricType() == "average-precision" {
			validMetricValue = tensorToFloat(validValues[metricIdx])
		}
	}
	appendResultLine(t.resultsDir, "train.txt", line)

	// The train metric accumulates across batches and is only reset by the
	// trainer at Eval start; restart it here so every train.txt line covers
	// a single epoch, like the validation column.
	t.trainMetric.Reset(t.ctx)

	if validMetricValue > t.bestValue {
		t.bestValue = validMetricValue
		if t.bestCheckpoint != nil {
			if err := t.bestCheckpoint.Save(); err != nil {
				return errors.WithMessage(err, "failed to save best-validation checkpoint")
			}
		}
	}
	return nil
}

func tensorToFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// appendResultLine appends one line to the named results file. A missing
// resultsDir disables results logging.
func appendResultLine(resultsDir, fileName, line string) {
	if resultsDir == "" {
		return
	}
	if err := os.MkdirAll(resultsDir, 0777); err != nil && !os.IsExist(err) {
		klog.Errorf("Failed to create results directory %q: %v", resultsDir, err)
		return
	}
	filePath := path.Join(resultsDir, fileName)
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		klog.Errorf("Failed to open results file %q: %v", filePath, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintln(f, line); err != nil {
		klog.Errorf("Failed to write to results file %q: %v", filePath, err)
	}
}
