package lrgb

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/graphbench/lrgb/models"
	"github.com/graphbench/lrgb/transforms"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configures the optional pre-processing transforms applied to every
// graph before packing.
type Options struct {
	// PosEncoding is "none" or "lap" (Laplacian eigenvector positional
	// encoding concatenated to the node features).
	PosEncoding string

	// PosEncodingDim is the number of eigenvectors used by "lap".
	PosEncodingDim int

	// AddEdgesRatio, when positive, adds that fraction of random new
	// undirected edges to every graph.
	AddEdgesRatio float64

	// Seed drives the random edge augmentation.
	Seed int64
}

// Benchmark bundles the prepared datasets of one benchmark run.
type Benchmark struct {
	Spec *Spec

	// Train yields shuffled batches forever; the trainer bounds it by step
	// count. TrainEval, ValidEval and TestEval yield one epoch each.
	Train, TrainEval, ValidEval, TestEval train.Dataset

	// NumTrainGraphs is the size of the training split, before batching.
	NumTrainGraphs int
}

// graphsFromRaw slices the flat shard tensors into per-graph host structs.
func (spec *Spec) graphsFromRaw(raw *rawData) ([]*GraphSample, error) {
	numGraphs := raw.numGraphs()
	graphs := make([]*GraphSample, numGraphs)

	var nodeCounts, edgeCounts []int32
	mustConstFlatData(raw.numNodesPerGraph, func(flat []int32) { nodeCounts = flat })
	mustConstFlatData(raw.numEdgesPerGraph, func(flat []int32) { edgeCounts = flat })

	featDim := raw.nodeFeatures.Shape().Dimensions[1]
	edgeDim := raw.edgeFeatures.Shape().Dimensions[1]

	var err error
	mustConstFlatData(raw.nodeFeatures, func(nodeFeat []float32) {
		mustConstFlatData(raw.edgeFeatures, func(edgeFeat []float32) {
			mustConstFlatData(raw.edges, func(edges []int32) {
				nodeOffset, edgeOffset := 0, 0
				for graphIdx := 0; graphIdx < numGraphs; graphIdx++ {
					numNodes, numEdges := int(nodeCounts[graphIdx]), int(edgeCounts[graphIdx])
					if numNodes > spec.MaxNodes || numEdges > spec.MaxEdges {
						err = errors.Errorf(
							"graph %d of %s has %d nodes and %d edges, exceeding the padding sizes (%d, %d)",
							graphIdx, spec.Name, numNodes, numEdges, spec.MaxNodes, spec.MaxEdges)
						return
					}
					g := &GraphSample{
						NodeFeatures: make([][]float32, numNodes),
						Edges:        make([][2]int32, numEdges),
						EdgeFeatures: make([][]float32, numEdges),
					}
					for i := 0; i < numNodes; i++ {
						row := nodeFeat[(nodeOffset+i)*featDim : (nodeOffset+i+1)*featDim]
						g.NodeFeatures[i] = append([]float32(nil), row...)
					}
					for e := 0; e < numEdges; e++ {
						g.Edges[e] = [2]int32{edges[(edgeOffset+e)*2], edges[(edgeOffset+e)*2+1]}
						row := edgeFeat[(edgeOffset+e)*edgeDim : (edgeOffset+e+1)*edgeDim]
						g.EdgeFeatures[e] = append([]float32(nil), row...)
					}
					graphs[graphIdx] = g
					nodeOffset += numNodes
					edgeOffset += numEdges
				}
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if spec.Task == models.TaskNode {
		mustConstFlatData(raw.nodeLabels, func(labels []int32) {
			nodeOffset := 0
			for _, g := range graphs {
				g.NodeLabels = append([]int32(nil), labels[nodeOffset:nodeOffset+g.NumNodes()]...)
				nodeOffset += g.NumNodes()
			}
		})
	} else {
		numClasses := raw.graphLabels.Shape().Dimensions[1]
		if numClasses != spec.NumClasses {
			return nil, errors.Errorf("dataset %s labels have %d classes, spec says %d",
				spec.Name, numClasses, spec.NumClasses)
		}
		mustConstFlatData(raw.graphLabels, func(labels []float32) {
			for graphIdx, g := range graphs {
				g.GraphLabels = append([]float32(nil), labels[graphIdx*numClasses:(graphIdx+1)*numClasses]...)
			}
		})
	}
	return graphs, nil
}

// mustConstFlatData panics on access errors; shard tensors are always local.
func mustConstFlatData[T interface{ int32 | float32 }](t *tensors.Tensor, fn func(flat []T)) {
	if err := tensors.ConstFlatData(t, fn); err != nil {
		panic(err)
	}
}

// mustMutableFlatData panics on access errors; packing tensors are freshly
// allocated and local, so access never fails.
func mustMutableFlatData[T interface{ int32 | float32 | bool }](t *tensors.Tensor, fn func(flat []T)) {
	if err := tensors.MutableFlatData(t, fn); err != nil {
		panic(err)
	}
}

// applyTransforms runs the configured transforms over every graph, in place.
func applyTransforms(graphs []*GraphSample, opts Options) error {
	if opts.AddEdgesRatio > 0 {
		rng := rand.New(rand.NewSource(opts.Seed))
		for _, g := range graphs {
			newEdges := transforms.RandomEdges(g.NumNodes(), g.Edges, opts.AddEdgesRatio, rng)
			edgeDim := 0
			if len(g.EdgeFeatures) > 0 {
				edgeDim = len(g.EdgeFeatures[0])
			}
			for _, e := range newEdges {
				g.Edges = append(g.Edges, e)
				g.EdgeFeatures = append(g.EdgeFeatures, make([]float32, edgeDim))
			}
		}
	}
	switch opts.PosEncoding {
	case "", "none":
	case "lap":
		for _, g := range graphs {
			pe, err := transforms.LaplacianPE(g.NumNodes(), g.Edges, opts.PosEncodingDim)
			if err != nil {
				return err
			}
			for i := range g.NodeFeatures {
				g.NodeFeatures[i] = append(g.NodeFeatures[i], pe[i]...)
			}
		}
	default:
		return errors.Errorf("unknown positional encoding %q, valid values are \"none\" and \"lap\"",
			opts.PosEncoding)
	}
	return nil
}

// splitIndices returns the train/validation/test graph indices, from the
// dataset's split files when present, otherwise splitting 60/20/20 by index.
func (spec *Spec) splitIndices(raw *rawData, numGraphs int) (train, valid, test []int32) {
	if raw != nil && len(raw.splits) == len(splitNames) {
		extract := func(name string) []int32 {
			var indices []int32
			mustConstFlatData(raw.splits[name], func(flat []int32) {
				indices = append([]int32(nil), flat...)
			})
			return indices
		}
		return extract("train"), extract("val"), extract("test")
	}
	trainEnd := numGraphs * 6 / 10
	validEnd := numGraphs * 8 / 10
	for i := 0; i < numGraphs; i++ {
		switch {
		case i < trainEnd:
			train = append(train, int32(i))
		case i < validEnd:
			valid = append(valid, int32(i))
		default:
			test = append(test, int32(i))
		}
	}
	return
}

// ClassWeights computes balanced per-class weights over the node labels of
// the given graphs: weight_c = totalNodes / (numClasses * count_c). Classes
// absent from the sample get weight zero.
func ClassWeights(graphs []*GraphSample, numClasses int) []float32 {
	counts := make([]int, numClasses)
	total := 0
	for _, g := range graphs {
		for _, label := range g.NodeLabels {
			if int(label) < numClasses {
				counts[label]++
				total++
			}
		}
	}
	weights := make([]float32, numClasses)
	for c, count := range counts {
		if count > 0 {
			weights[c] = float32(total) / (float32(numClasses) * float32(count))
		}
	}
	return weights
}

// pack pads the graphs into fixed-shape tensors: the model inputs plus the
// labels (and per-node loss weights, for node tasks). classWeights applies
// balanced class weighting; pass nil for plain masking weights.
func (spec *Spec) pack(graphs []*GraphSample, classWeights []float32) (inputs, labels []any, err error) {
	if len(graphs) == 0 {
		return nil, nil, errors.Errorf("cannot pack an empty list of graphs for %s", spec.Name)
	}
	numGraphs := len(graphs)
	maxN, maxE := spec.MaxNodes, spec.MaxEdges
	featDim := len(graphs[0].NodeFeatures[0])
	edgeDim := 0
	if len(graphs[0].EdgeFeatures) > 0 {
		edgeDim = len(graphs[0].EdgeFeatures[0])
	}
	if edgeDim == 0 {
		edgeDim = 1 // Padding column, so the tensor has a valid shape.
	}

	for graphIdx, g := range graphs {
		if g.NumNodes() > maxN || g.NumEdges() > maxE {
			return nil, nil, errors.Errorf(
				"graph %d of %s has %d nodes and %d edges after transforms, exceeding the padding sizes (%d, %d)",
				graphIdx, spec.Name, g.NumNodes(), g.NumEdges(), maxN, maxE)
		}
	}

	nodeFeatures := tensors.FromShape(shapes.Make(dtypes.Float32, numGraphs, maxN, featDim))
	nodeMask := tensors.FromShape(shapes.Make(dtypes.Bool, numGraphs, maxN))
	edgePairs := tensors.FromShape(shapes.Make(dtypes.Int32, numGraphs, maxE, 2))
	edgeFeatures := tensors.FromShape(shapes.Make(dtypes.Float32, numGraphs, maxE, edgeDim))
	edgeMask := tensors.FromShape(shapes.Make(dtypes.Bool, numGraphs, maxE))

	mustMutableFlatData(nodeFeatures, func(nodeFeatFlat []float32) {
		for graphIdx, g := range graphs {
			for i, row := range g.NodeFeatures {
				copy(nodeFeatFlat[(graphIdx*maxN+i)*featDim:], row)
			}
		}
	})
	mustMutableFlatData(nodeMask, func(nodeMaskFlat []bool) {
		for graphIdx, g := range graphs {
			for i := range g.NodeFeatures {
				nodeMaskFlat[graphIdx*maxN+i] = true
			}
		}
	})
	mustMutableFlatData(edgePairs, func(edgeFlat []int32) {
		for graphIdx, g := range graphs {
			for e, pair := range g.Edges {
				edgeFlat[(graphIdx*maxE+e)*2] = pair[0]
				edgeFlat[(graphIdx*maxE+e)*2+1] = pair[1]
			}
		}
	})
	mustMutableFlatData(edgeFeatures, func(edgeFeatFlat []float32) {
		for graphIdx, g := range graphs {
			for e, row := range g.EdgeFeatures {
				copy(edgeFeatFlat[(graphIdx*maxE+e)*edgeDim:], row)
			}
		}
	})
	mustMutableFlatData(edgeMask, func(edgeMaskFlat []bool) {
		for graphIdx, g := range graphs {
			for e := range g.Edges {
				edgeMaskFlat[graphIdx*maxE+e] = true
			}
		}
	})
	inputs = []any{nodeFeatures, nodeMask, edgePairs, edgeFeatures, edgeMask}

	if spec.Task == models.TaskNode {
		nodeLabels := tensors.FromShape(shapes.Make(dtypes.Int32, numGraphs, maxN, 1))
		weights := tensors.FromShape(shapes.Make(dtypes.Float32, numGraphs, maxN))
		mustMutableFlatData(nodeLabels, func(labelsFlat []int32) {
			for graphIdx, g := range graphs {
				copy(labelsFlat[graphIdx*maxN:], g.NodeLabels)
			}
		})
		mustMutableFlatData(weights, func(weightsFlat []float32) {
			for graphIdx, g := range graphs {
				for i, label := range g.NodeLabels {
					if classWeights != nil {
						weightsFlat[graphIdx*maxN+i] = classWeights[label]
					} else {
						weightsFlat[graphIdx*maxN+i] = 1
					}
				}
			}
		})
		labels = []any{nodeLabels, weights}
		return inputs, labels, nil
	}

	graphLabels := tensors.FromShape(shapes.Make(dtypes.Float32, numGraphs, spec.NumClasses))
	mustMutableFlatData(graphLabels, func(labelsFlat []float32) {
		for graphIdx, g := range graphs {
			copy(labelsFlat[graphIdx*spec.NumClasses:], g.GraphLabels)
		}
	})
	labels = []any{graphLabels}
	return inputs, labels, nil
}

// selectGraphs returns the graphs at the given indices.
func selectGraphs(graphs []*GraphSample, indices []int32) []*GraphSample {
	selected := make([]*GraphSample, 0, len(indices))
	for _, idx := range indices {
		selected = append(selected, graphs[idx])
	}
	return selected
}

// NewBenchmark downloads (if needed) and prepares the datasets of a
// benchmark run: an infinite shuffled training dataset plus one-epoch
// evaluation datasets for the three splits. When criterion is
// "weighted_cross_entropy", per-node loss weights use balanced class weights
// computed over the training split.
func NewBenchmark(backend backends.Backend, spec *Spec, baseDir string,
	batchSize, evalBatchSize int, criterion string, opts Options) (*Benchmark, error) {
	raw, err := spec.Download(baseDir)
	if err != nil {
		return nil, err
	}
	graphs, err := spec.graphsFromRaw(raw)
	if err != nil {
		return nil, err
	}
	return spec.buildBenchmark(backend, graphs, raw, batchSize, evalBatchSize, criterion, opts)
}

// NewSyntheticBenchmark builds a benchmark over small random graphs with the
// same tensor layout as the real datasets. It needs no downloads and is used
// by the smoke-test mode and by tests.
func NewSyntheticBenchmark(backend backends.Backend, task string,
	batchSize int, criterion string, opts Options) (*Benchmark, error) {
	spec, graphs := synthetic(task, 32, opts.Seed)
	return spec.buildBenchmark(backend, graphs, nil, batchSize, batchSize, criterion, opts)
}

func (spec *Spec) buildBenchmark(backend backends.Backend, graphs []*GraphSample, raw *rawData,
	batchSize, evalBatchSize int, criterion string, opts Options) (*Benchmark, error) {
	if err := applyTransforms(graphs, opts); err != nil {
		return nil, err
	}
	trainIdx, validIdx, testIdx := spec.splitIndices(raw, len(graphs))
	trainGraphs := selectGraphs(graphs, trainIdx)
	validGraphs := selectGraphs(graphs, validIdx)
	testGraphs := selectGraphs(graphs, testIdx)
	klog.Infof("%s: %d train / %d validation / %d test graphs",
		spec.Name, len(trainGraphs), len(validGraphs), len(testGraphs))

	var classWeights []float32
	if criterion == "weighted_cross_entropy" {
		if spec.Task != models.TaskNode {
			return nil, errors.Errorf("weighted_cross_entropy requires a node task, dataset %s is a %s task",
				spec.Name, spec.Task)
		}
		classWeights = ClassWeights(trainGraphs, spec.NumClasses)
	}

	benchmark := &Benchmark{Spec: spec, NumTrainGraphs: len(trainGraphs)}
	for _, part := range []struct {
		name    string
		graphs  []*GraphSample
		train   bool
		target  *train.Dataset
		weights []float32
	}{
		{name: "train", graphs: trainGraphs, train: true, target: &benchmark.Train, weights: classWeights},
		{name: "train-eval", graphs: trainGraphs, target: &benchmark.TrainEval, weights: classWeights},
		{name: "valid", graphs: validGraphs, target: &benchmark.ValidEval, weights: classWeights},
		{name: "test", graphs: testGraphs, target: &benchmark.TestEval, weights: classWeights},
	} {
		inputs, labels, err := spec.pack(part.graphs, part.weights)
		if err != nil {
			return nil, err
		}
		ds, err := datasets.InMemoryFromData(backend, spec.Name+"-"+part.name, inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build dataset %s/%s", spec.Name, part.name)
		}
		if part.train {
			*part.target = ds.BatchSize(batchSize, true).Shuffle().Infinite(true)
		} else {
			*part.target = ds.BatchSize(evalBatchSize, false)
		}
	}
	return benchmark, nil
}

// synthetic builds numGraphs small random graphs for the given task: a ring
// over 4 to 12 nodes plus a few random chords, random features and labels.
func synthetic(task string, numGraphs int, seed int64) (*Spec, []*GraphSample) {
	spec := &Spec{
		Name:          "synthetic-" + task,
		Task:          task,
		NumClasses:    4,
		MaxNodes:      16,
		MaxEdges:      48,
		DefaultLoss:   "cross_entropy",
		DefaultMetric: "macrof1",
	}
	if task == models.TaskGraph {
		spec.DefaultLoss = "binary_cross_entropy"
		spec.DefaultMetric = "ap"
	}
	const featDim = 8
	rng := rand.New(rand.NewSource(seed + 1))
	graphs := make([]*GraphSample, numGraphs)
	for graphIdx := range graphs {
		numNodes := 4 + rng.Intn(9)
		g := &GraphSample{}
		for i := 0; i < numNodes; i++ {
			features := make([]float32, featDim)
			for d := range features {
				features[d] = float32(rng.NormFloat64())
			}
			g.NodeFeatures = append(g.NodeFeatures, features)
		}
		addEdge := func(src, tgt int32) {
			g.Edges = append(g.Edges, [2]int32{src, tgt}, [2]int32{tgt, src})
			g.EdgeFeatures = append(g.EdgeFeatures, []float32{1}, []float32{1})
		}
		for i := 0; i < numNodes; i++ {
			addEdge(int32(i), int32((i+1)%numNodes))
		}
		for i := 0; i < numNodes/3; i++ {
			src, tgt := rng.Intn(numNodes), rng.Intn(numNodes)
			if src != tgt {
				addEdge(int32(src), int32(tgt))
			}
		}
		if task == models.TaskNode {
			for i := 0; i < numNodes; i++ {
				g.NodeLabels = append(g.NodeLabels, int32(rng.Intn(spec.NumClasses)))
			}
		} else {
			g.GraphLabels = make([]float32, spec.NumClasses)
			for c := range g.GraphLabels {
				if rng.Intn(2) == 1 {
					g.GraphLabels[c] = 1
				}
			}
		}
		graphs[graphIdx] = g
	}
	return spec, graphs
}
