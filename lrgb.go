// Package lrgb benchmarks graph neural network architectures on long-range
// graph benchmark datasets. It provides the dataset loaders, optional
// pre-processing transforms (Laplacian eigenvector positional encodings,
// random edge augmentation), the loss and metric definitions and the
// training loop shared by all architectures; the models themselves live in
// the models subpackage.
package lrgb

import (
	"sort"

	"github.com/graphbench/lrgb/models"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Spec describes one benchmark dataset: where to fetch it, what task it
// carries and its training defaults.
type Spec struct {
	// Name identifies the dataset, e.g. "PascalVOC-SP".
	Name string

	// Task is models.TaskNode or models.TaskGraph.
	Task string

	// NumClasses for node tasks is the number of mutually exclusive node
	// classes; for graph tasks the number of independent binary labels.
	NumClasses int

	// MaxNodes and MaxEdges are the per-graph padding sizes; graphs in the
	// dataset are guaranteed to fit.
	MaxNodes, MaxEdges int

	// ZipURL, ZipFile and ZipChecksum locate an optional mirror of the
	// OGB-style archive of gzipped CSV shards. The upstream distribution of
	// the benchmarks is pickled PyTorch tensors, which this loader does not
	// read; the shards are produced once by tools/export_lrgb.py (or served
	// from a mirror of its output). An empty ZipURL skips downloading and
	// expects the shards under the data directory.
	ZipURL, ZipFile, ZipChecksum string

	// ArchiveSubdir is the directory holding the shards, as created by the
	// export script or by unpacking the mirror archive.
	ArchiveSubdir string

	// DefaultLoss and DefaultMetric are used when the caller does not
	// override them: losses are "cross_entropy", "weighted_cross_entropy"
	// or "binary_cross_entropy"; metrics are "macrof1" or "ap".
	DefaultLoss, DefaultMetric string
}

// Catalog lists the supported benchmark datasets by name.
var Catalog = map[string]*Spec{
	"PascalVOC-SP": {
		Name:          "PascalVOC-SP",
		Task:          models.TaskNode,
		NumClasses:    21,
		MaxNodes:      512,
		MaxEdges:      3072,
		ZipFile:       "pascalvoc-sp-csv.zip",
		ArchiveSubdir: "pascalvoc-sp",
		DefaultLoss:   "weighted_cross_entropy",
		DefaultMetric: "macrof1",
	},
	"Peptides-func": {
		Name:          "Peptides-func",
		Task:          models.TaskGraph,
		NumClasses:    10,
		MaxNodes:      448,
		MaxEdges:      1024,
		ZipFile:       "peptides-func-csv.zip",
		ArchiveSubdir: "peptides-func",
		DefaultLoss:   "binary_cross_entropy",
		DefaultMetric: "ap",
	},
}

// SpecByName returns the dataset Spec for name.
func SpecByName(name string) (*Spec, error) {
	spec, found := Catalog[name]
	if !found {
		names := maps.Keys(Catalog)
		sort.Strings(names)
		return nil, errors.Errorf("unknown dataset %q, available datasets: %v", name, names)
	}
	return spec, nil
}

// GraphSample is the host-side representation of one benchmark graph, before it is
// packed into padded tensors.
type GraphSample struct {
	// NodeFeatures is [numNodes][featDim].
	NodeFeatures [][]float32

	// Edges lists directed (source, target) node index pairs. Undirected
	// graphs carry both directions.
	Edges [][2]int32

	// EdgeFeatures is [numEdges][edgeDim], aligned with Edges.
	EdgeFeatures [][]float32

	// NodeLabels is the per-node class, for node tasks.
	NodeLabels []int32

	// GraphLabels is the multi-hot label vector, for graph tasks.
	GraphLabels []float32
}

// NumNodes returns the number of nodes in the graph.
func (g *GraphSample) NumNodes() int { return len(g.NodeFeatures) }

// NumEdges returns the number of directed edges in the graph.
func (g *GraphSample) NumEdges() int { return len(g.Edges) }
