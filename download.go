package lrgb

import (
	"os"
	"path"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/graphbench/lrgb/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DownloadSubdir is the directory under the data dir where archives are
// downloaded and unpacked.
const DownloadSubdir = "downloads"

// Names of the CSV shards inside a dataset archive, relative to its
// "raw/" directory, and of the corresponding cached tensor files.
const (
	numNodesCSVFile    = "num-node-list.csv.gz"
	numEdgesCSVFile    = "num-edge-list.csv.gz"
	edgesCSVFile       = "edge.csv.gz"
	nodeFeaturesCSV    = "node-feat.csv.gz"
	edgeFeaturesCSV    = "edge-feat.csv.gz"
	nodeLabelsCSVFile  = "node-label.csv.gz"
	graphLabelsCSVFile = "graph-label.csv.gz"
)

// splitNames are the canonical split shard names under "split/".
var splitNames = []string{"train", "val", "test"}

// rawData holds the parsed shards of one dataset as flat tensors, the
// concatenation of all graphs. Per-graph boundaries come from the
// numNodesPerGraph / numEdgesPerGraph counts.
type rawData struct {
	numNodesPerGraph *tensors.Tensor // [numGraphs, 1] int32
	numEdgesPerGraph *tensors.Tensor // [numGraphs, 1] int32
	edges            *tensors.Tensor // [totalEdges, 2] int32
	nodeFeatures     *tensors.Tensor // [totalNodes, featDim] float32
	edgeFeatures     *tensors.Tensor // [totalEdges, edgeDim] float32
	nodeLabels       *tensors.Tensor // [totalNodes, 1] int32, node tasks only
	graphLabels      *tensors.Tensor // [numGraphs, numClasses] float32, graph tasks only

	// splits maps split name to a [n, 1] int32 tensor of graph indices.
	// Empty when the archive ships no split files.
	splits map[string]*tensors.Tensor
}

func (raw *rawData) numGraphs() int {
	return raw.numNodesPerGraph.Shape().Dimensions[0]
}

// Download makes sure the dataset's CSV shards are available under baseDir
// and parses them into tensors. Parsed tensors are cached as .tensor files
// under baseDir, so subsequent calls skip the CSV parsing.
//
// The benchmarks are distributed upstream as pickled PyTorch tensors, which
// this loader does not read. The shards are an OGB-style CSV export of that
// distribution, written once by tools/export_lrgb.py; when Spec.ZipURL names
// a mirror of the exported archive it is downloaded and unpacked instead.
func (spec *Spec) Download(baseDir string) (*rawData, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !spec.shardsAvailable(baseDir) {
		if spec.ZipURL == "" {
			return nil, errors.Errorf(
				"dataset %s: no CSV shards under %q and no mirror URL configured -- "+
					"export them once with `python tools/export_lrgb.py --name %s --out %s`",
				spec.Name, path.Join(baseDir, DownloadSubdir, spec.ArchiveSubdir),
				spec.Name, path.Join(baseDir, DownloadSubdir))
		}
		if err := spec.downloadZip(baseDir); err != nil {
			return nil, err
		}
	}
	return spec.parseFromCSV(baseDir)
}

// shardsAvailable reports whether parseFromCSV can run without downloading:
// either the first CSV shard or its cached tensor is already on disk.
func (spec *Spec) shardsAvailable(baseDir string) bool {
	return fsutil.MustFileExists(spec.rawCSVPath(baseDir, numNodesCSVFile)) ||
		fsutil.MustFileExists(spec.cachePath(baseDir, "num_nodes"))
}

// downloadZip downloads and unpacks the archive, removing the zip afterward
// to save disk.
func (spec *Spec) downloadZip(baseDir string) error {
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create download directory %q", downloadPath)
	}
	zipPath := path.Join(downloadPath, spec.ZipFile)
	targetDir := path.Join(downloadPath, spec.ArchiveSubdir)
	err := downloader.DownloadAndUnzipIfMissing(spec.ZipURL, zipPath, downloadPath, targetDir, spec.ZipChecksum)
	if err != nil {
		return errors.WithMessagef(err, "failed to download dataset %q", spec.Name)
	}
	if fsutil.MustFileExists(zipPath) {
		if err := os.Remove(zipPath); err != nil {
			return errors.Wrapf(err, "failed to remove archive %q", zipPath)
		}
	}
	return nil
}

func (spec *Spec) rawCSVPath(baseDir, csvFile string) string {
	return path.Join(baseDir, DownloadSubdir, spec.ArchiveSubdir, "raw", csvFile)
}

func (spec *Spec) cachePath(baseDir, name string) string {
	return path.Join(baseDir, spec.Name+"_"+name+".tensor")
}

func (spec *Spec) parseFromCSV(baseDir string) (*rawData, error) {
	raw := &rawData{splits: make(map[string]*tensors.Tensor)}
	var err error
	raw.numNodesPerGraph, err = parseCSVNumbers(
		spec.rawCSVPath(baseDir, numNodesCSVFile), spec.cachePath(baseDir, "num_nodes"), parseInt32)
	if err != nil {
		return nil, err
	}
	raw.numEdgesPerGraph, err = parseCSVNumbers(
		spec.rawCSVPath(baseDir, numEdgesCSVFile), spec.cachePath(baseDir, "num_edges"), parseInt32)
	if err != nil {
		return nil, err
	}
	raw.edges, err = parseCSVNumbers(
		spec.rawCSVPath(baseDir, edgesCSVFile), spec.cachePath(baseDir, "edges"), parseInt32)
	if err != nil {
		return nil, err
	}
	raw.nodeFeatures, err = parseCSVNumbers(
		spec.rawCSVPath(baseDir, nodeFeaturesCSV), spec.cachePath(baseDir, "node_feat"), parseFloat32)
	if err != nil {
		return nil, err
	}
	raw.edgeFeatures, err = parseCSVNumbers(
		spec.rawCSVPath(baseDir, edgeFeaturesCSV), spec.cachePath(baseDir, "edge_feat"), parseFloat32)
	if err != nil {
		return nil, err
	}

	if spec.Task == models.TaskNode {
		raw.nodeLabels, err = parseCSVNumbers(
			spec.rawCSVPath(baseDir, nodeLabelsCSVFile), spec.cachePath(baseDir, "node_label"), parseInt32)
	} else {
		raw.graphLabels, err = parseCSVNumbers(
			spec.rawCSVPath(baseDir, graphLabelsCSVFile), spec.cachePath(baseDir, "graph_label"), parseFloat32)
	}
	if err != nil {
		return nil, err
	}

	// Split files are optional; absent ones fall back to an index split.
	for _, splitName := range splitNames {
		csvPath := path.Join(baseDir, DownloadSubdir, spec.ArchiveSubdir, "split", splitName+".csv.gz")
		if !fsutil.MustFileExists(csvPath) && !fsutil.MustFileExists(spec.cachePath(baseDir, "split_"+splitName)) {
			continue
		}
		split, err := parseCSVNumbers(csvPath, spec.cachePath(baseDir, "split_"+splitName), parseInt32)
		if err != nil {
			return nil, err
		}
		raw.splits[splitName] = split
	}
	return raw, nil
}

func parseInt32(str string) (int32, error) {
	v, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %q as int32", str)
	}
	return int32(v), nil
}

func parseFloat32(str string) (float32, error) {
	v, err := strconv.ParseFloat(str, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %q as float32", str)
	}
	return float32(v), nil
}

// parseCSVNumbers parses a gzipped CSV file of numbers into a rank-2 tensor,
// one row per line. The parsed tensor is saved to cacheFilePath, and loaded
// from there directly when it already exists.
func parseCSVNumbers[E interface{ int32 | float32 }](
	csvFilePath, cacheFilePath string, parseFn func(string) (E, error)) (*tensors.Tensor, error) {
	if cacheFilePath != "" && fsutil.MustFileExists(cacheFilePath) {
		t, err := tensors.Load(cacheFilePath)
		if err != nil {
			return nil, errors.WithMessagef(err,
				"failed to load cached tensor %q, remove it to regenerate from the CSV", cacheFilePath)
		}
		return t, nil
	}

	if stat, err := os.Stat(csvFilePath); err == nil {
		klog.Infof("Parsing %q (%s)", csvFilePath, humanize.Bytes(uint64(stat.Size())))
	}
	var flat []E
	numCols := -1
	rowNum := 0
	err := downloader.ParseGzipCSVFile(csvFilePath, func(row []string) error {
		if numCols == -1 {
			numCols = len(row)
		} else if len(row) != numCols {
			return errors.Errorf("line %d of %q has %d columns, previous lines had %d",
				rowNum+1, csvFilePath, len(row), numCols)
		}
		for colIdx, cell := range row {
			value, err := parseFn(cell)
			if err != nil {
				return errors.WithMessagef(err, "row=%d, col=%d of %q", rowNum, colIdx, csvFilePath)
			}
			flat = append(flat, value)
		}
		rowNum++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rowNum == 0 || numCols <= 0 {
		return nil, errors.Errorf("no data found in %q", csvFilePath)
	}
	t := tensors.FromFlatDataAndDimensions(flat, rowNum, numCols)
	if cacheFilePath != "" {
		if err := t.Save(cacheFilePath); err != nil {
			return nil, errors.WithMessagef(err, "parsed %q but failed to cache it to %q",
				csvFilePath, cacheFilePath)
		}
	}
	return t, nil
}
