package lrgb

import (
	"compress/gzip"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGzipCSV(t *testing.T, filePath string, lines ...string) {
	t.Helper()
	f, err := os.Create(filePath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := w.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestParseCSVNumbers(t *testing.T) {
	dir := t.TempDir()
	csvPath := path.Join(dir, "edge.csv.gz")
	cachePath := path.Join(dir, "edge.tensor")
	writeGzipCSV(t, csvPath, "0,1", "1,0", "1,2")

	parsed, err := parseCSVNumbers(csvPath, cachePath, parseInt32)
	require.NoError(t, err)
	require.NoError(t, parsed.Shape().CheckDims(3, 2))
	mustConstFlatData(parsed, func(flat []int32) {
		assert.Equal(t, []int32{0, 1, 1, 0, 1, 2}, flat)
	})

	// A second call loads the cache: remove the CSV to prove it is not read.
	require.NoError(t, os.Remove(csvPath))
	cached, err := parseCSVNumbers(csvPath, cachePath, parseInt32)
	require.NoError(t, err)
	require.NoError(t, cached.Shape().CheckDims(3, 2))
}

func TestParseCSVNumbersFloat(t *testing.T) {
	dir := t.TempDir()
	csvPath := path.Join(dir, "node-feat.csv.gz")
	writeGzipCSV(t, csvPath, "0.5,1.5", "-1.0,2.0")

	parsed, err := parseCSVNumbers(csvPath, path.Join(dir, "node-feat.tensor"), parseFloat32)
	require.NoError(t, err)
	mustConstFlatData(parsed, func(flat []float32) {
		assert.Equal(t, []float32{0.5, 1.5, -1, 2}, flat)
	})
}

func TestParseCSVNumbersRaggedRows(t *testing.T) {
	dir := t.TempDir()
	csvPath := path.Join(dir, "bad.csv.gz")
	writeGzipCSV(t, csvPath, "1,2", "3")

	_, err := parseCSVNumbers(csvPath, "", parseInt32)
	require.Error(t, err)
}

func TestParseCSVNumbersEmpty(t *testing.T) {
	dir := t.TempDir()
	csvPath := path.Join(dir, "empty.csv.gz")
	writeGzipCSV(t, csvPath)

	_, err := parseCSVNumbers(csvPath, "", parseInt32)
	require.Error(t, err)
}

// writeExportedShards lays out the CSV shard tree that tools/export_lrgb.py
// produces for a small 3-graph node-task dataset.
func writeExportedShards(t *testing.T, spec *Spec, baseDir string) {
	t.Helper()
	rawDir := path.Join(baseDir, DownloadSubdir, spec.ArchiveSubdir, "raw")
	splitDir := path.Join(baseDir, DownloadSubdir, spec.ArchiveSubdir, "split")
	require.NoError(t, os.MkdirAll(rawDir, 0777))
	require.NoError(t, os.MkdirAll(splitDir, 0777))

	writeGzipCSV(t, path.Join(rawDir, numNodesCSVFile), "3", "2", "2")
	writeGzipCSV(t, path.Join(rawDir, numEdgesCSVFile), "4", "2", "2")
	writeGzipCSV(t, path.Join(rawDir, edgesCSVFile),
		"0,1", "1,0", "1,2", "2,1", "0,1", "1,0", "0,1", "1,0")
	writeGzipCSV(t, path.Join(rawDir, nodeFeaturesCSV),
		"1,0", "0,1", "1,1", "2,0", "0,2", "3,0", "0,3")
	writeGzipCSV(t, path.Join(rawDir, edgeFeaturesCSV),
		"1", "1", "1", "1", "1", "1", "1", "1")
	writeGzipCSV(t, path.Join(rawDir, nodeLabelsCSVFile), "0", "1", "0", "2", "0", "1", "2")
	writeGzipCSV(t, path.Join(splitDir, "train.csv.gz"), "0")
	writeGzipCSV(t, path.Join(splitDir, "val.csv.gz"), "1")
	writeGzipCSV(t, path.Join(splitDir, "test.csv.gz"), "2")
}

func TestDownloadParsesExportedShards(t *testing.T) {
	dir := t.TempDir()
	spec := testNodeSpec()
	spec.Name = "test-export"
	spec.ArchiveSubdir = "test-export"
	writeExportedShards(t, spec, dir)

	raw, err := spec.Download(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, raw.numGraphs())
	require.NoError(t, raw.nodeFeatures.Shape().CheckDims(7, 2))
	require.NoError(t, raw.edges.Shape().CheckDims(8, 2))
	require.Len(t, raw.splits, 3)

	graphs, err := spec.graphsFromRaw(raw)
	require.NoError(t, err)
	require.Len(t, graphs, 3)
	assert.Equal(t, 3, graphs[0].NumNodes())
	assert.Equal(t, 4, graphs[0].NumEdges())
	assert.Equal(t, []int32{0, 1, 0}, graphs[0].NodeLabels)
	assert.Equal(t, [][]float32{{3, 0}, {0, 3}}, graphs[2].NodeFeatures)

	trainIdx, validIdx, testIdx := spec.splitIndices(raw, 3)
	assert.Equal(t, []int32{0}, trainIdx)
	assert.Equal(t, []int32{1}, validIdx)
	assert.Equal(t, []int32{2}, testIdx)

	// A second Download runs off the cached tensors: remove the shard tree
	// to prove the CSVs are no longer read.
	require.NoError(t, os.RemoveAll(path.Join(dir, DownloadSubdir)))
	cached, err := spec.Download(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cached.numGraphs())
}

func TestDownloadNeedsExportedShards(t *testing.T) {
	spec := testNodeSpec()
	spec.Name = "test-missing"
	spec.ArchiveSubdir = "test-missing"
	_, err := spec.Download(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export_lrgb.py")
}

func TestSpecByName(t *testing.T) {
	spec, err := SpecByName("PascalVOC-SP")
	require.NoError(t, err)
	assert.Equal(t, 21, spec.NumClasses)

	spec, err = SpecByName("Peptides-func")
	require.NoError(t, err)
	assert.Equal(t, 10, spec.NumClasses)

	_, err = SpecByName("QM9")
	require.Error(t, err)
}
