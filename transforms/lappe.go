// Package transforms implements graph pre-processing transforms applied to
// the host-side graph representation before it is packed into tensors:
// Laplacian eigenvector positional encodings and random edge augmentation.
package transforms

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LaplacianPE computes a k-dimensional Laplacian eigenvector positional
// encoding for a graph with numNodes nodes and the given directed edge list
// (pairs of node indices). The edge list is symmetrized, the symmetric
// normalized Laplacian L = I - D^{-1/2} A D^{-1/2} is eigendecomposed, and
// the k eigenvectors following the trivial (constant) one are returned, one
// row per node.
//
// The sign of each eigenvector is arbitrary; it is fixed by making the first
// entry with absolute value above 1e-8 positive, so encodings are
// deterministic across runs. Graphs with fewer than k+1 nodes get the
// missing columns zero-padded.
func LaplacianPE(numNodes int, edges [][2]int32, k int) ([][]float32, error) {
	if k <= 0 {
		return nil, errors.Errorf("positional encoding dimension must be positive, got %d", k)
	}
	if numNodes <= 0 {
		return nil, errors.Errorf("graph must have at least one node, got %d", numNodes)
	}
	pe := make([][]float32, numNodes)
	for i := range pe {
		pe[i] = make([]float32, k)
	}

	// Symmetrized adjacency without self-loops or duplicates.
	adj := make(map[[2]int32]bool, 2*len(edges))
	degree := make([]float64, numNodes)
	for _, e := range edges {
		src, tgt := e[0], e[1]
		if src == tgt || int(src) >= numNodes || int(tgt) >= numNodes {
			continue
		}
		if src > tgt {
			src, tgt = tgt, src
		}
		pair := [2]int32{src, tgt}
		if adj[pair] {
			continue
		}
		adj[pair] = true
		degree[src]++
		degree[tgt]++
	}

	laplacian := mat.NewSymDense(numNodes, nil)
	for i := 0; i < numNodes; i++ {
		laplacian.SetSym(i, i, 1)
	}
	for pair := range adj {
		i, j := int(pair[0]), int(pair[1])
		laplacian.SetSym(i, j, -1/math.Sqrt(degree[i]*degree[j]))
	}

	var eig mat.EigenSym
	if !eig.Factorize(laplacian, true) {
		return nil, errors.Errorf("eigendecomposition of %d-node graph Laplacian failed", numNodes)
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Eigenvalues come in ascending order; column 0 is the trivial
	// eigenvector, the encoding starts at column 1.
	numCols := numNodes - 1
	if numCols > k {
		numCols = k
	}
	for c := 0; c < numCols; c++ {
		col := mat.Col(nil, c+1, &vectors)
		sign := 1.0
		for _, v := range col {
			if math.Abs(v) > 1e-8 {
				if v < 0 {
					sign = -1.0
				}
				break
			}
		}
		for i := 0; i < numNodes; i++ {
			pe[i][c] = float32(sign * col[i])
		}
	}
	return pe, nil
}
