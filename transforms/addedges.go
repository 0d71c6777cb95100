package transforms

import (
	"math"
	"math/rand"
)

// RandomEdges samples new undirected edges between currently non-adjacent
// node pairs, uniformly at random. The number of new undirected edges is
// round(ratio * E) where E is the number of undirected edges in the input
// (the input edge list is interpreted as containing both directions of each
// edge). Both directions of every new edge are returned, to be appended to
// the graph's edge list. A ratio of zero returns nil.
//
// Sampling stops early if the graph runs out of non-adjacent pairs.
func RandomEdges(numNodes int, edges [][2]int32, ratio float64, rng *rand.Rand) [][2]int32 {
	if ratio <= 0 || numNodes < 2 {
		return nil
	}
	adj := make(map[[2]int32]bool, len(edges))
	numUndirected := 0
	for _, e := range edges {
		src, tgt := e[0], e[1]
		if src == tgt {
			continue
		}
		if src > tgt {
			src, tgt = tgt, src
		}
		pair := [2]int32{src, tgt}
		if !adj[pair] {
			adj[pair] = true
			numUndirected++
		}
	}

	numToAdd := int(math.Round(ratio * float64(numUndirected)))
	maxPossible := numNodes*(numNodes-1)/2 - numUndirected
	if numToAdd > maxPossible {
		numToAdd = maxPossible
	}
	if numToAdd <= 0 {
		return nil
	}

	added := make([][2]int32, 0, 2*numToAdd)
	for len(added) < 2*numToAdd {
		src := int32(rng.Intn(numNodes))
		tgt := int32(rng.Intn(numNodes))
		if src == tgt {
			continue
		}
		lo, hi := src, tgt
		if lo > hi {
			lo, hi = hi, lo
		}
		pair := [2]int32{lo, hi}
		if adj[pair] {
			continue
		}
		adj[pair] = true
		added = append(added, [2]int32{src, tgt}, [2]int32{tgt, src})
	}
	return added
}
