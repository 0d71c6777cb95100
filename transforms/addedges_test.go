package transforms

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomEdges(t *testing.T) {
	// Path over 6 nodes: 5 undirected edges, plenty of room for new ones.
	var edges [][2]int32
	for i := int32(0); i < 5; i++ {
		edges = append(edges, [2]int32{i, i + 1}, [2]int32{i + 1, i})
	}

	rng := rand.New(rand.NewSource(42))
	added := RandomEdges(6, edges, 0.4, rng) // round(0.4*5) = 2 new edges
	require.Len(t, added, 4)                 // both directions of each

	existing := make(map[[2]int32]bool)
	for _, e := range edges {
		existing[e] = true
	}
	seen := make(map[[2]int32]bool)
	for i := 0; i < len(added); i += 2 {
		fwd, bwd := added[i], added[i+1]
		assert.Equal(t, fwd[0], bwd[1])
		assert.Equal(t, fwd[1], bwd[0])
		assert.NotEqual(t, fwd[0], fwd[1], "self-loop added")
		assert.False(t, existing[fwd], "duplicated an existing edge")
		assert.False(t, seen[fwd], "sampled the same pair twice")
		seen[fwd] = true
		seen[bwd] = true
		assert.Less(t, fwd[0], int32(6))
		assert.Less(t, fwd[1], int32(6))
	}
}

func TestRandomEdges_ZeroRatio(t *testing.T) {
	edges := [][2]int32{{0, 1}, {1, 0}}
	assert.Nil(t, RandomEdges(2, edges, 0, rand.New(rand.NewSource(1))))
}

func TestRandomEdges_CompleteGraphStops(t *testing.T) {
	// Triangle is complete: no pair left to add, even with a huge ratio.
	edges := [][2]int32{
		{0, 1}, {1, 0}, {1, 2}, {2, 1}, {0, 2}, {2, 0},
	}
	added := RandomEdges(3, edges, 10, rand.New(rand.NewSource(1)))
	assert.Empty(t, added)
}

func TestRandomEdges_Deterministic(t *testing.T) {
	edges := [][2]int32{{0, 1}, {1, 0}, {2, 3}, {3, 2}}
	a := RandomEdges(8, edges, 1.0, rand.New(rand.NewSource(7)))
	b := RandomEdges(8, edges, 1.0, rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b)
}
