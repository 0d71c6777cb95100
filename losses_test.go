package lrgb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossForName(t *testing.T) {
	for _, name := range []string{LossCrossEntropy, LossWeightedCrossEntropy, LossBinaryCrossEntropy} {
		lossFn, err := LossForName(name)
		require.NoError(t, err, "loss %q", name)
		assert.NotNil(t, lossFn, "loss %q", name)
	}

	_, err := LossForName("hinge")
	require.Error(t, err)
}
