package lrgb

import (
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// Supported training criteria.
//
// LossCrossEntropy and LossWeightedCrossEntropy both use the sparse
// categorical cross-entropy over per-node logits; they differ only in the
// per-node weights the dataset packs alongside the labels (a 0/1 padding
// mask vs. balanced class weights). LossBinaryCrossEntropy treats each class
// as an independent binary label, for multilabel graph classification.
const (
	LossCrossEntropy         = "cross_entropy"
	LossWeightedCrossEntropy = "weighted_cross_entropy"
	LossBinaryCrossEntropy   = "binary_cross_entropy"
)

// LossForName maps a criterion name to its loss function.
func LossForName(name string) (losses.LossFn, error) {
	switch name {
	case LossCrossEntropy, LossWeightedCrossEntropy:
		return losses.SparseCategoricalCrossEntropyLogits, nil
	case LossBinaryCrossEntropy:
		return losses.BinaryCrossentropyLogits, nil
	}
	return nil, errors.Errorf("unknown loss %q, valid values are %q, %q and %q",
		name, LossCrossEntropy, LossWeightedCrossEntropy, LossBinaryCrossEntropy)
}
