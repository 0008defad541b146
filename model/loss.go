package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// structureWeights emphasizes pixels whose 31x31 neighborhood average
// disagrees with the mask value: boundaries (and image borders, since the
// padded window counts as zeros) weigh up to 6 times more than interior
// pixels.
func structureWeights(mask *Node) *Node {
	// Sum-pool divided by the full window size, so zero padding is included
	// in the average.
	neighborhood := DivScalar(SumPool(mask).Window(31).Strides(1).PadSame().Done(), 31*31)
	return AddScalar(MulScalar(Abs(Sub(neighborhood, mask)), 5), 1)
}

// StructureLoss is a losses.LossFn for binary segmentation: a border-weighted
// binary cross-entropy plus a weighted IoU term, weighted by
// structureWeights.
//
// labels[0] is the ground-truth mask in [0, 1], predictions[0] the logit map,
// both shaped [batch, height, width, 1]. Returns a scalar.
func StructureLoss(labels, predictions []*Node) *Node {
	mask, logits := labels[0], predictions[0]
	weights := structureWeights(mask)

	// Numerically stable BCE with logits: relu(x) - x*z + log(1+exp(-|x|)).
	bce := Add(
		Sub(activations.Relu(logits), Mul(logits, mask)),
		Log1P(Exp(Neg(Abs(logits)))))
	weightedBCE := Div(
		ReduceSum(Mul(weights, bce), 1, 2),
		ReduceSum(weights, 1, 2))

	probs := Sigmoid(logits)
	intersection := ReduceSum(Mul(Mul(probs, mask), weights), 1, 2)
	union := ReduceSum(Mul(Add(probs, mask), weights), 1, 2)
	weightedIoU := OneMinus(Div(
		AddScalar(intersection, 1),
		AddScalar(Sub(union, intersection), 1)))

	return ReduceAllMean(Add(weightedBCE, weightedIoU))
}
