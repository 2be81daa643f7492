// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// TripletDistance selects how pairwise distances between embeddings are measured by tripletSemiHardLoss.
type TripletDistance int

const (
	// TripletDistanceL2 is the euclidean distance.
	TripletDistanceL2 TripletDistance = iota

	// TripletDistanceCosine is one minus the cosine similarity.
	TripletDistanceCosine
)

// pairwiseDistances returns the [batch, batch] matrix of distances between the rows of embeddings [batch, dim].
// The diagonal is exactly 0.
func pairwiseDistances(embeddings *Node, distance TripletDistance) *Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	batchSize := embeddings.Shape().Dim(0)
	dot := MatMul(embeddings, Transpose(embeddings, 0, 1))
	zeros := ZerosLike(dot)
	eye := identityMask(g, batchSize)

	if distance == TripletDistanceCosine {
		normalized := l2Normalize(embeddings)
		similarity := MatMul(normalized, Transpose(normalized, 0, 1))
		distances := Max(Sub(ScalarOne(g, dtype), similarity), ScalarZero(g, dtype))
		return Where(eye, zeros, distances)
	}

	// ||a-b||^2 = ||a||^2 - 2<a,b> + ||b||^2, clipped at 0 for rounding errors.
	squaredNorms := ReduceSum(Square(embeddings), -1)
	squared := Add(Add(
		Reshape(squaredNorms, batchSize, 1),
		MulScalar(dot, -2)),
		Reshape(squaredNorms, 1, batchSize))
	squared = Where(eye, zeros, Max(squared, ScalarZero(g, dtype)))

	// The gradient of Sqrt at 0 is infinite: take it on a placeholder and zero those entries back.
	isZero := Equal(squared, zeros)
	distances := Sqrt(Where(isZero, OnesLike(squared), squared))
	return Where(isZero, zeros, distances)
}

// identityMask returns a boolean [n, n] matrix that is true only on the diagonal.
func identityMask(g *Graph, n int) *Node {
	shape := shapes.Make(dtypes.Int32, n, n)
	return Equal(Iota(g, shape, 0), Iota(g, shape, 1))
}

// tripletSemiHardLoss returns the mean semi-hard triplet loss of the embeddings [batch, dim] given
// their labels [batch].
//
// Every pair (anchor, positive) of distinct examples with the same label is paired with a negative
// (different label): the closest negative that is farther than the positive if there is one, otherwise
// the farthest negative. The loss of the triplet is max(d(a,p) - d(a,n) + margin, 0), averaged over
// the pairs. Anchors without any negative in the batch are ignored, and a batch without any pair
// yields 0.
func tripletSemiHardLoss(labels, embeddings *Node, margin float64, distance TripletDistance) *Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	batchSize := embeddings.Shape().Dim(0)
	labels = Reshape(labels, batchSize)
	dims := []int{batchSize, batchSize, batchSize}

	// Pairwise matrices are indexed [anchor, other].
	distances := pairwiseDistances(embeddings, distance)
	sameLabel := Equal(Reshape(labels, batchSize, 1), Reshape(labels, 1, batchSize))
	negatives := LogicalNot(sameLabel)
	positives := And(sameLabel, LogicalNot(identityMask(g, batchSize)))
	hasNegative := LogicalAny(negatives, 1) // [anchor]
	validPairs := And(positives, BroadcastToDims(Reshape(hasNegative, batchSize, 1), batchSize, batchSize))

	// Triplet tensors are indexed [anchor, positive, negative].
	anchorNegative := BroadcastToDims(Reshape(distances, batchSize, 1, batchSize), dims...)
	anchorPositive := BroadcastToDims(Reshape(distances, batchSize, batchSize, 1), dims...)
	outside := And(
		BroadcastToDims(Reshape(negatives, batchSize, 1, batchSize), dims...),
		GreaterThan(anchorNegative, anchorPositive))
	// Masked entries are pushed beyond any real distance before the reductions.
	beyond := AddScalar(ReduceAllMax(distances), 1)
	closestOutside := ReduceMin(Where(outside, anchorNegative, Add(anchorNegative, beyond)), 2)
	farthestInside := ReduceMax(Where(negatives, distances, Sub(distances, beyond)), 1)
	semiHard := Where(LogicalAny(outside, 2),
		closestOutside,
		BroadcastToDims(Reshape(farthestInside, batchSize, 1), batchSize, batchSize))

	losses := Max(AddScalar(Sub(distances, semiHard), margin), ScalarZero(g, dtype))
	zeros := ZerosLike(losses)
	numPairs := ReduceAllSum(Where(validPairs, OnesLike(losses), zeros))
	total := ReduceAllSum(Where(validPairs, losses, zeros))
	return Div(total, Max(numPairs, ScalarOne(g, dtype)))
}
