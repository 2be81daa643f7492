// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

func TestPairwiseDistances(t *testing.T) {
	graphtest.RunTestGraphFn(t, "pairwiseDistances",
		func(g *Graph) (inputs, outputs []*Node) {
			inputs = []*Node{Const(g, [][]float32{{1, 1, 1}, {0, 1, 0}, {1, 0, 0}})}
			outputs = []*Node{
				pairwiseDistances(inputs[0], TripletDistanceL2),
				pairwiseDistances(inputs[0], TripletDistanceCosine),
			}
			return
		}, []any{
			[][]float32{{0, math.Sqrt2, math.Sqrt2}, {math.Sqrt2, 0, math.Sqrt2}, {math.Sqrt2, math.Sqrt2, 0}},
			[][]float32{{0, 0.42264974, 0.42264974}, {0.42264974, 0, 1}, {0.42264974, 1, 0}},
		}, 1e-4)
}

func TestTripletSemiHardLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "tripletSemiHardLoss",
		func(g *Graph) (inputs, outputs []*Node) {
			labels := Const(g, []int32{0, 0, 1})
			outputs = []*Node{
				// Positives at distance 2, the negative is closer than both: farthest negative used.
				tripletSemiHardLoss(labels, Const(g, [][]float32{{0}, {2}, {1}}), 0.2, TripletDistanceL2),
				// Anchor 0 has a negative beyond its positive (loss 0), anchor 1 does not (loss 1-0.5+0.2).
				tripletSemiHardLoss(labels, Const(g, [][]float32{{0}, {1}, {1.5}}), 0.2, TripletDistanceL2),
				// Cosine: anchor 1 is equally distant from its positive and the negative.
				tripletSemiHardLoss(labels, Const(g, [][]float32{{1, 0}, {1, 1}, {0, 1}}), 0.2, TripletDistanceCosine),
				// No negatives in the batch.
				tripletSemiHardLoss(Const(g, []int32{3, 3}), Const(g, [][]float32{{0}, {1}}), 0.2, TripletDistanceL2),
			}
			return
		}, []any{
			float32(1.2),
			float32(0.35),
			float32(0.1),
			float32(0),
		}, 1e-4)
}
