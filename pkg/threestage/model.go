// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// ModelScope is the scope of all model variables. The stages are sub-scopes named after Stage.String.
const ModelScope = "model"

// Outputs of ModelGraph, in order.
const (
	OutputLogits = iota
	OutputEmbeddings
	OutputFeatures
	OutputHeadLogits
	NumOutputs
)

var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// ModelGraph implements train.ModelFn. inputs[0] are the images shaped [batch, height, width, 3] with values in [0, 1].
//
// It returns the logits [batch, num_classes], the L2-normalized embeddings [batch, embedding_dim],
// the trunk features [batch, features] and the logits of the classifier applied to the embeddings with
// the gradient stopped [batch, num_classes] (indexed by OutputLogits, OutputEmbeddings, etc.).
func (n *Network) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In(ModelScope)
	cfg := &n.cfg
	images := inputs[0]
	g := images.Graph()
	dtype := cfg.DType
	if images.DType() != dtype {
		images = ConvertDType(images, dtype)
	}
	mean := ConvertDType(Reshape(Const(g, imageNetMean), 1, 1, 1, 3), dtype)
	std := ConvertDType(Reshape(Const(g, imageNetStd), 1, 1, 1, 3), dtype)
	images = Div(Sub(images, mean), std)

	features := n.trunkFn(ctx.In(StageTrunk.String()), images)
	batchSize := features.Shape().Dim(0)

	embeddings := features
	if cfg.DropoutRate > 0 {
		embeddings = layers.DropoutNormalize(ctx.In("dropout"), embeddings, Scalar(g, dtype, cfg.DropoutRate), true)
	}
	embeddings = layers.Dense(ctx.In(StageEmbedder.String()), embeddings, true, cfg.EmbeddingDim)
	embeddings = l2Normalize(embeddings)
	embeddings.AssertDims(batchSize, cfg.EmbeddingDim)

	classifierCtx := ctx.In(StageClassifier.String())
	logits := layers.Dense(classifierCtx, embeddings, true, cfg.NumClasses)
	headLogits := layers.Dense(classifierCtx.Reuse(), StopGradient(embeddings), true, cfg.NumClasses)
	logits.AssertDims(batchSize, cfg.NumClasses)
	return []*Node{logits, embeddings, features, headLogits}
}

// l2Normalize normalizes x [batch, dim] to unit length on its last axis.
func l2Normalize(x *Node) *Node {
	g := x.Graph()
	norm := Sqrt(Max(ReduceSum(Square(x), -1), Scalar(g, x.DType(), 1e-12)))
	return Div(x, Reshape(norm, x.Shape().Dim(0), 1))
}

// lossFn returns the combined loss for the given ratios, see TrainConfig.LossRatios.
//
// labels[0] are the class ids [batch, 1]; if present, labels[1] are per-example weights [batch]
// applied to the cross-entropy terms.
func (n *Network) lossFn(ratios [NumLosses]float64) func(labels, predictions []*Node) *Node {
	margin := n.cfg.TripletMargin
	return func(labels, predictions []*Node) *Node {
		logits := predictions[OutputLogits]
		g := logits.Graph()
		dtype := logits.DType()
		batchSize := logits.Shape().Dim(0)
		flatLabels := Reshape(labels[0], batchSize)

		terms := [NumLosses]func() *Node{
			func() *Node {
				return tripletSemiHardLoss(flatLabels, predictions[OutputEmbeddings], margin, TripletDistanceL2)
			},
			func() *Node {
				return losses.SparseCategoricalCrossEntropyLogits(labels, predictions[OutputLogits:OutputLogits+1])
			},
			func() *Node {
				return tripletSemiHardLoss(flatLabels, predictions[OutputFeatures], margin, TripletDistanceCosine)
			},
			func() *Node {
				return losses.SparseCategoricalCrossEntropyLogits(labels, predictions[OutputHeadLogits:OutputHeadLogits+1])
			},
		}
		loss := ScalarZero(g, dtype)
		for ii, ratio := range ratios {
			if ratio == 0 {
				continue
			}
			term := ReduceAllMean(terms[ii]())
			if term.DType() != dtype {
				term = ConvertDType(term, dtype)
			}
			loss = Add(loss, MulScalar(term, ratio))
		}
		return loss
	}
}
