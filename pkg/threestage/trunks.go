// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// TrunkFn builds the trunk graph: it takes normalized images shaped [batch, height, width, 3] and
// returns the pooled features shaped [batch, features].
type TrunkFn func(ctx *context.Context, images *Node) *Node

// Trunks maps the names accepted by Config.TrunkArchitecture to their builders.
//
// "efficientnet-b0" is the fused-MBConv variant described in EfficientNetB0: its variables differ in
// shape and scope from the reference EfficientNet-B0, so ImageNet weights published for that model
// can't be loaded with Network.LoadWeights. Pretrained weights must come from checkpoints of this trunk.
var Trunks = map[string]TrunkFn{
	"efficientnet-b0": EfficientNetB0,
	"cnn":             SmallCNN,
}

// mbConvStage describes one stage of EfficientNet: expansion ratio, output channels, number of blocks,
// stride of the first block and kernel size.
type mbConvStage struct {
	expand, channels, repeats, stride, kernel int
}

var efficientNetB0Stages = []mbConvStage{
	{1, 16, 1, 1, 3},
	{6, 24, 2, 2, 3},
	{6, 40, 2, 2, 5},
	{6, 80, 3, 2, 3},
	{6, 112, 3, 1, 5},
	{6, 192, 4, 2, 5},
	{6, 320, 1, 1, 3},
}

const (
	efficientNetStemChannels = 32
	efficientNetHeadChannels = 1280

	// efficientNetDropConnect is the maximum drop rate of the residual branches, linearly increased
	// with the block depth.
	efficientNetDropConnect = 0.2
)

// EfficientNetB0 follows the EfficientNet-B0 stage layout (stem of 32 channels, seven stages of MBConv
// blocks with squeeze-excitation and swish activations, 1x1 head of 1280 channels and global average pooling).
//
// Blocks are "fused" MBConv: the expansion is done with a regular KxK convolution, in place of the
// 1x1 expansion followed by a depthwise convolution.
func EfficientNetB0(ctx *context.Context, images *Node) *Node {
	x := convBNAct(ctx.In("stem"), images, efficientNetStemChannels, 3, 2, activations.Swish)

	numBlocks := 0
	for _, stage := range efficientNetB0Stages {
		numBlocks += stage.repeats
	}
	blockIdx := 0
	for stageIdx, stage := range efficientNetB0Stages {
		for repeat := range stage.repeats {
			stride := 1
			if repeat == 0 {
				stride = stage.stride
			}
			dropRate := efficientNetDropConnect * float64(blockIdx) / float64(numBlocks)
			blockCtx := ctx.Inf("stage_%d", stageIdx+1).Inf("block_%d", repeat)
			x = fusedMBConv(blockCtx, x, stage.expand, stage.channels, stage.kernel, stride, dropRate)
			blockIdx++
		}
	}
	x = convBNAct(ctx.In("head"), x, efficientNetHeadChannels, 1, 1, activations.Swish)
	return ReduceMean(x, 1, 2)
}

// fusedMBConv is a residual block: KxK expansion convolution, squeeze-excitation and 1x1 projection.
// The residual connection is only used when the input and output shapes match.
func fusedMBConv(ctx *context.Context, x *Node, expand, outChannels, kernel, stride int, dropRate float64) *Node {
	inChannels := x.Shape().Dim(-1)
	var h *Node
	if expand == 1 {
		h = convBNAct(ctx.In("conv"), x, outChannels, kernel, stride, activations.Swish)
		h = squeezeExcite(ctx.In("se"), h, max(1, inChannels/4))
	} else {
		h = convBNAct(ctx.In("expand"), x, inChannels*expand, kernel, stride, activations.Swish)
		h = squeezeExcite(ctx.In("se"), h, max(1, inChannels/4))
		h = convBNAct(ctx.In("project"), h, outChannels, 1, 1, nil)
	}
	if stride != 1 || inChannels != outChannels {
		return h
	}
	if dropRate > 0 {
		h = dropPath(ctx, h, dropRate)
	}
	return Add(x, h)
}

// convBNAct is a convolution without bias, followed by batch normalization and the optional activation.
func convBNAct(ctx *context.Context, x *Node, channels, kernel, stride int, activation func(*Node) *Node) *Node {
	x = layers.Convolution(ctx.In("conv"), x).
		Channels(channels).KernelSize(kernel).Strides(stride).PadSame().UseBias(false).Done()
	x = batchnorm.New(ctx.In("bn"), x, -1).Done()
	if activation != nil {
		x = activation(x)
	}
	return x
}

// squeezeExcite rescales the channels of x by a gate computed from their global average.
func squeezeExcite(ctx *context.Context, x *Node, squeezeChannels int) *Node {
	batchSize, channels := x.Shape().Dim(0), x.Shape().Dim(-1)
	s := ReduceMean(x, 1, 2)
	s = activations.Swish(layers.Dense(ctx.In("reduce"), s, true, squeezeChannels))
	s = Sigmoid(layers.Dense(ctx.In("expand"), s, true, channels))
	return Mul(x, Reshape(s, batchSize, 1, 1, channels))
}

// dropPath drops the whole residual branch of random examples during training ("stochastic depth"),
// and scales the kept ones by 1/(1-rate).
func dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = x.Shape().Dim(0)
	mask := ctx.RandomUniform(g, shapes.Make(x.DType(), dims...))
	keep := ConvertDType(GreaterThan(mask, Scalar(g, x.DType(), rate)), x.DType())
	return Mul(x, MulScalar(keep, 1.0/(1.0-rate)))
}

// SmallCNN is a small convolutional trunk, for tests and quick experiments: three blocks of convolution,
// batch normalization, ReLU and max-pooling, followed by global average pooling.
func SmallCNN(ctx *context.Context, images *Node) *Node {
	x := images
	for ii, channels := range []int{16, 32, 64} {
		blockCtx := ctx.Inf("block_%d", ii)
		x = convBNAct(blockCtx, x, channels, 3, 1, activations.Relu)
		if x.Shape().Dim(1) >= 2 && x.Shape().Dim(2) >= 2 {
			x = MaxPool(x).Window(2).Done()
		}
	}
	return ReduceMean(x, 1, 2)
}
