// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/xiancls/xiancls/pkg/config"
)

// stemChannels is the number of channels of the first convolution.
const stemChannels = 64

// ResNeXtModelGraph implements train.ModelFn for a ResNeXt network.
//
// The number of bottleneck blocks per stage is given by config.ParamResNeXtBlocks. Each block has
// config.ParamResNeXtCardinality parallel branches (a grouped convolution) of config.ParamResNeXtWidth
// channels, doubled at every stage.
func ResNeXtModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{resNeXt(ctx, inputs[0], 0)}
}

// SEResNeXtModelGraph implements train.ModelFn for a ResNeXt network with squeeze-excitation in
// every block, with the reduction ratio config.ParamSqueezeExcitationRd.
func SEResNeXtModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	reduction := context.GetParamOr(ctx, config.ParamSqueezeExcitationRd, 16)
	return []*Node{resNeXt(ctx, inputs[0], max(reduction, 1))}
}

// resNeXt builds the backbone and the classification head. If seReduction is 0, squeeze-excitation
// is not used.
func resNeXt(ctx *context.Context, images *Node, seReduction int) *Node {
	blocks := context.GetParamOr(ctx, config.ParamResNeXtBlocks, []int{1, 1, 2, 1})
	cardinality := context.GetParamOr(ctx, config.ParamResNeXtCardinality, 8)
	width := context.GetParamOr(ctx, config.ParamResNeXtWidth, 4)

	stemCtx := ctx.In("stem")
	x := layers.Convolution(stemCtx.In("conv"), images).
		Channels(stemChannels).KernelSize(7).Strides(2).PadSame().UseBias(false).Done()
	x = normalize(stemCtx.In("norm"), x)
	x = activations.ApplyFromContext(ctx, x)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()

	for stage, numBlocks := range blocks {
		groupWidth := width << stage
		outChannels := 2 * cardinality * groupWidth
		for block := range numBlocks {
			stride := 1
			if block == 0 && stage > 0 {
				stride = 2
			}
			x = bottleneck(ctx.Inf("stage_%d_block_%02d", stage, block), x,
				cardinality, groupWidth, outChannels, stride, seReduction)
		}
	}
	return classifierHead(ctx, globalAveragePool(x))
}

// bottleneck is a ResNeXt block: 1x1 reduction, grouped 3x3 convolution, 1x1 expansion, optional
// squeeze-excitation and the residual connection.
func bottleneck(ctx *context.Context, x *Node, cardinality, groupWidth, outChannels, stride, seReduction int) *Node {
	shortcut := x
	y := conv1x1(ctx.In("reduce_conv"), x, cardinality*groupWidth, 1)
	y = activations.ApplyFromContext(ctx, normalize(ctx.In("reduce_norm"), y))
	y = groupedConvolution(ctx.In("grouped_conv"), y, cardinality, groupWidth, stride)
	y = activations.ApplyFromContext(ctx, normalize(ctx.In("grouped_norm"), y))
	y = conv1x1(ctx.In("expand_conv"), y, outChannels, 1)
	y = normalize(ctx.In("expand_norm"), y)
	if seReduction > 0 {
		y = squeezeExcitation(ctx.In("se"), y, seReduction)
	}
	if !shortcut.Shape().Equal(y.Shape()) {
		shortcut = conv1x1(ctx.In("shortcut_conv"), shortcut, outChannels, stride)
		shortcut = normalize(ctx.In("shortcut_norm"), shortcut)
	}
	return activations.ApplyFromContext(ctx, Add(y, shortcut))
}

func conv1x1(ctx *context.Context, x *Node, channels, stride int) *Node {
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(1).Strides(stride).PadSame().UseBias(false).Done()
}

// groupedConvolution splits the channels in cardinality groups, convolves each group independently
// into groupWidth channels, and concatenates the results.
func groupedConvolution(ctx *context.Context, x *Node, cardinality, groupWidth, stride int) *Node {
	channels := x.Shape().Dimensions[3]
	groupChannels := channels / cardinality
	branches := make([]*Node, cardinality)
	for group := range cardinality {
		xGroup := Slice(x, AxisRange(), AxisRange(), AxisRange(),
			AxisRange(group*groupChannels, (group+1)*groupChannels))
		branches[group] = layers.Convolution(ctx.Inf("group_%02d", group), xGroup).
			Channels(groupWidth).KernelSize(3).Strides(stride).PadSame().UseBias(false).Done()
	}
	return Concatenate(branches, -1)
}

// squeezeExcitation rescales the channels of x by gates computed from their global average.
func squeezeExcitation(ctx *context.Context, x *Node, reduction int) *Node {
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[3]
	gates := globalAveragePool(x)
	gates = layers.Dense(ctx.In("squeeze"), gates, true, max(channels/reduction, 1))
	gates = activations.Relu(gates)
	gates = layers.Dense(ctx.In("excite"), gates, true, channels)
	gates = Sigmoid(gates)
	gates = Reshape(gates, batchSize, 1, 1, channels)
	return Mul(x, BroadcastToDims(gates, dims...))
}
