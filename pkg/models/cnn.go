// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/xiancls/xiancls/pkg/config"
)

// maxCnnFilters caps the doubling of the filters at each layer.
const maxCnnFilters = 512

// CnnModelGraph implements train.ModelFn for a plain convolutional network: config.ParamCNNNumLayers
// layers of convolution, normalization, activation and max-pooling, doubling the number of filters at
// each layer, followed by global average pooling and the classification head.
func CnnModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]
	numLayers := context.GetParamOr(ctx, config.ParamCNNNumLayers, 5)
	filters := context.GetParamOr(ctx, config.ParamCNNFilters, 32)
	for layerIdx := range numLayers {
		ctx := ctx.Inf("%03d_conv", layerIdx)
		x = layers.Convolution(ctx.In("conv"), x).Channels(filters).KernelSize(3).PadSame().Done()
		x = normalize(ctx.In("norm"), x)
		x = activations.ApplyFromContext(ctx, x)
		if x.Shape().Dimensions[1] > 4 && x.Shape().Dimensions[2] > 4 {
			x = MaxPool(x).Window(2).Done()
		}
		x.AssertDims(batchSize, -1, -1, filters)
		filters = min(2*filters, maxCnnFilters)
	}
	return []*Node{classifierHead(ctx, globalAveragePool(x))}
}
