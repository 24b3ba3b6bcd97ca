// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"path/filepath"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/internal/download"
	"github.com/xiancls/xiancls/internal/hdf5"
	"github.com/xiancls/xiancls/pkg/config"
	"k8s.io/klog/v2"
)

const (
	// InceptionV3WeightsURL is the source of the InceptionV3 weights trained on ImageNet, in Keras format.
	InceptionV3WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/inception_v3/inception_v3_weights_tf_dim_ordering_tf_kernels.h5"

	// InceptionV3WeightsChecksum is the SHA256 of the file in InceptionV3WeightsURL.
	InceptionV3WeightsChecksum = "00c9ea4e4762f716ac4d300d6d9c2935639cc5e4d139b5790d765dcbeea539d0"

	// InceptionV3H5Name is the name of the downloaded weights file, in the weights directory.
	InceptionV3H5Name = "weights.h5"

	// InceptionV3UnpackedDir is the subdirectory of the weights directory with one tensor file per weight.
	InceptionV3UnpackedDir = "gomlx_weights"

	// InceptionV3Scope is the scope of the InceptionV3 backbone, under the model scope.
	InceptionV3Scope = "inceptionv3"

	// InceptionV3MinImageSize is the minimum height and width of the images.
	InceptionV3MinImageSize = 75
)

// PrepareInceptionV3Weights downloads the pretrained weights to weightsDir, if they are not there yet, and
// unpacks them to tensor files read by InceptionV3ModelGraph.
//
// Unpacking requires the `h5dump` tool, see package hdf5.
func PrepareInceptionV3Weights(weightsDir string, showProgressBar bool) error {
	weightsDir, err := fsutil.ReplaceTildeInDir(weightsDir)
	if err != nil {
		return err
	}
	unpackedDir := filepath.Join(weightsDir, InceptionV3UnpackedDir)
	exists, err := fsutil.FileExists(unpackedDir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	h5Path := filepath.Join(weightsDir, InceptionV3H5Name)
	if err = download.IfMissing(InceptionV3WeightsURL, h5Path, InceptionV3WeightsChecksum, showProgressBar); err != nil {
		return errors.WithMessage(err, "InceptionV3 weights")
	}
	if err = hdf5.Unpack(h5Path, unpackedDir, showProgressBar); err != nil {
		return errors.WithMessage(err, "InceptionV3 weights")
	}
	klog.Infof("InceptionV3 weights unpacked to %q", unpackedDir)
	return nil
}

// InceptionV3ModelGraph implements train.ModelFn for an InceptionV3 backbone followed by global average
// pooling and the classification head.
//
// If config.ParamInceptionWeightsDir is set, the backbone variables are initialized with the ImageNet weights
// unpacked there by PrepareInceptionV3Weights, unless they were already restored from a checkpoint.
// The images must be at least InceptionV3MinImageSize pixels in height and width.
func InceptionV3ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	images := inputs[0]
	images.AssertRank(4)
	height, width := images.Shape().Dimensions[1], images.Shape().Dimensions[2]
	if height < InceptionV3MinImageSize || width < InceptionV3MinImageSize {
		Panicf("InceptionV3 requires images of at least %dx%d, got %dx%d",
			InceptionV3MinImageSize, InceptionV3MinImageSize, height, width)
	}
	net := &inceptionV3{}
	if weightsDir := context.GetParamOr(ctx, config.ParamInceptionWeightsDir, ""); weightsDir != "" {
		net.weightsDir = filepath.Join(fsutil.MustReplaceTildeInDir(weightsDir), InceptionV3UnpackedDir)
	}
	x := net.backbone(ctx.In(InceptionV3Scope), images)
	return []*Node{classifierHead(ctx, globalAveragePool(x))}
}

// inceptionV3 builds the backbone. Convolutions and their batch normalizations are numbered in creation
// order, the same numbering used by the names of the pretrained weights.
type inceptionV3 struct {
	weightsDir string
	numConvs   int
}

func (net *inceptionV3) backbone(ctx *context.Context, x *Node) *Node {
	x = net.convBN(ctx, x, 32, 3, 3, 2, false)
	x = net.convBN(ctx, x, 32, 3, 3, 1, false)
	x = net.convBN(ctx, x, 64, 3, 3, 1, true)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	x = net.convBN(ctx, x, 80, 1, 1, 1, false)
	x = net.convBN(ctx, x, 192, 3, 3, 1, false)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()

	for _, poolChannels := range []int{32, 64, 64} {
		x = net.blockA(ctx, x, poolChannels)
	}
	x = net.reductionA(ctx, x)
	for _, channels7x7 := range []int{128, 160, 160, 192} {
		x = net.blockB(ctx, x, channels7x7)
	}
	x = net.reductionB(ctx, x)
	for range 2 {
		x = net.blockC(ctx, x)
	}
	return x
}

// blockA is the 35x35 inception block.
func (net *inceptionV3) blockA(ctx *context.Context, x *Node, poolChannels int) *Node {
	branch1x1 := net.convBN(ctx, x, 64, 1, 1, 1, true)

	branch5x5 := net.convBN(ctx, x, 48, 1, 1, 1, true)
	branch5x5 = net.convBN(ctx, branch5x5, 64, 5, 5, 1, true)

	branch3x3 := net.convBN(ctx, x, 64, 1, 1, 1, true)
	branch3x3 = net.convBN(ctx, branch3x3, 96, 3, 3, 1, true)
	branch3x3 = net.convBN(ctx, branch3x3, 96, 3, 3, 1, true)

	branchPool := MeanPool(x).Window(3).Strides(1).PadSame().Done()
	branchPool = net.convBN(ctx, branchPool, poolChannels, 1, 1, 1, true)
	return Concatenate([]*Node{branch1x1, branch5x5, branch3x3, branchPool}, -1)
}

// reductionA reduces the grid from 35x35 to 17x17.
func (net *inceptionV3) reductionA(ctx *context.Context, x *Node) *Node {
	branch3x3 := net.convBN(ctx, x, 384, 3, 3, 2, false)

	branch3x3Dbl := net.convBN(ctx, x, 64, 1, 1, 1, true)
	branch3x3Dbl = net.convBN(ctx, branch3x3Dbl, 96, 3, 3, 1, true)
	branch3x3Dbl = net.convBN(ctx, branch3x3Dbl, 96, 3, 3, 2, false)

	branchPool := MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	return Concatenate([]*Node{branch3x3, branch3x3Dbl, branchPool}, -1)
}

// blockB is the 17x17 inception block, with factorized 7x7 convolutions.
func (net *inceptionV3) blockB(ctx *context.Context, x *Node, channels7x7 int) *Node {
	branch1x1 := net.convBN(ctx, x, 192, 1, 1, 1, true)

	branch7x7 := net.convBN(ctx, x, channels7x7, 1, 1, 1, true)
	branch7x7 = net.convBN(ctx, branch7x7, channels7x7, 1, 7, 1, true)
	branch7x7 = net.convBN(ctx, branch7x7, 192, 7, 1, 1, true)

	branch7x7Dbl := net.convBN(ctx, x, channels7x7, 1, 1, 1, true)
	branch7x7Dbl = net.convBN(ctx, branch7x7Dbl, channels7x7, 7, 1, 1, true)
	branch7x7Dbl = net.convBN(ctx, branch7x7Dbl, channels7x7, 1, 7, 1, true)
	branch7x7Dbl = net.convBN(ctx, branch7x7Dbl, channels7x7, 7, 1, 1, true)
	branch7x7Dbl = net.convBN(ctx, branch7x7Dbl, 192, 1, 7, 1, true)

	branchPool := MeanPool(x).Window(3).Strides(1).PadSame().Done()
	branchPool = net.convBN(ctx, branchPool, 192, 1, 1, 1, true)
	return Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, -1)
}

// reductionB reduces the grid from 17x17 to 8x8.
func (net *inceptionV3) reductionB(ctx *context.Context, x *Node) *Node {
	branch3x3 := net.convBN(ctx, x, 192, 1, 1, 1, true)
	branch3x3 = net.convBN(ctx, branch3x3, 320, 3, 3, 2, false)

	branch7x7x3 := net.convBN(ctx, x, 192, 1, 1, 1, true)
	branch7x7x3 = net.convBN(ctx, branch7x7x3, 192, 1, 7, 1, true)
	branch7x7x3 = net.convBN(ctx, branch7x7x3, 192, 7, 1, 1, true)
	branch7x7x3 = net.convBN(ctx, branch7x7x3, 192, 3, 3, 2, false)

	branchPool := MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	return Concatenate([]*Node{branch3x3, branch7x7x3, branchPool}, -1)
}

// blockC is the 8x8 inception block, with expanded filter banks.
func (net *inceptionV3) blockC(ctx *context.Context, x *Node) *Node {
	branch1x1 := net.convBN(ctx, x, 320, 1, 1, 1, true)

	branch3x3 := net.convBN(ctx, x, 384, 1, 1, 1, true)
	branch3x3 = Concatenate([]*Node{
		net.convBN(ctx, branch3x3, 384, 1, 3, 1, true),
		net.convBN(ctx, branch3x3, 384, 3, 1, 1, true),
	}, -1)

	branch3x3Dbl := net.convBN(ctx, x, 448, 1, 1, 1, true)
	branch3x3Dbl = net.convBN(ctx, branch3x3Dbl, 384, 3, 3, 1, true)
	branch3x3Dbl = Concatenate([]*Node{
		net.convBN(ctx, branch3x3Dbl, 384, 1, 3, 1, true),
		net.convBN(ctx, branch3x3Dbl, 384, 3, 1, 1, true),
	}, -1)

	branchPool := MeanPool(x).Window(3).Strides(1).PadSame().Done()
	branchPool = net.convBN(ctx, branchPool, 192, 1, 1, 1, true)
	return Concatenate([]*Node{branch1x1, branch3x3, branch3x3Dbl, branchPool}, -1)
}

// convBN is a convolution without bias, followed by batch normalization without scale and a ReLU.
func (net *inceptionV3) convBN(ctx *context.Context, x *Node, channels, kernelHeight, kernelWidth, stride int,
	padSame bool) *Node {
	net.numConvs++
	idx := net.numConvs

	convCtx := ctx.Inf("conv2d_%d", idx).Checked(false)
	net.loadWeight(convCtx, fmt.Sprintf("conv2d_%d/conv2d_%d/kernel:0", idx, idx), "weights")
	conv := layers.Convolution(convCtx, x).CurrentScope().
		Channels(channels).KernelSizePerAxis(kernelHeight, kernelWidth).StridePerAxis(stride, stride).
		UseBias(false)
	if padSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	x = conv.Done()

	bnCtx := ctx.Inf("batch_normalization_%d", idx).Checked(false)
	h5Group := fmt.Sprintf("batch_normalization_%d/batch_normalization_%d/", idx, idx)
	net.loadWeight(bnCtx, h5Group+"moving_mean:0", "mean")
	net.loadWeight(bnCtx, h5Group+"moving_variance:0", "variance")
	net.loadWeight(bnCtx, h5Group+"beta:0", "offset")
	x = batchnorm.New(bnCtx, x, -1).CurrentScope().Scale(false).Done()
	return activations.Relu(x)
}

// loadWeight creates the variable in ctx's current scope with the pretrained weight in the tensor file
// h5Name. It is a no-op if there are no pretrained weights, or if the variable already exists, e.g.
// restored from a checkpoint.
func (net *inceptionV3) loadWeight(ctx *context.Context, h5Name, variableName string) {
	if net.weightsDir == "" || ctx.GetVariable(variableName) != nil {
		return
	}
	tensorPath := filepath.Join(net.weightsDir, h5Name)
	value, err := tensors.Load(tensorPath)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to load InceptionV3 weights from %q, see PrepareInceptionV3Weights",
			tensorPath))
	}
	_ = ctx.VariableWithValue(variableName, value)
}
