// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInceptionV3LoadWeight(t *testing.T) {
	weightsDir := t.TempDir()
	h5Name := "batch_normalization_3/batch_normalization_3/moving_mean:0"
	tensorPath := filepath.Join(weightsDir, h5Name)
	require.NoError(t, os.MkdirAll(filepath.Dir(tensorPath), 0755))
	require.NoError(t, tensors.FromValue([]float32{0.5, -1, 2}).Save(tensorPath))

	net := &inceptionV3{weightsDir: weightsDir}
	ctx := context.New().In("batch_normalization_3").Checked(false)
	net.loadWeight(ctx, h5Name, "mean")
	v := ctx.GetVariable("mean")
	require.NotNil(t, v)
	assert.Equal(t, []float32{0.5, -1, 2}, tensors.MustCopyFlatData[float32](v.MustValue()))

	// Existing variables, e.g. restored from a checkpoint, are not overwritten.
	require.NoError(t, tensors.FromValue([]float32{7, 7, 7}).Save(tensorPath))
	net.loadWeight(ctx, h5Name, "mean")
	assert.Equal(t, []float32{0.5, -1, 2}, tensors.MustCopyFlatData[float32](ctx.GetVariable("mean").MustValue()))

	require.Panics(t, func() { net.loadWeight(ctx, "conv2d_1/conv2d_1/kernel:0", "weights") })

	// Without weights directory nothing is loaded.
	(&inceptionV3{}).loadWeight(ctx, h5Name, "variance")
	assert.Nil(t, ctx.GetVariable("variance"))
}

func TestPrepareInceptionV3WeightsUnpacked(t *testing.T) {
	weightsDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(weightsDir, InceptionV3UnpackedDir), 0755))
	require.NoError(t, PrepareInceptionV3Weights(weightsDir, false))
	_, err := os.Stat(filepath.Join(weightsDir, InceptionV3H5Name))
	assert.True(t, os.IsNotExist(err), "nothing should be downloaded if the weights are already unpacked")
}

func TestInceptionV3(t *testing.T) {
	ctx := smallContext("inceptionv3")
	require.Panics(t, func() {
		g := NewGraph(graphtest.BuildTestBackend(), "small_images")
		images := Zeros(g, shapes.Make(dtypes.Float32, 1, 32, 32, 3))
		InceptionV3ModelGraph(ctx.In(ModelScope), nil, []*Node{images})
	})

	if testing.Short() {
		t.Skip("Skipping InceptionV3 graph execution in short mode")
	}
	ctx = smallContext("inceptionv3")
	exec, err := context.NewExec(graphtest.BuildTestBackend(), ctx.In(ModelScope),
		func(ctx *context.Context, images *Node) *Node {
			return InceptionV3ModelGraph(ctx, nil, []*Node{images})[0]
		})
	require.NoError(t, err)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, InceptionV3MinImageSize, InceptionV3MinImageSize, 3))
	logits, err := exec.Exec1(images)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, logits.Shape().Dimensions)
	assert.NotNil(t, ctx.In(ModelScope).In(InceptionV3Scope).In("conv2d_94").GetVariable("weights"),
		"InceptionV3 has 94 convolutions")
	assert.NotNil(t, ctx.In(ModelScope).In(InceptionV3Scope).In("batch_normalization_94").GetVariable("offset"))
}
