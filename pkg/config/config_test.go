// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBool(t *testing.T) {
	for _, value := range []string{"yes", "True", "t", "Y", "1"} {
		b, err := ParseBool(value)
		require.NoError(t, err)
		assert.True(t, b, "value %q", value)
	}
	for _, value := range []string{"no", "FALSE", "f", "n", "0"} {
		b, err := ParseBool(value)
		require.NoError(t, err)
		assert.False(t, b, "value %q", value)
	}
	_, err := ParseBool("maybe")
	require.Error(t, err)
}

func TestParseImageSize(t *testing.T) {
	size, err := ParseImageSize("256x320")
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Height: 256, Width: 320}, size)
	assert.Equal(t, "256x320", size.String())

	size, err = ParseImageSize("224")
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Height: 224, Width: 224}, size)

	for _, bad := range []string{"", "axb", "0x10", "1x2x3", "-3x3"} {
		_, err = ParseImageSize(bad)
		assert.Error(t, err, "size %q should fail", bad)
	}
}

func TestFromContextDefaults(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Height: 256, Width: 256}, cfg.ImageSize)
	assert.Equal(t, 24, cfg.BatchSize)
	assert.Equal(t, 24, cfg.EvalBatchSize)
	assert.Equal(t, 40, cfg.NumEpochs)
	assert.Equal(t, 54, cfg.NumClasses)
	assert.Equal(t, "StepLR", cfg.LRScheduler)
	assert.Equal(t, "Adam", cfg.Optimizer)
	assert.Equal(t, []int{20, 35, 45}, cfg.MultiStep)
	assert.Len(t, cfg.MultiScaleSizes, 6)
	assert.Equal(t, ImageSize{Height: 416, Width: 416}, cfg.MultiScaleSizes[5])
	assert.InDelta(t, 3e-4, cfg.LR, 1e-12)
}

func TestFromContextValidation(t *testing.T) {
	testCases := []struct {
		name  string
		param string
		value any
	}{
		{"bad batch size", ParamBatchSize, 0},
		{"bad probability", ParamGrayProb, 1.5},
		{"bad dataset", ParamChooseDataset, "other"},
		{"bad fold", ParamSelectedFold, []int{5}},
		{"bad image size", ParamImageSize, "256by256"},
		{"bad classes", ParamNumClasses, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := CreateDefaultContext()
			ctx.SetParam(tc.param, tc.value)
			_, err := FromContext(ctx)
			require.Error(t, err)
		})
	}

	// Holdout requires a valid val_size.
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{ParamNumSplits: 1, ParamValSize: 0.0})
	_, err := FromContext(ctx)
	require.Error(t, err)
}

func TestParseSettings(t *testing.T) {
	ctx := CreateDefaultContext()
	paramsSet, err := ParseSettings(ctx, "cut_mix=no;batch_size=8;multi_scale=y")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ParamCutMix, ParamBatchSize, ParamMultiScale}, paramsSet)
	assert.False(t, context.GetParamOr(ctx, ParamCutMix, true))
	assert.True(t, context.GetParamOr(ctx, ParamMultiScale, false))
	assert.Equal(t, 8, context.GetParamOr(ctx, ParamBatchSize, 0))

	_, err = ParseSettings(ctx, "augmentation=perhaps")
	require.Error(t, err)
}

func rngState(t *testing.T, ctx *context.Context) []uint64 {
	v := ctx.GetVariableByScopeAndName(context.RootScope, context.RNGStateVariableName)
	require.NotNil(t, v)
	return tensors.MustCopyFlatData[uint64](v.MustValue())
}

func TestSeedRng(t *testing.T) {
	defaultState := rngState(t, CreateDefaultContext())

	ctx := CreateDefaultContext()
	_, err := ParseSettings(ctx, "seed=7")
	require.NoError(t, err)
	seeded := rngState(t, ctx)
	assert.NotEqual(t, defaultState, seeded)

	other := CreateDefaultContext()
	other.SetParam(ParamSeed, 7)
	SeedRng(other)
	assert.Equal(t, seeded, rngState(t, other))
}
