// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/models"
)

func TestCreateScheduler(t *testing.T) {
	ctx := config.CreateDefaultContext()
	for _, name := range SchedulerNames {
		ctx.SetParam(config.ParamLRScheduler, name)
		s, err := CreateScheduler(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	ctx.SetParam(config.ParamLRScheduler, "ExponentialLR")
	_, err := CreateScheduler(ctx, 10)
	require.Error(t, err)

	ctx = config.CreateDefaultContext()
	ctx.SetParams(map[string]any{config.ParamLRScheduler: StepLR, config.ParamLRStepSize: 0})
	_, err = CreateScheduler(ctx, 10)
	require.Error(t, err)

	ctx = config.CreateDefaultContext()
	ctx.SetParams(map[string]any{config.ParamLRScheduler: MultiStepLR, config.ParamMultiStep: []int{}})
	_, err = CreateScheduler(ctx, 10)
	require.Error(t, err)

	ctx = config.CreateDefaultContext()
	ctx.SetParams(map[string]any{config.ParamLRScheduler: CosineLR, config.ParamRestartStep: 0})
	_, err = CreateScheduler(ctx, 10)
	require.Error(t, err)
}

func TestEpochSchedulers(t *testing.T) {
	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-3,
		config.ParamLRScheduler:      StepLR,
		config.ParamLRStepSize:       2,
	})
	s, err := CreateScheduler(ctx, 10)
	require.NoError(t, err)
	assert.InDelta(t, 1e-3, s.EpochEnd(ctx, 0, 1), 1e-12)
	assert.InDelta(t, 1e-4, s.EpochEnd(ctx, 1, 1), 1e-12)
	assert.InDelta(t, 1e-4, s.EpochEnd(ctx, 2, 1), 1e-12)
	assert.InDelta(t, 1e-5, s.EpochEnd(ctx, 3, 1), 1e-12)

	ctx.SetParams(map[string]any{
		config.ParamLRScheduler: MultiStepLR,
		config.ParamMultiStep:   []int{3, 1},
	})
	s, err = CreateScheduler(ctx, 10)
	require.NoError(t, err)
	var got []float64
	for epoch := range 4 {
		got = append(got, s.EpochEnd(ctx, epoch, 1))
	}
	assert.InDeltaSlice(t, []float64{1e-4, 1e-4, 1e-5, 1e-5}, got, 1e-12)
}

func TestReduceLR(t *testing.T) {
	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-3,
		config.ParamLRScheduler:      ReduceLR,
	})
	s, err := CreateScheduler(ctx, 10)
	require.NoError(t, err)
	assert.InDelta(t, 1e-3, s.EpochEnd(ctx, 0, 1.0), 1e-12)
	for epoch := 1; epoch <= PlateauPatience; epoch++ {
		assert.InDelta(t, 1e-3, s.EpochEnd(ctx, epoch, 1.0), 1e-12)
	}
	assert.InDelta(t, 1e-4, s.EpochEnd(ctx, PlateauPatience+1, 1.0), 1e-12)
	assert.InDelta(t, 1e-4, s.EpochEnd(ctx, PlateauPatience+2, 0.5), 1e-12)
}

func TestCyclicAndCosine(t *testing.T) {
	c := &cyclic{baseLR: CyclicBaseLR, maxLR: CyclicMaxLR, stepSizeUp: CyclicStepSizeUp}
	assert.InDelta(t, CyclicBaseLR, c.LearningRate(0), 1e-12)
	assert.InDelta(t, CyclicMaxLR, c.LearningRate(CyclicStepSizeUp), 1e-12)
	assert.InDelta(t, CyclicBaseLR, c.LearningRate(2*CyclicStepSizeUp), 1e-12)
	c = &cyclic{baseLR: 1, maxLR: 3, stepSizeUp: 10}
	assert.InDelta(t, 2.0, c.LearningRate(5), 1e-12)
	assert.InDelta(t, 2.0, c.LearningRate(15), 1e-12)
	assert.InDelta(t, 2.0, c.LearningRate(25), 1e-12)

	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{config.ParamLRScheduler: CosineLR, config.ParamRestartStep: 10, optimizers.ParamLearningRate: 1.0})
	scheduler, err := CreateScheduler(ctx, 7)
	require.NoError(t, err)
	s := scheduler.(*cosine)
	assert.InDelta(t, 1.0, s.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.5, s.LearningRate(5), 1e-12)
	assert.InDelta(t, 0.0, s.LearningRate(10), 1e-12)
	// No restart after T_max epochs: it rises back along the cosine.
	assert.InDelta(t, 0.5, s.LearningRate(15), 1e-12)
	assert.InDelta(t, 1.0, s.LearningRate(20), 1e-12)
	assert.InDelta(t, (1+math.Cos(math.Pi*0.3))/2, s.EpochEnd(ctx, 2, 0), 1e-12)
	assert.InDelta(t, 0.5, s.EpochEnd(ctx, 4, 0), 1e-12)
}

func TestCreateOptimizer(t *testing.T) {
	ctx := config.CreateDefaultContext()
	for _, name := range OptimizerNames {
		ctx.SetParam(optimizers.ParamOptimizer, name)
		o, err := CreateOptimizer(ctx)
		require.NoError(t, err)
		assert.Equal(t, name, o.Name)
		assert.NotNil(t, o.Interface)
	}
	ctx.SetParam(optimizers.ParamOptimizer, "RMSProp")
	_, err := CreateOptimizer(ctx)
	require.Error(t, err)
}

// runSteps minimizes `classifier_w + backbone_w`, both initialized to 1, and returns their values
// after each step.
func runSteps(t *testing.T, optimizerName string, learningRate float64, numSteps int) (values [][2]float32) {
	backend := graphtest.BuildTestBackend()
	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    optimizerName,
		optimizers.ParamLearningRate: learningRate,
		config.ParamWeightDecay:      0.0,
	})
	o, err := CreateOptimizer(ctx)
	require.NoError(t, err)
	modelCtx := ctx.In(models.ModelScope)
	classifierVar := modelCtx.In(models.ClassifierScope).VariableWithValue("w", float32(1))
	backboneVar := modelCtx.In("backbone").VariableWithValue("w", float32(1))
	require.True(t, models.ClassifierVariable(classifierVar))
	require.False(t, models.ClassifierVariable(backboneVar))

	exec, err := context.NewExec(backend, modelCtx, func(ctx *context.Context, g *Graph) []*Node {
		loss := Add(classifierVar.ValueGraph(g), backboneVar.ValueGraph(g))
		o.UpdateGraph(ctx, g, loss)
		return []*Node{classifierVar.ValueGraph(g), backboneVar.ValueGraph(g)}
	})
	require.NoError(t, err)
	for range numSteps {
		outputs, err := exec.Exec()
		require.NoError(t, err)
		values = append(values, [2]float32{outputs[0].Value().(float32), outputs[1].Value().(float32)})
	}
	return
}

func TestSGDMomentum(t *testing.T) {
	values := runSteps(t, SGD, 0.1, 2)
	assert.InDelta(t, 0.9, values[0][0], 1e-5)
	assert.InDelta(t, 0.99, values[0][1], 1e-5)
	// Second step: velocity = 0.9 * 1 + 1.
	assert.InDelta(t, 0.71, values[1][0], 1e-5)
	assert.InDelta(t, 0.971, values[1][1], 1e-5)
}

func TestAdamBackboneFactor(t *testing.T) {
	values := runSteps(t, Adam, 0.01, 1)
	assert.InDelta(t, 0.99, values[0][0], 1e-4)
	assert.InDelta(t, 0.999, values[0][1], 1e-4)
}
