// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiancls/xiancls/pkg/classloss"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/dataset"
	"github.com/xiancls/xiancls/pkg/models"
	"github.com/xiancls/xiancls/pkg/optim"
	"github.com/xiancls/xiancls/pkg/pseudolabel"
)

func TestRunDirName(t *testing.T) {
	when := time.Date(2024, 3, 5, 17, 4, 9, 0, time.UTC)
	assert.Equal(t, "log-2024-03-05T17-04-09", RunDirName(when))
}

func TestResolveRestoreDir(t *testing.T) {
	modelDir := t.TempDir()
	dir, err := ResolveRestoreDir(modelDir, "/runs/log-x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/runs/log-x", BestModelDir), dir)

	_, err = ResolveRestoreDir(modelDir, RestoreLast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	now := time.Now()
	for ii, name := range []string{"log-b", "log-a", "log-c", "other"} {
		path := filepath.Join(modelDir, name)
		require.NoError(t, os.Mkdir(path, 0755))
		modTime := now.Add(-time.Duration(10-ii) * time.Hour)
		if name == "log-a" {
			modTime = now
		}
		require.NoError(t, os.Chtimes(path, modTime, modTime))
	}
	dir, err = ResolveRestoreDir(modelDir, RestoreLast)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modelDir, "log-a", BestModelDir), dir)
}

func TestBetter(t *testing.T) {
	a := &Evaluation{Accuracy: 0.5, Loss: 1.0}
	assert.True(t, better(a, nil))
	assert.True(t, better(&Evaluation{Accuracy: 0.6, Loss: 2.0}, a))
	assert.True(t, better(&Evaluation{Accuracy: 0.5, Loss: 0.9}, a))
	assert.False(t, better(&Evaluation{Accuracy: 0.5, Loss: 1.0}, a))
	assert.False(t, better(&Evaluation{Accuracy: 0.4, Loss: 0.1}, a))
}

// testSetup holds a tiny classification problem: 3 classes of solid color images.
type testSetup struct {
	samples []dataset.Sample
	counts  []int
}

func newTestSetup(t *testing.T) *testSetup {
	dir := t.TempDir()
	colors := []color.Color{
		color.NRGBA{R: 220, A: 255},
		color.NRGBA{G: 220, A: 255},
		color.NRGBA{B: 220, A: 255},
	}
	for ii := range 12 {
		name := fmt.Sprintf("img_%02d", ii)
		label := ii % len(colors)
		require.NoError(t, imaging.Save(imaging.New(16, 16, colors[label]), filepath.Join(dir, name+dataset.ImageExt)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+dataset.LabelExt),
			[]byte(dataset.FormatLabelLine(name+dataset.ImageExt, label)), 0644))
	}
	samples, err := dataset.Scan(dir, config.DatasetCombine)
	require.NoError(t, err)
	counts, err := dataset.ClassCounts(samples, 3)
	require.NoError(t, err)
	return &testSetup{samples: samples, counts: counts}
}

func testContext(numEpochs int) *context.Context {
	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		config.ParamModel:        "cnn",
		config.ParamNumClasses:   3,
		config.ParamImageSize:    "16x16",
		config.ParamBatchSize:    4,
		config.ParamNumEpochs:    numEpochs,
		config.ParamAugmentation: false,
		config.ParamCutMixProb:   1.0,
		config.ParamLossName:     "1.0*CB_Softmax+0.5*FocalLoss",
		config.ParamCNNNumLayers: 2,
		config.ParamCNNFilters:   4,
	})
	return ctx
}

func newTestSolver(t *testing.T, ctx *context.Context, counts []int, stepsPerEpoch int) *Solver {
	modelFn, err := models.SelectModelFn(ctx)
	require.NoError(t, err)
	loss, err := classloss.New(ctx, counts)
	require.NoError(t, err)
	optimizer, err := optim.CreateOptimizer(ctx)
	require.NoError(t, err)
	scheduler, err := optim.CreateScheduler(ctx, stepsPerEpoch)
	require.NoError(t, err)
	s := New(graphtest.BuildTestBackend(), ctx, modelFn, loss, optimizer, scheduler)
	s.Labels = pseudolabel.LabelMap{0: "red/apple", 1: "green/pear", 2: "blue/berry"}
	return s
}

func TestTrainModel(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(2)
	cfg, err := config.FromContext(ctx)
	require.NoError(t, err)
	trainDS, err := dataset.New("train", setup.samples, dataset.TrainOptions(cfg))
	require.NoError(t, err)
	valDS, err := dataset.New("validation", setup.samples[:6], dataset.EvalOptions(cfg))
	require.NoError(t, err)

	s := newTestSolver(t, ctx, setup.counts, trainDS.NumBatches())
	savePath := t.TempDir()
	require.NoError(t, s.NewRun(savePath))
	assert.Equal(t, filepath.Join(savePath, "cnn"), filepath.Dir(s.RunDir()))

	results, err := s.TrainModel(trainDS, valDS)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsBest)
	for _, r := range results {
		require.NotNil(t, r.Validation)
		assert.Len(t, r.Validation.ClassAccuracy, 3)
		assert.Equal(t, []int{2, 2, 2}, r.Validation.ClassCount)
		assert.GreaterOrEqual(t, r.Validation.Accuracy, 0.0)
		assert.LessOrEqual(t, r.Validation.Accuracy, 1.0)
		assert.Greater(t, r.Validation.Loss, 0.0)
	}

	scores, err := pseudolabel.LoadClassScores(filepath.Join(s.RunDir(), ClassesAccFile))
	require.NoError(t, err)
	assert.Len(t, scores, 3)
	assert.Contains(t, scores, "green/pear")
	assert.Contains(t, s.ClassReport(results[0].Validation), "blue/berry")

	// Promote the final weights and check they are restored by a new solver.
	require.NoError(t, s.SaveCheckpoint(true))
	bestDir := filepath.Join(s.RunDir(), BestModelDir)
	_, inputs, _, err := valDS.Yield()
	require.NoError(t, err)
	valDS.Reset()
	want, err := s.Forward(inputs[0])
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, want.Shape().Dimensions)

	restored := newTestSolver(t, testContext(2), setup.counts, trainDS.NumBatches())
	require.NoError(t, restored.LoadCheckpoint(bestDir))
	got, err := restored.Forward(inputs[0])
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got), 1e-4)

	valLoss, err := restored.CalLoss(got, tensors.FromValue([][]int32{{0}, {1}, {2}, {0}}))
	require.NoError(t, err)
	assert.Greater(t, valLoss, 0.0)
	cutmixLoss, err := restored.CalLossCutmix(got, tensors.FromValue([][]int32{{0}, {1}, {2}, {0}}),
		tensors.FromValue([][]int32{{0}, {1}, {2}, {0}}), tensors.FromValue([]float32{1, 1, 1, 1}))
	require.NoError(t, err)
	assert.InDelta(t, valLoss, cutmixLoss, 1e-5)
}

func TestLoadCheckpointMissing(t *testing.T) {
	s := newTestSolver(t, testContext(1), []int{1, 1, 1}, 1)
	err := s.LoadCheckpoint(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = s.LoadCheckpoint(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.Error(t, s.SaveCheckpoint(false), "no run started")
}

func TestTrainModelRequiresLabels(t *testing.T) {
	setup := newTestSetup(t)
	cfg, err := config.FromContext(testContext(1))
	require.NoError(t, err)
	trainDS, err := dataset.New("train", setup.samples, dataset.TrainOptions(cfg))
	require.NoError(t, err)

	for _, labels := range []pseudolabel.LabelMap{
		nil,
		{0: "red/apple", 1: "green/pear"},
		{0: "red/apple", 1: "pear", 2: "blue/berry"},
	} {
		s := newTestSolver(t, testContext(1), setup.counts, trainDS.NumBatches())
		s.Labels = labels
		require.NoError(t, s.NewRun(t.TempDir()))
		_, err = s.TrainModel(trainDS, trainDS)
		require.Errorf(t, err, "training with labels %v should fail", labels)
		assert.Contains(t, err.Error(), ClassesAccFile)
		_, statErr := os.Stat(filepath.Join(s.RunDir(), ClassesAccFile))
		assert.True(t, os.IsNotExist(statErr))
	}
}
