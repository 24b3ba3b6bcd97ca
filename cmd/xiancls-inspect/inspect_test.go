// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiancls/xiancls/pkg/solver"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"log-a"}, MinimalUniquePaths("/runs/cnn/log-a/model_best"))
	assert.Equal(t, []string{"log-a", "log-b"},
		MinimalUniquePaths("/runs/cnn/log-a", "/runs/cnn/log-b/model_best"))
	assert.Equal(t, []string{"cnn...log-a", "resnext...log-b"},
		MinimalUniquePaths("/runs/cnn/log-a", "/runs/resnext/log-b"))
}

func TestRunDir(t *testing.T) {
	assert.Equal(t, "/runs/log-a", runDir("/runs/log-a/model_best/"))
	assert.Equal(t, "/runs/log-a", runDir("/runs/log-a"))
}

func TestParamsRows(t *testing.T) {
	ctxA := context.New()
	ctxA.SetParam("lr", 0.1)
	ctxA.In("model").SetParam("drop_rate", 0.2)
	ctxB := context.New()
	ctxB.SetParam("lr", 0.1)
	ctxB.SetParam("seed", 7)

	rows := ParamsRows([]*context.Context{ctxA, ctxB})
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"/", "lr", "float64", "0.1", "0.1"}, rows[0])
	assert.Equal(t, []string{"/", "seed", "int", "", "7"}, rows[1])
	assert.Equal(t, []string{"/model", "drop_rate", "float64", "0.2", ""}, rows[2])
	assert.True(t, allEqual(rows[0][3:]))
	assert.False(t, allEqual(rows[1][3:]))
}

func TestClassAccuracies(t *testing.T) {
	scores := map[string]float64{"a/x": 0.9, "b/y": 0.5, "c/z": 0.9}
	assert.Equal(t, []string{"b/y", "a/x", "c/z"}, SortedByScore(scores))

	dir := t.TempDir()
	require.Error(t, ClassAccuracies(dir, "run", 0.9, 0.85))
	require.NoError(t, os.WriteFile(filepath.Join(dir, solver.ClassesAccFile), []byte(`{"a/x": 0.9, "b/y": 0.5}`), 0644))
	require.NoError(t, ClassAccuracies(dir, "run", 0.9, 0.85))

	// Equal scores have no thresholds, but the accuracies are still listed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, solver.ClassesAccFile), []byte(`{"a/x": 0.7, "b/y": 0.7}`), 0644))
	require.NoError(t, ClassAccuracies(dir, "run", 0.9, 0.85))
}
