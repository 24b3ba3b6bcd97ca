// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/internal/fileutil"
	"github.com/xiancls/xiancls/pkg/config"
	"k8s.io/klog/v2"
)

const (
	// BestModelDir is the sub-directory of a run holding the checkpoint of the best epoch.
	BestModelDir = "model_best"

	// RestoreLast is the value of the "restore" hyperparameter that selects the most recent run.
	RestoreLast = "last"

	runDirPrefix = "log-"
	runDirLayout = "2006-01-02T15-04-05"
)

// RunDirName returns the name of the directory of a run started at t.
func RunDirName(t time.Time) string {
	return runDirPrefix + t.Format(runDirLayout)
}

// NewRun creates the run directory `<savePath>/<model>/log-<timestamp>` where the checkpoints of this
// training are saved.
//
// If the "restore" hyperparameter is set, the weights are restored from the model_best checkpoint
// of the run it names (or of the most recent run, if it is "last"). The hyperparameters are not
// restored, the ones in the context are used.
func (s *Solver) NewRun(savePath string) error {
	cfg, err := config.FromContext(s.rootCtx)
	if err != nil {
		return err
	}
	savePath, err = fsutil.ReplaceTildeInDir(savePath)
	if err != nil {
		return err
	}
	modelDir := filepath.Join(savePath, cfg.Model)

	// Resolve the run to restore before creating the new one, so "last" doesn't select it.
	var restoreDir string
	if cfg.Restore != "" {
		restoreDir, err = ResolveRestoreDir(modelDir, cfg.Restore)
		if err != nil {
			return err
		}
	}

	runDir := filepath.Join(modelDir, RunDirName(time.Now()))
	s.checkpoint, err = checkpoints.Build(s.rootCtx).
		Dir(runDir).
		Keep(cfg.NumCheckpoints).
		ExcludeParams(config.ParamsExcludedFromSaving...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create run directory")
	}
	s.runDir = runDir
	klog.Infof("Run directory: %s", runDir)

	if restoreDir != "" {
		if err = s.LoadCheckpoint(restoreDir); err != nil {
			return err
		}
	}
	return nil
}

// RunDir returns the directory of the current run, or "" if NewRun was not called.
func (s *Solver) RunDir() string { return s.runDir }

// ResolveRestoreDir returns the model_best directory of the run to restore: the most recently modified
// run under modelDir if restore is RestoreLast, or `<restore>/model_best` otherwise.
func ResolveRestoreDir(modelDir, restore string) (string, error) {
	if restore != RestoreLast {
		return filepath.Join(restore, BestModelDir), nil
	}
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list previous runs to restore")
	}
	var lastDir string
	var lastTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", errors.Wrapf(err, "failed to inspect run %q", entry.Name())
		}
		if lastDir == "" || info.ModTime().After(lastTime) {
			lastDir, lastTime = entry.Name(), info.ModTime()
		}
	}
	if lastDir == "" {
		return "", errors.Wrapf(os.ErrNotExist, "no previous run in %q to restore", modelDir)
	}
	return filepath.Join(modelDir, lastDir, BestModelDir), nil
}

// SaveCheckpoint saves the model in the run directory, keeping only the last "num_checkpoints"
// checkpoints. If isBest, the checkpoint is also copied into the model_best sub-directory, replacing
// the previous one.
func (s *Solver) SaveCheckpoint(isBest bool) error {
	if s.checkpoint == nil {
		return errors.New("no run directory to save checkpoints to, NewRun must be called first")
	}
	if err := s.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint")
	}
	if !isBest {
		return nil
	}
	list, err := s.checkpoint.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("checkpoint just saved not found in %q", s.runDir)
	}
	baseName := list[len(list)-1]
	bestDir := filepath.Join(s.runDir, BestModelDir)
	if err = os.RemoveAll(bestDir); err != nil {
		return errors.Wrapf(err, "failed to remove previous best model")
	}
	if err = os.MkdirAll(bestDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create best model directory")
	}
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		name := baseName + suffix
		if err = fileutil.CopyFile(filepath.Join(s.runDir, name), filepath.Join(bestDir, name)); err != nil {
			return err
		}
	}
	klog.V(1).Infof("Best model saved to %s", bestDir)
	return nil
}

// LoadCheckpoint loads the weights of the model from the latest checkpoint in dir. The
// hyperparameters are not loaded.
//
// It must be called before the model is first executed. If dir doesn't exist or holds no checkpoint,
// the error wraps os.ErrNotExist.
func (s *Solver) LoadCheckpoint(dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if _, err = os.Stat(dir); err != nil {
		return errors.Wrapf(err, "failed to load checkpoint")
	}
	jsonFiles, err := filepath.Glob(filepath.Join(dir, "*"+checkpoints.JsonNameSuffix))
	if err != nil {
		return errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	if len(jsonFiles) == 0 {
		return errors.Wrapf(os.ErrNotExist, "no checkpoint in %q", dir)
	}
	if _, err = checkpoints.Load(s.rootCtx).Dir(dir).ExcludeAllParams().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	klog.Infof("Restored model from %s", dir)
	return nil
}
