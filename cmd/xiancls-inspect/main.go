// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xiancls-inspect reports on the checkpoints of one or more training runs: model sizes, hyperparameters
// (highlighting the ones that differ across runs), variables and the per-class validation accuracies with
// the pseudo-labeling thresholds they imply.
//
// Usage:
//
//	xiancls-inspect [flags] <checkpoint dir> [<checkpoint dir>...]
//
// A checkpoint dir is either a run directory or its model_best sub-directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/models"
	"github.com/xiancls/xiancls/pkg/solver"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/"+models.ModelScope,
		"The scope of the variables considered by -summary and -vars. Set to \"/\" to include the optimizer state.")
	flagSummary = flag.Bool("summary", true, "Display a summary of the model sizes.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters, highlighting the ones that differ across runs.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagClasses = flag.Bool("classes", false, fmt.Sprintf("Lists the per-class accuracies saved in %q, "+
		"and the pseudo-labeling thresholds derived from them.", solver.ClassesAccFile))

	flagThreshMax = flag.Float64("thresh_max", 0.90, "Threshold of the class with the lowest accuracy, for -classes.")
	flagThreshMin = flag.Float64("thresh_min", 0.85, "Threshold of the class with the highest accuracy, for -classes.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	dirs := flag.Args()
	if len(dirs) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'xiancls-inspect -help'")
		os.Exit(1)
	}
	names := MinimalUniquePaths(dirs...)

	var ctxs, scopedCtxs []*context.Context
	if *flagSummary || *flagParams || *flagVars {
		for _, dir := range dirs {
			ctx := config.CreateDefaultContext()
			_ = must.M1(checkpoints.Load(ctx).Dir(dir).Immediate().Done())
			ctxs = append(ctxs, ctx)
			scopedCtxs = append(scopedCtxs, ctx.InAbsPath(*flagScope))
		}
	}
	if *flagSummary {
		Summary(ctxs, scopedCtxs, names)
	}
	if *flagParams {
		Params(ctxs, names)
	}
	if *flagVars {
		for ii, scopedCtx := range scopedCtxs {
			ListVariables(scopedCtx, names[ii])
		}
	}
	if *flagClasses {
		for ii, dir := range dirs {
			must.M(ClassAccuracies(runDir(dir), names[ii], *flagThreshMax, *flagThreshMin))
		}
	}
}

// runDir returns the run directory of a checkpoint directory: the parent of a model_best directory,
// or the directory itself.
func runDir(dir string) string {
	dir = filepath.Clean(dir)
	if filepath.Base(dir) == solver.BestModelDir {
		return filepath.Dir(dir)
	}
	return dir
}
