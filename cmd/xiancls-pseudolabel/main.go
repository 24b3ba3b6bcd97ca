// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xiancls-pseudolabel scores weakly labeled images (annotated only by their file name) with a trained
// model, and copies the ones confidently predicted as their annotation, along with their label and
// score files, into a new labeled dataset.
//
// The per-class thresholds are derived from the validation accuracies of the training run: classes the
// model is good at get a lower threshold.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/xiancls/xiancls/pkg/pseudolabel"
	"github.com/xiancls/xiancls/pkg/solver"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagRun = flag.String("run", "",
		fmt.Sprintf("Training run directory, holding %q and %q. If set to %q, the most recent run under "+
			"-checkpoint/-model is used.", solver.BestModelDir, solver.ClassesAccFile, solver.RestoreLast))
	flagCheckpoint = flag.String("checkpoint", "~/work/xiancls", "Directory with the runs, used with -run=last.")
	flagModel      = flag.String("model", "se_resnext", "Model type of the run, used with -run=last.")
	flagLabelMap   = flag.String("label_map", "", "JSON file mapping class indices to \"<category>/<name>\" labels.")
	flagSamples    = flag.String("samples", "", "Directory with the weakly labeled images.")
	flagSave       = flag.String("save", "", "Directory where promoted images are saved. It is emptied first.")
	flagThreshMax  = flag.Float64("thresh_max", 0.90, "Threshold for the class with the lowest validation accuracy.")
	flagThreshMin  = flag.Float64("thresh_min", 0.85, "Threshold for the class with the highest validation accuracy.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRun == "" || *flagLabelMap == "" || *flagSamples == "" || *flagSave == "" {
		klog.Errorf("Flags -run, -label_map, -samples and -save are required. See 'xiancls-pseudolabel -help'")
		os.Exit(1)
	}

	runDir := must.M1(fsutil.ReplaceTildeInDir(*flagRun))
	if runDir == solver.RestoreLast {
		checkpointDir := must.M1(fsutil.ReplaceTildeInDir(*flagCheckpoint))
		bestDir := must.M1(solver.ResolveRestoreDir(filepath.Join(checkpointDir, *flagModel), solver.RestoreLast))
		runDir = filepath.Dir(bestDir)
	}
	klog.Infof("Using run %s", runDir)

	scores := must.M1(pseudolabel.LoadClassScores(filepath.Join(runDir, solver.ClassesAccFile)))
	thresh := must.M1(pseudolabel.ComputeLabelsThresh(scores, *flagThreshMax, *flagThreshMin))
	labels := must.M1(pseudolabel.LoadLabelMap(*flagLabelMap))
	classifier := must.M1(pseudolabel.NewModelClassifier(backends.MustNew(), filepath.Join(runDir, solver.BestModelDir)))

	predictor := pseudolabel.NewPredictor(classifier, labels)
	predictor.Progress = os.Stderr
	samplesDir := must.M1(fsutil.ReplaceTildeInDir(*flagSamples))
	saveDir := must.M1(fsutil.ReplaceTildeInDir(*flagSave))
	results := must.M1(predictor.PredictMultiSamples(samplesDir, thresh, saveDir))
	fmt.Print(pseudolabel.Summary(results))
}
