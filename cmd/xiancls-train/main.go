// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xiancls-train trains the image classifier on a directory of labeled images, one model per selected
// fold, or evaluates a previously trained model with -eval.
//
// Hyperparameters are set with -set, e.g.:
//
//	xiancls-train -data ~/data/xian -set="model=cnn;num_epochs=10;lr_scheduler=CosineLR"
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/classloss"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/dataset"
	"github.com/xiancls/xiancls/pkg/models"
	"github.com/xiancls/xiancls/pkg/optim"
	"github.com/xiancls/xiancls/pkg/pseudolabel"
	"github.com/xiancls/xiancls/pkg/solver"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/data/xiancls/train", "Directory with the images and their label files.")
	flagLabelMap   = flag.String("label_map", "", "JSON file mapping class indices to \"<category>/<name>\" labels. Required for training, optional with -eval.")
	flagEval       = flag.Bool("eval", false, "Only evaluate the model restored with -set=restore=... on the validation fold.")
	flagCheckpoint = flag.String("checkpoint", "~/work/xiancls", "Directory where the runs are saved, under a sub-directory per model type.")
)

func main() {
	settings := commandline.CreateContextSettingsFlag(config.CreateDefaultContext(), "set")
	klog.InitFlags(nil)
	flag.Parse()

	var labels pseudolabel.LabelMap
	if *flagLabelMap != "" {
		labels = must.M1(pseudolabel.LoadLabelMap(*flagLabelMap))
	} else if !*flagEval {
		klog.Fatalf("-label_map is required for training: %s is keyed by the class labels", solver.ClassesAccFile)
	}
	err := exceptions.TryCatch[error](func() {
		must.M(run(*settings, labels))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// newContext creates the context with the default hyperparameters overwritten by the settings.
func newContext(settings string) (*context.Context, *config.Config, error) {
	ctx := config.CreateDefaultContext()
	paramsSet, err := config.ParseSettings(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set: %s", strings.Join(paramsSet, ", "))
	}
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ctx, cfg, nil
}

func run(settings string, labels pseudolabel.LabelMap) error {
	_, cfg, err := newContext(settings)
	if err != nil {
		return err
	}
	dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
	if err != nil {
		return err
	}
	samples, err := dataset.Scan(dataDir, cfg.ChooseDataset)
	if err != nil {
		return err
	}
	klog.Infof("Found %d samples in %s", len(samples), dataDir)
	if cfg.Model == "inceptionv3" && cfg.InceptionWeightsDir != "" {
		if err = models.PrepareInceptionV3Weights(cfg.InceptionWeightsDir, true); err != nil {
			return err
		}
	}
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Name())

	for _, fold := range cfg.SelectedFolds {
		if err = trainFold(backend, settings, samples, fold, labels); err != nil {
			return errors.WithMessagef(err, "fold %d", fold)
		}
	}
	return nil
}

// trainFold trains (or evaluates, with -eval) one model using the given fold for validation.
func trainFold(backend backends.Backend, settings string, samples []dataset.Sample, fold int,
	labels pseudolabel.LabelMap) error {
	ctx, cfg, err := newContext(settings)
	if err != nil {
		return err
	}
	trainSamples, valSamples, err := dataset.SplitFolds(samples, cfg.NumSplits, fold, cfg.ValSize, int64(cfg.Seed))
	if err != nil {
		return err
	}
	klog.Infof("Fold %d: %d training and %d validation samples", fold, len(trainSamples), len(valSamples))
	classCounts, err := dataset.ClassCounts(trainSamples, cfg.NumClasses)
	if err != nil {
		return err
	}
	trainDS, err := dataset.New("train", trainSamples, dataset.TrainOptions(cfg))
	if err != nil {
		return err
	}
	valDS, err := dataset.New("validation", valSamples, dataset.EvalOptions(cfg))
	if err != nil {
		return err
	}

	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return err
	}
	loss, err := classloss.New(ctx, classCounts)
	if err != nil {
		return err
	}
	optimizer, err := optim.CreateOptimizer(ctx)
	if err != nil {
		return err
	}
	scheduler, err := optim.CreateScheduler(ctx, trainDS.NumBatches())
	if err != nil {
		return err
	}
	s := solver.New(backend, ctx, modelFn, loss, optimizer, scheduler)
	s.Labels = labels
	s.ShowProgress = true

	savePath, err := fsutil.ReplaceTildeInDir(*flagCheckpoint)
	if err != nil {
		return err
	}
	if *flagEval {
		if cfg.Restore == "" {
			return errors.Errorf("-eval requires a model to restore, set it with -set=%s=<run dir>|%s",
				config.ParamRestore, solver.RestoreLast)
		}
		restoreDir, err := solver.ResolveRestoreDir(filepath.Join(savePath, cfg.Model), cfg.Restore)
		if err != nil {
			return err
		}
		if err = s.LoadCheckpoint(restoreDir); err != nil {
			return err
		}
		evaluation, err := s.Evaluate(valDS, cfg.NumClasses)
		if err != nil {
			return err
		}
		fmt.Println(s.ClassReport(evaluation))
		return nil
	}

	if err = s.NewRun(savePath); err != nil {
		return err
	}
	var trainData train.Dataset = trainDS
	if cfg.ParallelLoaders {
		parallel := datasets.CustomParallel(trainDS).Buffer(4).Start()
		defer parallel.Done()
		trainData = parallel
	}
	results, err := s.TrainModel(trainData, valDS)
	if err != nil {
		return err
	}
	var best solver.EpochResult
	for _, r := range results {
		if r.IsBest {
			best = r
		}
	}
	if best.Validation != nil {
		klog.Infof("Best epoch %d: accuracy %.2f%%, loss %.4f", best.Epoch+1, 100*best.Validation.Accuracy,
			best.Validation.Loss)
	}
	klog.Infof("Run saved in %s", s.RunDir())
	return nil
}
