// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the hyperparameters of the classifier, stored as context.Context parameters
// so they can be set from the command line (see commandline.ParseContextSettings) and are saved
// along with the checkpoints.
//
// Use CreateDefaultContext to create a context with all the default values, and FromContext to read
// a validated Config from it.
package config

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Parameter names used in the context.
const (
	ParamImageSize          = "image_size"
	ParamBatchSize          = "batch_size"
	ParamEvalBatchSize      = "eval_batch_size"
	ParamNumEpochs          = "num_epochs"
	ParamAugmentation       = "augmentation"
	ParamEraseProb          = "erase_prob"
	ParamGrayProb           = "gray_prob"
	ParamRotateDegrees      = "rotate_degrees"
	ParamNumSplits          = "n_splits"
	ParamSelectedFold       = "selected_fold"
	ParamValSize            = "val_size"
	ParamChooseDataset      = "choose_dataset"
	ParamCutMix             = "cut_mix"
	ParamCutMixBeta         = "cutmix_beta"
	ParamCutMixProb         = "cutmix_prob"
	ParamMultiScale         = "multi_scale"
	ParamMultiScaleSize     = "multi_scale_size"
	ParamMultiScaleInterval = "multi_scale_interval"
	ParamModel              = "model"
	ParamDropRate           = "drop_rate"
	ParamRestore            = "restore"
	ParamNumClasses         = "num_classes"
	ParamWeightDecay        = "weight_decay"
	ParamLRScheduler        = "lr_scheduler"
	ParamLRStepSize         = "lr_step_size"
	ParamRestartStep        = "restart_step"
	ParamMultiStep          = "multi_step"
	ParamLossName           = "loss_name"
	ParamBetaCB             = "beta_cb"
	ParamFocalGamma         = "focal_gamma"
	ParamLabelSmoothing     = "label_smoothing"
	ParamSeed               = "seed"
	ParamParallelLoaders    = "parallel_loaders"
	ParamNumCheckpoints     = "num_checkpoints"

	// Model shape parameters.
	ParamCNNNumLayers        = "cnn_num_layers"
	ParamCNNFilters          = "cnn_filters"
	ParamResNeXtBlocks       = "resnext_blocks"
	ParamResNeXtCardinality  = "resnext_cardinality"
	ParamResNeXtWidth        = "resnext_width"
	ParamSqueezeExcitationRd = "se_reduction"

	// ParamInceptionWeightsDir is where the pre-trained InceptionV3 weights are downloaded and unpacked.
	// If empty the "inceptionv3" model is trained from scratch.
	ParamInceptionWeightsDir = "inception_weights_dir"
)

// Dataset choices for ParamChooseDataset.
const (
	DatasetOnlySelf     = "only_self"
	DatasetOnlyOfficial = "only_official"
	DatasetCombine      = "combine"
)

// DatasetChoices lists the valid values of ParamChooseDataset.
var DatasetChoices = []string{DatasetOnlySelf, DatasetOnlyOfficial, DatasetCombine}

// ParamsExcludedFromSaving are parameters that are not saved along the checkpoints, since they only
// affect the current run and may be changed when training continues.
var ParamsExcludedFromSaving = []string{
	ParamRestore, ParamNumEpochs, ParamParallelLoaders, ParamNumCheckpoints, ParamEvalBatchSize,
}

// CreateDefaultContext returns a context with all hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamImageSize:     "256x256",
		ParamBatchSize:     24,
		ParamEvalBatchSize: 0, // If 0 uses batch_size.
		ParamNumEpochs:     40,

		// Augmentation.
		ParamAugmentation:  true,
		ParamEraseProb:     0.0,
		ParamGrayProb:      0.3,
		ParamRotateDegrees: 15.0,

		// Folds: with n_splits == 1 a holdout of val_size is used.
		ParamNumSplits:     5,
		ParamSelectedFold:  []int{0},
		ParamValSize:       0.2,
		ParamChooseDataset: DatasetCombine,

		// CutMix.
		ParamCutMix:     true,
		ParamCutMixBeta: 1.0,
		ParamCutMixProb: 0.5,

		// Multi-scale training: a new size is chosen every multi_scale_interval batches.
		ParamMultiScale: false,
		ParamMultiScaleSize: []string{
			"256x256", "288x288", "320x320", "352x352", "384x384", "416x416"},
		ParamMultiScaleInterval: 10,

		// Model.
		ParamModel:                   "se_resnext",
		ParamDropRate:                0.0,
		ParamRestore:                 "",
		ParamNumClasses:              54,
		layers.ParamNormalization:    "batch",
		activations.ParamActivation:  "relu",
		ParamCNNNumLayers:            5,
		ParamCNNFilters:              32,
		ParamResNeXtBlocks:           []int{1, 1, 2, 1},
		ParamResNeXtCardinality:      8,
		ParamResNeXtWidth:            4,
		ParamSqueezeExcitationRd:     16,
		ParamInceptionWeightsDir:     "~/work/xiancls/inceptionv3",
		optimizers.ParamOptimizer:    "Adam",
		optimizers.ParamLearningRate: 3e-4,
		ParamWeightDecay:             5e-4,

		// Learning rate schedule.
		ParamLRScheduler: "StepLR",
		ParamLRStepSize:  20,
		ParamRestartStep: 80,
		ParamMultiStep:   []int{20, 35, 45},

		// Loss.
		ParamLossName:       "1.0*CB_Softmax",
		ParamBetaCB:         0.9999,
		ParamFocalGamma:     2.0,
		ParamLabelSmoothing: 0.1,

		ParamSeed:            42,
		ParamParallelLoaders: true,
		ParamNumCheckpoints:  3,
	})
	SeedRng(ctx)
	return ctx
}

// ImageSize of the images fed to the model.
type ImageSize struct {
	Height, Width int
}

// String implements fmt.Stringer, in the same format accepted by ParseImageSize.
func (s ImageSize) String() string {
	return strconv.Itoa(s.Height) + "x" + strconv.Itoa(s.Width)
}

// ParseImageSize parses sizes given as "<height>x<width>" (e.g.: "256x256") or a single number for
// square images.
func ParseImageSize(value string) (ImageSize, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	parts := strings.Split(value, "x")
	if len(parts) == 1 {
		parts = append(parts, parts[0])
	}
	if len(parts) != 2 {
		return ImageSize{}, errors.Errorf("invalid image size %q, expected \"<height>x<width>\"", value)
	}
	var dims [2]int
	for ii, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return ImageSize{}, errors.Wrapf(err, "invalid image size %q", value)
		}
		if v <= 0 {
			return ImageSize{}, errors.Errorf("invalid image size %q, dimensions must be > 0", value)
		}
		dims[ii] = v
	}
	return ImageSize{Height: dims[0], Width: dims[1]}, nil
}

// ParseBool accepts the usual command line spellings of booleans: "yes", "true", "t", "y", "1" and
// "no", "false", "f", "n", "0" (case-insensitive).
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "t", "y", "1":
		return true, nil
	case "no", "false", "f", "n", "0":
		return false, nil
	}
	return false, errors.Errorf("boolean value expected, got %q", value)
}

// ParseSettings applies the "-set" command line settings (see commandline.ParseContextSettings) to ctx,
// accepting the permissive boolean spellings of ParseBool for boolean parameters.
//
// It returns the list of parameters set.
func ParseSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	parts := strings.Split(settings, ";")
	for ii, setting := range parts {
		key, value, found := strings.Cut(setting, "=")
		if !found {
			continue
		}
		current, ok := ctx.GetParam(strings.TrimSpace(key))
		if !ok {
			continue
		}
		if _, isBool := current.(bool); !isBool {
			continue
		}
		b, err := ParseBool(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", key)
		}
		parts[ii] = key + "=" + strconv.FormatBool(b)
	}
	paramsSet, err = commandline.ParseContextSettings(ctx, strings.Join(parts, ";"))
	if err != nil {
		return nil, err
	}
	SeedRng(ctx)
	return paramsSet, nil
}

// SeedRng resets the random number generator of ctx, used by the variable initializers and the
// in-graph random operations, to a state derived from ParamSeed.
func SeedRng(ctx *context.Context) {
	must.M(ctx.SetRNGStateFromSeed(int64(context.GetParamOr(ctx, ParamSeed, 42))))
}

// Config is a validated snapshot of the hyperparameters in the context.
type Config struct {
	ImageSize     ImageSize
	BatchSize     int
	EvalBatchSize int
	NumEpochs     int

	Augmentation  bool
	EraseProb     float64
	GrayProb      float64
	RotateDegrees float64

	NumSplits     int
	SelectedFolds []int
	ValSize       float64
	ChooseDataset string

	CutMix     bool
	CutMixBeta float64
	CutMixProb float64

	MultiScale         bool
	MultiScaleSizes    []ImageSize
	MultiScaleInterval int

	Model               string
	InceptionWeightsDir string
	DropRate            float64
	Restore             string
	NumClasses          int
	Optimizer           string
	LR                  float64
	WeightDecay         float64

	LRScheduler string
	LRStepSize  int
	RestartStep int
	MultiStep   []int

	LossName       string
	BetaCB         float64
	FocalGamma     float64
	LabelSmoothing float64

	Seed            int
	ParallelLoaders bool
	NumCheckpoints  int
}

// FromContext reads the hyperparameters from ctx and validates them.
func FromContext(ctx *context.Context) (*Config, error) {
	c := &Config{
		BatchSize:          context.GetParamOr(ctx, ParamBatchSize, 24),
		EvalBatchSize:      context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		NumEpochs:          context.GetParamOr(ctx, ParamNumEpochs, 40),
		Augmentation:       context.GetParamOr(ctx, ParamAugmentation, true),
		EraseProb:          context.GetParamOr(ctx, ParamEraseProb, 0.0),
		GrayProb:           context.GetParamOr(ctx, ParamGrayProb, 0.3),
		RotateDegrees:      context.GetParamOr(ctx, ParamRotateDegrees, 15.0),
		NumSplits:          context.GetParamOr(ctx, ParamNumSplits, 5),
		SelectedFolds:      context.GetParamOr(ctx, ParamSelectedFold, []int{0}),
		ValSize:            context.GetParamOr(ctx, ParamValSize, 0.2),
		ChooseDataset:      context.GetParamOr(ctx, ParamChooseDataset, DatasetCombine),
		CutMix:             context.GetParamOr(ctx, ParamCutMix, true),
		CutMixBeta:         context.GetParamOr(ctx, ParamCutMixBeta, 1.0),
		CutMixProb:         context.GetParamOr(ctx, ParamCutMixProb, 0.5),
		MultiScale:         context.GetParamOr(ctx, ParamMultiScale, false),
		MultiScaleInterval: context.GetParamOr(ctx, ParamMultiScaleInterval, 10),
		Model:              context.GetParamOr(ctx, ParamModel, "se_resnext"),
		DropRate:           context.GetParamOr(ctx, ParamDropRate, 0.0),
		Restore:            context.GetParamOr(ctx, ParamRestore, ""),
		NumClasses:         context.GetParamOr(ctx, ParamNumClasses, 54),
		Optimizer:          context.GetParamOr(ctx, optimizers.ParamOptimizer, "Adam"),
		LR:                 context.GetParamOr(ctx, optimizers.ParamLearningRate, 3e-4),
		WeightDecay:        context.GetParamOr(ctx, ParamWeightDecay, 5e-4),
		LRScheduler:        context.GetParamOr(ctx, ParamLRScheduler, "StepLR"),
		LRStepSize:         context.GetParamOr(ctx, ParamLRStepSize, 20),
		RestartStep:        context.GetParamOr(ctx, ParamRestartStep, 80),
		MultiStep:          context.GetParamOr(ctx, ParamMultiStep, []int{20, 35, 45}),
		LossName:           context.GetParamOr(ctx, ParamLossName, "1.0*CB_Softmax"),
		BetaCB:             context.GetParamOr(ctx, ParamBetaCB, 0.9999),
		FocalGamma:         context.GetParamOr(ctx, ParamFocalGamma, 2.0),
		LabelSmoothing:     context.GetParamOr(ctx, ParamLabelSmoothing, 0.1),
		Seed:               context.GetParamOr(ctx, ParamSeed, 42),
		ParallelLoaders:    context.GetParamOr(ctx, ParamParallelLoaders, true),
		NumCheckpoints:     context.GetParamOr(ctx, ParamNumCheckpoints, 3),
	}
	c.InceptionWeightsDir = context.GetParamOr(ctx, ParamInceptionWeightsDir, "")
	var err error
	c.ImageSize, err = ParseImageSize(context.GetParamOr(ctx, ParamImageSize, "256x256"))
	if err != nil {
		return nil, errors.WithMessagef(err, "parameter %q", ParamImageSize)
	}
	for _, sizeStr := range context.GetParamOr(ctx, ParamMultiScaleSize, []string{}) {
		size, err := ParseImageSize(sizeStr)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", ParamMultiScaleSize)
		}
		c.MultiScaleSizes = append(c.MultiScaleSizes, size)
	}
	if c.EvalBatchSize <= 0 {
		c.EvalBatchSize = c.BatchSize
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration values are consistent.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamBatchSize, c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamNumEpochs, c.NumEpochs)
	}
	for name, p := range map[string]float64{
		ParamEraseProb: c.EraseProb, ParamGrayProb: c.GrayProb, ParamCutMixProb: c.CutMixProb,
		ParamDropRate: c.DropRate, ParamLabelSmoothing: c.LabelSmoothing,
	} {
		if p < 0 || p > 1 {
			return errors.Errorf("%q must be in the range [0, 1], got %g", name, p)
		}
	}
	if c.CutMix && c.CutMixBeta <= 0 {
		return errors.Errorf("%q must be > 0 when cutmix is enabled, got %g", ParamCutMixBeta, c.CutMixBeta)
	}
	if slices.Index(DatasetChoices, c.ChooseDataset) == -1 {
		return errors.Errorf("%q must be one of %v, got %q", ParamChooseDataset, DatasetChoices, c.ChooseDataset)
	}
	if c.NumSplits < 1 {
		return errors.Errorf("%q must be >= 1, got %d", ParamNumSplits, c.NumSplits)
	}
	if len(c.SelectedFolds) == 0 {
		return errors.Errorf("%q must select at least one fold", ParamSelectedFold)
	}
	for _, fold := range c.SelectedFolds {
		if fold < 0 || fold >= c.NumSplits {
			return errors.Errorf("fold %d in %q is invalid for %d splits", fold, ParamSelectedFold, c.NumSplits)
		}
	}
	if c.NumSplits == 1 && (c.ValSize <= 0 || c.ValSize >= 1) {
		return errors.Errorf("%q must be in the range (0, 1) when %s=1, got %g", ParamValSize, ParamNumSplits, c.ValSize)
	}
	if c.MultiScale {
		if len(c.MultiScaleSizes) == 0 {
			return errors.Errorf("%q is enabled but %q is empty", ParamMultiScale, ParamMultiScaleSize)
		}
		if c.MultiScaleInterval <= 0 {
			return errors.Errorf("%q must be > 0, got %d", ParamMultiScaleInterval, c.MultiScaleInterval)
		}
	}
	if c.NumClasses < 2 {
		return errors.Errorf("%q must be >= 2, got %d", ParamNumClasses, c.NumClasses)
	}
	if c.LR <= 0 {
		return errors.Errorf("%q must be > 0, got %g", optimizers.ParamLearningRate, c.LR)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("%q must be >= 0, got %g", ParamWeightDecay, c.WeightDecay)
	}
	return nil
}
