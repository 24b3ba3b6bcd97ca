// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
	"k8s.io/klog/v2"
)

// Names of the supported learning rate schedulers.
const (
	StepLR      = "StepLR"
	MultiStepLR = "MultiStepLR"
	CosineLR    = "CosineLR"
	ReduceLR    = "ReduceLR"
	CyclicLR    = "CyclicLR"
)

// SchedulerNames lists the supported learning rate schedulers.
var SchedulerNames = []string{StepLR, MultiStepLR, CosineLR, ReduceLR, CyclicLR}

const (
	// DecayGamma is the multiplicative decay of StepLR, MultiStepLR and ReduceLR.
	DecayGamma = 0.1

	// PlateauPatience is the number of epochs without improvement of the validation loss ReduceLR waits
	// before decaying the learning rate.
	PlateauPatience = 5

	// plateauThreshold is the relative improvement required by ReduceLR.
	plateauThreshold = 1e-4

	// Triangular cycle of CyclicLR.
	CyclicBaseLR     = 1e-4
	CyclicMaxLR      = 2.6e-3
	CyclicStepSizeUp = 1805
)

// Scheduler updates the learning rate used by the optimizer.
//
// Per-step schedules are implemented in the graph by UpdateGraph, per-epoch schedules by EpochEnd.
type Scheduler interface {
	// Name of the scheduler, one of SchedulerNames.
	Name() string

	// UpdateGraph is called at every training step, while building the training graph, before the
	// optimizer reads the learning rate.
	UpdateGraph(ctx *context.Context, g *Graph)

	// EpochEnd is called after each epoch (counting from 0) with the validation loss. It returns the
	// learning rate for the next epoch.
	EpochEnd(ctx *context.Context, epoch int, valLoss float64) float64
}

// CreateScheduler returns the scheduler configured by config.ParamLRScheduler in ctx.
// stepsPerEpoch is the number of training steps in one epoch.
func CreateScheduler(ctx *context.Context, stepsPerEpoch int) (Scheduler, error) {
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Creating lr scheduler: %s", cfg.LRScheduler)
	switch cfg.LRScheduler {
	case StepLR:
		if cfg.LRStepSize <= 0 {
			return nil, errors.Errorf("%q must be set to a positive value when using %s, got %d",
				config.ParamLRStepSize, StepLR, cfg.LRStepSize)
		}
		stepSize := cfg.LRStepSize
		return &epochDecay{name: StepLR, initialLR: cfg.LR, numDecays: func(epoch int) int {
			return epoch / stepSize
		}}, nil

	case MultiStepLR:
		if len(cfg.MultiStep) == 0 {
			return nil, errors.Errorf("%q must be set when using %s", config.ParamMultiStep, MultiStepLR)
		}
		milestones := slices.Clone(cfg.MultiStep)
		slices.Sort(milestones)
		return &epochDecay{name: MultiStepLR, initialLR: cfg.LR, numDecays: func(epoch int) int {
			n, _ := slices.BinarySearch(milestones, epoch+1)
			return n
		}}, nil

	case CosineLR:
		if cfg.RestartStep <= 0 {
			return nil, errors.Errorf("%q must be set to a positive value when using %s, got %d",
				config.ParamRestartStep, CosineLR, cfg.RestartStep)
		}
		return &cosine{initialLR: cfg.LR, tMax: cfg.RestartStep}, nil

	case ReduceLR:
		return &plateau{lr: cfg.LR, best: math.Inf(1)}, nil

	case CyclicLR:
		return &cyclic{baseLR: CyclicBaseLR, maxLR: CyclicMaxLR, stepSizeUp: CyclicStepSizeUp,
			stepsPerEpoch: stepsPerEpoch}, nil
	}
	return nil, errors.Errorf("unknown lr scheduler %q set in %q, valid values are %v",
		cfg.LRScheduler, config.ParamLRScheduler, SchedulerNames)
}

// SetLearningRate sets the learning rate variable read by the optimizer.
func SetLearningRate(ctx *context.Context, lr float64) {
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtypes.Float32, lr)
	lrVar.SetValue(tensors.FromScalar(float32(lr)))
}

// epochDecay multiplies the initial learning rate by DecayGamma for each decay up to the epoch.
type epochDecay struct {
	name      string
	initialLR float64
	numDecays func(epoch int) int
}

func (s *epochDecay) Name() string { return s.name }

func (s *epochDecay) UpdateGraph(*context.Context, *Graph) {}

// LearningRate returns the learning rate used in the given epoch.
func (s *epochDecay) LearningRate(epoch int) float64 {
	return s.initialLR * math.Pow(DecayGamma, float64(s.numDecays(epoch)))
}

func (s *epochDecay) EpochEnd(ctx *context.Context, epoch int, _ float64) float64 {
	lr := s.LearningRate(epoch + 1)
	SetLearningRate(ctx, lr)
	return lr
}

// cosine is torch's CosineAnnealingLR with `T_max = restart_step` epochs and a minimum of 0: the
// learning rate follows `initialLR * (1 + cos(pi * epoch / T_max)) / 2`, updated at the end of every epoch.
//
// Past T_max epochs it doesn't restart, it keeps following the cosine and rises back towards initialLR.
type cosine struct {
	initialLR float64
	tMax      int
}

func (s *cosine) Name() string { return CosineLR }

func (s *cosine) UpdateGraph(*context.Context, *Graph) {}

// LearningRate returns the learning rate used in the given epoch.
func (s *cosine) LearningRate(epoch int) float64 {
	return s.initialLR * (1 + math.Cos(math.Pi*float64(epoch)/float64(s.tMax))) / 2
}

func (s *cosine) EpochEnd(ctx *context.Context, epoch int, _ float64) float64 {
	lr := s.LearningRate(epoch + 1)
	SetLearningRate(ctx, lr)
	return lr
}

// plateau decays the learning rate when the validation loss stops improving.
type plateau struct {
	lr           float64
	best         float64
	numBadEpochs int
}

func (s *plateau) Name() string { return ReduceLR }

func (s *plateau) UpdateGraph(*context.Context, *Graph) {}

func (s *plateau) EpochEnd(ctx *context.Context, epoch int, valLoss float64) float64 {
	if valLoss < s.best*(1-plateauThreshold) {
		s.best = valLoss
		s.numBadEpochs = 0
		return s.lr
	}
	s.numBadEpochs++
	if s.numBadEpochs > PlateauPatience {
		s.lr *= DecayGamma
		s.numBadEpochs = 0
		klog.Infof("Epoch %d: reducing learning rate to %g", epoch, s.lr)
		SetLearningRate(ctx, s.lr)
	}
	return s.lr
}

// cyclic is the triangular cyclical learning rate, updated at every step.
type cyclic struct {
	baseLR, maxLR             float64
	stepSizeUp, stepsPerEpoch int
}

func (s *cyclic) Name() string { return CyclicLR }

func (s *cyclic) UpdateGraph(ctx *context.Context, g *Graph) {
	dtype := dtypes.Float32
	step := ConvertDType(optimizers.GetGlobalStepVar(ctx).ValueGraph(g), dtype)
	up := float64(s.stepSizeUp)
	cycle := Floor(OnePlus(DivScalar(step, 2*up)))
	x := Abs(AddScalar(Sub(DivScalar(step, up), MulScalar(cycle, 2)), 1))
	lr := AddScalar(MulScalar(MaxScalar(OneMinus(x), 0), s.maxLR-s.baseLR), s.baseLR)
	optimizers.LearningRateVarWithValue(ctx, dtype, s.baseLR).SetValueGraph(lr)
}

// LearningRate returns the learning rate after the given number of steps.
func (s *cyclic) LearningRate(step int) float64 {
	up := float64(s.stepSizeUp)
	cycle := math.Floor(1 + float64(step)/(2*up))
	x := math.Abs(float64(step)/up - 2*cycle + 1)
	return s.baseLR + (s.maxLR-s.baseLR)*max(0, 1-x)
}

func (s *cyclic) EpochEnd(_ *context.Context, epoch int, _ float64) float64 {
	return s.LearningRate((epoch + 1) * s.stepsPerEpoch)
}
