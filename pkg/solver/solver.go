// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package solver wraps the training of a classifier: forward and backward passes, losses,
// checkpoints of the run (including the best model) and the epoch loop with validation.
package solver

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/classloss"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/models"
	"github.com/xiancls/xiancls/pkg/optim"
	"github.com/xiancls/xiancls/pkg/pseudolabel"
)

// Solver trains and evaluates a model.
type Solver struct {
	backend backends.Backend

	// rootCtx holds the hyperparameters and is the one saved in the checkpoints, ctx is scoped
	// to models.ModelScope.
	rootCtx, ctx *context.Context

	modelFn   train.ModelFn
	loss      *classloss.Loss
	optimizer *optim.Optimizer
	scheduler optim.Scheduler
	trainer   *train.Trainer

	forwardExec, lossExec, cutmixLossExec *context.Exec

	// Run directory and its checkpoints, see NewRun.
	runDir     string
	checkpoint *checkpoints.Handler

	// Labels used to name the classes in the reports and in the per-class accuracies file. Required
	// by TrainModel when a run was started, see pseudolabel.LabelMap.Validate.
	Labels pseudolabel.LabelMap

	// ShowProgress displays a progress bar during training and the per-class report at the end.
	ShowProgress bool
}

// New creates a Solver for the model built by modelFn, with the hyperparameters in ctx.
//
// The model is built under the models.ModelScope of ctx. If scheduler is not nil, it is attached
// to the optimizer. The random number generator of ctx is reset from the "seed" hyperparameter.
func New(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, loss *classloss.Loss,
	optimizer *optim.Optimizer, scheduler optim.Scheduler) *Solver {
	config.SeedRng(ctx)
	s := &Solver{
		backend:   backend,
		rootCtx:   ctx,
		ctx:       ctx.In(models.ModelScope),
		modelFn:   modelFn,
		loss:      loss,
		optimizer: optimizer.WithScheduler(scheduler),
		scheduler: scheduler,
	}
	trainMetrics := []metrics.Interface{classloss.NewMovingAccuracy("Moving Average Accuracy", "~acc", 0.01)}
	evalMetrics := []metrics.Interface{classloss.NewAccuracy("Mean Accuracy", "#acc")}
	s.trainer = train.NewTrainer(backend, s.ctx, modelFn, loss.LossFn, s.optimizer, trainMetrics, evalMetrics)
	return s
}

// Trainer returns the underlying train.Trainer.
func (s *Solver) Trainer() *train.Trainer { return s.trainer }

// Context returns the context scoped to the model.
func (s *Solver) Context() *context.Context { return s.ctx }

// Forward runs the model in inference mode on the images, shaped `[batch_size, height, width, 3]`,
// and returns the logits shaped `[batch_size, num_classes]`.
func (s *Solver) Forward(images *tensors.Tensor) (*tensors.Tensor, error) {
	if s.forwardExec == nil {
		var err error
		s.forwardExec, err = context.NewExec(s.backend, s.ctx.Checked(false),
			func(ctx *context.Context, images *Node) *Node {
				return s.modelFn(ctx, nil, []*Node{images})[0]
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create forward executor")
		}
	}
	logits, err := s.forwardExec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "forward pass failed")
	}
	return logits, nil
}

// CalLoss returns the mean loss of the logits for the given labels, shaped `[batch_size, 1]`.
func (s *Solver) CalLoss(logits, labels *tensors.Tensor) (float64, error) {
	if s.lossExec == nil {
		var err error
		s.lossExec, err = context.NewExec(s.backend, s.ctx.Checked(false),
			func(_ *context.Context, logits, labels *Node) *Node {
				return ReduceAllMean(s.loss.Single(logits, labels))
			})
		if err != nil {
			return 0, errors.WithMessagef(err, "failed to create loss executor")
		}
	}
	return finalizedScalar(s.lossExec.Exec1(logits, labels))
}

// CalLossCutmix returns the mean loss of the logits of mixed images: `lam * loss(labelsA) + (1-lam) * loss(labelsB)`.
func (s *Solver) CalLossCutmix(logits, labelsA, labelsB, lam *tensors.Tensor) (float64, error) {
	if s.cutmixLossExec == nil {
		var err error
		s.cutmixLossExec, err = context.NewExec(s.backend, s.ctx.Checked(false),
			func(_ *context.Context, inputs []*Node) *Node {
				return ReduceAllMean(s.loss.Cutmix(inputs[0], inputs[1], inputs[2], inputs[3]))
			})
		if err != nil {
			return 0, errors.WithMessagef(err, "failed to create cutmix loss executor")
		}
	}
	return finalizedScalar(s.cutmixLossExec.Exec1(logits, labelsA, labelsB, lam))
}

// finalizedScalar returns the value of the scalar loss t and frees it.
func finalizedScalar(t *tensors.Tensor, err error) (float64, error) {
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to compute loss")
	}
	defer t.FinalizeAll()
	return scalarValue(t)
}

func scalarValue(t *tensors.Tensor) (value float64, err error) {
	err = exceptions.TryCatch[error](func() {
		value = float64(tensors.MustCopyFlatData[float32](t)[0])
	})
	return
}

// Backward runs one optimization step on the batch, and returns the training metrics (the loss
// first).
func (s *Solver) Backward(inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
	metricValues, err := s.trainer.TrainStep(nil, inputs, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "train step failed")
	}
	return metricValues, nil
}
