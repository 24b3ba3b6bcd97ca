// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim creates the optimizer and the learning rate scheduler configured by the
// hyperparameters in the context.
//
// The optimizer trains two groups of parameters: the classification head (see models.ClassifierVariable)
// with the configured learning rate, and the backbone with BackboneLearningRateFactor times it.
package optim

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/models"
)

// Names of the supported optimizers.
const (
	Adam = "Adam"
	SGD  = "SGD"
)

// OptimizerNames lists the supported optimizers.
var OptimizerNames = []string{Adam, SGD}

const (
	// BackboneLearningRateFactor is the fraction of the learning rate used for the backbone variables.
	BackboneLearningRateFactor = 0.1

	// SGDMomentum used by the SGD optimizer.
	SGDMomentum = 0.9

	momentumScope = "sgd_momentum"
)

// Optimizer implements optimizers.Interface with L2 weight decay and a reduced learning rate for the
// backbone.
//
// For Adam the update rule is the one of the embedded optimizer, and the update of the backbone
// variables is scaled down afterwards. For SGD it implements SGD with momentum itself, and the embedded
// optimizer only serves for Clear.
type Optimizer struct {
	optimizers.Interface

	// Name of the optimizer, one of OptimizerNames.
	Name string

	LearningRate   float64
	WeightDecay    float64
	BackboneFactor float64

	// Momentum is only used by SGD.
	Momentum float64

	// Scheduler, if set, updates the learning rate in the graph at every training step.
	Scheduler Scheduler
}

var _ optimizers.Interface = (*Optimizer)(nil)

// CreateOptimizer returns the optimizer configured by optimizers.ParamOptimizer in ctx.
func CreateOptimizer(ctx *context.Context) (*Optimizer, error) {
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	o := &Optimizer{
		Name:           cfg.Optimizer,
		LearningRate:   cfg.LR,
		WeightDecay:    cfg.WeightDecay,
		BackboneFactor: BackboneLearningRateFactor,
	}
	switch cfg.Optimizer {
	case Adam:
		o.Interface, err = byName(ctx, "adam")
	case SGD:
		o.Momentum = SGDMomentum
		o.Interface, err = byName(ctx, "sgd")
	default:
		return nil, errors.Errorf("unknown optimizer %q set in %q, valid values are %v",
			cfg.Optimizer, optimizers.ParamOptimizer, OptimizerNames)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create optimizer %q", cfg.Optimizer)
	}
	return o, nil
}

func byName(ctx *context.Context, name string) (opt optimizers.Interface, err error) {
	err = TryCatch[error](func() { opt = optimizers.ByName(ctx, name) })
	return
}

// WithScheduler sets the scheduler used to update the learning rate at every step, and returns the optimizer.
func (o *Optimizer) WithScheduler(scheduler Scheduler) *Optimizer {
	o.Scheduler = scheduler
	return o
}

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	if o.Scheduler != nil {
		o.Scheduler.UpdateGraph(ctx, g)
	}
	trainable := trainableVariables(ctx, g)
	if o.WeightDecay > 0 {
		loss = Add(loss, o.l2Penalty(g, trainable, loss))
	}
	if o.Momentum > 0 {
		o.momentumUpdateGraph(ctx, g, loss, trainable)
		return
	}

	previous := make(map[*context.Variable]*Node, len(trainable))
	for _, v := range trainable {
		if !models.ClassifierVariable(v) {
			previous[v] = v.ValueGraph(g)
		}
	}
	o.Interface.UpdateGraph(ctx, g, loss)
	if o.BackboneFactor == 1 {
		return
	}
	for v, prev := range previous {
		update := Sub(v.ValueGraph(g), prev)
		v.SetValueGraph(Add(prev, MulScalar(update, o.BackboneFactor)))
	}
}

// trainableVariables returns the trainable variables used by the graph, in the order of
// ctx.BuildTrainableVariablesGradientsGraph.
func trainableVariables(ctx *context.Context, g *Graph) []*context.Variable {
	var trainable []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	})
	return trainable
}

// l2Penalty returns `weight_decay/2 * sum(w^2)`, whose gradient adds `weight_decay * w` to the
// gradient of each weight.
func (o *Optimizer) l2Penalty(g *Graph, trainable []*context.Variable, loss *Node) *Node {
	penalty := ScalarZero(g, loss.DType())
	for _, v := range trainable {
		if !v.Shape().DType.IsFloat() {
			continue
		}
		value := ConvertDType(v.ValueGraph(g), loss.DType())
		penalty = Add(penalty, ReduceAllSum(Square(value)))
	}
	return MulScalar(penalty, o.WeightDecay/2)
}

// momentumUpdateGraph implements SGD with momentum: `velocity = momentum * velocity + grad` and
// `w -= lr * velocity`.
func (o *Optimizer) momentumUpdateGraph(ctx *context.Context, g *Graph, loss *Node, trainable []*context.Variable) {
	dtype := loss.DType()
	learningRate := optimizers.LearningRateVar(ctx, dtype, o.LearningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) != len(trainable) {
		Panicf("got %d gradients for %d trainable variables, were variables created while building the "+
			"optimizer graph?", len(grads), len(trainable))
	}
	for ii, v := range trainable {
		grad := grads[ii]
		velocityVar := velocityVariable(ctx, v)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.Momentum), grad)
		velocityVar.SetValueGraph(velocity)
		step := Mul(velocity, ConvertDType(learningRate, grad.DType()))
		if !models.ClassifierVariable(v) {
			step = MulScalar(step, o.BackboneFactor)
		}
		v.SetValueGraph(Sub(v.ValueGraph(g), step))
	}
}

// velocityVariable returns the momentum accumulator of the trainable variable, creating it with zeros
// if needed.
func velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := context.ScopeSeparator + optimizers.Scope + context.ScopeSeparator + momentumScope + trainable.Scope()
	return ctx.InAbsPath(scopePath).Checked(false).
		VariableWithValue(trainable.Name()+"_velocity", tensors.FromShape(trainable.Shape())).
		SetTrainable(false)
}
