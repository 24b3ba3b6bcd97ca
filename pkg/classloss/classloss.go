// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classloss implements the classification losses, configured by a loss name that can combine
// several of them in a weighted sum, e.g. "0.5*CrossEntropy+1.0*FocalLoss".
//
// All losses take logits shaped `[batch_size, num_classes]` and integer labels shaped `[batch_size, 1]`,
// and return the loss per example, shaped `[batch_size]`.
package classloss

import (
	"math"
	"slices"
	"strconv"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
)

// Names of the supported losses.
const (
	CrossEntropy       = "CrossEntropy"
	SmoothCrossEntropy = "SmoothCrossEntropy"
	FocalLoss          = "FocalLoss"
	CBSoftmax          = "CB_Softmax"
	CBSigmoid          = "CB_Sigmoid"
	CBFocal            = "CB_Focal"
)

// Names lists all the supported loss names.
var Names = []string{CrossEntropy, SmoothCrossEntropy, FocalLoss, CBSoftmax, CBSigmoid, CBFocal}

// Term of a weighted sum of losses.
type Term struct {
	Weight float64
	Name   string
}

// Parse a loss name with the format "<weight>*<name>+<weight>*<name>...". The weight can be omitted,
// in which case it is 1.
func Parse(lossName string) ([]Term, error) {
	lossName = strings.TrimSpace(lossName)
	if lossName == "" {
		return nil, errors.New("empty loss name")
	}
	var terms []Term
	for _, part := range strings.Split(lossName, "+") {
		part = strings.TrimSpace(part)
		term := Term{Weight: 1, Name: part}
		if weightStr, name, found := strings.Cut(part, "*"); found {
			weight, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid weight in loss term %q of %q", part, lossName)
			}
			if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
				return nil, errors.Errorf("invalid weight %g in loss term %q of %q", weight, part, lossName)
			}
			term = Term{Weight: weight, Name: strings.TrimSpace(name)}
		}
		if slices.Index(Names, term.Name) == -1 {
			return nil, errors.Errorf("unknown loss %q in %q, valid losses are %v", term.Name, lossName, Names)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

// ClassBalancedWeights returns the class-balanced weights `(1-beta)/(1-beta^n)` of each class, where n is
// the number of examples of the class, normalized to sum to the number of classes.
//
// Classes without examples are counted as having one example.
func ClassBalancedWeights(classCounts []int, beta float64) ([]float64, error) {
	if len(classCounts) == 0 {
		return nil, errors.New("no class counts given for class-balanced weights")
	}
	if beta <= 0 || beta >= 1 {
		return nil, errors.Errorf("class-balanced beta must be in the range (0, 1), got %g", beta)
	}
	weights := make([]float64, len(classCounts))
	var sum float64
	for ii, count := range classCounts {
		effectiveNum := 1 - math.Pow(beta, float64(max(count, 1)))
		weights[ii] = (1 - beta) / effectiveNum
		sum += weights[ii]
	}
	for ii := range weights {
		weights[ii] *= float64(len(weights)) / sum
	}
	return weights, nil
}

// Loss is a configured weighted sum of losses.
type Loss struct {
	Terms          []Term
	NumClasses     int
	ClassWeights   []float64
	FocalGamma     float64
	LabelSmoothing float64
}

// New creates the Loss configured by the hyperparameters in ctx (see config.ParamLossName and related).
//
// classCounts are the number of training examples per class, used by the class-balanced losses. It can be
// nil if none is used.
func New(ctx *context.Context, classCounts []int) (*Loss, error) {
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	terms, err := Parse(cfg.LossName)
	if err != nil {
		return nil, err
	}
	l := &Loss{
		Terms:          terms,
		NumClasses:     cfg.NumClasses,
		FocalGamma:     cfg.FocalGamma,
		LabelSmoothing: cfg.LabelSmoothing,
	}
	needsWeights := slices.ContainsFunc(terms, func(t Term) bool { return strings.HasPrefix(t.Name, "CB_") })
	if needsWeights {
		if len(classCounts) != cfg.NumClasses {
			return nil, errors.Errorf("loss %q requires the count of examples of each of the %d classes, got %d counts",
				cfg.LossName, cfg.NumClasses, len(classCounts))
		}
		l.ClassWeights, err = ClassBalancedWeights(classCounts, cfg.BetaCB)
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// NewLossFn returns the train.LossFn configured by the hyperparameters in ctx, see New and Loss.LossFn.
func NewLossFn(ctx *context.Context, classCounts []int) (func(labels, predictions []*Node) *Node, error) {
	l, err := New(ctx, classCounts)
	if err != nil {
		return nil, err
	}
	return l.LossFn, nil
}

// Single returns the loss per example for the given labels, shaped `[batch_size]`.
func (l *Loss) Single(logits, labels *Node) *Node {
	if logits.Rank() != 2 {
		Panicf("logits must be shaped [batch_size, num_classes], got %s", logits.Shape())
	}
	numClasses := logits.Shape().Dimensions[1]
	if labels.Rank() == 2 {
		labels = Squeeze(labels, -1)
	}
	oneHot := OneHot(labels, numClasses, logits.DType())
	var total *Node
	for _, term := range l.Terms {
		var loss *Node
		switch term.Name {
		case CrossEntropy:
			loss = crossEntropy(logits, oneHot)
		case SmoothCrossEntropy:
			loss = smoothCrossEntropy(logits, oneHot, l.LabelSmoothing)
		case FocalLoss:
			loss = focalLoss(logits, oneHot, l.FocalGamma)
		case CBSoftmax:
			loss = Mul(l.exampleWeights(oneHot), crossEntropy(logits, oneHot))
		case CBSigmoid:
			loss = Mul(l.exampleWeights(oneHot), ReduceMean(sigmoidCrossEntropy(logits, oneHot), -1))
		case CBFocal:
			loss = Mul(l.exampleWeights(oneHot), sigmoidFocalLoss(logits, oneHot, l.FocalGamma))
		default:
			Panicf("unknown loss %q", term.Name)
		}
		loss = MulScalar(loss, term.Weight)
		if total == nil {
			total = loss
		} else {
			total = Add(total, loss)
		}
	}
	return total
}

// Cutmix returns the loss of the mixed examples `lam * loss(labelsA) + (1 - lam) * loss(labelsB)`, shaped `[batch_size]`.
func (l *Loss) Cutmix(logits, labelsA, labelsB, lam *Node) *Node {
	lam = ConvertDType(lam, logits.DType())
	if lam.Rank() == 2 {
		lam = Squeeze(lam, -1)
	}
	lossA := l.Single(logits, labelsA)
	lossB := l.Single(logits, labelsB)
	return Add(Mul(lam, lossA), Mul(OneMinus(lam), lossB))
}

// LossFn implements train.LossFn. labels are either only the labels, or the labels, the cutmix labels and the
// cutmix fractions (see dataset.Dataset).
func (l *Loss) LossFn(labels, predictions []*Node) *Node {
	switch len(labels) {
	case 1:
		return l.Single(predictions[0], labels[0])
	case 3:
		return l.Cutmix(predictions[0], labels[0], labels[1], labels[2])
	}
	Panicf("loss expects 1 or 3 labels, got %d", len(labels))
	return nil
}

// exampleWeights returns the class-balanced weight of the label of each example.
func (l *Loss) exampleWeights(oneHot *Node) *Node {
	if len(l.ClassWeights) == 0 {
		Panicf("class-balanced loss used without class weights")
	}
	g := oneHot.Graph()
	if len(l.ClassWeights) != oneHot.Shape().Dimensions[1] {
		Panicf("class-balanced loss configured with %d class weights, but logits have %d classes",
			len(l.ClassWeights), oneHot.Shape().Dimensions[1])
	}
	weights := ConvertDType(Const(g, l.ClassWeights), oneHot.DType())
	weights = BroadcastToShape(InsertAxes(weights, 0), oneHot.Shape())
	return ReduceSum(Mul(oneHot, weights), -1)
}

// crossEntropy of the softmax of logits against the (possibly soft) targets, per example:
// `-sum_c targets_c * log_softmax(logits)_c`.
func crossEntropy(logits, targets *Node) *Node {
	return Neg(ReduceSum(Mul(targets, logSoftmax(logits)), -1))
}

// logSoftmax on the last axis, shifted by the max logit for numerical stability.
func logSoftmax(logits *Node) *Node {
	shifted := Sub(logits, StopGradient(ReduceAndKeep(logits, ReduceMax, -1)))
	return Sub(shifted, Log(ReduceAndKeep(Exp(shifted), ReduceSum, -1)))
}

func smoothCrossEntropy(logits, oneHot *Node, smoothing float64) *Node {
	numClasses := float64(oneHot.Shape().Dimensions[1])
	smoothed := AddScalar(MulScalar(oneHot, 1-smoothing), smoothing/numClasses)
	return crossEntropy(logits, smoothed)
}

// focalLoss is the softmax focal loss: `-(1-p_t)^gamma * log(p_t)`.
func focalLoss(logits, oneHot *Node, gamma float64) *Node {
	logPt := ReduceSum(Mul(oneHot, logSoftmax(logits)), -1)
	pt := Exp(logPt)
	return Neg(Mul(PowScalar(OneMinus(pt), gamma), logPt))
}

// softplus computes log(1+exp(x)) in a numerically stable way.
func softplus(x *Node) *Node {
	return Add(MaxScalar(x, 0), Log1P(Exp(Neg(Abs(x)))))
}

// sigmoidCrossEntropy is the binary cross-entropy of each class, given logits x and targets z:
// `max(x, 0) - x*z + log(1+exp(-|x|))`.
func sigmoidCrossEntropy(logits, targets *Node) *Node {
	return Sub(softplus(logits), Mul(logits, targets))
}

// sigmoidFocalLoss sums over the classes the binary cross-entropy modulated by `(1-p_t)^gamma`, computed in the
// log domain as `exp(-gamma*z*x - gamma*log(1+exp(-x)))`.
func sigmoidFocalLoss(logits, targets *Node, gamma float64) *Node {
	bce := sigmoidCrossEntropy(logits, targets)
	if gamma == 0 {
		return ReduceSum(bce, -1)
	}
	modulator := Exp(MulScalar(Add(Mul(targets, logits), softplus(Neg(logits))), -gamma))
	return ReduceSum(Mul(modulator, bce), -1)
}

// Accuracy returns the fraction of examples whose highest logit is the label in labels[0]. The other
// labels (cutmix labels and fractions) are ignored.
func Accuracy(_ *context.Context, labels, logits []*Node) *Node {
	labels0 := labels[0]
	if labels0.Rank() == 2 {
		labels0 = Squeeze(labels0, -1)
	}
	predicted := ArgMax(logits[0], -1, labels0.DType())
	correct := ConvertDType(Equal(predicted, labels0), dtypes.Float32)
	return ReduceAllMean(correct)
}
