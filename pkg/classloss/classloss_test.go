// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classloss

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiancls/xiancls/pkg/config"
)

func TestParse(t *testing.T) {
	terms, err := Parse("1.0*CB_Softmax")
	require.NoError(t, err)
	assert.Equal(t, []Term{{1, CBSoftmax}}, terms)

	terms, err = Parse(" 0.5*CrossEntropy + FocalLoss ")
	require.NoError(t, err)
	assert.Equal(t, []Term{{0.5, CrossEntropy}, {1, FocalLoss}}, terms)

	for _, name := range []string{"", "Hinge", "x*CrossEntropy", "-1*CrossEntropy", "1.0*CrossEntropy+"} {
		_, err = Parse(name)
		assert.Errorf(t, err, "loss name %q should have failed", name)
	}
}

func TestClassBalancedWeights(t *testing.T) {
	weights, err := ClassBalancedWeights([]int{100, 10, 0}, 0.99)
	require.NoError(t, err)
	require.Len(t, weights, 3)
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 3.0, sum, 1e-9)
	assert.Less(t, weights[0], weights[1])
	assert.Less(t, weights[1], weights[2])

	weights, err = ClassBalancedWeights([]int{5, 5}, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, weights, 1e-9)

	_, err = ClassBalancedWeights([]int{1, 2}, 1.0)
	require.Error(t, err)
	_, err = ClassBalancedWeights(nil, 0.5)
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx := config.CreateDefaultContext()
	ctx.SetParam(config.ParamNumClasses, 2)
	_, err := New(ctx, nil)
	require.Error(t, err, "CB_Softmax requires class counts")

	loss, err := New(ctx, []int{3, 7})
	require.NoError(t, err)
	assert.Len(t, loss.ClassWeights, 2)

	ctx.SetParam(config.ParamLossName, "CrossEntropy")
	loss, err = New(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, loss.ClassWeights)
}

// logSumExp of the logits [2, 0, 0].
var logSumExp = math.Log(math.Exp(2) + 2)

func TestLosses(t *testing.T) {
	ce := &Loss{Terms: []Term{{1, CrossEntropy}}}
	graphtest.RunTestGraphFn(t, "CrossEntropy", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 2, 4))
		labels := Const(g, [][]int32{{1}, {3}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{ce.Single(logits, labels)}
		return
	}, []any{[]float32{float32(math.Log(4)), float32(math.Log(4))}}, 1e-4)

	smooth := &Loss{Terms: []Term{{1, SmoothCrossEntropy}}, LabelSmoothing: 0.3}
	graphtest.RunTestGraphFn(t, "SmoothCrossEntropy", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{2, 0, 0}})
		labels := Const(g, [][]int32{{0}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{smooth.Single(logits, labels)}
		return
	}, []any{[]float32{float32(0.8*(logSumExp-2) + 0.2*logSumExp)}}, 1e-4)

	focal := &Loss{Terms: []Term{{1, FocalLoss}}, FocalGamma: 2}
	graphtest.RunTestGraphFn(t, "FocalLoss", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 1, 4))
		labels := Const(g, [][]int32{{0}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{focal.Single(logits, labels)}
		return
	}, []any{[]float32{float32(0.75 * 0.75 * math.Log(4))}}, 1e-4)

	combined := &Loss{Terms: []Term{{0.5, CrossEntropy}, {2, CBSoftmax}}, ClassWeights: []float64{1, 1}}
	graphtest.RunTestGraphFn(t, "Combined", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 1, 2))
		labels := Const(g, [][]int32{{1}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{combined.Single(logits, labels)}
		return
	}, []any{[]float32{float32(2.5 * math.Log(2))}}, 1e-4)

	cbSigmoid := &Loss{Terms: []Term{{1, CBSigmoid}}, ClassWeights: []float64{0.5, 1.5}}
	graphtest.RunTestGraphFn(t, "CB_Sigmoid", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 2, 2))
		labels := Const(g, [][]int32{{0}, {1}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{cbSigmoid.Single(logits, labels)}
		return
	}, []any{[]float32{float32(0.5 * math.Log(2)), float32(1.5 * math.Log(2))}}, 1e-4)

	cbFocal := &Loss{Terms: []Term{{1, CBFocal}}, ClassWeights: []float64{0.5, 1.5}, FocalGamma: 2}
	graphtest.RunTestGraphFn(t, "CB_Focal", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 2, 2))
		labels := Const(g, [][]int32{{1}, {0}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{cbFocal.Single(logits, labels)}
		return
	}, []any{[]float32{float32(1.5 * 0.5 * math.Log(2)), float32(0.5 * 0.5 * math.Log(2))}}, 1e-4)
}

// softmaxCE is the reference cross-entropy of one example.
func softmaxCE(logits []float64, label int) float64 {
	var sum float64
	for _, x := range logits {
		sum += math.Exp(x)
	}
	return math.Log(sum) - logits[label]
}

func TestCrossEntropyPerExample(t *testing.T) {
	ce := &Loss{Terms: []Term{{1, CrossEntropy}}}
	graphtest.RunTestGraphFn(t, "CrossEntropy", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{3, 1, 0}, {1, 1, -20}})
		labels := Const(g, [][]int32{{0}, {1}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{ce.Single(logits, labels)}
		return
	}, []any{[]float32{float32(softmaxCE([]float64{3, 1, 0}, 0)), float32(softmaxCE([]float64{1, 1, -20}, 1))}}, 1e-4)
}

func TestClassBalancedSoftmax(t *testing.T) {
	weights := []float64{0.25, 1, 1.75}
	cb := &Loss{Terms: []Term{{1, CBSoftmax}}, ClassWeights: weights}
	rows := [][]float64{{2, 0, 0}, {0, 1, 0}, {0, 0, 0}, {1, 0, 3}}
	labels := []int32{0, 2, 1, 2}
	want := make([]float32, len(rows))
	for ii, row := range rows {
		want[ii] = float32(weights[labels[ii]] * softmaxCE(row, int(labels[ii])))
	}
	graphtest.RunTestGraphFn(t, "CB_Softmax", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{2, 0, 0}, {0, 1, 0}, {0, 0, 0}, {1, 0, 3}})
		labelsNode := Const(g, [][]int32{{0}, {2}, {1}, {2}})
		inputs = []*Node{logits, labelsNode}
		outputs = []*Node{cb.Single(logits, labelsNode)}
		return
	}, []any{want}, 1e-4)

	// Default loss configuration, with class counts, builds and runs on a batch.
	ctx := config.CreateDefaultContext()
	ctx.SetParam(config.ParamNumClasses, 3)
	defaultLoss, err := New(ctx, []int{50, 5, 1})
	require.NoError(t, err)
	graphtest.RunTestGraphFn(t, "Default", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 3, 3))
		labelsNode := Const(g, [][]int32{{0}, {1}, {2}})
		inputs = []*Node{logits, labelsNode}
		outputs = []*Node{defaultLoss.Single(logits, labelsNode)}
		return
	}, []any{[]float32{
		float32(defaultLoss.ClassWeights[0] * math.Log(3)),
		float32(defaultLoss.ClassWeights[1] * math.Log(3)),
		float32(defaultLoss.ClassWeights[2] * math.Log(3)),
	}}, 1e-4)
}

func TestCutmix(t *testing.T) {
	ce := &Loss{Terms: []Term{{1, CrossEntropy}}}
	graphtest.RunTestGraphFn(t, "Cutmix", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{2, 0, 0}, {0, 2, 0}})
		labelsA := Const(g, [][]int32{{0}, {1}})
		labelsB := Const(g, [][]int32{{1}, {2}})
		lam := Const(g, []float32{1, 0.5})
		inputs = []*Node{logits, labelsA, labelsB, lam}
		outputs = []*Node{ce.LossFn([]*Node{labelsA, labelsB, lam}, []*Node{logits})}
		return
	}, []any{[]float32{float32(logSumExp - 2), float32(0.5*(logSumExp-2) + 0.5*logSumExp)}}, 1e-4)
}

func TestAccuracy(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Accuracy", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{2, 0, 0}, {0, 2, 0}, {0, 0, 2}})
		labels := Const(g, [][]int32{{0}, {2}, {2}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{Accuracy(context.New(), []*Node{labels}, []*Node{logits})}
		return
	}, []any{float32(2.0 / 3.0)}, 1e-5)
}
