// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classloss

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewAccuracy returns a mean accuracy metric, see Accuracy.
func NewAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, Accuracy, accuracyPPrint)
}

// NewMovingAccuracy returns an exponential moving average accuracy metric, see Accuracy.
func NewMovingAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, metrics.AccuracyMetricType,
		Accuracy, accuracyPPrint, newExampleWeight)
}
