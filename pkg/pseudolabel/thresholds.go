// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pseudolabel re-scores weakly labeled images with a trained classifier and promotes the
// confident ones into a labeled directory that can be merged into the training data.
//
// Each class gets its own confidence threshold (see ComputeLabelsThresh), interpolated from the
// per-class validation accuracy of the model: classes the model does poorly on get a lower
// threshold, so more of their samples are admitted.
//
// An image is promoted only if the predicted class matches the annotation encoded in its file
// name (see AnnotationFromFileName) and its score is above the threshold of that class.
package pseudolabel

import (
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// NormalizeLabel returns the class name part of a "<category>/<name>" label. Labels without a category
// are returned unchanged.
func NormalizeLabel(label string) string {
	parts := strings.Split(label, "/")
	if len(parts) < 2 {
		return label
	}
	return parts[1]
}

// ComputeLabelsThresh returns the per-class thresholds, keyed by the normalized class name (see NormalizeLabel),
// linearly interpolated between threshMin (for the class with the highest score) and threshMax (for the
// class with the lowest score):
//
//	thresh = (maxScore - score) / (maxScore - minScore) * (threshMax - threshMin) + threshMin
//
// It fails if scores is empty, if all scores are equal (the interpolation is undefined), if threshMax < threshMin
// or if two labels normalize to the same name.
func ComputeLabelsThresh(scores map[string]float64, threshMax, threshMin float64) (map[string]float64, error) {
	if len(scores) == 0 {
		return nil, errors.New("no class scores to compute thresholds from")
	}
	if threshMax < threshMin {
		return nil, errors.Errorf("maximum threshold (%g) must be >= minimum threshold (%g)", threshMax, threshMin)
	}
	maxScore, minScore := math.Inf(-1), math.Inf(1)
	for label, score := range scores {
		if math.IsNaN(score) {
			return nil, errors.Errorf("score of %q is NaN", label)
		}
		maxScore = max(maxScore, score)
		minScore = min(minScore, score)
	}
	if maxScore == minScore {
		return nil, errors.Errorf("all %d class scores are equal (%g), thresholds are undefined", len(scores), maxScore)
	}

	thresholds := make(map[string]float64, len(scores))
	origins := make(map[string]string, len(scores))
	for label, score := range scores {
		name := NormalizeLabel(label)
		if previous, found := origins[name]; found {
			return nil, errors.Errorf("labels %q and %q both normalize to %q", previous, label, name)
		}
		origins[name] = label
		thresholds[name] = (maxScore-score)/(maxScore-minScore)*(threshMax-threshMin) + threshMin
	}
	return thresholds, nil
}

// LoadClassScores reads the per-class scores (usually validation accuracies) from a JSON object
// mapping "<category>/<name>" to a number, as written by the training in "classes_acc.json".
func LoadClassScores(path string) (map[string]float64, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read class scores")
	}
	var scores map[string]float64
	if err = json.Unmarshal(contents, &scores); err != nil {
		return nil, errors.Wrapf(err, "failed to parse class scores in %q", path)
	}
	return scores, nil
}
