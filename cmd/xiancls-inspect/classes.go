// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/xiancls/xiancls/internal/report"
	"github.com/xiancls/xiancls/pkg/pseudolabel"
	"github.com/xiancls/xiancls/pkg/solver"
	"k8s.io/klog/v2"
)

// ClassAccuracies prints the per-class validation accuracies saved in the run directory, worst first,
// along with the pseudo-labeling threshold each class would get. Classes below the mean accuracy are
// highlighted.
func ClassAccuracies(runDir, name string, threshMax, threshMin float64) error {
	scores, err := pseudolabel.LoadClassScores(filepath.Join(runDir, solver.ClassesAccFile))
	if err != nil {
		return err
	}
	labels := SortedByScore(scores)
	var mean float64
	for _, label := range labels {
		mean += scores[label]
	}
	if len(labels) > 0 {
		mean /= float64(len(labels))
	}
	thresholds, err := pseudolabel.ComputeLabelsThresh(scores, threshMax, threshMin)
	if err != nil {
		klog.Warningf("No threshold preview for %s: %v", name, err)
	}
	fmt.Println(report.TitleStyle.Render(fmt.Sprintf("Per-class accuracy of %s", name)))
	table := report.NewTable(lipgloss.Left, lipgloss.Right).Headers("Label", "Accuracy", "Threshold")
	for _, label := range labels {
		threshold := "-"
		if thresh, found := thresholds[pseudolabel.NormalizeLabel(label)]; found {
			threshold = fmt.Sprintf("%.4f", thresh)
		}
		table.HighlightedRow(scores[label] < mean, label, fmt.Sprintf("%.2f%%", 100*scores[label]), threshold)
	}
	fmt.Printf("%s\nMean over classes: %.2f%%\n", table.Render(), 100*mean)
	return nil
}

// SortedByScore returns the labels sorted by increasing score, ties sorted by label.
func SortedByScore(scores map[string]float64) []string {
	return slices.SortedFunc(maps.Keys(scores), func(a, b string) int {
		return cmp.Or(cmp.Compare(scores[a], scores[b]), cmp.Compare(a, b))
	})
}
