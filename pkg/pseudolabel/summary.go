// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pseudolabel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/xiancls/xiancls/internal/report"
)

// AnnotationStats aggregates the results of the samples of one annotation.
type AnnotationStats struct {
	Annotation string
	Threshold  float64
	Total      int
	Promoted   int
	Failed     int

	// MeanScore of the promoted samples.
	MeanScore float64
}

// Stats aggregates the results per annotation, sorted by annotation.
func Stats(results []Result) []AnnotationStats {
	byAnnotation := make(map[string]*AnnotationStats)
	for _, r := range results {
		s, found := byAnnotation[r.Annotation]
		if !found {
			s = &AnnotationStats{Annotation: r.Annotation, Threshold: r.Threshold}
			byAnnotation[r.Annotation] = s
		}
		s.Total++
		if r.Failed() {
			s.Failed++
		}
		if r.Remain {
			s.Promoted++
			s.MeanScore += float64(r.Score)
		}
	}
	stats := make([]AnnotationStats, 0, len(byAnnotation))
	for _, s := range byAnnotation {
		if s.Promoted > 0 {
			s.MeanScore /= float64(s.Promoted)
		}
		stats = append(stats, *s)
	}
	slices.SortFunc(stats, func(a, b AnnotationStats) int { return strings.Compare(a.Annotation, b.Annotation) })
	return stats
}

// Summary renders a table with the results per annotation, followed by the totals.
// Annotations with no promoted sample are highlighted.
func Summary(results []Result) string {
	table := report.NewTable(lipgloss.Left, lipgloss.Right).
		Headers("Annotation", "Threshold", "Samples", "Promoted", "Failed", "Mean Score")
	var total, promoted, numFailed int
	for _, s := range Stats(results) {
		threshold := "-"
		if s.Threshold >= 0 {
			threshold = fmt.Sprintf("%.4f", s.Threshold)
		}
		meanScore := "-"
		if s.Promoted > 0 {
			meanScore = fmt.Sprintf("%.4f", s.MeanScore)
		}
		table.HighlightedRow(s.Promoted == 0, s.Annotation, threshold, humanize.Comma(int64(s.Total)),
			humanize.Comma(int64(s.Promoted)), humanize.Comma(int64(s.Failed)), meanScore)
		total += s.Total
		promoted += s.Promoted
		numFailed += s.Failed
	}
	return fmt.Sprintf("%s\nPromoted %s of %s samples (%s failed)\n", table.Render(),
		humanize.Comma(int64(promoted)), humanize.Comma(int64(total)), humanize.Comma(int64(numFailed)))
}
