// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report renders the terminal tables used by the training and pseudo-labeling reports.
package report

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles printed before each table.
	TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// Table wraps a lipgloss table with alternating row styles and optionally highlighted rows.
type Table struct {
	table       *lgtable.Table
	count       int
	highlighted map[int]bool
}

// NewTable creates a table. The alignments are given per column, and the last one is used for
// any remaining columns. Columns are left-aligned by default.
func NewTable(alignments ...lipgloss.Position) *Table {
	t := &Table{highlighted: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.highlighted[row]:
				s = highlightRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// Headers sets the column headers.
func (t *Table) Headers(headers ...string) *Table {
	t.table.Headers(headers...)
	return t
}

// Row appends a row.
func (t *Table) Row(row ...string) *Table {
	t.table.Row(row...)
	t.count++
	return t
}

// HighlightedRow appends a row displayed in red, if highlight is true.
func (t *Table) HighlightedRow(highlight bool, row ...string) *Table {
	if highlight {
		t.highlighted[t.count] = true
	}
	return t.Row(row...)
}

// NumRows returns the number of rows added, not counting the headers.
func (t *Table) NumRows() int { return t.count }

// Render returns the table as a string.
func (t *Table) Render() string { return t.table.Render() }
