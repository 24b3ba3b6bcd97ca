// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/xiancls/xiancls/internal/report"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/models"
)

// Summary prints a table with one column per checkpoint: model type, global step and the number and
// size of the variables under the scope.
func Summary(ctxs, scopedCtxs []*context.Context, names []string) {
	fmt.Println(report.TitleStyle.Render("Summary"))
	table := report.NewTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)

	row := func(title string, fn func(ii int) string) {
		values := []string{title}
		for ii := range ctxs {
			values = append(values, fn(ii))
		}
		table.Row(values...)
	}
	row("model", func(ii int) string {
		return context.GetParamOr(ctxs[ii], config.ParamModel, "?")
	})
	row("global_step", func(ii int) string {
		return humanize.Comma(optimizers.GetGlobalStep(ctxs[ii]))
	})
	sizes := make([]variablesSize, len(scopedCtxs))
	for ii, scopedCtx := range scopedCtxs {
		sizes[ii] = sizeOf(scopedCtx)
	}
	row("# variables", func(ii int) string { return humanize.Comma(int64(sizes[ii].numVars)) })
	row("# parameters", func(ii int) string { return humanize.Comma(int64(sizes[ii].numParams)) })
	row("# classifier parameters", func(ii int) string { return humanize.Comma(int64(sizes[ii].numClassifierParams)) })
	row("# bytes", func(ii int) string { return humanize.Bytes(uint64(sizes[ii].memory)) })
	fmt.Println(table.Render())
}

type variablesSize struct {
	numVars, numParams, numClassifierParams int
	memory                                  uintptr
}

func sizeOf(ctx *context.Context) (s variablesSize) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		size := v.Shape().Size()
		s.numVars++
		s.numParams += size
		s.memory += v.Shape().Memory()
		if models.ClassifierVariable(v) {
			s.numClassifierParams += size
		}
	})
	return
}

// ListVariables prints the variables in the scope of ctx, sorted by scope and name. Classifier variables,
// the ones trained with the full learning rate, are highlighted.
func ListVariables(ctx *context.Context, name string) {
	fmt.Println(report.TitleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", name, ctx.Scope())))
	type varRow struct {
		classifier bool
		cells      []string
	}
	var rows []varRow
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, varRow{
			classifier: models.ClassifierVariable(v),
			cells: []string{
				v.Scope(), v.Name(), shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
				fmt.Sprintf("%v", v.Trainable),
			},
		})
	})
	slices.SortFunc(rows, func(a, b varRow) int {
		if cmp := strings.Compare(a.cells[0], b.cells[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.cells[1], b.cells[1])
	})
	table := report.NewTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left).
		Headers("Scope", "Name", "Shape", "Size", "Bytes", "Trainable")
	for _, r := range rows {
		table.HighlightedRow(r.classifier, r.cells...)
	}
	fmt.Println(table.Render())
}
