// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/xiancls/xiancls/internal/report"
)

type scopeKey struct{ Scope, Key string }

// ParamsRows returns one row per hyperparameter set in any of the contexts, sorted by scope and key:
// scope, key, type and the value in each context ("" if not set).
func ParamsRows(ctxs []*context.Context) [][]string {
	keys := sets.Make[scopeKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			keys.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	sorted := make([]scopeKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	slices.SortFunc(sorted, func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	rows := make([][]string, 0, len(sorted))
	for _, k := range sorted {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = k.Scope, k.Key
		for ii, ctx := range ctxs {
			if k.Scope != context.RootScope {
				ctx = ctx.InAbsPath(k.Scope)
			}
			value, found := ctx.GetParam(k.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
	}
	return rows
}

// Params prints the hyperparameters of each checkpoint side by side. Rows whose values differ are
// highlighted.
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(report.TitleStyle.Render("Hyperparameters"))
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table := report.NewTable().Headers(headers...)
	for _, row := range ParamsRows(ctxs) {
		table.HighlightedRow(!allEqual(row[3:]), row...)
	}
	fmt.Println(table.Render())
}

func allEqual(values []string) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
