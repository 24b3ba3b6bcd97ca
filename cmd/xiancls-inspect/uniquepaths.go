// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names for the checkpoint paths: the path components that tell
// each path apart from the others. A trailing model_best component is ignored, so runs are named
// after their run directory.
func MinimalUniquePaths(paths ...string) []string {
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(runDir(path), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = parts[len(parts)-1]
		case 1:
			names[ii] = parts[diffs[0]]
		default:
			names[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return names
}
