// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// SplitFolds splits samples in a stratified way: the samples of each class are shuffled (with the given seed)
// and dealt round-robin into numSplits folds. The fold `fold` is used for validation and the remaining
// ones for training.
//
// If numSplits is 1, a stratified holdout is used instead: valSize (in (0, 1)) of the samples of each
// class go to validation.
//
// The returned slices are sorted by name, so the result only depends on the inputs and the seed.
func SplitFolds(samples []Sample, numSplits, fold int, valSize float64, seed int64) (train, validation []Sample, err error) {
	if numSplits < 1 {
		return nil, nil, errors.Errorf("number of splits must be >= 1, got %d", numSplits)
	}
	if fold < 0 || fold >= numSplits {
		return nil, nil, errors.Errorf("fold %d is invalid for %d splits", fold, numSplits)
	}
	if numSplits == 1 && (valSize <= 0 || valSize >= 1) {
		return nil, nil, errors.Errorf("validation size must be in the range (0, 1), got %g", valSize)
	}

	// Group by class, in a deterministic order.
	byClass := make(map[int][]Sample)
	for _, s := range samples {
		byClass[s.Label] = append(byClass[s.Label], s)
	}
	classes := make([]int, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	slices.Sort(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, label := range classes {
		group := byClass[label]
		slices.SortFunc(group, func(a, b Sample) int { return strings.Compare(a.Name, b.Name) })
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		if numSplits == 1 {
			numVal := int(math.Round(valSize * float64(len(group))))
			validation = append(validation, group[:numVal]...)
			train = append(train, group[numVal:]...)
			continue
		}
		for ii, s := range group {
			if ii%numSplits == fold {
				validation = append(validation, s)
			} else {
				train = append(train, s)
			}
		}
	}
	sortByName := func(a, b Sample) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(train, sortByName)
	slices.SortFunc(validation, sortByName)
	return train, validation, nil
}
