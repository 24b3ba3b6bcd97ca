// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads the labeled images of the classifier, splits them in folds, and implements
// train.Dataset with augmentation, cutmix and multi-scale training.
//
// The images live in a flat directory: each image `<name>.jpg` has a sidecar `<name>.txt` holding
// the line "<name>.jpg, <class index>". Pseudo-labeled images promoted by package pseudolabel use
// the same layout, so they can be merged directly into a training directory.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
	"k8s.io/klog/v2"
)

const (
	// ImageExt is the extension of the images in the dataset.
	ImageExt = ".jpg"

	// LabelExt is the extension of the sidecar label files.
	LabelExt = ".txt"

	// ScoreSuffix is the suffix of the pseudo-label score files, which are not label files.
	ScoreSuffix = "_score.txt"

	// OfficialPrefix is the file name prefix of the images of the official dataset. All
	// other images are considered self-collected.
	OfficialPrefix = "img_"
)

// Sample is one labeled image.
type Sample struct {
	// Path to the image file.
	Path string

	// Name of the image file, without the directory.
	Name string

	// Label is the class index.
	Label int
}

// IsOfficial returns whether the sample belongs to the official dataset.
func (s Sample) IsOfficial() bool {
	return strings.HasPrefix(s.Name, OfficialPrefix)
}

// ParseLabelLine parses the contents of a label file: "<image name>, <class index>".
func ParseLabelLine(line string) (imageName string, label int, err error) {
	line = strings.TrimSpace(line)
	name, indexStr, found := strings.Cut(line, ",")
	if !found {
		return "", 0, errors.Errorf("invalid label line %q, expected \"<image>, <index>\"", line)
	}
	imageName = strings.TrimSpace(name)
	label, err = strconv.Atoi(strings.TrimSpace(indexStr))
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid class index in label line %q", line)
	}
	if imageName == "" || label < 0 {
		return "", 0, errors.Errorf("invalid label line %q", line)
	}
	return imageName, label, nil
}

// FormatLabelLine is the inverse of ParseLabelLine.
func FormatLabelLine(imageName string, label int) string {
	return imageName + ", " + strconv.Itoa(label)
}

// Scan lists the labeled samples in dir, filtered by the dataset choice (one of config.DatasetChoices).
// Samples are returned sorted by name.
//
// Label files whose image is missing are skipped with a warning.
func Scan(dir, chooseDataset string) ([]Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan dataset directory %q", dir)
	}
	var samples []Sample
	var numMissing int
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, LabelExt) || strings.HasSuffix(fileName, ScoreSuffix) {
			continue
		}
		labelPath := filepath.Join(dir, fileName)
		contents, err := os.ReadFile(labelPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read label file %q", labelPath)
		}
		imageName, label, err := ParseLabelLine(string(contents))
		if err != nil {
			return nil, errors.WithMessagef(err, "label file %q", labelPath)
		}
		sample := Sample{Path: filepath.Join(dir, imageName), Name: imageName, Label: label}
		if _, err := os.Stat(sample.Path); err != nil {
			klog.Warningf("image %q for label file %q not readable, skipping: %v", sample.Path, labelPath, err)
			numMissing++
			continue
		}
		switch chooseDataset {
		case config.DatasetOnlyOfficial:
			if !sample.IsOfficial() {
				continue
			}
		case config.DatasetOnlySelf:
			if sample.IsOfficial() {
				continue
			}
		case config.DatasetCombine:
		default:
			return nil, errors.Errorf("unknown dataset choice %q, valid values are %v",
				chooseDataset, config.DatasetChoices)
		}
		samples = append(samples, sample)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	klog.V(1).Infof("scanned %q: %s samples (%s), %d missing images",
		dir, humanize.Comma(int64(len(samples))), chooseDataset, numMissing)
	return samples, nil
}

// ClassCounts returns the number of samples per class. It fails if a label is not in [0, numClasses).
func ClassCounts(samples []Sample, numClasses int) ([]int, error) {
	counts := make([]int, numClasses)
	for _, s := range samples {
		if s.Label < 0 || s.Label >= numClasses {
			return nil, errors.Errorf("sample %q has label %d, but there are only %d classes",
				s.Name, s.Label, numClasses)
		}
		counts[s.Label]++
	}
	return counts, nil
}
