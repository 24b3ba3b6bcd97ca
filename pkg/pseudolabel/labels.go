// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pseudolabel

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LabelMap maps class indices to their "<category>/<name>" labels.
type LabelMap map[int]string

// LoadLabelMap reads a JSON object mapping class indices (as strings) to "<category>/<name>" labels.
func LoadLabelMap(path string) (LabelMap, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read label map")
	}
	var raw map[string]string
	if err = json.Unmarshal(contents, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse label map %q", path)
	}
	labels := make(LabelMap, len(raw))
	for key, label := range raw {
		index, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || index < 0 {
			return nil, errors.Errorf("label map %q: invalid class index %q", path, key)
		}
		labels[index] = label
	}
	return labels, nil
}

// Names returns the labels of classes 0 to numClasses-1. Classes missing from the map are named after
// their index.
func (m LabelMap) Names(numClasses int) []string {
	names := make([]string, numClasses)
	for ii := range names {
		if label, found := m[ii]; found {
			names[ii] = label
		} else {
			names[ii] = strconv.Itoa(ii)
		}
	}
	return names
}

// Validate checks that every class 0 to numClasses-1 has a label in the "<category>/<name>" format,
// which is what the per-class thresholds are keyed by.
func (m LabelMap) Validate(numClasses int) error {
	for class := range numClasses {
		label, found := m[class]
		if !found {
			return errors.Errorf("label map has no label for class %d (of %d classes)", class, numClasses)
		}
		category, name, hasCategory := strings.Cut(label, "/")
		if !hasCategory || category == "" || name == "" {
			return errors.Errorf("label %q of class %d is not in the \"<category>/<name>\" format", label, class)
		}
	}
	return nil
}

// labelAliases maps annotations used in the file names of the weakly labeled images to the
// class names used in the label map.
var labelAliases = map[string]string{
	"浆水鱼鱼": "凉鱼",
	"酥饺":   "蜜饯张口酥饺",
}

// AnnotationFromFileName returns the class name encoded in the file name of a weakly labeled image:
// the prefix up to the first "_", with the known aliases resolved.
func AnnotationFromFileName(fileName string) string {
	annotation, _, _ := strings.Cut(fileName, "_")
	if alias, found := labelAliases[annotation]; found {
		return alias
	}
	return annotation
}
