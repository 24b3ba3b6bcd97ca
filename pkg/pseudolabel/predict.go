// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pseudolabel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/xiancls/xiancls/internal/fileutil"
	"github.com/xiancls/xiancls/pkg/dataset"
	"k8s.io/klog/v2"
)

// Result of the prediction of one sample.
type Result struct {
	// ImageName is the file name of the image, without directory.
	ImageName string

	// Annotation is the class name derived from the file name.
	Annotation string

	// Index of the predicted class, or -1 if the prediction failed.
	Index int

	// Label is the "<category>/<name>" label of the predicted class, empty if the prediction failed.
	Label string

	// Score is the probability of the predicted class, or -1 if the prediction failed.
	Score float32

	// Threshold the score was compared to.
	Threshold float64

	// Remain tells whether the sample is promoted.
	Remain bool

	// Err holds the reason the prediction failed, if it did.
	Err error
}

// Failed returns whether the prediction of the sample failed.
func (r Result) Failed() bool { return r.Err != nil }

// failed returns the result of a sample whose prediction failed.
func failed(annotation string, thresh float64, err error) Result {
	return Result{Annotation: annotation, Index: -1, Score: -1, Threshold: thresh, Err: err}
}

// Predictor scores weakly labeled images with a Classifier and promotes the confident ones.
type Predictor struct {
	classifier Classifier
	labels     LabelMap

	// Progress is where the progress bar is written. If nil no progress is displayed.
	Progress io.Writer
}

// NewPredictor creates a Predictor using the given classifier, whose class indices are mapped to
// labels by labels.
func NewPredictor(classifier Classifier, labels LabelMap) *Predictor {
	return &Predictor{classifier: classifier, labels: labels}
}

// PredictSingleSample classifies the image in samplePath, and promotes it if the predicted class is the
// annotation and its score is above thresh.
//
// Failures to read or decode the image, or any failure during inference, are not returned as errors:
// the sample is simply not promoted, with Index and Score set to -1 and Err holding the reason.
func (p *Predictor) PredictSingleSample(annotation, samplePath string, thresh float64) Result {
	var probs []float32
	exception := exceptions.Try(func() {
		img, err := dataset.LoadImage(samplePath)
		if err != nil {
			panic(err)
		}
		probs, err = p.classifier.Classify(img)
		if err != nil {
			panic(err)
		}
	})
	if exception != nil {
		err, ok := exception.(error)
		if !ok {
			err = errors.Errorf("prediction of %q failed: %v", samplePath, exception)
		}
		return failed(annotation, thresh, err)
	}
	if len(probs) == 0 {
		return failed(annotation, thresh, errors.Errorf("classifier returned no probabilities for %q", samplePath))
	}

	index := 0
	for ii, prob := range probs {
		if prob > probs[index] {
			index = ii
		}
	}
	label, found := p.labels[index]
	if !found {
		return failed(annotation, thresh, errors.Errorf("predicted class %d has no label", index))
	}
	if !strings.Contains(label, "/") {
		return failed(annotation, thresh, errors.Errorf("label %q of class %d is not in the \"<category>/<name>\" format",
			label, index))
	}
	score := probs[index]
	return Result{
		Annotation: annotation,
		Index:      index,
		Label:      label,
		Score:      score,
		Threshold:  thresh,
		Remain:     float64(score) > thresh && NormalizeLabel(label) == annotation,
	}
}

// ListImageNames returns the sorted image names "<base>.jpg", for each distinct base name (the file name
// up to the first ".") of the files in samplesRoot.
func ListImageNames(samplesRoot string) ([]string, error) {
	entries, err := os.ReadDir(samplesRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list samples")
	}
	bases := sets.Make[string]()
	for _, entry := range entries {
		base, _, _ := strings.Cut(entry.Name(), ".")
		bases.Insert(base)
	}
	names := make([]string, 0, len(bases))
	for base := range bases {
		names = append(names, base+dataset.ImageExt)
	}
	slices.Sort(names)
	return names, nil
}

// ResetDir removes dir, if it exists, and creates it empty.
func ResetDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		klog.Infof("Removing %s", dir)
		if err = os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to remove %q", dir)
		}
	}
	klog.Infof("Making %s", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	return nil
}

// PredictMultiSamples predicts every image in samplesRoot and saves the promoted ones, with their label
// and score files (see SaveImageLabel), into savePath.
//
// savePath is always emptied first: it is removed if it exists and created again.
// Samples whose annotation has no threshold are logged and not promoted.
//
// It returns the result of every sample, sorted by image name.
func (p *Predictor) PredictMultiSamples(samplesRoot string, thresh map[string]float64, savePath string) ([]Result, error) {
	imageNames, err := ListImageNames(samplesRoot)
	if err != nil {
		return nil, err
	}
	if err = ResetDir(savePath); err != nil {
		return nil, err
	}

	progress := p.Progress
	if progress == nil {
		progress = io.Discard
	}
	bar := progressbar.NewOptions(len(imageNames),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowIts(),
	)

	results := make([]Result, 0, len(imageNames))
	for _, imageName := range imageNames {
		annotation := AnnotationFromFileName(imageName)
		imagePath := filepath.Join(samplesRoot, imageName)
		var result Result
		if currentThresh, found := thresh[annotation]; found {
			result = p.PredictSingleSample(annotation, imagePath, currentThresh)
		} else {
			klog.Warningf("no threshold for annotation %q of %q, not promoting it", annotation, imageName)
			result = failed(annotation, -1, errors.Errorf("no threshold for annotation %q", annotation))
		}
		result.ImageName = imageName
		if result.Remain {
			if err = SaveImageLabel(savePath, imagePath, imageName, result.Index, result.Score); err != nil {
				return results, err
			}
			bar.Describe(fmt.Sprintf("Remain: %s, Score: %.4f", imageName, result.Score))
		} else {
			bar.Describe(fmt.Sprintf("Removing: %s, Score: %.4f", imageName, result.Score))
		}
		if result.Failed() {
			klog.V(1).Infof("%s: %v", imageName, result.Err)
		}
		_ = bar.Add(1)
		results = append(results, result)
	}
	_ = bar.Finish()
	return results, nil
}

// FormatScore formats the score as written in the score files.
func FormatScore(score float32) string {
	return strconv.FormatFloat(float64(score), 'g', -1, 32)
}

// SaveImageLabel copies the image to savePath, and writes along with it the label file "<base>.txt",
// holding "<imageName>, <index>", and the score file "<base>_score.txt", where base is the image name
// up to the first ".".
func SaveImageLabel(savePath, imagePath, imageName string, index int, score float32) error {
	base, _, _ := strings.Cut(imageName, ".")
	labelPath := filepath.Join(savePath, base+dataset.LabelExt)
	if err := os.WriteFile(labelPath, []byte(dataset.FormatLabelLine(imageName, index)), 0644); err != nil {
		return errors.Wrapf(err, "failed to write label file")
	}
	scorePath := filepath.Join(savePath, base+dataset.ScoreSuffix)
	if err := os.WriteFile(scorePath, []byte(FormatScore(score)), 0644); err != nil {
		return errors.Wrapf(err, "failed to write score file")
	}
	return fileutil.CopyFile(imagePath, filepath.Join(savePath, imageName))
}
