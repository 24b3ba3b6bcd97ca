// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/internal/report"
	"github.com/xiancls/xiancls/pkg/config"
	"k8s.io/klog/v2"
)

// ClassesAccFile is the file in the run directory with the per-class validation accuracy of the
// best epoch.
const ClassesAccFile = "classes_acc.json"

// Evaluation holds the results of evaluating the model on a dataset.
type Evaluation struct {
	Loss     float64
	Accuracy float64

	// ClassAccuracy per class index. Classes without examples have accuracy 0.
	ClassAccuracy []float64

	// ClassCount is the number of examples of each class.
	ClassCount []int
}

// Evaluate runs the model over the whole dataset, which is reset before and after, and returns
// the mean loss and the overall and per-class accuracies.
//
// Only the first labels yielded are used: evaluation datasets are not mixed.
func (s *Solver) Evaluate(ds train.Dataset, numClasses int) (*Evaluation, error) {
	ds.Reset()
	defer ds.Reset()
	e := &Evaluation{
		ClassAccuracy: make([]float64, numClasses),
		ClassCount:    make([]int, numClasses),
	}
	correct := make([]int, numClasses)
	var lossSum float64
	var numExamples int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading from dataset %q", ds.Name())
		}
		batchSize, err := s.evalBatch(inputs, labels, correct, e.ClassCount, &lossSum)
		finalizeAll(inputs)
		finalizeAll(labels)
		if err != nil {
			return nil, err
		}
		numExamples += batchSize
	}
	if numExamples == 0 {
		return nil, errors.Errorf("dataset %q yielded no examples to evaluate", ds.Name())
	}
	var totalCorrect int
	for class, count := range e.ClassCount {
		totalCorrect += correct[class]
		if count > 0 {
			e.ClassAccuracy[class] = float64(correct[class]) / float64(count)
		}
	}
	e.Loss = lossSum / float64(numExamples)
	e.Accuracy = float64(totalCorrect) / float64(numExamples)
	return e, nil
}

// evalBatch accumulates the loss (weighted by the batch size) and the correct predictions per class
// of one batch. It returns the batch size.
func (s *Solver) evalBatch(inputs, labels []*tensors.Tensor, correct, count []int, lossSum *float64) (int, error) {
	logits, err := s.Forward(inputs[0])
	if err != nil {
		return 0, err
	}
	defer logits.FinalizeAll()
	loss, err := s.CalLoss(logits, labels[0])
	if err != nil {
		return 0, err
	}
	var flatLogits []float32
	var flatLabels []int32
	err = exceptions.TryCatch[error](func() {
		flatLogits = tensors.MustCopyFlatData[float32](logits)
		flatLabels = tensors.MustCopyFlatData[int32](labels[0])
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to read predictions")
	}
	batchSize := len(flatLabels)
	numClasses := len(count)
	if len(flatLogits) != batchSize*numClasses {
		return 0, errors.Errorf("model returned logits shaped %s for %d examples of %d classes",
			logits.Shape(), batchSize, numClasses)
	}
	for ii, label := range flatLabels {
		if int(label) < 0 || int(label) >= numClasses {
			return 0, errors.Errorf("label %d out of range for %d classes", label, numClasses)
		}
		row := flatLogits[ii*numClasses : (ii+1)*numClasses]
		predicted := 0
		for class, value := range row {
			if value > row[predicted] {
				predicted = class
			}
		}
		count[label]++
		if predicted == int(label) {
			correct[label]++
		}
	}
	*lossSum += loss * float64(batchSize)
	return batchSize, nil
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		t.FinalizeAll()
	}
}

// EpochResult summarizes one epoch of training.
type EpochResult struct {
	Epoch        int
	TrainLoss    float64
	LearningRate float64
	Validation   *Evaluation
	IsBest       bool
	Elapsed      time.Duration
}

// better tells whether the evaluation a is better than b: higher accuracy, with ties broken by lower loss.
func better(a, b *Evaluation) bool {
	if b == nil {
		return true
	}
	if a.Accuracy != b.Accuracy {
		return a.Accuracy > b.Accuracy
	}
	return a.Loss < b.Loss
}

// TrainModel trains the model for the configured number of epochs, evaluating it on valDS after each
// epoch.
//
// If a run was started (see NewRun), a checkpoint is saved after every epoch, the best one is copied
// into the model_best directory, and the per-class accuracies of the best epoch are written to
// ClassesAccFile, which requires s.Labels to name every class as "<category>/<name>". The scheduler, if any, is updated at the end of every epoch with the validation loss.
//
// It returns the results of each epoch.
func (s *Solver) TrainModel(trainDS, valDS train.Dataset) ([]EpochResult, error) {
	cfg, err := config.FromContext(s.rootCtx)
	if err != nil {
		return nil, err
	}
	if s.checkpoint != nil {
		if err = s.Labels.Validate(cfg.NumClasses); err != nil {
			return nil, errors.WithMessagef(err, "cannot write %s, which is keyed by the class labels", ClassesAccFile)
		}
	}
	loop := train.NewLoop(s.trainer)
	if s.ShowProgress {
		commandline.AttachProgressBar(loop)
	}

	var best *Evaluation
	results := make([]EpochResult, 0, cfg.NumEpochs)
	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		start := time.Now()
		trainMetrics, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return results, errors.WithMessagef(err, "training epoch %d failed", epoch)
		}
		result := EpochResult{Epoch: epoch, LearningRate: s.optimizer.LearningRate}
		if len(trainMetrics) > 0 {
			result.TrainLoss, _ = scalarValue(trainMetrics[0])
		}
		result.Validation, err = s.Evaluate(valDS, cfg.NumClasses)
		if err != nil {
			return results, errors.WithMessagef(err, "validation of epoch %d failed", epoch)
		}
		if s.scheduler != nil {
			result.LearningRate = s.scheduler.EpochEnd(s.rootCtx, epoch, result.Validation.Loss)
		}
		result.IsBest = better(result.Validation, best)
		if result.IsBest {
			best = result.Validation
		}
		if s.checkpoint != nil {
			if err = s.SaveCheckpoint(result.IsBest); err != nil {
				return results, err
			}
			if result.IsBest {
				if err = s.writeClassesAcc(result.Validation, cfg.NumClasses); err != nil {
					return results, err
				}
			}
		}
		result.Elapsed = time.Since(start)
		results = append(results, result)
		klog.Infof("Epoch %d/%d: train loss %.4f, val loss %.4f, val accuracy %.2f%%, lr %.3g%s (%s)",
			epoch+1, cfg.NumEpochs, result.TrainLoss, result.Validation.Loss, 100*result.Validation.Accuracy,
			result.LearningRate, bestMark(result.IsBest), result.Elapsed.Round(time.Millisecond))
	}
	if s.ShowProgress && best != nil {
		fmt.Println(report.TitleStyle.Render("Best validation accuracy per class"))
		fmt.Println(s.ClassReport(best))
	}
	return results, nil
}

func bestMark(isBest bool) string {
	if isBest {
		return ", best"
	}
	return ""
}

// ClassAccuracies maps the labels of each class to its accuracy in the evaluation.
func (s *Solver) ClassAccuracies(e *Evaluation) map[string]float64 {
	names := s.Labels.Names(len(e.ClassAccuracy))
	acc := make(map[string]float64, len(names))
	for class, name := range names {
		acc[name] = e.ClassAccuracy[class]
	}
	return acc
}

func (s *Solver) writeClassesAcc(e *Evaluation, numClasses int) error {
	if len(e.ClassAccuracy) != numClasses {
		return errors.Errorf("evaluation has %d classes, expected %d", len(e.ClassAccuracy), numClasses)
	}
	if err := s.Labels.Validate(numClasses); err != nil {
		return errors.WithMessagef(err, "cannot write %s, which is keyed by the class labels", ClassesAccFile)
	}
	contents, err := json.MarshalIndent(s.ClassAccuracies(e), "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode per-class accuracies")
	}
	path := filepath.Join(s.runDir, ClassesAccFile)
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write per-class accuracies")
	}
	return nil
}

// ClassReport renders a table with the accuracy of each class. Classes below the overall accuracy
// are highlighted.
func (s *Solver) ClassReport(e *Evaluation) string {
	table := report.NewTable(lipgloss.Right, lipgloss.Left, lipgloss.Right).
		Headers("Class", "Label", "Examples", "Accuracy")
	names := s.Labels.Names(len(e.ClassAccuracy))
	for class, name := range names {
		table.HighlightedRow(e.ClassAccuracy[class] < e.Accuracy,
			fmt.Sprintf("%d", class), name, humanize.Comma(int64(e.ClassCount[class])),
			fmt.Sprintf("%.2f%%", 100*e.ClassAccuracy[class]))
	}
	return fmt.Sprintf("%s\nOverall: %.2f%% accuracy, %.4f loss\n", table.Render(), 100*e.Accuracy, e.Loss)
}
