// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pseudolabel

import (
	"image"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
	"github.com/xiancls/xiancls/pkg/dataset"
	"github.com/xiancls/xiancls/pkg/models"
)

// Classifier returns the probabilities of each class for an image.
type Classifier interface {
	Classify(img image.Image) ([]float32, error)
}

// ModelClassifier is a Classifier backed by a trained model loaded from a checkpoint.
type ModelClassifier struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec

	// ImageSize the images are resized to before inference.
	ImageSize config.ImageSize
}

var _ Classifier = (*ModelClassifier)(nil)

// NewModelClassifier loads the model saved in checkpointDir (usually the "model_best" sub-directory of
// a training run). The hyperparameters, including the model type and image size, are read from
// the checkpoint.
//
// If checkpointDir doesn't exist, the error wraps os.ErrNotExist.
func NewModelClassifier(backend backends.Backend, checkpointDir string) (*ModelClassifier, error) {
	if _, err := os.Stat(checkpointDir); err != nil {
		return nil, errors.Wrapf(err, "cannot load model")
	}
	c := &ModelClassifier{
		backend: backend,
		ctx:     config.CreateDefaultContext(),
	}
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", checkpointDir)
	}
	cfg, err := config.FromContext(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameters in checkpoint %q", checkpointDir)
	}
	c.ImageSize = cfg.ImageSize
	modelFn, err := models.SelectModelFn(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse()

	c.exec, err = context.NewExec(c.backend, c.ctx.In(models.ModelScope), func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return Softmax(logits, -1)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create inference executor")
	}
	return c, nil
}

// Classify implements Classifier. The image is resized to ImageSize and normalized.
func (c *ModelClassifier) Classify(img image.Image) (probs []float32, err error) {
	input, err := dataset.ToTensor([]image.Image{dataset.Resize(img, c.ImageSize)})
	if err != nil {
		return nil, err
	}
	defer input.FinalizeAll()
	output, err := c.exec.Exec1(input)
	if err != nil {
		return nil, errors.WithMessagef(err, "inference failed")
	}
	defer output.FinalizeAll()
	err = exceptions.TryCatch[error](func() {
		probs = tensors.MustCopyFlatData[float32](output)
	})
	return probs, err
}
