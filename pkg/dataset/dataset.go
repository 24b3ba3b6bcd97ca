// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/internal/workerspool"
	"github.com/xiancls/xiancls/pkg/config"
)

// Options of a Dataset.
type Options struct {
	// BatchSize is the maximum number of examples per batch. The last batch may be smaller, unless
	// DropIncomplete is set.
	BatchSize int

	// DropIncomplete drops the last batch of the epoch if it is smaller than BatchSize.
	DropIncomplete bool

	// Shuffle the samples at every Reset.
	Shuffle bool

	// Augmenter, if not nil, is applied to every image.
	Augmenter *Augmenter

	// CutMix, if not nil, is applied to every batch.
	CutMix *CutMix

	// Sizes of the yielded images. If more than one is given, a random one is selected every
	// ScaleInterval batches (multi-scale training).
	Sizes []config.ImageSize

	// ScaleInterval is the number of batches between changes of the image size.
	ScaleInterval int

	// Seed for shuffling, augmentation, cutmix and multi-scale selection.
	Seed int64

	// Workers, if not nil, decodes and augments the images of a batch in parallel. The results
	// don't depend on it.
	Workers *workerspool.Pool
}

// TrainOptions returns the options of a training dataset configured by cfg.
func TrainOptions(cfg *config.Config) Options {
	opts := Options{
		BatchSize:      cfg.BatchSize,
		DropIncomplete: true,
		Shuffle:        true,
		Augmenter:      NewAugmenter(cfg),
		Sizes:          []config.ImageSize{cfg.ImageSize},
		Seed:           int64(cfg.Seed),
	}
	if cfg.CutMix {
		opts.CutMix = &CutMix{Beta: cfg.CutMixBeta, Prob: cfg.CutMixProb}
	}
	if cfg.MultiScale {
		opts.Sizes = cfg.MultiScaleSizes
		opts.ScaleInterval = cfg.MultiScaleInterval
	}
	if !cfg.ParallelLoaders {
		// Without parallel loaders, parallelize within the batch instead.
		opts.Workers = workerspool.NewDefault()
	}
	return opts
}

// EvalOptions returns the options of an evaluation dataset configured by cfg: no shuffling, augmentation
// or cutmix, and the fixed image size.
func EvalOptions(cfg *config.Config) Options {
	return Options{
		BatchSize: cfg.EvalBatchSize,
		Sizes:     []config.ImageSize{cfg.ImageSize},
		Seed:      int64(cfg.Seed),
		Workers:   workerspool.NewDefault(),
	}
}

// Dataset implements train.Dataset over a list of samples.
//
// Yield returns:
//
//   - spec: nil.
//   - inputs: the normalized images, float32 shaped `[batch_size, height, width, 3]`.
//   - labels: the original labels (int32 shaped `[batch_size, 1]`), the labels mixed in by cutmix
//     (same shape, equal to the original labels if the batch was not mixed) and the fraction of each
//     image that belongs to the original label (float32 shaped `[batch_size]`).
//
// It is safe for concurrent use, so it can be wrapped with datasets.CustomParallel.
type Dataset struct {
	name    string
	samples []Sample
	opts    Options

	mu         sync.Mutex
	rng        *rand.Rand
	order      []int
	next       int
	numBatches int
	size       config.ImageSize
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset with the given samples.
func New(name string, samples []Sample, opts Options) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.Errorf("dataset %q has no samples", name)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, opts.BatchSize)
	}
	if len(opts.Sizes) == 0 {
		return nil, errors.Errorf("dataset %q: no image size given", name)
	}
	if len(opts.Sizes) > 1 && opts.ScaleInterval <= 0 {
		return nil, errors.Errorf("dataset %q: multi-scale requires a positive interval, got %d",
			name, opts.ScaleInterval)
	}
	if opts.DropIncomplete && len(samples) < opts.BatchSize {
		return nil, errors.Errorf("dataset %q has %d samples, less than one batch of %d",
			name, len(samples), opts.BatchSize)
	}
	ds := &Dataset{
		name:    name,
		samples: samples,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		size:    opts.Sizes[0],
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Samples returns the samples of the dataset, in their original order.
func (ds *Dataset) Samples() []Sample { return ds.samples }

// NumBatches returns the number of batches per epoch.
func (ds *Dataset) NumBatches() int {
	n := len(ds.samples) / ds.opts.BatchSize
	if !ds.opts.DropIncomplete && len(ds.samples)%ds.opts.BatchSize != 0 {
		n++
	}
	return n
}

// Reset implements train.Dataset. It restarts the epoch, with a new shuffle if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.order == nil {
		ds.order = make([]int, len(ds.samples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.opts.Shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.next = 0
}

// selectBatch picks the samples of the next batch, the image size and a seed for the batch random
// transformations. It returns io.EOF at the end of the epoch.
func (ds *Dataset) selectBatch() (batch []Sample, size config.ImageSize, seed int64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.opts.DropIncomplete && remaining < ds.opts.BatchSize) {
		return nil, size, 0, io.EOF
	}
	n := min(remaining, ds.opts.BatchSize)
	batch = make([]Sample, n)
	for ii := range n {
		batch[ii] = ds.samples[ds.order[ds.next+ii]]
	}
	ds.next += n

	if len(ds.opts.Sizes) > 1 && ds.numBatches%ds.opts.ScaleInterval == 0 {
		ds.size = ds.opts.Sizes[ds.rng.Intn(len(ds.opts.Sizes))]
	}
	ds.numBatches++
	return batch, ds.size, ds.rng.Int63(), nil
}

// YieldImages returns the next batch of transformed images (not normalized), with their original labels,
// mixed labels and mixing fractions.
func (ds *Dataset) YieldImages() (images []image.Image, labels, labelsB []int, lam []float32, err error) {
	batch, size, seed, err := ds.selectBatch()
	if err != nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	images = make([]image.Image, len(batch))
	labels = make([]int, len(batch))
	seeds := make([]int64, len(batch))
	for ii, sample := range batch {
		labels[ii] = sample.Label
		seeds[ii] = rng.Int63()
	}
	err = ds.opts.Workers.ForEach(len(batch), func(ii int) error {
		img, err := LoadImage(batch[ii].Path)
		if err != nil {
			return err
		}
		images[ii] = ds.opts.Augmenter.Apply(img, size, rand.New(rand.NewSource(seeds[ii])))
		return nil
	})
	if err != nil {
		return nil, nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	images, labelsB, lam = ds.opts.CutMix.Apply(images, labels, rng)
	return
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, labelsA, labelsB, lam, err := ds.YieldImages()
	if err != nil {
		return
	}
	imagesT, err := ToTensor(images)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{imagesT}
	labels = []*tensors.Tensor{
		tensors.FromValue(labelsColumn(labelsA)),
		tensors.FromValue(labelsColumn(labelsB)),
		tensors.FromValue(lam),
	}
	return
}

// labelsColumn converts labels to int32 shaped [batch_size, 1].
func labelsColumn(labels []int) [][]int32 {
	column := make([][]int32, len(labels))
	for ii, label := range labels {
		column[ii] = []int32{int32(label)}
	}
	return column
}
