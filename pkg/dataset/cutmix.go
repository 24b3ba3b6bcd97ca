// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"math"
	"math/rand"
	randv2 "math/rand/v2"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat/distuv"
)

// CutMix mixes a batch of images with a permutation of itself: a random box of each image is replaced by
// the same box of its permuted partner.
//
// The mixing ratio is sampled from Beta(beta, beta) once per batch, and then adjusted to the exact
// fraction of the image that was kept. It returns the mixed images, the labels of the partners and,
// for each example, the fraction lam of the image that still belongs to the original label.
//
// All images must have the same size.
type CutMix struct {
	// Beta is the parameter of the Beta(beta, beta) distribution of the mixing ratio.
	Beta float64

	// Prob is the probability a batch is mixed.
	Prob float64
}

// Apply cutmix to the batch. If the batch is not mixed (see Prob), the returned labels are the
// original ones and lam is all 1. All the randomness is drawn from rng.
func (c *CutMix) Apply(images []image.Image, labels []int, rng *rand.Rand) (mixed []image.Image, labelsB []int, lam []float32) {
	batchSize := len(images)
	lam = make([]float32, batchSize)
	for ii := range lam {
		lam[ii] = 1
	}
	if c == nil || batchSize < 2 || rng.Float64() >= c.Prob {
		return images, labels, lam
	}

	src := randv2.NewPCG(rng.Uint64(), rng.Uint64())
	ratio := distuv.Beta{Alpha: c.Beta, Beta: c.Beta, Src: src}.Rand()
	bounds := images[0].Bounds()
	box := cutMixBox(bounds.Dx(), bounds.Dy(), ratio, rng)
	adjusted := 1 - float64(box.Dx()*box.Dy())/float64(bounds.Dx()*bounds.Dy())

	perm := rng.Perm(batchSize)
	mixed = make([]image.Image, batchSize)
	labelsB = make([]int, batchSize)
	for ii, jj := range perm {
		labelsB[ii] = labels[jj]
		lam[ii] = float32(adjusted)
		if box.Empty() {
			mixed[ii] = images[ii]
			continue
		}
		patch := imaging.Crop(images[jj], box.Add(images[jj].Bounds().Min))
		mixed[ii] = imaging.Paste(images[ii], patch, box.Min.Add(images[ii].Bounds().Min))
	}
	return mixed, labelsB, lam
}

// cutMixBox returns a box, relative to the image origin, whose sides are sqrt(1-ratio) of the image
// sides, centered at a uniformly random point and clipped to the image.
func cutMixBox(width, height int, ratio float64, rng *rand.Rand) image.Rectangle {
	cutRatio := math.Sqrt(1 - ratio)
	cutW, cutH := int(float64(width)*cutRatio), int(float64(height)*cutRatio)
	cx, cy := rng.Intn(width), rng.Intn(height)
	box := image.Rect(cx-cutW/2, cy-cutH/2, cx+cutW/2, cy+cutH/2)
	return box.Intersect(image.Rect(0, 0, width, height))
}
