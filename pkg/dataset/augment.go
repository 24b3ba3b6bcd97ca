// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
)

var (
	// Mean of the RGB channels used to normalize the images (ImageNet statistics).
	Mean = [3]float32{0.485, 0.456, 0.406}

	// StdDev of the RGB channels used to normalize the images (ImageNet statistics).
	StdDev = [3]float32{0.229, 0.224, 0.225}

	// eraseColor is the mean color: it becomes 0 after normalization.
	eraseColor = color.NRGBA{
		R: uint8(math.Round(float64(Mean[0]) * 255)),
		G: uint8(math.Round(float64(Mean[1]) * 255)),
		B: uint8(math.Round(float64(Mean[2]) * 255)),
		A: 255,
	}
)

// LoadImage reads and decodes the image in path.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}

// Resize the image to the exact size, without preserving the aspect ratio.
func Resize(img image.Image, size config.ImageSize) image.Image {
	b := img.Bounds()
	if b.Dx() == size.Width && b.Dy() == size.Height {
		return img
	}
	return imaging.Resize(img, size.Width, size.Height, imaging.Linear)
}

// Augmenter holds the configuration of the random transformations applied to training images.
type Augmenter struct {
	// GrayProb is the probability of converting the image to grayscale.
	GrayProb float64

	// RotateDegrees is the maximum absolute rotation, uniformly sampled.
	RotateDegrees float64

	// Flip randomly (50%) flips the image horizontally.
	Flip bool

	// EraseProb is the probability of erasing a random rectangle, see RandomErase.
	EraseProb float64
}

// NewAugmenter returns the Augmenter configured by cfg, or nil if augmentation is disabled.
func NewAugmenter(cfg *config.Config) *Augmenter {
	if !cfg.Augmentation {
		return nil
	}
	return &Augmenter{
		GrayProb:      cfg.GrayProb,
		RotateDegrees: cfg.RotateDegrees,
		Flip:          true,
		EraseProb:     cfg.EraseProb,
	}
}

// Apply the random transformations to img and resize it to size.
// rng must not be shared with other goroutines.
func (a *Augmenter) Apply(img image.Image, size config.ImageSize, rng *rand.Rand) image.Image {
	if a == nil {
		return Resize(img, size)
	}
	if a.GrayProb > 0 && rng.Float64() < a.GrayProb {
		img = imaging.Grayscale(img)
	}
	if a.RotateDegrees > 0 {
		angle := (2*rng.Float64() - 1) * a.RotateDegrees
		img = imaging.Rotate(img, angle, color.Black)
	}
	if a.Flip && rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	img = Resize(img, size)
	if a.EraseProb > 0 && rng.Float64() < a.EraseProb {
		img = RandomErase(img, rng)
	}
	return img
}

// RandomErase replaces a random rectangle of the image, covering 2% to 33% of its area with an aspect
// ratio between 0.3 and 3.3, with the mean color.
// It gives up (and returns the image unchanged) after 10 failed attempts to fit the rectangle.
func RandomErase(img image.Image, rng *rand.Rand) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width * height)
	for range 10 {
		targetArea := (0.02 + rng.Float64()*(0.33-0.02)) * area
		logRatio := math.Log(0.3) + rng.Float64()*(math.Log(3.3)-math.Log(0.3))
		aspect := math.Exp(logRatio)
		h := int(math.Round(math.Sqrt(targetArea * aspect)))
		w := int(math.Round(math.Sqrt(targetArea / aspect)))
		if w <= 0 || h <= 0 || w >= width || h >= height {
			continue
		}
		x := rng.Intn(width - w + 1)
		y := rng.Intn(height - h + 1)
		patch := imaging.New(w, h, eraseColor)
		return imaging.Paste(img, patch, image.Pt(bounds.Min.X+x, bounds.Min.Y+y))
	}
	return img
}

// ToTensor converts a batch of images of the same size into a normalized float32 tensor shaped
// `[batch_size, height, width, 3]`.
func ToTensor(images []image.Image) (t *tensors.Tensor, err error) {
	if len(images) == 0 {
		return nil, errors.New("no images to convert to tensor")
	}
	err = exceptions.TryCatch[error](func() {
		t = timage.ToTensor(dtypes.Float32).Batch(images)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "converting %d images to tensor", len(images))
	}
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii := range flat {
			channel := ii % 3
			flat[ii] = (flat[ii] - Mean[channel]) / StdDev[channel]
		}
	})
	return t, nil
}
