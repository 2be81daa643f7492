// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagedata

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
)

// Transform converts one image into another. Transforms must be safe for concurrent use.
type Transform func(img image.Image) image.Image

// Compose chains transforms, applied in the order given. Nil transforms are skipped.
func Compose(transforms ...Transform) Transform {
	return func(img image.Image) image.Image {
		for _, t := range transforms {
			if t != nil {
				img = t(img)
			}
		}
		return img
	}
}

// Rand is a goroutine-safe source of randomness for the random transforms.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand creates a Rand seeded with seed.
func NewRand(seed uint64) *Rand {
	return &Rand{rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

// Float64 returns a random number in [0, 1).
func (r *Rand) Float64() float64 {
	if r == nil {
		return rand.Float64()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// IntN returns a random number in [0, n).
func (r *Rand) IntN(n int) int {
	if r == nil {
		return rand.IntN(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Shuffle shuffles the slice in place.
func Shuffle[E any](r *Rand, s []E) {
	if r == nil {
		rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// Resize to exactly width x height, not preserving the aspect ratio.
func Resize(width, height int) Transform {
	return func(img image.Image) image.Image {
		return imaging.Resize(img, width, height, imaging.Lanczos)
	}
}

// ResizeShorter resizes the image so that its shorter side is size, preserving the aspect ratio.
func ResizeShorter(size int) Transform {
	return func(img image.Image) image.Image {
		b := img.Bounds()
		if b.Dx() <= b.Dy() {
			return imaging.Resize(img, size, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, size, imaging.Lanczos)
	}
}

// CenterCrop crops the center width x height region. Images smaller than that are padded with black.
func CenterCrop(width, height int) Transform {
	return func(img image.Image) image.Image {
		b := img.Bounds()
		if b.Dx() >= width && b.Dy() >= height {
			return imaging.CropCenter(img, width, height)
		}
		bg := imaging.New(width, height, color.Black)
		return imaging.PasteCenter(bg, imaging.CropCenter(img, min(width, b.Dx()), min(height, b.Dy())))
	}
}

// RandomResizedCrop crops a random region covering a fraction of the area in [minScale, 1] and
// an aspect ratio in [3/4, 4/3], and resizes it to size x size.
func RandomResizedCrop(size int, minScale float64, rng *Rand) Transform {
	const minRatio, maxRatio = 3.0 / 4.0, 4.0 / 3.0
	return func(img image.Image) image.Image {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		area := float64(w * h)
		for range 10 {
			targetArea := area * (minScale + (1-minScale)*rng.Float64())
			logRatio := math.Log(minRatio) + (math.Log(maxRatio)-math.Log(minRatio))*rng.Float64()
			ratio := math.Exp(logRatio)
			cw := int(math.Round(math.Sqrt(targetArea * ratio)))
			ch := int(math.Round(math.Sqrt(targetArea / ratio)))
			if cw <= 0 || ch <= 0 || cw > w || ch > h {
				continue
			}
			x0 := b.Min.X + rng.IntN(w-cw+1)
			y0 := b.Min.Y + rng.IntN(h-ch+1)
			crop := imaging.Crop(img, image.Rect(x0, y0, x0+cw, y0+ch))
			return imaging.Resize(crop, size, size, imaging.Lanczos)
		}
		// Fallback: center crop.
		return Compose(ResizeShorter(size), CenterCrop(size, size))(img)
	}
}

// RandomFlipH flips the image horizontally with probability 0.5.
func RandomFlipH(rng *Rand) Transform {
	return func(img image.Image) image.Image {
		if rng.IntN(2) == 1 {
			return imaging.FlipH(img)
		}
		return img
	}
}

// TrainTransform is the augmentation used for training: random resized crop and horizontal flips.
func TrainTransform(size int, rng *Rand) Transform {
	return Compose(RandomResizedCrop(size, 0.25, rng), RandomFlipH(rng))
}

// EvalTransform resizes the shorter side to 8/7 of size and takes the center crop, the usual
// evaluation preprocessing for ImageNet-style trunks.
func EvalTransform(size int) Transform {
	return Compose(ResizeShorter(size*8/7), CenterCrop(size, size))
}
