// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagedata loads labeled images on demand, and batches them into tensors for training.
//
// Dataset is the random-access view: Get(i) returns the i-th image, converted to RGB and transformed,
// with its label. Sampler implements train.Dataset on top of it, yielding batches of images, with optional
// class-balanced ("M per class") sampling.
package imagedata

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Dataset is a random-access collection of labeled images, read from disk on demand.
//
// It owns private copies of the paths and labels given at construction, and it never changes them,
// so it is safe to call Get concurrently.
type Dataset struct {
	paths     []string
	labels    []int
	transform Transform
}

// New creates a Dataset with copies of paths and labels. transform can be nil, in which case
// the images are returned as read (converted to RGB).
func New(paths []string, labels []int, transform Transform) (*Dataset, error) {
	if len(paths) != len(labels) {
		return nil, errors.Errorf("imagedata.New: %d paths but %d labels", len(paths), len(labels))
	}
	return &Dataset{
		paths:     slices.Clone(paths),
		labels:    slices.Clone(labels),
		transform: transform,
	}, nil
}

// Len returns the number of examples, that is, the number of labels.
func (ds *Dataset) Len() int { return len(ds.labels) }

// Label returns the label of the i-th example, without reading the image.
func (ds *Dataset) Label(i int) int { return ds.labels[i] }

// Labels returns a copy of all labels.
func (ds *Dataset) Labels() []int { return slices.Clone(ds.labels) }

// Path returns the file path of the i-th example.
func (ds *Dataset) Path(i int) string { return ds.paths[i] }

// WithTransform returns a Dataset sharing the same (immutable) paths and labels, but with a different transform.
func (ds *Dataset) WithTransform(transform Transform) *Dataset {
	return &Dataset{paths: ds.paths, labels: ds.labels, transform: transform}
}

// Get reads the i-th image, converts it to RGB, applies the transform (if any), and returns it with its label.
func (ds *Dataset) Get(i int) (image.Image, int, error) {
	if i < 0 || i >= len(ds.labels) {
		return nil, 0, errors.Errorf("imagedata: index %d out of range [0, %d)", i, len(ds.labels))
	}
	img, err := ReadRGB(ds.paths[i])
	if err != nil {
		return nil, 0, err
	}
	var sample image.Image = img
	if ds.transform != nil {
		sample = ds.transform(sample)
	}
	return sample, ds.labels[i], nil
}

// ReadRGB reads and decodes the image file, and returns it as an 8 bits per channel
// image with an opaque alpha channel: grayscale, paletted and CMYK images are converted to RGB,
// and transparency is dropped (not blended).
func ReadRGB(filePath string) (*image.NRGBA, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	return ToRGB(img), nil
}

// ToRGB converts any image to an *image.NRGBA with the alpha channel set to opaque.
// The result is always a new image.
func ToRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for ii := 3; ii < len(rgb.Pix); ii += 4 {
		rgb.Pix[ii] = 0xFF
	}
	return rgb
}
