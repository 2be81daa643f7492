// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package labels derives the class of each image from its path and encodes the classes
// as dense integer ids.
//
// Ids are assigned in alphabetical order of the distinct class names, so encoding the same
// list of categories always yields the same ids.
package labels

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Category returns the class name of an image: the first path segment after the images root.
//
// E.g.: Category("CUB_200_2011/images", "CUB_200_2011/images/001.Black_footed_Albatross/x.jpg")
// returns "001.Black_footed_Albatross".
func Category(root, imagePath string) (string, error) {
	rel := imagePath
	if root != "" {
		root = strings.TrimSuffix(root, "/") + "/"
		if !strings.HasPrefix(imagePath, root) {
			return "", errors.Errorf("image path %q is not under the images root %q", imagePath, root)
		}
		rel = strings.TrimPrefix(imagePath, root)
	}
	rel = strings.TrimLeft(rel, "/")
	category, _, _ := strings.Cut(rel, "/")
	if category == "" {
		return "", errors.Errorf("image path %q has no category directory under %q", imagePath, root)
	}
	return category, nil
}

// Categories returns the Category of each path.
func Categories(root string, paths []string) ([]string, error) {
	categories := make([]string, len(paths))
	for ii, p := range paths {
		var err error
		categories[ii], err = Category(root, p)
		if err != nil {
			return nil, err
		}
	}
	return categories, nil
}

// Encoder maps class names to ids in [0, NumClasses) and back.
// It is immutable once created by Fit.
type Encoder struct {
	classes []string
	ids     map[string]int
}

// Fit creates an Encoder over the sorted distinct values of categories.
func Fit(categories []string) *Encoder {
	classes := slices.Clone(categories)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	e := &Encoder{
		classes: classes,
		ids:     make(map[string]int, len(classes)),
	}
	for id, name := range classes {
		e.ids[name] = id
	}
	return e
}

// FitTransform fits an Encoder to categories and returns their ids.
func FitTransform(categories []string) (*Encoder, []int) {
	e := Fit(categories)
	ids := make([]int, len(categories))
	for ii, c := range categories {
		ids[ii] = e.ids[c]
	}
	return e, ids
}

// NumClasses returns the number of distinct classes.
func (e *Encoder) NumClasses() int { return len(e.classes) }

// Classes returns a copy of the class names, ordered by id.
func (e *Encoder) Classes() []string { return slices.Clone(e.classes) }

// ClassID returns the id of the class name, and whether it is known.
func (e *Encoder) ClassID(name string) (int, bool) {
	id, found := e.ids[name]
	return id, found
}

// Transform converts class names to ids. Unknown names are an error.
func (e *Encoder) Transform(categories []string) ([]int, error) {
	ids := make([]int, len(categories))
	for ii, c := range categories {
		id, found := e.ids[c]
		if !found {
			return nil, errors.Errorf("unknown class %q at position %d", c, ii)
		}
		ids[ii] = id
	}
	return ids, nil
}

// InverseTransform converts ids back to class names.
func (e *Encoder) InverseTransform(ids []int) ([]string, error) {
	names := make([]string, len(ids))
	for ii, id := range ids {
		if id < 0 || id >= len(e.classes) {
			return nil, errors.Errorf("class id %d at position %d out of range [0, %d)", id, ii, len(e.classes))
		}
		names[ii] = e.classes[id]
	}
	return names, nil
}

// Counts returns the number of occurrences of each id in [0, numClasses).
// Ids out of range are ignored.
func Counts(ids []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, id := range ids {
		if id >= 0 && id < numClasses {
			counts[id]++
		}
	}
	return counts
}

// InverseFrequencyWeights returns per-class weights proportional to 1/count, normalized so that
// the weighted mean over the examples is 1. Classes without examples get weight 0.
func InverseFrequencyWeights(ids []int, numClasses int) []float32 {
	counts := Counts(ids, numClasses)
	weights := make([]float32, numClasses)
	var present int
	for _, c := range counts {
		if c > 0 {
			present++
		}
	}
	if present == 0 {
		return weights
	}
	total := float64(len(ids))
	for class, c := range counts {
		if c > 0 {
			weights[class] = float32(total / (float64(present) * float64(c)))
		}
	}
	return weights
}
