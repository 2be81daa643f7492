// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagedata

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// SplitTrainVal splits indices into train and validation, stratified by class: for each class
// (labels[index]), a fraction trainSplit of its examples (rounded up) goes to train and the rest to validation.
//
// The split is deterministic for a given seed. Both returned slices are sorted.
func SplitTrainVal(indices []int, labels []int, trainSplit float64, seed uint64) (train, val []int, err error) {
	if trainSplit <= 0 || trainSplit > 1 {
		return nil, nil, errors.Errorf("train split must be in (0, 1], got %g", trainSplit)
	}
	byClass := make(map[int][]int)
	var classes []int
	for _, idx := range indices {
		if idx < 0 || idx >= len(labels) {
			return nil, nil, errors.Errorf("index %d out of range of the %d labels", idx, len(labels))
		}
		label := labels[idx]
		if _, found := byClass[label]; !found {
			classes = append(classes, label)
		}
		byClass[label] = append(byClass[label], idx)
	}
	slices.Sort(classes)
	rng := NewRand(seed)
	train = make([]int, 0, len(indices))
	val = make([]int, 0, len(indices)/5)
	for _, label := range classes {
		members := byClass[label]
		Shuffle(rng, members)
		numTrain := int(math.Ceil(float64(len(members))*trainSplit - 1e-9))
		train = append(train, members[:numTrain]...)
		val = append(val, members[numTrain:]...)
	}
	slices.Sort(train)
	slices.Sort(val)
	return train, val, nil
}
