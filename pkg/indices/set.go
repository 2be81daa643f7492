// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package indices

import (
	"fmt"

	"github.com/pkg/errors"
)

// Names of the arrays in the .npz archive.
const (
	TrainKey   = "train"
	ValKey     = "val"
	HoldoutKey = "holdout"
)

// Set holds the positions (into the records list) of each partition.
type Set struct {
	Train, Val, Holdout []int
}

// Build creates the index Set from the records: training images go to Train, all others to Val.
// Holdout is left empty.
func Build(records []Record) Set {
	set := Set{Train: []int{}, Val: []int{}, Holdout: []int{}}
	for ii, rec := range records {
		if rec.Train {
			set.Train = append(set.Train, ii)
		} else {
			set.Val = append(set.Val, ii)
		}
	}
	return set
}

// Len returns the total number of indices in the set.
func (s Set) Len() int {
	return len(s.Train) + len(s.Val) + len(s.Holdout)
}

// String implements fmt.Stringer.
func (s Set) String() string {
	return fmt.Sprintf("indices.Set{train: %d, val: %d, holdout: %d}", len(s.Train), len(s.Val), len(s.Holdout))
}

// Validate checks that the set is a partition of [0, n): every position appears exactly once
// in one of the partitions.
func (s Set) Validate(n int) error {
	if s.Len() != n {
		return errors.Errorf("index set has %d indices (train=%d, val=%d, holdout=%d), but there are %d records",
			s.Len(), len(s.Train), len(s.Val), len(s.Holdout), n)
	}
	owner := make([]string, n)
	for _, part := range []struct {
		name    string
		indices []int
	}{{TrainKey, s.Train}, {ValKey, s.Val}, {HoldoutKey, s.Holdout}} {
		for _, idx := range part.indices {
			if idx < 0 || idx >= n {
				return errors.Errorf("index %d in %q is out of range [0, %d)", idx, part.name, n)
			}
			if owner[idx] != "" {
				return errors.Errorf("index %d appears in %q and %q", idx, owner[idx], part.name)
			}
			owner[idx] = part.name
		}
	}
	return nil
}

// Save writes the set to a .npz archive with int64 arrays "train", "val" and "holdout".
// Empty partitions are stored with shape [0].
func Save(filePath string, set Set) error {
	err := writeNpz(filePath, []string{TrainKey, ValKey, HoldoutKey}, [][]int{set.Train, set.Val, set.Holdout})
	if err != nil {
		return errors.WithMessagef(err, "saving indices")
	}
	return nil
}

// Load reads a set saved with Save (or with numpy.savez). All three arrays must be present.
func Load(filePath string) (Set, error) {
	var set Set
	arrays, err := readNpz(filePath)
	if err != nil {
		return set, errors.WithMessagef(err, "loading indices")
	}
	for _, part := range []struct {
		name string
		dst  *[]int
	}{{TrainKey, &set.Train}, {ValKey, &set.Val}, {HoldoutKey, &set.Holdout}} {
		values, found := arrays[part.name]
		if !found {
			return set, errors.Errorf("indices file %q has no %q array", filePath, part.name)
		}
		*part.dst = values
	}
	return set, nil
}
