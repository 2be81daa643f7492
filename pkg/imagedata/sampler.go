// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagedata

import (
	"image"
	"io"
	"runtime"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Name of the dataset, as reported by train.Dataset.Name.
	Name string

	// ShortName of the dataset, used in the short names of metrics. Defaults to the first 3 letters of Name.
	ShortName string

	// BatchSize is the number of examples per batch. The last batch of a sequential pass may be smaller.
	BatchSize int

	// M is the number of examples taken from each class in a batch. If 0, examples are taken
	// irrespective of their class. If set, BatchSize must be divisible by M.
	M int

	// MaxBatches limits the number of batches of one epoch. If 0, an epoch is one pass over the examples.
	MaxBatches int

	// NumWorkers is the number of images of a batch read in parallel. Defaults to the number of cores.
	NumWorkers int

	// Shuffle the order of the examples at every Reset. Only used if M == 0: M-per-class sampling is
	// always random.
	Shuffle bool

	// ClassWeights, if set, makes the sampler yield one weight per example (indexed by its label) as
	// an extra label tensor, used to weight the losses.
	ClassWeights []float32

	// Seed for the random sampling.
	Seed uint64
}

// Sampler implements train.Dataset over a subset of a Dataset.
//
// Yield returns:
//   - inputs: images shaped (Float32)[batch_size, height, width, 3] with values in [0, 1], and the
//     positions of the examples in the Dataset, shaped (Int32)[batch_size].
//   - labels: the class ids shaped (Int32)[batch_size, 1], followed by (Float32)[batch_size] weights if
//     ClassWeights is configured.
//
// The transform of the Dataset must produce images of the same size.
type Sampler struct {
	ds       *Dataset
	indices  []int
	config   SamplerConfig
	toTensor *timage.ToTensorConfig
	rng      *Rand

	// byClass maps each label to the Dataset positions (within indices) with that label.
	byClass map[int][]int
	classes []int

	// mu protects the sampling state below.
	mu         sync.Mutex
	batchCount int
	order      []int
	position   int
	classOrder []int
	classPos   int
}

var (
	_ train.Dataset      = (*Sampler)(nil)
	_ train.HasShortName = (*Sampler)(nil)
)

// NewSampler creates a Sampler over the examples of ds listed in indices.
func NewSampler(ds *Dataset, indices []int, config SamplerConfig) (*Sampler, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("sampler %q: batch size must be > 0, got %d", config.Name, config.BatchSize)
	}
	if config.M < 0 {
		return nil, errors.Errorf("sampler %q: M must be >= 0, got %d", config.Name, config.M)
	}
	if config.M > 0 && config.BatchSize%config.M != 0 {
		return nil, errors.Errorf("sampler %q: batch size %d is not divisible by M=%d",
			config.Name, config.BatchSize, config.M)
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("sampler %q: no examples", config.Name)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	s := &Sampler{
		ds:       ds,
		indices:  slices.Clone(indices),
		config:   config,
		toTensor: timage.ToTensor(dtypes.Float32),
		rng:      NewRand(config.Seed),
		byClass:  make(map[int][]int),
	}
	for _, idx := range s.indices {
		if idx < 0 || idx >= ds.Len() {
			return nil, errors.Errorf("sampler %q: index %d out of range [0, %d)", config.Name, idx, ds.Len())
		}
		label := ds.Label(idx)
		if _, found := s.byClass[label]; !found {
			s.classes = append(s.classes, label)
		}
		s.byClass[label] = append(s.byClass[label], idx)
	}
	slices.Sort(s.classes)
	if config.M > 0 {
		classesPerBatch := config.BatchSize / config.M
		if classesPerBatch > len(s.classes) {
			return nil, errors.Errorf("sampler %q: batch size %d with M=%d needs %d classes, but only %d are present",
				config.Name, config.BatchSize, config.M, classesPerBatch, len(s.classes))
		}
	}
	for _, label := range s.classes {
		if config.ClassWeights != nil && (label < 0 || label >= len(config.ClassWeights)) {
			return nil, errors.Errorf("sampler %q: label %d has no class weight (%d weights given)",
				config.Name, label, len(config.ClassWeights))
		}
	}
	s.Reset()
	return s, nil
}

// Name implements train.Dataset.
func (s *Sampler) Name() string { return s.config.Name }

// ShortName implements train.HasShortName.
func (s *Sampler) ShortName() string {
	if s.config.ShortName != "" {
		return s.config.ShortName
	}
	if len(s.config.Name) > 3 {
		return s.config.Name[:3]
	}
	return s.config.Name
}

// NumExamples returns the number of examples the sampler draws from.
func (s *Sampler) NumExamples() int { return len(s.indices) }

// NumBatches returns the number of batches in one epoch.
func (s *Sampler) NumBatches() int {
	var n int
	if s.config.M > 0 {
		n = max(1, len(s.indices)/s.config.BatchSize)
	} else {
		n = (len(s.indices) + s.config.BatchSize - 1) / s.config.BatchSize
	}
	if s.config.MaxBatches > 0 {
		if s.config.M > 0 {
			// M-per-class sampling draws with replacement across batches, so MaxBatches is always reached.
			return s.config.MaxBatches
		}
		n = min(n, s.config.MaxBatches)
	}
	return n
}

// Reset implements train.Dataset. It restarts the epoch and, if configured, reshuffles the examples.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCount = 0
	s.position = 0
	if s.order == nil {
		s.order = slices.Clone(s.indices)
	}
	if s.config.Shuffle {
		Shuffle(s.rng, s.order)
	}
	s.classOrder = slices.Clone(s.classes)
	Shuffle(s.rng, s.classOrder)
	s.classPos = 0
}

// nextBatch selects the Dataset positions of the next batch, or returns io.EOF at the end of the epoch.
func (s *Sampler) nextBatch() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchCount >= s.NumBatches() {
		return nil, io.EOF
	}
	var batch []int
	if s.config.M > 0 {
		batch = s.lockedNextMPerClass()
	} else {
		if s.position >= len(s.order) {
			return nil, io.EOF
		}
		end := min(s.position+s.config.BatchSize, len(s.order))
		batch = slices.Clone(s.order[s.position:end])
		s.position = end
	}
	s.batchCount++
	return batch, nil
}

// lockedNextMPerClass takes BatchSize/M distinct classes, cycling over a shuffled list of classes,
// and M examples of each. Classes with fewer than M examples are sampled with replacement.
func (s *Sampler) lockedNextMPerClass() []int {
	m := s.config.M
	classesPerBatch := s.config.BatchSize / m
	if s.classPos+classesPerBatch > len(s.classOrder) {
		Shuffle(s.rng, s.classOrder)
		s.classPos = 0
	}
	batch := make([]int, 0, s.config.BatchSize)
	for _, label := range s.classOrder[s.classPos : s.classPos+classesPerBatch] {
		members := s.byClass[label]
		if len(members) >= m {
			picked := slices.Clone(members)
			// Partial Fisher-Yates: only the first m positions are needed.
			for ii := range m {
				jj := ii + s.rng.IntN(len(picked)-ii)
				picked[ii], picked[jj] = picked[jj], picked[ii]
			}
			batch = append(batch, picked[:m]...)
		} else {
			for range m {
				batch = append(batch, members[s.rng.IntN(len(members))])
			}
		}
	}
	s.classPos += classesPerBatch
	return batch
}

// YieldImages returns the images, labels and Dataset positions of the next batch.
// Images are read in parallel, and the first error aborts the batch.
func (s *Sampler) YieldImages() (images []image.Image, labels []int, positions []int, err error) {
	positions, err = s.nextBatch()
	if err != nil {
		return
	}
	images = make([]image.Image, len(positions))
	labels = make([]int, len(positions))
	var g errgroup.Group
	g.SetLimit(s.config.NumWorkers)
	for ii, pos := range positions {
		g.Go(func() error {
			img, label, err := s.ds.Get(pos)
			if err != nil {
				return errors.WithMessagef(err, "sampler %q, example %d", s.config.Name, pos)
			}
			images[ii] = img
			labels[ii] = label
			return nil
		})
	}
	err = g.Wait()
	return
}

// Yield implements train.Dataset. The spec is always nil: the trainer keys its graphs on it, and
// all batches share the same model.
func (s *Sampler) Yield() (spec any, inputs, labelsTensors []*tensors.Tensor, err error) {
	images, labels, positions, err := s.YieldImages()
	if err != nil {
		return
	}
	if len(images) > 1 {
		size := images[0].Bounds().Size()
		for ii, img := range images[1:] {
			if img.Bounds().Size() != size {
				err = errors.Errorf("sampler %q: image %d of the batch has size %v, but the first has size %v "+
					"-- the Dataset transform must resize images to a fixed size", s.config.Name, ii+1,
					img.Bounds().Size(), size)
				return
			}
		}
	}
	batchSize := len(positions)
	flatLabels := make([]int32, batchSize)
	flatPositions := make([]int32, batchSize)
	for ii := range batchSize {
		flatLabels[ii] = int32(labels[ii])
		flatPositions[ii] = int32(positions[ii])
	}
	inputs = []*tensors.Tensor{
		s.toTensor.Batch(images),
		tensors.FromFlatDataAndDimensions(flatPositions, batchSize),
	}
	labelsTensors = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flatLabels, batchSize, 1)}
	if s.config.ClassWeights != nil {
		weights := make([]float32, batchSize)
		for ii, label := range labels {
			weights[ii] = s.config.ClassWeights[label]
		}
		labelsTensors = append(labelsTensors, tensors.FromFlatDataAndDimensions(weights, batchSize))
	}
	return
}
