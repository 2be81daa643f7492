// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package threestage implements a three-stage image network: a convolutional trunk extracting features,
// an embedder projecting them to an L2-normalized embedding space, and a linear classifier on top.
//
// Each stage is trained with its own optimizer, learning rate and learning rate decay, and the loss mixes
// metric learning (triplet losses on embeddings and trunk features) with classification (cross-entropy on
// logits and on a head-only classifier over the frozen embeddings).
//
// The Network type drives the whole lifecycle: New creates the model, LoadWeights loads a pretrained
// checkpoint selectively, SetupData wires a dataset and its train/validation/holdout indices, Train runs
// the training loop with per-epoch evaluation and checkpointing, and SaveAllLogitsEmbeds exports the
// model outputs for every example.
package threestage

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Stage of the network, each with its own optimizer.
type Stage int

const (
	StageTrunk Stage = iota
	StageEmbedder
	StageClassifier
	NumStages
)

// stageNames are also the scope names of the stages' variables, under ModelScope.
var stageNames = [NumStages]string{"trunk", "embedder", "classifier"}

// String returns the scope name of the stage.
func (s Stage) String() string {
	if s < 0 || s >= NumStages {
		return "invalid"
	}
	return stageNames[s]
}

// Optimizer names accepted for each stage.
const (
	OptimAdamW = "adamW"
	OptimAdam  = "adam"
	OptimSGD   = "sgd"
)

var validOptimizers = []string{OptimAdamW, OptimAdam, OptimSGD}

// StageConfig holds the optimization hyperparameters of one stage.
type StageConfig struct {
	// Optim is one of "adamW", "adam" or "sgd".
	Optim string

	// LearningRate at epoch 0.
	LearningRate float64

	// Decay is the per-epoch multiplicative decay of the learning rate: lr(epoch) = LearningRate * Decay^epoch.
	Decay float64
}

// Config of a Network. It is a plain value: copies are independent and the Network keeps its own.
type Config struct {
	// NumClasses of the classifier.
	NumClasses int

	// TrunkArchitecture is the name of the trunk, one of the keys of Trunks.
	TrunkArchitecture string

	// Stages configures the optimizer of the trunk, embedder and classifier, in that order.
	Stages [NumStages]StageConfig

	// WeightDecay is applied to all stages (decoupled for "adamW", L2 for "adam" and "sgd").
	WeightDecay float64

	// EmbeddingDim is the dimension of the embedder output.
	EmbeddingDim int

	// ImageSize is the height and width of the images fed to the network.
	ImageSize int

	// DropoutRate applied to the trunk features before the embedder. 0 disables it.
	DropoutRate float64

	// TripletMargin for the semi-hard triplet losses.
	TripletMargin float64

	// LogTrain enables recording the training metrics (with the plot points and in logs/train.log) at every epoch.
	LogTrain bool

	// DType of the model variables and computation.
	DType dtypes.DType

	// ModelsDir is where checkpoints are saved, LogsDir where the training logs are written.
	ModelsDir, LogsDir string

	// KeepCheckpoints is the number of checkpoints kept in ModelsDir.
	KeepCheckpoints int
}

// DefaultConfig returns the configuration used for CUB-200 with an efficientnet-b0 trunk.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:        numClasses,
		TrunkArchitecture: "efficientnet-b0",
		Stages: [NumStages]StageConfig{
			{Optim: OptimAdamW, LearningRate: 1e-4, Decay: 0.96},
			{Optim: OptimAdamW, LearningRate: 3e-3, Decay: 0.96},
			{Optim: OptimAdamW, LearningRate: 3e-3, Decay: 0.96},
		},
		WeightDecay:     0.1,
		EmbeddingDim:    512,
		ImageSize:       224,
		DropoutRate:     0.2,
		TripletMargin:   0.2,
		LogTrain:        true,
		DType:           dtypes.Float32,
		ModelsDir:       "models",
		LogsDir:         "logs",
		KeepCheckpoints: 3,
	}
}

// Validate returns an error describing the first invalid field.
func (c Config) Validate() error {
	if c.NumClasses < 2 {
		return errors.Errorf("threestage: NumClasses must be >= 2, got %d", c.NumClasses)
	}
	if _, found := Trunks[c.TrunkArchitecture]; !found {
		return errors.Errorf("threestage: unknown trunk architecture %q, valid values are %q",
			c.TrunkArchitecture, xslices.SortedKeys(Trunks))
	}
	for stage, sc := range c.Stages {
		if !slices.Contains(validOptimizers, sc.Optim) {
			return errors.Errorf("threestage: unknown optimizer %q for stage %s, valid values are %q",
				sc.Optim, Stage(stage), validOptimizers)
		}
		if sc.LearningRate <= 0 {
			return errors.Errorf("threestage: learning rate for stage %s must be > 0, got %g", Stage(stage), sc.LearningRate)
		}
		if sc.Decay <= 0 || sc.Decay > 1 {
			return errors.Errorf("threestage: decay for stage %s must be in (0, 1], got %g", Stage(stage), sc.Decay)
		}
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("threestage: WeightDecay must be >= 0, got %g", c.WeightDecay)
	}
	if c.EmbeddingDim <= 0 {
		return errors.Errorf("threestage: EmbeddingDim must be > 0, got %d", c.EmbeddingDim)
	}
	if c.ImageSize < 8 {
		return errors.Errorf("threestage: ImageSize must be >= 8, got %d", c.ImageSize)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("threestage: DropoutRate must be in [0, 1), got %g", c.DropoutRate)
	}
	if c.TripletMargin < 0 {
		return errors.Errorf("threestage: TripletMargin must be >= 0, got %g", c.TripletMargin)
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("threestage: DType must be a float, got %s", c.DType)
	}
	if c.ModelsDir == "" || c.LogsDir == "" {
		return errors.New("threestage: ModelsDir and LogsDir must be set")
	}
	if c.KeepCheckpoints < 1 {
		return errors.Errorf("threestage: KeepCheckpoints must be >= 1, got %d", c.KeepCheckpoints)
	}
	return nil
}

// DataConfig configures how SetupData batches and splits the data.
type DataConfig struct {
	// BatchSize of the training and evaluation batches.
	BatchSize int

	// LoadIndices reads the train/val/holdout indices from IndicesPath. Otherwise all examples are split
	// into train and validation with TrainSplit.
	LoadIndices bool

	// NumWorkers reading images in parallel.
	NumWorkers int

	// M examples per class in each training batch. 0 disables class-balanced sampling.
	M int

	// Labels holds the class id of every example of the dataset. If empty, the labels of the
	// dataset given to SetupData are used; otherwise they must match.
	Labels []int

	// IndicesPath is the .npz file with the "train", "val" and "holdout" indices.
	IndicesPath string

	// TrainSplit is the fraction of the training indices kept for training when the loaded indices
	// have no validation partition (or when indices are not loaded).
	TrainSplit float64

	// MaxBatches per training epoch. 0 means one pass over the training indices.
	MaxBatches int

	// Seed of the sampling, splits and augmentations.
	Seed uint64
}

// Validate returns an error describing the first invalid field.
func (dc DataConfig) Validate() error {
	if dc.BatchSize <= 0 {
		return errors.Errorf("threestage: BatchSize must be > 0, got %d", dc.BatchSize)
	}
	if dc.M < 0 || (dc.M > 0 && dc.BatchSize%dc.M != 0) {
		return errors.Errorf("threestage: M=%d must be >= 0 and divide BatchSize=%d", dc.M, dc.BatchSize)
	}
	if dc.NumWorkers < 0 || dc.MaxBatches < 0 {
		return errors.Errorf("threestage: NumWorkers (%d) and MaxBatches (%d) must be >= 0", dc.NumWorkers, dc.MaxBatches)
	}
	if dc.LoadIndices && dc.IndicesPath == "" {
		return errors.New("threestage: LoadIndices requires IndicesPath")
	}
	if dc.TrainSplit <= 0 || dc.TrainSplit > 1 {
		return errors.Errorf("threestage: TrainSplit must be in (0, 1], got %g", dc.TrainSplit)
	}
	return nil
}

// NumLosses is the number of terms of the combined loss, see TrainConfig.LossRatios.
const NumLosses = 4

// TrainConfig configures Train.
type TrainConfig struct {
	// NEpochs is the total number of epochs: a resumed training only runs the missing ones.
	NEpochs int

	// LossRatios weights the loss terms: triplet loss on embeddings, cross-entropy on logits,
	// triplet loss on trunk features and cross-entropy of the head-only classifier.
	LossRatios [NumLosses]float64

	// ClassWeighting weights the cross-entropy terms by the inverse frequency of the classes.
	ClassWeighting bool

	// EpochTrain evaluates the full training set at the end of each epoch.
	EpochTrain bool

	// EpochVal evaluates the validation set at the end of each epoch.
	EpochVal bool
}

// Validate returns an error describing the first invalid field.
func (tc TrainConfig) Validate() error {
	if tc.NEpochs <= 0 {
		return errors.Errorf("threestage: NEpochs must be > 0, got %d", tc.NEpochs)
	}
	var total float64
	for ii, r := range tc.LossRatios {
		if r < 0 {
			return errors.Errorf("threestage: LossRatios[%d]=%g is negative", ii, r)
		}
		total += r
	}
	if total == 0 {
		return errors.New("threestage: all LossRatios are 0")
	}
	return nil
}
