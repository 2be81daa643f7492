// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/threestage/pkg/indices"
	"github.com/gomlx/threestage/pkg/storage"
	"github.com/gomlx/threestage/pkg/threestage"
	"github.com/pkg/errors"
)

// Config of one experiment. It is created once (DefaultConfig or ConfigFromContext, plus the paths
// set by the caller) and then only passed by value: Run never modifies it.
//
// Relative output paths (models, logs, indices, export, archive) are relative to WorkDir, and relative
// dataset paths (manifests, images root) are relative to DataDir.
type Config struct {
	WorkDir, DataDir string

	ImagesManifest, SplitManifest, ImagesRoot string

	Net   threestage.Config
	Data  threestage.DataConfig
	Train threestage.TrainConfig

	// WeightsDir is the checkpoint directory with pretrained weights. If empty, no weights are loaded.
	WeightsDir                     string
	LoadClassifier, LoadOptimizers bool

	// ExportPath is where logits and embeddings are saved after training.
	ExportPath string

	// ZipDirs are archived into experiment_<id>.zip, written to WorkDir.
	ZipDirs      []string
	ExperimentID string

	// Bucket and Destination (key prefix, empty for the archive file name only) of the upload.
	Bucket, Destination string
	SkipUpload          bool
}

// DefaultConfig returns the configuration of the CUB-200 experiment. Net.NumClasses is set by
// Run from the labels found.
func DefaultConfig() Config {
	net := threestage.DefaultConfig(0)
	return Config{
		ImagesManifest: filepath.Join("CUB_200_2011", indices.ImagesManifest),
		SplitManifest:  filepath.Join("CUB_200_2011", indices.SplitManifest),
		ImagesRoot:     indices.DefaultImagesRoot,
		Net:            net,
		Data: threestage.DataConfig{
			BatchSize:   128,
			LoadIndices: true,
			NumWorkers:  16,
			M:           4,
			IndicesPath: "CUB_indices.npz",
			TrainSplit:  0.90,
			MaxBatches:  200,
		},
		Train: threestage.TrainConfig{
			NEpochs:        120,
			LossRatios:     [threestage.NumLosses]float64{1, 10, 0.5, 5},
			ClassWeighting: false,
			EpochTrain:     false,
			EpochVal:       true,
		},
		WeightsDir:     "pretrained",
		LoadClassifier: false,
		LoadOptimizers: false,
		ExportPath:     filepath.Join(net.LogsDir, "logits_embeds.npz"),
		ZipDirs:        []string{net.ModelsDir, net.LogsDir},
		ExperimentID:   "cub200_noweights",
		Bucket:         storage.DefaultBucket,
	}
}

// Names of the hyperparameters in the context created by CreateDefaultContext.
const (
	ParamTrunk           = "trunk"
	ParamTrunkOptim      = "trunk_optim"
	ParamEmbedderOptim   = "embedder_optim"
	ParamClassifierOptim = "classifier_optim"
	ParamTrunkLR         = "trunk_lr"
	ParamEmbedderLR      = "embedder_lr"
	ParamClassifierLR    = "classifier_lr"
	ParamTrunkDecay      = "trunk_decay"
	ParamEmbedderDecay   = "embedder_decay"
	ParamClassifierDecay = "classifier_decay"
	ParamWeightDecay     = "weight_decay"
	ParamEmbeddingDim    = "embedding_dim"
	ParamImageSize       = "image_size"
	ParamDropoutRate     = "dropout_rate"
	ParamTripletMargin   = "triplet_margin"
	ParamLogTrain        = "log_train"
	ParamKeepCheckpoints = "num_checkpoints"

	ParamBatchSize   = "batch_size"
	ParamLoadIndices = "load_indices"
	ParamNumWorkers  = "num_workers"
	ParamM           = "m_per_class"
	ParamTrainSplit  = "train_split"
	ParamMaxBatches  = "max_batches"
	ParamSeed        = "seed"

	ParamNumEpochs      = "n_epochs"
	ParamLossRatios     = "loss_ratios"
	ParamClassWeighting = "class_weighting"
	ParamEpochTrain     = "epoch_train"
	ParamEpochVal       = "epoch_val"

	ParamLoadClassifier = "load_classifier"
	ParamLoadOptimizers = "load_optimizers"
	ParamExperimentID   = "experiment_id"
	ParamBucket         = "bucket"
	ParamDestination    = "destination"
)

// CreateDefaultContext returns a context with the hyperparameters of DefaultConfig, so they can be
// overridden with commandline.ParseContextSettings (the -set flag).
func CreateDefaultContext() *context.Context {
	cfg := DefaultConfig()
	net, data, tc := cfg.Net, cfg.Data, cfg.Train
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Network.
		ParamTrunk:           net.TrunkArchitecture,
		ParamTrunkOptim:      net.Stages[threestage.StageTrunk].Optim,
		ParamEmbedderOptim:   net.Stages[threestage.StageEmbedder].Optim,
		ParamClassifierOptim: net.Stages[threestage.StageClassifier].Optim,
		ParamTrunkLR:         net.Stages[threestage.StageTrunk].LearningRate,
		ParamEmbedderLR:      net.Stages[threestage.StageEmbedder].LearningRate,
		ParamClassifierLR:    net.Stages[threestage.StageClassifier].LearningRate,
		ParamTrunkDecay:      net.Stages[threestage.StageTrunk].Decay,
		ParamEmbedderDecay:   net.Stages[threestage.StageEmbedder].Decay,
		ParamClassifierDecay: net.Stages[threestage.StageClassifier].Decay,
		ParamWeightDecay:     net.WeightDecay,
		ParamEmbeddingDim:    net.EmbeddingDim,
		ParamImageSize:       net.ImageSize,
		ParamDropoutRate:     net.DropoutRate,
		ParamTripletMargin:   net.TripletMargin,
		ParamLogTrain:        net.LogTrain,
		ParamKeepCheckpoints: net.KeepCheckpoints,

		// Data.
		ParamBatchSize:   data.BatchSize,
		ParamLoadIndices: data.LoadIndices,
		ParamNumWorkers:  data.NumWorkers,
		ParamM:           data.M,
		ParamTrainSplit:  data.TrainSplit,
		ParamMaxBatches:  data.MaxBatches,
		ParamSeed:        int(data.Seed),

		// Training.
		ParamNumEpochs:      tc.NEpochs,
		ParamLossRatios:     slices.Clone(tc.LossRatios[:]),
		ParamClassWeighting: tc.ClassWeighting,
		ParamEpochTrain:     tc.EpochTrain,
		ParamEpochVal:       tc.EpochVal,

		// Weights and artifacts.
		ParamLoadClassifier: cfg.LoadClassifier,
		ParamLoadOptimizers: cfg.LoadOptimizers,
		ParamExperimentID:   cfg.ExperimentID,
		ParamBucket:         cfg.Bucket,
		ParamDestination:    cfg.Destination,
	})
	return ctx
}

// ConfigFromContext returns DefaultConfig with the hyperparameters set in ctx (see CreateDefaultContext).
// Paths are left at their defaults.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	net := &cfg.Net
	net.TrunkArchitecture = context.GetParamOr(ctx, ParamTrunk, net.TrunkArchitecture)
	for _, p := range []struct {
		stage                  threestage.Stage
		optim, lr, decayParams string
	}{
		{threestage.StageTrunk, ParamTrunkOptim, ParamTrunkLR, ParamTrunkDecay},
		{threestage.StageEmbedder, ParamEmbedderOptim, ParamEmbedderLR, ParamEmbedderDecay},
		{threestage.StageClassifier, ParamClassifierOptim, ParamClassifierLR, ParamClassifierDecay},
	} {
		sc := &net.Stages[p.stage]
		sc.Optim = context.GetParamOr(ctx, p.optim, sc.Optim)
		sc.LearningRate = context.GetParamOr(ctx, p.lr, sc.LearningRate)
		sc.Decay = context.GetParamOr(ctx, p.decayParams, sc.Decay)
	}
	net.WeightDecay = context.GetParamOr(ctx, ParamWeightDecay, net.WeightDecay)
	net.EmbeddingDim = context.GetParamOr(ctx, ParamEmbeddingDim, net.EmbeddingDim)
	net.ImageSize = context.GetParamOr(ctx, ParamImageSize, net.ImageSize)
	net.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, net.DropoutRate)
	net.TripletMargin = context.GetParamOr(ctx, ParamTripletMargin, net.TripletMargin)
	net.LogTrain = context.GetParamOr(ctx, ParamLogTrain, net.LogTrain)
	net.KeepCheckpoints = context.GetParamOr(ctx, ParamKeepCheckpoints, net.KeepCheckpoints)

	data := &cfg.Data
	data.BatchSize = context.GetParamOr(ctx, ParamBatchSize, data.BatchSize)
	data.LoadIndices = context.GetParamOr(ctx, ParamLoadIndices, data.LoadIndices)
	data.NumWorkers = context.GetParamOr(ctx, ParamNumWorkers, data.NumWorkers)
	data.M = context.GetParamOr(ctx, ParamM, data.M)
	data.TrainSplit = context.GetParamOr(ctx, ParamTrainSplit, data.TrainSplit)
	data.MaxBatches = context.GetParamOr(ctx, ParamMaxBatches, data.MaxBatches)
	seed := context.GetParamOr(ctx, ParamSeed, int(data.Seed))
	if seed < 0 {
		return Config{}, errors.Errorf("%q must be >= 0, got %d", ParamSeed, seed)
	}
	data.Seed = uint64(seed)

	tc := &cfg.Train
	tc.NEpochs = context.GetParamOr(ctx, ParamNumEpochs, tc.NEpochs)
	ratios := context.GetParamOr(ctx, ParamLossRatios, tc.LossRatios[:])
	if len(ratios) != threestage.NumLosses {
		return Config{}, errors.Errorf("%q requires %d values, got %v", ParamLossRatios, threestage.NumLosses, ratios)
	}
	copy(tc.LossRatios[:], ratios)
	tc.ClassWeighting = context.GetParamOr(ctx, ParamClassWeighting, tc.ClassWeighting)
	tc.EpochTrain = context.GetParamOr(ctx, ParamEpochTrain, tc.EpochTrain)
	tc.EpochVal = context.GetParamOr(ctx, ParamEpochVal, tc.EpochVal)

	cfg.LoadClassifier = context.GetParamOr(ctx, ParamLoadClassifier, cfg.LoadClassifier)
	cfg.LoadOptimizers = context.GetParamOr(ctx, ParamLoadOptimizers, cfg.LoadOptimizers)
	cfg.ExperimentID = context.GetParamOr(ctx, ParamExperimentID, cfg.ExperimentID)
	cfg.Bucket = context.GetParamOr(ctx, ParamBucket, cfg.Bucket)
	cfg.Destination = context.GetParamOr(ctx, ParamDestination, cfg.Destination)
	return cfg, nil
}

// Validate the configuration, except Net.NumClasses, which is only known once the labels are read.
func (c Config) Validate() error {
	net := c.Net
	net.NumClasses = max(net.NumClasses, 2)
	if err := net.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Train.Validate(); err != nil {
		return err
	}
	if c.ImagesManifest == "" || c.SplitManifest == "" {
		return errors.New("experiment: manifests not configured")
	}
	if c.ExportPath == "" {
		return errors.New("experiment: export path not configured")
	}
	if len(c.ZipDirs) == 0 {
		return errors.New("experiment: no directories to archive")
	}
	if !c.SkipUpload && c.Bucket == "" {
		return errors.New("experiment: bucket not configured")
	}
	return nil
}

// workPath resolves p relative to WorkDir.
func (c Config) workPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// dataPath resolves p relative to DataDir.
func (c Config) dataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
