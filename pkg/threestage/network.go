// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/threestage/pkg/imagedata"
	"github.com/gomlx/threestage/pkg/indices"
	"github.com/gomlx/threestage/pkg/labels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset names, as reported in the metrics logs and progress bar, and their short names used in the
// short names of the metrics (e.g. "#acc(val)").
const (
	TrainDatasetName      = "train"
	TrainEvalDatasetName  = "train-eval"
	ValidationDatasetName = "validation"

	TrainEvalShortName  = "tr"
	ValidationShortName = "val"
)

// AccuracyShortName is the short name of the evaluation accuracy metric.
const AccuracyShortName = "#acc"

// readAheadBatches is the number of training batches prepared in the background.
const readAheadBatches = 2

// Network is a three-stage (trunk, embedder, classifier) model, with its training state.
//
// It is not safe for concurrent use.
type Network struct {
	cfg        Config
	backend    backends.Backend
	ctx        *context.Context
	trunkFn    TrunkFn
	optimizer  *StagedOptimizer
	checkpoint *checkpoints.Handler

	// built is set once the model graph may have been built, after which weights can no longer be loaded.
	built bool

	// pretrained is set by LoadWeights: the model mixes loaded and new variables.
	pretrained bool

	// Set by SetupData.
	dataset *imagedata.Dataset
	dataCfg DataConfig
	labels  []int
	set     indices.Set
	rng     *imagedata.Rand
}

// New creates the Network for cfg, using backend for all computations.
//
// The checkpoints in cfg.ModelsDir, if any, are loaded: the training resumes from where it stopped.
func New(backend backends.Backend, cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.ModelsDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	n := &Network{
		cfg:       cfg,
		backend:   backend,
		ctx:       context.New(),
		trunkFn:   Trunks[cfg.TrunkArchitecture],
		optimizer: NewStagedOptimizer(cfg),
	}
	n.ctx.SetParams(map[string]any{
		"trunk":         cfg.TrunkArchitecture,
		"num_classes":   cfg.NumClasses,
		"embedding_dim": cfg.EmbeddingDim,
		"image_size":    cfg.ImageSize,
		"weight_decay":  cfg.WeightDecay,
	})
	var err error
	n.checkpoint, err = checkpoints.Build(n.ctx).Dir(cfg.ModelsDir).Keep(cfg.KeepCheckpoints).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to set up checkpoints in %q", cfg.ModelsDir)
	}
	if len(n.checkpoint.LoadedVariables()) > 0 {
		klog.Infof("Resuming from checkpoint in %q (%d variables)", n.checkpoint.Dir(), len(n.checkpoint.LoadedVariables()))
	}
	return n, nil
}

// modelContext returns the context used to build the model graph: with pretrained weights some
// variables are loaded and others are new, so reuse is not checked.
func (n *Network) modelContext() *context.Context {
	switch {
	case n.pretrained:
		return n.ctx.Checked(false)
	case optimizers.GetGlobalStep(n.ctx) > 0:
		return n.ctx.Reuse()
	default:
		return n.ctx
	}
}

// Config returns a copy of the configuration of the Network.
func (n *Network) Config() Config { return n.cfg }

// Context holding the variables of the model and of the optimizer.
func (n *Network) Context() *context.Context { return n.ctx }

// SetupData sets the dataset used for training and evaluation, and builds its train/validation/holdout
// indices according to dc. The transform of ds is ignored: the network sets the training (augmentation)
// and evaluation transforms for its image size.
//
// With dc.LoadIndices, indices are read from dc.IndicesPath, and they must be a partition of the examples
// of ds. If the loaded validation partition is empty, it is carved out of the training indices with
// dc.TrainSplit. Without dc.LoadIndices, all examples are split into train and validation.
func (n *Network) SetupData(ds *imagedata.Dataset, dc DataConfig) error {
	if err := dc.Validate(); err != nil {
		return err
	}
	if ds == nil || ds.Len() == 0 {
		return errors.New("threestage.SetupData: empty dataset")
	}
	dsLabels := ds.Labels()
	if len(dc.Labels) == 0 {
		dc.Labels = dsLabels
	} else if !slices.Equal(dc.Labels, dsLabels) {
		return errors.Errorf("threestage.SetupData: %d labels given don't match the %d labels of the dataset",
			len(dc.Labels), len(dsLabels))
	} else {
		dc.Labels = slices.Clone(dc.Labels)
	}
	for ii, label := range dc.Labels {
		if label < 0 || label >= n.cfg.NumClasses {
			return errors.Errorf("threestage.SetupData: label %d of example %d out of range [0, %d)",
				label, ii, n.cfg.NumClasses)
		}
	}

	numExamples := ds.Len()
	var set indices.Set
	if dc.LoadIndices {
		var err error
		set, err = indices.Load(dc.IndicesPath)
		if err != nil {
			return err
		}
		if err = set.Validate(numExamples); err != nil {
			return errors.WithMessagef(err, "indices in %q don't match the dataset of %d examples -- "+
				"if the file is stale, delete it to have it rebuilt", dc.IndicesPath, numExamples)
		}
	} else {
		set = indices.Set{Train: xslices.Iota(0, numExamples), Val: []int{}, Holdout: []int{}}
	}
	if len(set.Val) == 0 && dc.TrainSplit < 1 {
		trainIdx, valIdx, err := imagedata.SplitTrainVal(set.Train, dc.Labels, dc.TrainSplit, dc.Seed)
		if err != nil {
			return err
		}
		set.Train, set.Val = trainIdx, valIdx
	}
	if len(set.Train) == 0 {
		return errors.New("threestage.SetupData: no training examples")
	}

	n.dataset = ds
	n.dataCfg = dc
	n.labels = dc.Labels
	n.set = set
	n.rng = imagedata.NewRand(dc.Seed)
	klog.Infof("Data: %d examples, indices %s, batch size %d, M=%d, max batches %d, %d workers",
		numExamples, set, dc.BatchSize, dc.M, dc.MaxBatches, dc.NumWorkers)
	return nil
}

// Labels returns a copy of the labels of all examples.
func (n *Network) Labels() []int { return slices.Clone(n.labels) }

// TrainIndices returns a copy of the indices used for training.
func (n *Network) TrainIndices() []int { return slices.Clone(n.set.Train) }

// ValIndices returns a copy of the indices used for validation.
func (n *Network) ValIndices() []int { return slices.Clone(n.set.Val) }

// HoldoutIndices returns a copy of the holdout indices, never used in training or validation.
func (n *Network) HoldoutIndices() []int { return slices.Clone(n.set.Holdout) }

// Indices returns a copy of the train, validation and holdout index sets.
func (n *Network) Indices() indices.Set {
	return indices.Set{Train: n.TrainIndices(), Val: n.ValIndices(), Holdout: n.HoldoutIndices()}
}

// evalSampler creates a sequential sampler with the evaluation transform. It returns nil if there are no indices.
func (n *Network) evalSampler(name, shortName string, idx []int, classWeights []float32) (*imagedata.Sampler, error) {
	if len(idx) == 0 {
		return nil, nil
	}
	dc := n.dataCfg
	return imagedata.NewSampler(n.dataset.WithTransform(imagedata.EvalTransform(n.cfg.ImageSize)), idx,
		imagedata.SamplerConfig{
			Name:         name,
			ShortName:    shortName,
			BatchSize:    dc.BatchSize,
			NumWorkers:   dc.NumWorkers,
			ClassWeights: classWeights,
			Seed:         dc.Seed,
		})
}

// Train trains the network for the epochs missing to reach tc.NEpochs.
//
// At the end of each epoch it optionally evaluates the training and validation sets, logs the metrics
// and saves a checkpoint. Errors, including those raised while building the model graph (e.g. loaded
// weights with mismatched shapes), are returned.
func (n *Network) Train(tc TrainConfig) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if n.dataset == nil {
		return errors.New("threestage: SetupData must be called before Train")
	}
	var trainErr error
	err := exceptions.TryCatch[error](func() { trainErr = n.train(tc) })
	if err != nil {
		return errors.WithMessage(err, "threestage: training failed")
	}
	return trainErr
}

func (n *Network) train(tc TrainConfig) error {
	n.built = true
	dc := n.dataCfg
	var classWeights []float32
	if tc.ClassWeighting {
		trainLabels := make([]int, len(n.set.Train))
		for ii, idx := range n.set.Train {
			trainLabels[ii] = n.labels[idx]
		}
		classWeights = labels.InverseFrequencyWeights(trainLabels, n.cfg.NumClasses)
	}

	trainSampler, err := imagedata.NewSampler(
		n.dataset.WithTransform(imagedata.TrainTransform(n.cfg.ImageSize, n.rng)), n.set.Train,
		imagedata.SamplerConfig{
			Name:         TrainDatasetName,
			BatchSize:    dc.BatchSize,
			M:            dc.M,
			MaxBatches:   dc.MaxBatches,
			NumWorkers:   dc.NumWorkers,
			Shuffle:      true,
			ClassWeights: classWeights,
			Seed:         dc.Seed,
		})
	if err != nil {
		return err
	}
	trainDS := datasets.ReadAhead(trainSampler, readAheadBatches)

	// The train-eval pass is also used to update the batch normalization averages at the end.
	trainEvalSampler, err := n.evalSampler(TrainEvalDatasetName, TrainEvalShortName, n.set.Train, classWeights)
	if err != nil {
		return err
	}
	var valSampler *imagedata.Sampler
	if tc.EpochVal {
		valSampler, err = n.evalSampler(ValidationDatasetName, ValidationShortName, n.set.Val, classWeights)
		if err != nil {
			return err
		}
		if valSampler == nil {
			klog.Warningf("EpochVal set, but there are no validation examples")
		}
	}

	trainer := train.NewTrainer(n.backend, n.ctx, n.ModelGraph, n.lossFn(tc.LossRatios), n.optimizer,
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", AccuracyShortName)})
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	trainer.SetContext(n.modelContext())

	plotter, err := openMetricsPlotter(n.cfg.ModelsDir, n.cfg.LogsDir, n.cfg.LogTrain)
	if err != nil {
		return err
	}
	defer func() {
		if err := plotter.Close(); err != nil {
			klog.Errorf("Failed to close metrics logs: %+v", err)
		}
	}()
	var evalDatasets []train.Dataset
	if tc.EpochTrain && trainEvalSampler != nil {
		evalDatasets = append(evalDatasets, trainEvalSampler)
	}
	valAccuracyShort := ""
	if valSampler != nil {
		evalDatasets = append(evalDatasets, valSampler)
		valAccuracyShort = evalShortName(AccuracyShortName, valSampler.ShortName())
	}

	startEpoch := Epoch(n.ctx)
	if startEpoch >= tc.NEpochs {
		klog.Infof("Training already reached epoch %d (>= %d epochs requested)", startEpoch, tc.NEpochs)
		return nil
	}
	if startEpoch > 0 {
		klog.Infof("Resuming training at epoch %d, global step %d", startEpoch, optimizers.GetGlobalStep(n.ctx))
	}
	bestAccuracy, bestEpoch := -1.0, -1
	for epoch := startEpoch; epoch < tc.NEpochs; epoch++ {
		if err = SetEpoch(n.ctx, epoch); err != nil {
			return err
		}
		klog.V(1).Infof("Epoch %d/%d: learning rates trunk=%.3g embedder=%.3g classifier=%.3g", epoch+1, tc.NEpochs,
			n.optimizer.LearningRate(StageTrunk, epoch), n.optimizer.LearningRate(StageEmbedder, epoch),
			n.optimizer.LearningRate(StageClassifier, epoch))
		trainValues, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		for _, ds := range evalDatasets {
			ds.Reset()
		}
		plotter.StartEpoch(epoch)
		if err = plots.AddTrainAndEvalMetrics(plotter, loop, trainValues, evalDatasets, nil); err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		if accuracy, found := plotter.LastValue(valAccuracyShort); found && accuracy > bestAccuracy {
			bestAccuracy, bestEpoch = accuracy, epoch
		}

		// Checkpoint the state at the start of the next epoch.
		if err = SetEpoch(n.ctx, epoch+1); err != nil {
			return err
		}
		if err = n.checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
		}
	}
	if bestEpoch >= 0 {
		klog.Infof("Best validation accuracy %.2f%% at epoch %d", 100*bestAccuracy, bestEpoch)
	}

	if trainEvalSampler != nil {
		trainEvalSampler.Reset()
		updated, err := batchnorm.UpdateAverages(trainer, trainEvalSampler)
		if err != nil {
			return errors.WithMessage(err, "updating batch normalization averages")
		}
		if updated {
			klog.Infof("Updated batch normalization mean/variances averages")
			if err = n.checkpoint.Save(); err != nil {
				return err
			}
		}
	}
	return nil
}

