// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment runs the CUB-200 training experiment end to end: index sets, labels, the
// three-stage network training, the export of logits and embeddings, and the archival and upload
// of the results.
package experiment

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/threestage/pkg/artifacts"
	"github.com/gomlx/threestage/pkg/imagedata"
	"github.com/gomlx/threestage/pkg/indices"
	"github.com/gomlx/threestage/pkg/labels"
	"github.com/gomlx/threestage/pkg/storage"
	"github.com/gomlx/threestage/pkg/threestage"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network is what Run needs from the model. *threestage.Network implements it.
type Network interface {
	LoadWeights(dir string, loadClassifier, loadOptimizers bool) error
	SetupData(ds *imagedata.Dataset, dc threestage.DataConfig) error
	Train(tc threestage.TrainConfig) error
	SaveAllLogitsEmbeds(path string) error
	TrainIndices() []int
	Labels() []int
}

var _ Network = (*threestage.Network)(nil)

// NetworkFactory creates the Network for the configuration, with NumClasses set from the labels.
type NetworkFactory func(cfg threestage.Config) (Network, error)

// Deps are the collaborators of Run.
type Deps struct {
	NewNetwork NetworkFactory

	// Uploader of the archive. Only used if Config.SkipUpload is false.
	Uploader storage.Uploader
}

// Result of a Run.
type Result struct {
	// ExperimentID is the generated id of the archive, see artifacts.NewID.
	ExperimentID string

	// ArchivePath is the local path of experiment_<ExperimentID>.zip.
	ArchivePath string

	// ObjectKey of the uploaded archive, empty if the upload was skipped.
	ObjectKey string

	// ExportErr holds the error of the export of logits and embeddings, which doesn't stop the run.
	ExportErr error

	NumExamples, NumClasses int
}

// Run executes the experiment configured by cfg: each phase runs only if the previous succeeded,
// except the export, whose failure is logged and kept in Result.ExportErr.
//
// ctx is checked between phases and used by the upload.
func Run(ctx context.Context, cfg Config, deps Deps) (Result, error) {
	var result Result
	if err := cfg.Validate(); err != nil {
		return result, err
	}
	if deps.NewNetwork == nil {
		return result, errors.New("experiment: no NetworkFactory given")
	}
	if !cfg.SkipUpload && deps.Uploader == nil {
		return result, errors.New("experiment: no Uploader given, and upload not skipped")
	}
	start := time.Now()

	phase := func(name string) error {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "experiment interrupted before %s", name)
		}
		klog.Infof("Experiment %q: %s", cfg.ExperimentID, name)
		return nil
	}

	// Prepare.
	if err := phase("prepare"); err != nil {
		return result, err
	}
	if err := prepare(cfg); err != nil {
		return result, err
	}

	// Indices.
	if err := phase("indices"); err != nil {
		return result, err
	}
	records, err := indices.ReadManifests(cfg.dataPath(cfg.ImagesManifest), cfg.dataPath(cfg.SplitManifest),
		cfg.dataPath(cfg.ImagesRoot))
	if err != nil {
		return result, err
	}
	if err = writeIndices(cfg.workPath(cfg.Data.IndicesPath), indices.Build(records)); err != nil {
		return result, err
	}
	paths := indices.Paths(records)
	result.NumExamples = len(paths)

	// Labels.
	if err = phase("labels"); err != nil {
		return result, err
	}
	categories, err := labels.Categories(cfg.dataPath(cfg.ImagesRoot), paths)
	if err != nil {
		return result, err
	}
	encoder, ids := labels.FitTransform(categories)
	result.NumClasses = encoder.NumClasses()
	klog.Infof("%d images of %d classes", len(ids), encoder.NumClasses())
	ds, err := imagedata.New(paths, ids, nil)
	if err != nil {
		return result, err
	}

	// Model.
	if err = phase("model"); err != nil {
		return result, err
	}
	netCfg := cfg.Net
	netCfg.NumClasses = encoder.NumClasses()
	netCfg.ModelsDir = cfg.workPath(netCfg.ModelsDir)
	netCfg.LogsDir = cfg.workPath(netCfg.LogsDir)
	net, err := deps.NewNetwork(netCfg)
	if err != nil {
		return result, err
	}
	if cfg.WeightsDir != "" {
		if err = net.LoadWeights(cfg.workPath(cfg.WeightsDir), cfg.LoadClassifier, cfg.LoadOptimizers); err != nil {
			return result, err
		}
	} else {
		klog.Infof("No pretrained weights configured, training from scratch")
	}

	// Data.
	if err = phase("setup data"); err != nil {
		return result, err
	}
	dc := cfg.Data
	dc.Labels = ids
	dc.IndicesPath = cfg.workPath(dc.IndicesPath)
	if err = net.SetupData(ds, dc); err != nil {
		return result, err
	}
	klog.Infof("%d labels, %d distinct, %d training examples",
		len(net.Labels()), len(distinct(net.Labels())), len(net.TrainIndices()))

	// Train.
	if err = phase("train"); err != nil {
		return result, err
	}
	if err = net.Train(cfg.Train); err != nil {
		return result, err
	}

	// Export: best effort.
	if err = phase("export"); err != nil {
		return result, err
	}
	if exportErr := net.SaveAllLogitsEmbeds(cfg.workPath(cfg.ExportPath)); exportErr != nil {
		klog.Warningf("Failed to export logits and embeddings, continuing: %+v", exportErr)
		result.ExportErr = exportErr
	}

	// Archive.
	if err = phase("archive"); err != nil {
		return result, err
	}
	zipDirs := make([]string, len(cfg.ZipDirs))
	for ii, dir := range cfg.ZipDirs {
		zipDirs[ii] = cfg.workPath(dir)
	}
	outDir := cfg.WorkDir
	if outDir == "" {
		outDir = "."
	}
	result.ExperimentID, result.ArchivePath, err = artifacts.ZipFiles(zipDirs, cfg.ExperimentID, outDir)
	if err != nil {
		return result, err
	}

	// Upload.
	if cfg.SkipUpload {
		klog.Infof("Upload skipped, archive left in %q", result.ArchivePath)
	} else {
		if err = phase("upload"); err != nil {
			return result, err
		}
		key := storage.ObjectKey(cfg.Destination, result.ArchivePath)
		if err = deps.Uploader.Upload(ctx, key, result.ArchivePath); err != nil {
			return result, err
		}
		result.ObjectKey = key
		klog.Infof("Uploaded %q to %s/%s", result.ArchivePath, deps.Uploader, key)
	}
	klog.Infof("Experiment %q (%s) finished in %s", cfg.ExperimentID, result.ExperimentID, time.Since(start))
	return result, nil
}

// prepare creates the output directories and reports the resources available.
func prepare(cfg Config) error {
	for _, dir := range []string{cfg.workPath(cfg.Net.ModelsDir), cfg.workPath(cfg.Net.LogsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	klog.Infof("Host: %d cores, memory %s total, %s free", runtime.NumCPU(),
		humanize.Bytes(memory.TotalMemory()), humanize.Bytes(memory.FreeMemory()))
	klog.V(1).Infof("Configuration: %+v", cfg)
	return nil
}

// writeIndices saves set to path, replacing any previous file. A previous file with different
// indices is reported, since runs that used it are not comparable with this one.
func writeIndices(path string, set indices.Set) error {
	if previous, err := indices.Load(path); err == nil {
		if !slices.Equal(previous.Train, set.Train) || !slices.Equal(previous.Val, set.Val) ||
			!slices.Equal(previous.Holdout, set.Holdout) {
			klog.Warningf("Replacing stale indices in %q: %s -> %s", path, previous, set)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("Replacing unreadable indices in %q: %v", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", path)
		}
	}
	if err := indices.Save(path, set); err != nil {
		return err
	}
	klog.Infof("Saved %s to %q", set, path)
	return nil
}

func distinct(values []int) []int {
	values = slices.Clone(values)
	slices.Sort(values)
	return slices.Compact(values)
}
