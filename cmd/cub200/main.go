// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cub200 trains the three-stage network on CUB-200-2011, exports its logits and embeddings, and
// archives and uploads the results.
//
// Hyperparameters are set with -set, e.g.:
//
//	$ cub200 -data=~/datasets -work=~/work/cub200 -set="n_epochs=10;batch_size=64"
//
// The upload destination is configured with the STORAGE_* environment variables (see package storage),
// except the bucket, which is the "bucket" hyperparameter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/threestage/pkg/experiment"
	"github.com/gomlx/threestage/pkg/storage"
	"github.com/gomlx/threestage/pkg/threestage"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagData       = flag.String("data", ".", "Directory with the CUB_200_2011 dataset (manifests and images).")
	flagWork       = flag.String("work", ".", "Working directory for the indices, models/, logs/ and the experiment archive.")
	flagWeights    = flag.String("weights", "pretrained", "Checkpoint directory with pretrained weights, relative to -work. Leave empty to train from scratch.")
	flagExperiment = flag.String("experiment", "", "If set, overrides the experiment id used to name the archive.")
	flagSkipUpload = flag.Bool("skip_upload", false, "Skip the upload of the archive, leaving it in -work.")
)

func main() {
	ctx := experiment.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	cfg := must.M1(experiment.ConfigFromContext(ctx))
	cfg.DataDir = fsutil.MustReplaceTildeInDir(*flagData)
	cfg.WorkDir = fsutil.MustReplaceTildeInDir(*flagWork)
	cfg.WeightsDir = *flagWeights
	if cfg.WeightsDir != "" {
		cfg.WeightsDir = fsutil.MustReplaceTildeInDir(cfg.WeightsDir)
	}
	if *flagExperiment != "" {
		cfg.ExperimentID = *flagExperiment
	}
	cfg.SkipUpload = *flagSkipUpload
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		klog.Fatalf("Failed to create working directory %q: %v", cfg.WorkDir, err)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	var uploader storage.Uploader
	if !cfg.SkipUpload {
		storageCfg := must.M1(storage.ConfigFromEnv())
		storageCfg.Bucket = cfg.Bucket
		uploader = must.M1(storage.New(runCtx, storageCfg))
		klog.Infof("Archive will be uploaded to %s", uploader)
	}

	backend, err := backends.New()
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	klog.Infof("Backend: %s", backend.Description())
	deps := experiment.Deps{
		NewNetwork: func(netCfg threestage.Config) (experiment.Network, error) {
			return threestage.New(backend, netCfg)
		},
		Uploader: uploader,
	}
	result, err := experiment.Run(runCtx, cfg, deps)
	if err != nil {
		klog.Fatalf("Experiment failed: %+v", err)
	}
	if result.ExportErr != nil {
		fmt.Printf("Logits and embeddings were not exported: %v\n", result.ExportErr)
	}
	fmt.Printf("Experiment %s: %d images, %d classes, archive %s\n",
		result.ExperimentID, result.NumExamples, result.NumClasses, result.ArchivePath)
	if result.ObjectKey != "" {
		fmt.Printf("Uploaded to %s/%s\n", uploader, result.ObjectKey)
	}
}
