// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cub200_report prints a report of a CUB-200 experiment working directory: the checkpoint summary,
// the sizes and learning rates of the network stages, the index sets and the metrics per epoch.
//
// Usage:
//
//	$ cub200_report -work=~/work/cub200 -last=10
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/threestage/pkg/experiment"
	"github.com/gomlx/threestage/pkg/indices"
	"github.com/gomlx/threestage/pkg/threestage"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagWork    = flag.String("work", ".", "Working directory of the experiment, with the models/ and logs/ subdirectories.")
	flagSummary = flag.Bool("summary", true, "Display a summary of the latest checkpoint and of the network stages.")
	flagIndices = flag.Bool("indices", true, "Display the sizes of the train/validation/holdout index sets.")
	flagMetrics = flag.Bool("metrics", true, "Display the metrics recorded at each epoch.")
	flagLabels  = flag.Bool("metrics_labels", false, "Lists the short names of the metrics with their full names.")
	flagFilter  = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagLast    = flag.Int("last", 20, "Number of most recent epochs in the metrics report. 0 shows all.")
	flagBest    = flag.String("best", threestage.AccuracyShortName+"("+threestage.ValidationShortName+")",
		"Short name of the metric whose best epoch is highlighted.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defaults := experiment.DefaultConfig()
	workDir := *flagWork

	if *flagSummary {
		modelsDir := filepath.Join(workDir, defaults.Net.ModelsDir)
		if err := summary(modelsDir); err != nil {
			klog.Errorf("No checkpoint summary: %v", err)
		}
	}
	if *flagIndices {
		indicesPath := filepath.Join(workDir, defaults.Data.IndicesPath)
		if err := indicesReport(indicesPath); err != nil {
			klog.Errorf("No indices report: %v", err)
		}
	}
	if *flagMetrics || *flagLabels {
		var filter *regexp.Regexp
		if *flagFilter != "" {
			filter = must.M1(regexp.Compile(*flagFilter))
		}
		mt, err := readMetrics(filepath.Join(workDir, defaults.Net.ModelsDir), filter)
		if err != nil {
			klog.Errorf("No metrics report: %v", err)
			os.Exit(1)
		}
		if *flagLabels {
			printLabels(mt)
		}
		if *flagMetrics {
			printMetrics(mt, *flagLast, *flagBest)
		}
	}
}

// summary of the latest checkpoint in modelsDir.
func summary(modelsDir string) error {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(modelsDir).Immediate().Done(); err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "checkpoint", modelsDir)
	table.Row(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	table.Row(false, "epoch", humanize.Comma(int64(threestage.Epoch(ctx))))
	if trunk, found := ctx.GetParam("trunk"); found {
		table.Row(false, "trunk", fmt.Sprintf("%v", trunk))
	}
	fmt.Println(table.Table.Render())

	fmt.Println(titleStyle.Render("Stages"))
	table = newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Stage", "# variables", "# parameters", "# bytes", "learning rate")
	type stats struct {
		numVars, numParams int
		memory             uintptr
	}
	var perStage [threestage.NumStages]stats
	for v := range ctx.IterVariables() {
		stage, found := threestage.StageOf(v.Scope())
		if !found {
			continue
		}
		perStage[stage].numVars++
		perStage[stage].numParams += v.Shape().Size()
		perStage[stage].memory += v.Shape().Memory()
	}
	for stage := range threestage.NumStages {
		s := perStage[stage]
		lr := "-"
		lrVar := ctx.GetVariableByScopeAndName(
			context.ScopeSeparator+threestage.OptimizerScope+context.ScopeSeparator+stage.String(),
			optimizers.ParamLearningRate)
		if lrVar != nil {
			lr = fmt.Sprintf("%.3g", lrVar.MustValue().Value())
		}
		table.Row(false, stage.String(), humanize.Comma(int64(s.numVars)), humanize.Comma(int64(s.numParams)),
			humanize.Bytes(uint64(s.memory)), lr)
	}
	fmt.Println(table.Table.Render())
	return nil
}

func indicesReport(indicesPath string) error {
	set, err := indices.Load(indicesPath)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Indices"))
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Partition", "# examples")
	table.Row(false, indices.TrainKey, humanize.Comma(int64(len(set.Train))))
	table.Row(false, indices.ValKey, humanize.Comma(int64(len(set.Val))))
	table.Row(false, indices.HoldoutKey, humanize.Comma(int64(len(set.Holdout))))
	fmt.Println(table.Table.Render())
	if err = set.Validate(set.Len()); err != nil {
		klog.Warningf("Indices in %q are not a partition: %v", indicesPath, err)
	}
	return nil
}
