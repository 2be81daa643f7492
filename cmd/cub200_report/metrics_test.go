// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accuracyPoint(name, short string, step, value float64) plots.Point {
	return plots.Point{MetricName: name, Short: short, MetricType: metrics.AccuracyMetricType, Step: step, Value: value}
}

func writePoints(t *testing.T, dir string, points []plots.Point) {
	writer, errReport := plots.CreatePointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	for _, p := range points {
		writer <- p
	}
	close(writer)
	require.NoError(t, <-errReport)
}

func TestReadMetrics(t *testing.T) {
	dir := t.TempDir()
	trainAcc, valAcc := "Train: Moving Average Accuracy", "Mean Accuracy on validation"
	writePoints(t, dir, []plots.Point{
		accuracyPoint(trainAcc, "T/~acc", 200, 0.1),
		accuracyPoint(valAcc, "#acc(val)", 200, 0.25),
		{MetricName: "Mean Loss on validation", Short: "#loss(val)", MetricType: metrics.LossMetricType, Step: 200, Value: 3.5},
		accuracyPoint(trainAcc, "T/~acc", 400, 0.3),
		accuracyPoint(valAcc, "#acc(val)", 400, 0.5),
		{MetricName: "Mean Loss on validation", Short: "#loss(val)", MetricType: metrics.LossMetricType, Step: 400, Value: 2.5},
		accuracyPoint(trainAcc, "T/~acc", 600, 0.6),
		accuracyPoint(valAcc, "#acc(val)", 600, 0.4),
		// Resumed training, repeating the last epoch.
		accuracyPoint(valAcc, "#acc(val)", 600, 0.45),
	})

	mt, err := readMetrics(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"T/~acc", "#acc(val)", "#loss(val)"}, mt.Columns)
	assert.Equal(t, []int64{200, 400, 600}, mt.Steps)
	assert.Equal(t, 0.45, mt.Values[2][1], "last value of a repeated epoch wins")
	assert.True(t, math.IsNaN(mt.Values[2][2]), "loss not recorded in the last epoch")
	assert.Equal(t, valAcc, mt.Names["#acc(val)"])
	assert.Equal(t, 1, mt.Best("#acc(val)"))
	assert.Equal(t, 1, mt.Best("#loss(val)"), "smallest loss is the best")
	assert.Equal(t, -1, mt.Best("#acc(tr)"))

	assert.Equal(t, "45.00%", mt.Format("#acc(val)", 0.45))
	assert.Equal(t, "2.5", mt.Format("#loss(val)", 2.5))
	assert.Equal(t, "", mt.Format("#loss(val)", math.NaN()))

	mt, err = readMetrics(dir, regexp.MustCompile(`on validation$`))
	require.NoError(t, err)
	assert.Equal(t, []string{"#acc(val)", "#loss(val)"}, mt.Columns)
	mt, err = readMetrics(dir, regexp.MustCompile(`^T/`))
	require.NoError(t, err)
	assert.Equal(t, []string{"T/~acc"}, mt.Columns)
	assert.Len(t, mt.Steps, 3)

	_, err = readMetrics(t.TempDir(), nil)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, plots.TrainingPlotFileName), []byte("{not json"), 0o644))
	_, err = readMetrics(dir, nil)
	require.Error(t, err)
}
