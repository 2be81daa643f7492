// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainLogFileName is the human-readable per-epoch summary, in Config.LogsDir, written when Config.LogTrain is set.
const TrainLogFileName = "train.log"

// trainPointPrefix prefixes the short names of the training metrics, see plots.AddTrainAndEvalMetrics.
const trainPointPrefix = "T/"

// metricsPlotter implements plots.Plotter: it saves the metrics of each epoch as plots.Point in
// plots.TrainingPlotFileName of the checkpoint directory, so they can be read back with
// plots.LoadPointsFromCheckpoint, and summarizes them in the train log.
type metricsPlotter struct {
	pointsPath string
	points     chan<- plots.Point
	errReport  <-chan error
	trainLog   *os.File
	logTrain   bool

	epoch   int
	pending []plots.Point
	last    []plots.Point
}

var _ plots.Plotter = (*metricsPlotter)(nil)

// openMetricsPlotter starts appending points to modelsDir. If logTrain is set the training metrics are
// included and the train log in logsDir is opened for appending.
func openMetricsPlotter(modelsDir, logsDir string, logTrain bool) (*metricsPlotter, error) {
	p := &metricsPlotter{
		pointsPath: filepath.Join(modelsDir, plots.TrainingPlotFileName),
		logTrain:   logTrain,
	}
	if logTrain {
		logPath := filepath.Join(logsDir, TrainLogFileName)
		var err error
		p.trainLog, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open train log %q", logPath)
		}
	}
	p.points, p.errReport = plots.CreatePointsWriter(p.pointsPath)
	return p, nil
}

// StartEpoch sets the epoch reported with the next points.
func (p *metricsPlotter) StartEpoch(epoch int) { p.epoch = epoch }

// AddPoint implements plots.Plotter.
func (p *metricsPlotter) AddPoint(point plots.Point) {
	if !p.logTrain && strings.HasPrefix(point.Short, trainPointPrefix) {
		return
	}
	p.pending = append(p.pending, point)
	p.points <- point
}

// DynamicSampleDone implements plots.Plotter. It is called once all the metrics of an epoch were added.
func (p *metricsPlotter) DynamicSampleDone(incomplete bool) {
	p.last, p.pending = p.pending, nil
	if incomplete {
		klog.Warningf("Epoch %d: some metrics are NaN or infinite", p.epoch)
	}
	if len(p.last) == 0 {
		return
	}
	parts := make([]string, len(p.last))
	for ii, point := range p.last {
		parts[ii] = fmt.Sprintf("%s=%s", point.Short, formatPoint(point))
	}
	summary := strings.Join(parts, ", ")
	klog.Infof("Epoch %d (step %d): %s", p.epoch, int64(p.last[0].Step), summary)
	if p.trainLog != nil {
		_, err := fmt.Fprintf(p.trainLog, "%s epoch=%d step=%d %s\n",
			time.Now().UTC().Format(time.RFC3339), p.epoch, int64(p.last[0].Step), summary)
		if err != nil {
			klog.Errorf("Failed to write to %q: %v", p.trainLog.Name(), err)
		}
	}
}

// LastValue returns the value of the metric with the given short name in the latest epoch recorded.
func (p *metricsPlotter) LastValue(short string) (float64, bool) {
	for _, point := range p.last {
		if point.Short == short {
			return point.Value, true
		}
	}
	return math.NaN(), false
}

// Close flushes the points and closes the train log.
func (p *metricsPlotter) Close() error {
	close(p.points)
	err := <-p.errReport
	if err != nil {
		err = errors.WithMessagef(err, "saving metrics to %q", p.pointsPath)
	}
	if p.trainLog != nil {
		if closeErr := p.trainLog.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", p.trainLog.Name())
		}
	}
	return err
}

// formatPoint formats accuracies as percentages.
func formatPoint(point plots.Point) string {
	if point.MetricType == metrics.AccuracyMetricType {
		return fmt.Sprintf("%.2f%%", 100*point.Value)
	}
	return fmt.Sprintf("%.4g", point.Value)
}

// evalShortName is the short name of an evaluation metric on a dataset, as set by plots.AddTrainAndEvalMetrics.
func evalShortName(metricShort, datasetShort string) string {
	return fmt.Sprintf("%s(%s)", metricShort, datasetShort)
}
