// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

// metricsTable is the plot points saved during training pivoted to one row per global step (one per
// epoch) and one column per metric short name.
type metricsTable struct {
	Columns []string
	Names   map[string]string // Short name to full metric name.
	Types   map[string]string // Short name to metric type.
	Steps   []int64
	Values  [][]float64 // Values[row][column], NaN if not recorded.
}

// readMetrics loads the plot points of the checkpoint directory and pivots the metrics whose name or
// short name matches filter (if not nil).
func readMetrics(modelsDir string, filter *regexp.Regexp) (*metricsTable, error) {
	rawPoints, err := plots.LoadPointsFromCheckpoint(modelsDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "no metrics in %q", modelsDir)
	}
	return pivotMetrics(rawPoints, filter), nil
}

func pivotMetrics(rawPoints []plots.Point, filter *regexp.Regexp) *metricsTable {
	points := plots.NewPoints(rawPoints)
	if filter != nil {
		points.Filter(func(p plots.Point) bool {
			return filter.MatchString(p.Short) || filter.MatchString(p.MetricName)
		})
	}
	mt := &metricsTable{Names: make(map[string]string), Types: make(map[string]string)}
	columnIdx := make(map[string]int)
	points.Map(func(p *plots.Point) {
		if _, found := columnIdx[p.Short]; !found {
			columnIdx[p.Short] = len(mt.Columns)
			mt.Columns = append(mt.Columns, p.Short)
			mt.Names[p.Short] = p.MetricName
			mt.Types[p.Short] = p.MetricType
		}
	})
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]float64, len(mt.Columns))
		for ii := range row {
			row[ii] = math.NaN()
		}
		// A resumed training may repeat an epoch from the same global step: the last value recorded wins.
		for _, p := range points[step] {
			row[columnIdx[p.Short]] = p.Value
		}
		mt.Steps = append(mt.Steps, int64(step))
		mt.Values = append(mt.Values, row)
	}
	return mt
}

// Best returns the row index with the largest value in the column, or -1 if the column has no values.
// For losses the smallest value is the best.
func (mt *metricsTable) Best(column string) int {
	colIdx := slices.Index(mt.Columns, column)
	if colIdx < 0 {
		return -1
	}
	sign := 1.0
	if mt.Types[column] == metrics.LossMetricType {
		sign = -1
	}
	best, bestValue := -1, 0.0
	for ii, row := range mt.Values {
		v := sign * row[colIdx]
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > bestValue {
			best, bestValue = ii, v
		}
	}
	return best
}

// Format the value of a column: accuracies as percentages, missing values as empty cells.
func (mt *metricsTable) Format(column string, value float64) string {
	switch {
	case math.IsNaN(value):
		return ""
	case mt.Types[column] == metrics.AccuracyMetricType:
		return fmt.Sprintf("%.2f%%", 100*value)
	default:
		return fmt.Sprintf("%.3g", value)
	}
}

// printMetrics prints the last numRows (all if <= 0) epochs of the table, highlighting the epoch with
// the best value of bestColumn.
func printMetrics(mt *metricsTable, numRows int, bestColumn string) {
	fmt.Println(titleStyle.Render("Metrics"))
	if len(mt.Steps) == 0 {
		fmt.Println("No metrics recorded.")
		return
	}
	best := mt.Best(bestColumn)
	table := newPlainTable(lipgloss.Right)
	table.Table.Headers(append([]string{"Global Step"}, mt.Columns...)...)
	start := 0
	if numRows > 0 {
		start = max(0, len(mt.Steps)-numRows)
	}
	for ii := start; ii < len(mt.Steps); ii++ {
		row := []string{humanize.Comma(mt.Steps[ii])}
		for colIdx, column := range mt.Columns {
			row = append(row, mt.Format(column, mt.Values[ii][colIdx]))
		}
		table.Row(ii == best, row...)
	}
	fmt.Println(table.Table.Render())
	if best >= 0 {
		fmt.Printf("Best %s (%s) at global step %s: %s\n", bestColumn, mt.Names[bestColumn],
			humanize.Comma(mt.Steps[best]), mt.Format(bestColumn, mt.Values[best][slices.Index(mt.Columns, bestColumn)]))
	}
}

// printLabels lists the short names of the metrics with their full names.
func printLabels(mt *metricsTable) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newPlainTable(lipgloss.Center, lipgloss.Left)
	table.Table.Headers("Short", "Metric")
	for _, short := range mt.Columns {
		table.Row(false, short, mt.Names[short])
	}
	fmt.Println(table.Table.Render())
}
