// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// highlightTable is a table where some rows can be highlighted (e.g. the best epoch).
type highlightTable struct {
	Table       *lgtable.Table
	Count       int
	Highlighted map[int]bool
}

// Row appends a row, highlighted if requested.
func (t *highlightTable) Row(highlight bool, row ...string) {
	if highlight {
		t.Highlighted[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(alignments ...lipgloss.Position) *highlightTable {
	t := &highlightTable{Highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Highlighted[row]:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}
