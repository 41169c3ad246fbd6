// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line:
// settings overrides, a progress bar and report tables.
package commandline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/captionlab/captrain/ml/checkpoints"
	"github.com/captionlab/captrain/ml/train"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	improvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
)

func newReportTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// ReportHistory renders a table with the metrics of each epoch. Epochs where the best BLEU improved are marked.
func ReportHistory(history []train.EpochMetrics) string {
	if len(history) == 0 {
		return "No epochs trained.\n"
	}
	table := newReportTable("Epoch", "Global Step", "Mean Loss", "BLEU", "Best BLEU", "Distinct", "Median Step", "Duration")
	for _, m := range history {
		bleu := fmt.Sprintf("%.4f", m.BLEU)
		if m.Improved {
			bleu = improvedStyle.Render(bleu + " *")
		}
		table.Row(
			strconv.Itoa(m.Epoch),
			humanize.Comma(m.GlobalStep),
			fmt.Sprintf("%.6f", m.MeanLoss),
			bleu,
			fmt.Sprintf("%.4f", m.BestBLEU),
			strconv.Itoa(m.DistinctSentences),
			m.MedianStepDuration.String(),
			m.Duration.Round(time.Millisecond).String(),
		)
	}
	return table.String() + "\n"
}

// ReportCheckpoints renders a table with the checkpoints listed from a checkpoint root directory.
func ReportCheckpoints(entries []checkpoints.Entry) string {
	if len(entries) == 0 {
		return "No checkpoints found.\n"
	}
	table := newReportTable("Name", "Kind", "Epoch", "Variables", "Size", "Saved")
	for _, e := range entries {
		table.Row(
			e.Name,
			string(e.Metadata.Kind),
			strconv.Itoa(e.Metadata.Epoch),
			strconv.Itoa(len(e.Metadata.Variables)),
			humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.Metadata.SavedAt),
		)
	}
	return table.String() + "\n"
}

// ReportRunState renders the state of a run as a two-column table.
func ReportRunState(state checkpoints.RunState) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	updated := "never"
	if !state.UpdatedAt.IsZero() {
		updated = humanize.Time(state.UpdatedAt)
	}
	table.Row("Run", state.RunID)
	table.Row("Epoch", strconv.Itoa(state.Epoch))
	table.Row("Global Step", humanize.Comma(state.GlobalStep))
	table.Row("Best BLEU", fmt.Sprintf("%.4f", state.BestBLEU))
	table.Row("Train Encoder", strconv.FormatBool(state.TrainEncoder))
	table.Row("Updated", updated)
	return table.String() + "\n"
}
