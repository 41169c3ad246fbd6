// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/captionlab/captrain/ml/checkpoints"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train"
	"github.com/captionlab/captrain/ml/train/commandline"
	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

type inspectFlags struct {
	summary, list, vars, history bool
	checkpoint, scope            string
}

func newInspectCmd() *cobra.Command {
	var flags inspectFlags
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint_path>",
		Short: "Reports the state, checkpoints, variables and metrics history of a training run",
		Long: `Reports on the checkpoint directory of a training run.

Without any report flag, it displays the summary, the list of checkpoints and the metrics history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.summary && !flags.list && !flags.vars && !flags.history {
				flags.summary, flags.list, flags.history = true, true, true
			}
			return exceptions.TryCatch[error](func() { report(cmd.OutOrStdout(), args[0], &flags) })
		},
	}
	cmd.Flags().BoolVar(&flags.summary, "summary", false, "Display the state of the run.")
	cmd.Flags().BoolVar(&flags.list, "list", false, "List the checkpoints and exports.")
	cmd.Flags().BoolVar(&flags.vars, "vars", false, "List the variables of the checkpoint selected with --checkpoint.")
	cmd.Flags().BoolVar(&flags.history, "history", false,
		fmt.Sprintf("Display the metrics of each epoch, saved in %q.", train.HistoryFileName))
	cmd.Flags().StringVar(&flags.checkpoint, "checkpoint", checkpoints.RollingDirName,
		"Name of the checkpoint (a sub-directory of the checkpoint path) whose variables are listed with --vars.")
	cmd.Flags().StringVar(&flags.scope, "scope", "",
		`Only list variables under this scope, e.g. "/encoder". Defaults to all variables.`)
	return cmd
}

// report panics with an error if anything fails.
func report(out io.Writer, checkpointPath string, flags *inspectFlags) {
	root := must.M1(fsutil.ReplaceTildeInDir(checkpointPath))
	if flags.summary {
		_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
		_, _ = fmt.Fprint(out, commandline.ReportRunState(must.M1(checkpoints.ReadRunState(root))))
	}
	if flags.list {
		_, _ = fmt.Fprintln(out, titleStyle.Render("Checkpoints"))
		_, _ = fmt.Fprint(out, commandline.ReportCheckpoints(must.M1(checkpoints.List(root))))
	}
	if flags.vars {
		_, _ = fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Variables of %q", flags.checkpoint)))
		meta := must.M1(checkpoints.ReadMetadata(filepath.Join(root, flags.checkpoint)))
		_, _ = fmt.Fprintln(out, variablesTable(meta, flags.scope))
	}
	if flags.history {
		_, _ = fmt.Fprintln(out, titleStyle.Render("History"))
		_, _ = fmt.Fprint(out, commandline.ReportHistory(must.M1(train.ReadHistory(root))))
	}
}

// variablesTable lists the variables of a checkpoint under scope. Frozen variables are highlighted.
func variablesTable(meta *checkpoints.Metadata, scope string) string {
	table := newPlainTable([]string{"Name", "Shape", "Size", "Bytes", "DType", "Trainable"},
		lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	var numVars, totalSize int
	var totalBytes int64
	for _, v := range meta.Variables {
		if !store.InScope(v.Name, scope) {
			continue
		}
		size := tensors.Size(v.Dimensions...)
		numVars++
		totalSize += size
		totalBytes += v.Length
		table.Row(!v.Trainable, v.Name, fmt.Sprintf("%v", v.Dimensions),
			humanize.Comma(int64(size)), humanize.Bytes(uint64(v.Length)), v.DType, fmt.Sprintf("%v", v.Trainable))
	}
	table.Row(false, fmt.Sprintf("%d variables", numVars), "",
		humanize.Comma(int64(totalSize)), humanize.Bytes(uint64(totalBytes)), "", "")
	return table.Table.Render()
}
