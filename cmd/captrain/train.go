// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/captionlab/captrain/internal/config"
	"github.com/captionlab/captrain/ml/data"
	"github.com/captionlab/captrain/ml/train"
	"github.com/captionlab/captrain/ml/train/commandline"
	"github.com/captionlab/captrain/ml/train/metrics"
	"github.com/captionlab/captrain/models/tinycap"
	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// ConfigCopyFileName is the copy of the effective configuration saved in the checkpoint directory.
const ConfigCopyFileName = "config.yaml"

type trainFlags struct {
	configPath string
	settings   string
	progress   bool
}

func newTrainCmd() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train, or resume training, a captioning model",
		Long: `Train the tinycap captioning model on the dataset in "data_dir".

If "checkpoint_path" already holds a checkpoint, training resumes after its last completed epoch.
The effective configuration is saved as config.yaml in the checkpoint directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd.Context(), cmd.OutOrStdout(), &flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "YAML configuration file. Missing values take their defaults.")
	cmd.Flags().StringVar(&flags.settings, "set", "", commandline.SettingsUsage(config.Default()))
	cmd.Flags().BoolVar(&flags.progress, "progress", true, "Display a progress bar with the training metrics.")
	return cmd
}

func runTrain(ctx context.Context, out io.Writer, flags *trainFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if err = commandline.ParseSettings(cfg, flags.settings); err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	klog.V(1).Info(commandline.SprintSettings(cfg))

	reader, err := data.NewJSONLines(cfg.DataDir, cfg.Seed)
	if err != nil {
		return err
	}
	vocabulary, err := data.ReadVocabulary(cfg.DataDir)
	if err != nil {
		return err
	}
	model, err := tinycap.New(cfg.Model)
	if err != nil {
		return err
	}
	loop, err := train.NewLoop(cfg, model, reader, metrics.NewBLEU(vocabulary))
	if err != nil {
		return err
	}
	if flags.progress {
		stop := commandline.AttachProgressBar(loop)
		defer stop()
	}

	root, err := fsutil.ReplaceTildeInDir(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	if err = fsutil.EnsureDir(root); err != nil {
		return err
	}
	if err = cfg.Save(filepath.Join(root, ConfigCopyFileName)); err != nil {
		return err
	}

	state, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(out, commandline.ReportHistory(loop.History))
	_, _ = fmt.Fprint(out, commandline.ReportRunState(state))
	return nil
}
