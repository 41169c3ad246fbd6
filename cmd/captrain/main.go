// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// captrain trains image captioning models and inspects their checkpoints.
//
// Train, or resume, a run configured by a YAML file, overriding some of its values:
//
//	captrain train --config=run.yaml --set="batch_size=64;model/hidden_dim=256"
//
// Inspect the checkpoints and the metrics history of a run:
//
//	captrain inspect ~/runs/tinycap
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "captrain",
		Short: "Trains image captioning models and inspects their checkpoints",
		Long: `captrain trains an image captioning model with periodic BLEU evaluation on the dev split.

Training is organized in epochs: at the end of each one the model is evaluated and checkpointed, and an
interrupted run resumes after its last completed epoch.`,
		SilenceUsage: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.AddCommand(newTrainCmd(), newInspectCmd())
	return rootCmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
