// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program builds the two artifacts run by the execution engine: the training artifact
// (forward pass, loss, gradient clipping and an optimizer bound to a learning rate schedule) and the
// evaluation artifact (forward pass plus caption decoding, no gradient machinery).
//
// Both artifacts declare the same parameter names, so they alias the same parameters in a store.Store,
// while their own input and output names live in separate namespaces:
//
//	builder := program.NewBuilder(model).
//		LearningRate(cfg.LearningRate).Schedule(cfg.LRDecayStrategy).
//		SampleCount(cfg.SampleCount).BatchSize(cfg.BatchSize).MaxEpoch(cfg.MaxEpoch).
//		GradientClip(cfg.GradientClip).TrainEncoder(cfg.EncoderTrainable)
//	trainArtifact, err := builder.BuildTraining()
//	...
//	evalArtifact, err := builder.BuildEval()
package program

import (
	"slices"
	"strings"

	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/pkg/support/sets"
)

// GraphRandomSeed is the seed of the random number generators used inside the artifacts, e.g. for dropout.
// It is fixed, and independent of the data sampling seed, so stochastic operations are the same
// across runs.
const GraphRandomSeed = 0

// Mode of an Artifact.
type Mode int

const (
	// Training artifacts compute the loss and update the parameters.
	Training Mode = iota

	// Evaluation artifacts only decode captions.
	Evaluation
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "train"
	case Evaluation:
		return "eval"
	}
	return "unknown"
}

// Names of the inputs and outputs of the artifacts, before namespacing.
const (
	InputImage   = "image"
	InputCaption = "caption_label"

	OutputLoss         = "loss"
	OutputLearningRate = "learning_rate"
	OutputCaption      = "caption"
)

// Artifact is an immutable description of a computation (training or evaluation) over a Model.
// Create it with Builder.
type Artifact struct {
	name, namespace string
	mode            Mode
	model           Model

	inputs, outputs []string
	parameters      []string
	trainable       sets.Set[string]

	optimizer    optimizers.Interface
	learningRate float64
	clip         float64
	randomSeed   uint64
}

// Name of the artifact, e.g. "tinycap/train".
func (a *Artifact) Name() string { return a.name }

// Namespace prefixing the artifact inputs and outputs.
func (a *Artifact) Namespace() string { return a.namespace }

// Mode of the artifact.
func (a *Artifact) Mode() Mode { return a.mode }

// Model executed by the artifact.
func (a *Artifact) Model() Model { return a.model }

// Qualify returns the namespaced name of an input or output, e.g. Qualify("caption") -> "tinycap/eval/caption".
func (a *Artifact) Qualify(name string) string {
	return a.namespace + store.ScopeSeparator + name
}

// Inputs returns the namespaced input slot names, in order.
func (a *Artifact) Inputs() []string { return slices.Clone(a.inputs) }

// Outputs returns the namespaced output names, in order.
func (a *Artifact) Outputs() []string { return slices.Clone(a.outputs) }

// HasOutput returns whether name is one of the namespaced outputs of the artifact.
func (a *Artifact) HasOutput(name string) bool {
	return slices.Contains(a.outputs, name)
}

// Output returns the namespaced name of the given output, e.g. Output(OutputCaption).
func (a *Artifact) Output(name string) string { return a.Qualify(name) }

// Parameters returns the names of all learnable parameters, sorted.
func (a *Artifact) Parameters() []string { return slices.Clone(a.parameters) }

// Trainable returns the names of the parameters updated by the optimizer, sorted. Empty for evaluation.
func (a *Artifact) Trainable() []string { return sets.Sorted(a.trainable) }

// IsTrainable returns whether the parameter is updated by the training artifact.
func (a *Artifact) IsTrainable(name string) bool { return a.trainable.Has(name) }

// Optimizer bound to the training artifact, nil for evaluation.
func (a *Artifact) Optimizer() optimizers.Interface { return a.optimizer }

// LearningRate is the base learning rate configured.
func (a *Artifact) LearningRate() float64 { return a.learningRate }

// GradientClip is the bound used to clip gradient values, 0 if disabled.
func (a *Artifact) GradientClip() float64 { return a.clip }

// RandomSeed of the random number generators used for stochastic operations.
func (a *Artifact) RandomSeed() uint64 { return a.randomSeed }

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	var sb strings.Builder
	sb.WriteString(a.name)
	sb.WriteString("(mode=")
	sb.WriteString(a.mode.String())
	sb.WriteString(", inputs=")
	sb.WriteString(strings.Join(a.inputs, ","))
	sb.WriteString(", outputs=")
	sb.WriteString(strings.Join(a.outputs, ","))
	sb.WriteString(")")
	return sb.String()
}
