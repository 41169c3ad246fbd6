// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"math/rand/v2"

	"github.com/captionlab/captrain/ml/program/initializers"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/pkg/errors"
)

// ParamSpec describes one learnable parameter of a Model.
type ParamSpec struct {
	// Name is the full scoped name, e.g. "/encoder/dense/weights".
	Name string

	Dimensions []int

	// SubNetwork the parameter belongs to, e.g. "encoder" or "decoder".
	SubNetwork string

	// Initializer used on the first initialization. Defaults to initializers.Zero if nil.
	Initializer initializers.VariableInitializer
}

// Model is implemented by the captioning model: the architecture itself is opaque to the training.
//
// Implementations must be safe for concurrent use, as Loss and Decode are called in parallel for different
// shards of a batch. The parameters are only read through `params`.
type Model interface {
	// Name of the model.
	Name() string

	// Parameters returns the specs of all learnable parameters.
	Parameters() []ParamSpec

	// FirstInit creates and initializes all the parameters of a fresh model.
	// It's called once per training run, and never on resumed runs.
	FirstInit(m *store.Mutable, rng *rand.Rand) error

	// Loss computes the mean loss over the examples and the gradients of the loss with respect to the
	// parameters named in `wrt`. The rng must be used for stochastic operations, like dropout.
	Loss(params store.Reader, features [][]float32, targets [][]int32, wrt []string, rng *rand.Rand) (
		loss float64, grads map[string]*tensors.Tensor, err error)

	// Decode greedily decodes one caption (token ids) per example. It must not use randomness.
	Decode(params store.Reader, features [][]float32) ([][]int32, error)

	// SubNetwork returns whether the parameter name belongs to the sub-network that can be loaded from a
	// pretrained source (and frozen), usually the encoder.
	SubNetwork(name string) bool
}

// CreateParameters creates every parameter in specs and initializes it with its initializer.
// Models usually call it from FirstInit, before any special initialization.
func CreateParameters(m *store.Mutable, specs []ParamSpec, rng *rand.Rand) error {
	return m.Update(func(w *store.Writer) error {
		for _, spec := range specs {
			value := tensors.FromShape(spec.Dimensions...)
			initFn := spec.Initializer
			if initFn == nil {
				initFn = initializers.Zero
			}
			initFn(rng, value)
			if err := w.Set(spec.Name, value, true); err != nil {
				return errors.WithMessagef(err, "failed to create parameter %q", spec.Name)
			}
		}
		return nil
	})
}
