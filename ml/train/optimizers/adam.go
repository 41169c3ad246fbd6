// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/types/tensors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no schedule is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name (under "/optimizers") for the moments used by Adam.
	AdamDefaultScope = "adam"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName: AdamDefaultScope,
		schedule:  Constant(AdamDefaultLearningRate),
		beta1:     0.9,
		beta2:     0.999,
		epsilon:   1e-7,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, create using Adam(), and once configured
// call Done to create an Adam based optimizers.Interface.
type AdamConfig struct {
	scopeName    string
	schedule     Schedule
	beta1, beta2 float64
	epsilon      float64
	clip         float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
}

// Scope defines the scope (under "/optimizers") used to store the 1st and 2nd order moments of the gradients.
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// Schedule sets the learning rate schedule. Default is a constant AdamDefaultLearningRate.
func (c *AdamConfig) Schedule(schedule Schedule) *AdamConfig {
	if schedule != nil {
		c.schedule = schedule
	}
	return c
}

// LearningRate sets a constant learning rate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.schedule = Constant(value)
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// ClipGradientByValue clips each value of the gradients to [-clip, +clip] before they are used.
// 0 (the default) disables clipping.
func (c *AdamConfig) ClipGradientByValue(clip float64) *AdamConfig {
	c.clip = math.Abs(clip)
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config AdamConfig
}

// Update implements Interface.
func (o *adam) Update(w *store.Writer, grads map[string]*tensors.Tensor) (float64, error) {
	if err := checkGradients(w, grads); err != nil {
		return 0, err
	}
	// Moments are created before anything is changed, so a failure leaves the parameters untouched.
	type moments struct{ m1, m2 *tensors.Tensor }
	perVar := make(map[string]moments, len(grads))
	for name, grad := range grads {
		m1, err := o.momentVariable(w, name, "1st_moment", grad.Dimensions())
		if err != nil {
			return 0, err
		}
		m2, err := o.momentVariable(w, name, "2nd_moment", grad.Dimensions())
		if err != nil {
			return 0, err
		}
		perVar[name] = moments{m1, m2}
	}

	step, err := IncrementGlobalStep(w)
	if err != nil {
		return 0, err
	}
	lr := o.config.schedule.LearningRate(step - 1)
	beta1, beta2 := o.config.beta1, o.config.beta2
	debiasTermBeta1 := 1 / (1 - math.Pow(beta1, float64(step)))
	debiasTermBeta2 := 1 / (1 - math.Pow(beta2, float64(step)))

	for name, grad := range grads {
		ClipGradientByValue(grad, o.config.clip)
		value, _ := w.Mutable(name)
		m := perVar[name]
		o.applyAdam(value.Flat(), grad.Flat(), m.m1.Flat(), m.m2.Flat(), lr, debiasTermBeta1, debiasTermBeta2)
	}
	return lr, setLearningRate(w, lr)
}

// applyAdam updates the variable values and its 1st and 2nd order moments.
// If adamax is set, moment2 stores instead the L-infinity (the max) of the gradient.
func (o *adam) applyAdam(values, grads, moment1, moment2 []float32, lr, debiasTermBeta1, debiasTermBeta2 float64) {
	beta1, beta2, epsilon := o.config.beta1, o.config.beta2, o.config.epsilon
	for ii, g64 := range grads {
		grad := float64(g64)
		m1 := beta1*float64(moment1[ii]) + (1-beta1)*grad
		moment1[ii] = float32(m1)
		debiasedMoment1 := m1 * debiasTermBeta1

		var denominator float64
		if o.config.adamax {
			m2 := max(beta2*float64(moment2[ii]), math.Abs(grad))
			moment2[ii] = float32(m2)
			denominator = m2 + epsilon
		} else {
			m2 := beta2*float64(moment2[ii]) + (1-beta2)*grad*grad
			moment2[ii] = float32(m2)
			denominator = math.Sqrt(m2*debiasTermBeta2) + epsilon
		}

		value := float64(values[ii])
		stepDirection := debiasedMoment1 / denominator
		if o.config.weightDecay > 0 {
			stepDirection += value * o.config.weightDecay
		}
		values[ii] = float32(value - lr*stepDirection)
	}
}

// momentVariable returns the moment variable value corresponding to the trainable variable, creating it
// (zero-valued) if needed.
func (o *adam) momentVariable(w *store.Writer, varName, suffix string, dimensions []int) (*tensors.Tensor, error) {
	name := stateName(o.config.scopeName, varName, suffix)
	if _, err := w.Create(name, dimensions, false); err != nil {
		return nil, err
	}
	value, _ := w.Mutable(name)
	return value, nil
}
