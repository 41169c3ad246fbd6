// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"maps"
	"slices"

	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/ml/train/optimizers/cosineschedule"
	"github.com/captionlab/captrain/pkg/support/sets"
	"k8s.io/klog/v2"
)

// Learning rate decay strategies, see Builder.Schedule.
const (
	// StrategyConstant keeps the base learning rate.
	StrategyConstant = "constant"

	// StrategyExponentialDecay multiplies the learning rate by the decay rate at the end of every epoch.
	StrategyExponentialDecay = "exponential_decay"

	// StrategyPiecewiseDecay divides the learning rate by 10 at 50% and again at 75% of the training steps.
	StrategyPiecewiseDecay = "piecewise_decay"

	// StrategyCosineDecay uses one period of a cosine schedule over all training steps.
	StrategyCosineDecay = "cosine_decay"
)

// KnownStrategies lists the valid learning rate decay strategies.
var KnownStrategies = sets.MakeWith(StrategyConstant, StrategyExponentialDecay, StrategyPiecewiseDecay, StrategyCosineDecay)

// DefaultDecayRate used by StrategyExponentialDecay.
const DefaultDecayRate = 0.96

// Builder configures and builds the artifacts for a Model. Create it with NewBuilder.
type Builder struct {
	model     Model
	namespace string

	optimizerName string
	learningRate  float64
	strategy      string
	decayRate     float64
	clip          float64
	sampleCount   int
	batchSize     int
	maxEpoch      int
	trainEncoder  bool
}

// NewBuilder creates a Builder for the model, with default values: Adam optimizer, constant learning rate
// of optimizers.AdamDefaultLearningRate, no gradient clipping and trainable encoder.
func NewBuilder(model Model) *Builder {
	return &Builder{
		model:         model,
		namespace:     model.Name(),
		optimizerName: "adam",
		learningRate:  optimizers.AdamDefaultLearningRate,
		strategy:      StrategyConstant,
		decayRate:     DefaultDecayRate,
		batchSize:     1,
		maxEpoch:      1,
		trainEncoder:  true,
	}
}

// Namespace sets the base namespace of the artifacts inputs and outputs. It defaults to the model name.
// The training and evaluation artifacts use the sub-namespaces "train" and "eval".
func (b *Builder) Namespace(namespace string) *Builder {
	b.namespace = namespace
	return b
}

// Optimizer sets the optimizer by name, see optimizers.KnownOptimizers. Default is "adam".
func (b *Builder) Optimizer(name string) *Builder {
	b.optimizerName = name
	return b
}

// LearningRate sets the base learning rate.
func (b *Builder) LearningRate(lr float64) *Builder {
	b.learningRate = lr
	return b
}

// Schedule sets the learning rate decay strategy, one of KnownStrategies.
func (b *Builder) Schedule(strategy string) *Builder {
	b.strategy = strategy
	return b
}

// DecayRate for StrategyExponentialDecay.
func (b *Builder) DecayRate(rate float64) *Builder {
	b.decayRate = rate
	return b
}

// GradientClip sets the bound to clip gradient values to [-clip, +clip]. 0 disables it.
func (b *Builder) GradientClip(clip float64) *Builder {
	b.clip = clip
	return b
}

// SampleCount is the number of training samples per epoch, used to compute the learning rate schedule.
func (b *Builder) SampleCount(count int) *Builder {
	b.sampleCount = count
	return b
}

// BatchSize used for training, used to compute the learning rate schedule.
func (b *Builder) BatchSize(batchSize int) *Builder {
	b.batchSize = batchSize
	return b
}

// MaxEpoch is the number of epochs the training will run, used by the piecewise and cosine strategies.
func (b *Builder) MaxEpoch(maxEpoch int) *Builder {
	b.maxEpoch = maxEpoch
	return b
}

// TrainEncoder sets whether the encoder sub-network (Model.SubNetwork) is trained. If false its parameters
// are excluded from the optimizer.
func (b *Builder) TrainEncoder(trainable bool) *Builder {
	b.trainEncoder = trainable
	return b
}

// newSchedule returns the learning rate schedule for the configured strategy.
func (b *Builder) newSchedule() (optimizers.Schedule, error) {
	if !KnownStrategies.Has(b.strategy) {
		return nil, failures.Configurationf("unknown learning rate decay strategy %q, valid values are %q",
			b.strategy, sets.Sorted(KnownStrategies))
	}
	if b.strategy == StrategyConstant {
		return optimizers.Constant(b.learningRate), nil
	}
	stepsPerEpoch := optimizers.StepsPerEpoch(b.sampleCount, b.batchSize)
	if stepsPerEpoch == 0 {
		return nil, failures.Configurationf("learning rate strategy %q requires sample_count > 0, got %d",
			b.strategy, b.sampleCount)
	}
	if b.maxEpoch <= 0 {
		return nil, failures.Configurationf("learning rate strategy %q requires max_epoch > 0, got %d",
			b.strategy, b.maxEpoch)
	}
	totalSteps := stepsPerEpoch * int64(b.maxEpoch)
	switch b.strategy {
	case StrategyExponentialDecay:
		return optimizers.ExponentialDecay(b.learningRate, b.decayRate, stepsPerEpoch), nil
	case StrategyPiecewiseDecay:
		return optimizers.PiecewiseDecay(
			[]int64{totalSteps / 2, totalSteps * 3 / 4},
			[]float64{b.learningRate, b.learningRate / 10, b.learningRate / 100}), nil
	default: // StrategyCosineDecay
		return cosineschedule.New(b.learningRate).PeriodInSteps(totalSteps).Done()
	}
}

func (b *Builder) validate() error {
	if b.batchSize <= 0 {
		return failures.Configurationf("batch size must be > 0, got %d", b.batchSize)
	}
	if b.learningRate <= 0 {
		return failures.Configurationf("learning rate must be > 0, got %g", b.learningRate)
	}
	if b.clip < 0 {
		return failures.Configurationf("gradient clip must be >= 0 (0 disables it), got %g", b.clip)
	}
	if b.namespace == "" {
		return failures.Configurationf("artifacts namespace cannot be empty")
	}
	return nil
}

// newArtifact fills in what is common to both artifacts.
func (b *Builder) newArtifact(mode Mode) *Artifact {
	specs := b.model.Parameters()
	params := make([]string, 0, len(specs))
	for _, spec := range specs {
		params = append(params, spec.Name)
	}
	slices.Sort(params)
	namespace := b.namespace + store.ScopeSeparator + mode.String()
	return &Artifact{
		name:         namespace,
		namespace:    namespace,
		mode:         mode,
		model:        b.model,
		parameters:   slices.Compact(params),
		trainable:    sets.Make[string](),
		learningRate: b.learningRate,
		randomSeed:   GraphRandomSeed,
	}
}

// BuildTraining builds the training artifact: inputs are the image features and the target caption, outputs are
// the loss and the learning rate used on the step.
func (b *Builder) BuildTraining() (*Artifact, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	schedule, err := b.newSchedule()
	if err != nil {
		return nil, err
	}
	optimizer, err := optimizers.ByName(b.optimizerName, schedule, b.clip)
	if err != nil {
		return nil, err
	}

	a := b.newArtifact(Training)
	a.inputs = []string{a.Qualify(InputImage), a.Qualify(InputCaption)}
	a.outputs = []string{a.Qualify(OutputLoss), a.Qualify(OutputLearningRate)}
	a.optimizer = optimizer
	a.clip = b.clip
	frozen := 0
	for _, name := range a.parameters {
		if !b.trainEncoder && b.model.SubNetwork(name) {
			frozen++
			continue
		}
		a.trainable.Insert(name)
	}
	if len(a.trainable) == 0 {
		return nil, failures.Configurationf("model %q has no trainable parameters", b.model.Name())
	}
	klog.V(1).Infof("built %s: %d parameters, %d trainable, %d frozen, strategy=%s, optimizer=%s",
		a, len(a.parameters), len(a.trainable), frozen, b.strategy, b.optimizerName)
	return a, nil
}

// BuildEval builds the evaluation artifact: the input is the image features, the output the decoded caption.
func (b *Builder) BuildEval() (*Artifact, error) {
	if b.namespace == "" {
		return nil, failures.Configurationf("artifacts namespace cannot be empty")
	}
	a := b.newArtifact(Evaluation)
	a.inputs = []string{a.Qualify(InputImage)}
	a.outputs = []string{a.Qualify(OutputCaption)}
	klog.V(1).Infof("built %s: %d parameters", a, len(a.parameters))
	return a, nil
}

// KnownOptimizerNames returns the sorted names of the optimizers available.
func KnownOptimizerNames() []string {
	return slices.Sorted(maps.Keys(optimizers.KnownOptimizers))
}
