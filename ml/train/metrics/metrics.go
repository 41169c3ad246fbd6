// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the metrics accumulated by the training loop: running means and streaming medians
// of scalar values, and the BLEU caption scorer.
package metrics

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Interface for a Metric accumulated over a stream of scalar values.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Mean-Loss" and "Batch-Loss" would both have the same "loss" metric type.
	MetricType() string

	// Update the metric with a new value and weight, and return the current value of the metric.
	Update(value, weight float64) float64

	// Value returns the current value of the metric.
	Value() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters, when starting a new epoch.
	Reset()
}

const (
	LossMetricType     = "loss"
	BLEUMetricType     = "bleu"
	DurationMetricType = "duration"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements the naming part of Interface.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3f", value)
	}
	return m.pPrintFn(value)
}

// MeanMetric keeps the weighted mean of the values it is updated with.
type MeanMetric struct {
	baseMetric
	total, weight float64
}

var _ Interface = (*MeanMetric)(nil)

// NewMeanMetric creates a running mean metric.
// pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

// Update adds value with the given weight (usually the batch size, or 1 to average per batch).
func (m *MeanMetric) Update(value, weight float64) float64 {
	m.total += value * weight
	m.weight += weight
	return m.Value()
}

// Value returns the mean so far, or 0 if it was never updated.
func (m *MeanMetric) Value() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.total / m.weight
}

// Count returns the total weight accumulated.
func (m *MeanMetric) Count() float64 { return m.weight }

func (m *MeanMetric) Reset() {
	m.total, m.weight = 0, 0
}

// Mean returns the arithmetic mean of values, or 0 if it is empty.
func Mean[T constraints.Integer | constraints.Float](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}
