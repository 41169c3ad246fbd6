// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using constant memory.
type StreamingMedianMetric struct {
	baseMetric

	markers  [5]float64
	counters [5]int64
}

var _ Interface = (*StreamingMedianMetric)(nil)

// NewMedianMetric creates a streaming median metric.
//
// It uses the P^2 algorithm, described in the paper https://dl.acm.org/doi/abs/10.1145/4372.4378,
// and in a more friendly way in the post in: https://www.baeldung.com/cs/streaming-median
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
	}
}

// Update adds x to the stream. The weight is ignored: each value counts once.
func (m *StreamingMedianMetric) Update(x, _ float64) float64 {
	if m.counters[4] == 0 {
		// This is the very first element:
		for i := range 5 {
			m.markers[i] = x
			if i > 0 {
				m.counters[i] = 1
			}
		}
		return m.markers[2]
	}

	// Update the first and last markers and counters:
	m.markers[0] = min(x, m.markers[0])
	m.markers[4] = max(x, m.markers[4])
	// m.counter[0] is always 0.
	m.counters[4]++ // Always incremented.
	for i := 1; i < 4; i++ {
		if x <= m.markers[i] {
			m.counters[i]++
		}
	}

	// Find inner ideal counters:
	var idealCounters [5]float64
	currentN := float64(m.counters[4])
	p2quantiles := [5]float64{0, 0.25, 0.5, 0.75, 1}
	for i := 1; i < 4; i++ {
		idealCounters[i] = p2quantiles[i] * (currentN - 1)
	}

	// Adjust counts and markers where needed:
	for i := 1; i < 4; i++ {
		d := idealCounters[i] - float64(m.counters[i])
		if d >= 1 {
			d = 1
			if m.counters[i] >= m.counters[i+1] || m.markers[i] >= m.markers[i+1] {
				// No margin to adjust markers[i] or counters[i].
				continue
			}
		} else if d <= -1 {
			d = -1
			if m.counters[i] <= m.counters[i-1] || m.markers[i] <= m.markers[i-1] {
				continue
			}
		} else {
			continue
		}
		m.markers[i] = m.interpolate(i, d)
		m.counters[i] += int64(d)
	}
	return m.markers[2]
}

// interpolate the new value of marker i moved by d (±1) positions: parabolic if possible, else linear.
func (m *StreamingMedianMetric) interpolate(i int, d float64) float64 {
	nCurrent := float64(m.counters[i])
	deltaNPrevious := nCurrent - float64(m.counters[i-1])
	deltaNNext := float64(m.counters[i+1]) - nCurrent
	deltaNOuter := float64(m.counters[i+1] - m.counters[i-1])

	qPrevious, qCurrent, qNext := m.markers[i-1], m.markers[i], m.markers[i+1]
	deltaQPrevious := qCurrent - qPrevious
	deltaQNext := qNext - qCurrent

	switch {
	case deltaNPrevious > 0 && deltaNNext > 0 && deltaNOuter > 0:
		term1 := (deltaNPrevious + d) * deltaQNext / deltaNNext
		term2 := (deltaNNext - d) * deltaQPrevious / deltaNPrevious
		return qCurrent + d/deltaNOuter*(term1+term2)
	case deltaNOuter > 0:
		return qPrevious + (deltaNPrevious+d)*(qNext-qPrevious)/deltaNOuter
	default:
		// All markers are at the same rank (clumped), cannot interpolate.
		return qCurrent
	}
}

// Value returns the current median estimate, or 0 if nothing was added.
func (m *StreamingMedianMetric) Value() float64 { return m.markers[2] }

// Count returns the number of values added.
func (m *StreamingMedianMetric) Count() int64 { return m.counters[4] }

// Reset the median, to start a new stream.
func (m *StreamingMedianMetric) Reset() {
	m.markers = [5]float64{}
	m.counters = [5]int64{}
}
