// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioservice

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional Prometheus-backed counter/gauge set. A nil
// *Metrics is valid everywhere in this package: every method is a no-op on
// a nil receiver, so the service does no Prometheus work at all unless a
// caller constructs one with NewMetrics and passes it via WithMetrics.
type Metrics struct {
	ticks          prometheus.Counter
	bytesRead      prometheus.Counter
	framesSurfaced prometheus.Counter
	backoffs       prometheus.Counter
	slots          *prometheus.GaugeVec
}

// NewMetrics registers the service's counters/gauges with reg and returns
// the handle to pass to WithMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsio", Name: "ticks_total", Help: "Tick loop iterations run.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsio", Name: "bytes_read_total", Help: "Bytes read across all endpoints.",
		}),
		framesSurfaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsio", Name: "frames_surfaced_total", Help: "Frames surfaced to endpoint Poll calls.",
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsio", Name: "backoffs_total", Help: "Transitions into the Backoff state.",
		}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsio", Name: "slots", Help: "Registered slots by lifecycle state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.ticks, m.bytesRead, m.framesSurfaced, m.backoffs, m.slots)
	return m
}

func (m *Metrics) recordTick(counts map[string]int) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	for state, n := range counts {
		m.slots.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) recordBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) recordFrame() {
	if m == nil {
		return
	}
	m.framesSurfaced.Inc()
}

func (m *Metrics) recordBackoff() {
	if m == nil {
		return
	}
	m.backoffs.Inc()
}
