/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package overseer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the per-app set of Prometheus collectors an Overseer
// updates as slaves spawn, crash, and serve channels. Registration is
// left to the caller (node.StartApp registers into the Registerer the
// Node was given, if any) so tests and multiple apps never collide on
// metric names.
type Metrics struct {
	SpawnedTotal prometheus.Counter
	CrashedTotal prometheus.Counter
	PoolSize     prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

// NewMetrics builds the collector set for one app, labelled by name so
// a single registry can host every app's Overseer.
func NewMetrics(appName string) *Metrics {
	labels := prometheus.Labels{"app": appName}
	return &Metrics{
		SpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cocaine_node_slaves_spawned_total",
			Help:        "Total number of worker slaves spawned for this app.",
			ConstLabels: labels,
		}),
		CrashedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cocaine_node_slaves_crashed_total",
			Help:        "Total number of worker slaves that reached the broken state.",
			ConstLabels: labels,
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cocaine_node_pool_size",
			Help:        "Current number of slaves in the pool.",
			ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cocaine_node_queue_depth",
			Help:        "Current number of pending requests awaiting a slave.",
			ConstLabels: labels,
		}),
	}
}

// Register adds every collector in m to reg. Safe to call once per
// Metrics instance.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.SpawnedTotal, m.CrashedTotal, m.PoolSize, m.QueueDepth} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
