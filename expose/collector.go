// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package expose renders the external metrics store for scrapers: the
// live entries as prometheus metrics under the ext_ prefix, and the
// ingestion diagnostics as a JSON stats document.
package expose

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rezolus/agent/extmetrics"
	"github.com/rezolus/agent/histogram"
)

const externalPrefix = "ext_"

// Collector adapts a store snapshot to the prometheus scrape model. Every
// scrape takes a fresh snapshot; the store itself stays
// serialization-agnostic.
type Collector struct {
	store *extmetrics.Store
}

// NewCollector returns a Collector over the store.
func NewCollector(store *extmetrics.Store) *Collector {
	return &Collector{store: store}
}

// Describe sends no descriptors: the metric set is dynamic, so the
// collector is registered unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect renders one snapshot. External names get the ext_ prefix and a
// source="external" label; histograms carry their shape as labels so the
// originating resolution is visible to scrapers.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, entry := range c.store.Snapshot() {
		keys, values := labelPairs(entry.Labels)

		switch entry.Value.Kind {
		case extmetrics.KindCounter:
			desc := prometheus.NewDesc(
				externalPrefix+sanitizeName(entry.Name),
				"externally reported counter",
				keys, prometheus.Labels{"source": "external"},
			)
			m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue,
				float64(entry.Value.Counter), values...)
			if err == nil {
				ch <- m
			}
		case extmetrics.KindGauge:
			desc := prometheus.NewDesc(
				externalPrefix+sanitizeName(entry.Name),
				"externally reported gauge",
				keys, prometheus.Labels{"source": "external"},
			)
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue,
				float64(entry.Value.Gauge), values...)
			if err == nil {
				ch <- m
			}
		case extmetrics.KindHistogram:
			if m := constHistogram(entry, keys, values); m != nil {
				ch <- m
			}
		}
	}
}

// constHistogram converts a bucketed histogram into a prometheus const
// histogram. Bucket upper bounds come from the shape's bound inversion;
// the sum is estimated from bucket midpoints since the wire format does
// not carry an exact sum.
func constHistogram(entry extmetrics.Entry, keys, values []string) prometheus.Metric {
	shape := entry.Value.Shape
	desc := prometheus.NewDesc(
		externalPrefix+sanitizeName(entry.Name),
		"externally reported histogram",
		keys, prometheus.Labels{
			"source":          "external",
			"grouping_power":  strconv.Itoa(int(shape.GroupingPower())),
			"max_value_power": strconv.Itoa(int(shape.MaxValuePower())),
		},
	)

	buckets := make(map[float64]uint64, len(entry.Value.Buckets))
	var cumulative uint64
	var sum float64
	for i, count := range entry.Value.Buckets {
		cumulative += count
		low, high := shape.Bounds(i)
		if count > 0 {
			buckets[float64(high)] = cumulative
			sum += float64(count) * (float64(low) + float64(high)) / 2
		}
	}

	m, err := prometheus.NewConstHistogram(desc, cumulative, sum, buckets, values...)
	if err != nil {
		return nil
	}
	return m
}

func labelPairs(labels []extmetrics.Label) (keys, values []string) {
	keys = make([]string, len(labels))
	values = make([]string, len(labels))
	for i, l := range labels {
		keys[i] = sanitizeName(l.Key)
		values[i] = l.Value
	}
	return keys, values
}

// sanitizeName maps arbitrary producer-supplied names onto the prometheus
// name charset.
func sanitizeName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Percentiles reports estimated p50/p90/p99 readouts for every live
// histogram entry, keyed by prefixed name. Used by the stats surface.
func Percentiles(store *extmetrics.Store) map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	for _, entry := range store.Snapshot() {
		if entry.Value.Kind != extmetrics.KindHistogram {
			continue
		}
		readout := make(map[string]uint64, 3)
		for _, p := range []struct {
			name string
			q    float64
		}{{"p50", 50}, {"p90", 90}, {"p99", 99}} {
			v, err := histogram.Percentile(entry.Value.Shape, entry.Value.Buckets, p.q)
			if err != nil {
				continue
			}
			readout[p.name] = v
		}
		if len(readout) > 0 {
			out[externalPrefix+sanitizeName(entry.Name)] = readout
		}
	}
	return out
}
