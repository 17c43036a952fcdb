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

// Package extmetrics implements the external metrics ingestion subsystem:
// a unix-socket server that accepts counters, gauges and bucketed
// histograms pushed by independent local processes over a binary or a
// line-oriented protocol and merges them into a bounded, TTL-expiring
// store that is exposed alongside the agent's own metrics.
package extmetrics

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/rezolus/agent/histogram"
)

// ValueKind discriminates the metric value union.
type ValueKind uint8

const (
	// KindCounter is a monotonic counter reported as an absolute value.
	// The producer owns monotonicity; ingestion overwrites.
	KindCounter ValueKind = iota + 1
	// KindGauge is a signed instantaneous value, overwritten each report.
	KindGauge
	// KindHistogram is a bucketed histogram; every report carries the
	// full bucket array and replaces the stored one wholesale.
	KindHistogram
)

// Value is the tagged union of metric values accepted from producers.
type Value struct {
	Kind    ValueKind
	Counter uint64
	Gauge   int64
	Shape   histogram.Config
	Buckets []uint64
}

// CounterValue returns a counter Value.
func CounterValue(v uint64) Value {
	return Value{Kind: KindCounter, Counter: v}
}

// GaugeValue returns a gauge Value.
func GaugeValue(v int64) Value {
	return Value{Kind: KindGauge, Gauge: v}
}

// HistogramValue returns a histogram Value.
func HistogramValue(shape histogram.Config, buckets []uint64) Value {
	return Value{Kind: KindHistogram, Shape: shape, Buckets: buckets}
}

// Label is one key/value pair of a metric's label set.
type Label struct {
	Key   string
	Value string
}

// SortLabels canonicalizes a label slice in place: sorted by key, then by
// value. Identity comparison and rendering both rely on this order.
func SortLabels(labels []Label) {
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Key != labels[j].Key {
			return labels[i].Key < labels[j].Key
		}
		return labels[i].Value < labels[j].Value
	})
}

// MergeLabels combines session labels with metric labels. Metric labels
// win on key conflicts; session state itself is never modified. The result
// is canonically sorted.
func MergeLabels(session map[string]string, metric []Label) []Label {
	merged := make([]Label, 0, len(session)+len(metric))
	seen := make(map[string]struct{}, len(metric))
	for _, l := range metric {
		if _, dup := seen[l.Key]; dup {
			continue
		}
		seen[l.Key] = struct{}{}
		merged = append(merged, l)
	}
	for k, v := range session {
		if _, overridden := seen[k]; overridden {
			continue
		}
		merged = append(merged, Label{Key: k, Value: v})
	}
	SortLabels(merged)
	return merged
}

// Key uniquely identifies a metric series by name and the hash of its
// canonical label set.
type Key struct {
	Name       string
	LabelsHash uint64
}

// NewKey computes the identity key for a name and label set. The labels
// are hashed in canonical order so that label insertion order never
// produces a distinct series.
func NewKey(name string, labels []Label) Key {
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	SortLabels(sorted)

	d := xxhash.New()
	for _, l := range sorted {
		// Separators guard against ambiguous concatenations.
		_, _ = d.WriteString(l.Key)
		_, _ = d.Write([]byte{0xff})
		_, _ = d.WriteString(l.Value)
		_, _ = d.Write([]byte{0xfe})
	}
	return Key{Name: name, LabelsHash: d.Sum64()}
}

// ConnContext is the per-connection state threaded through the codecs:
// session labels applied as defaults to every sample on the connection,
// and the count of unique series this connection has contributed.
type ConnContext struct {
	// ID identifies the connection in the store's per-connection ledger.
	// Entries outlive their connection; the ID is not a liveness key.
	ID uint64
	// SessionLabels are connection-scoped default labels. A session
	// directive replaces the whole map.
	SessionLabels map[string]string
}
