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

package expose

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezolus/agent/extmetrics"
	"github.com/rezolus/agent/histogram"
)

// testHistogram returns a small shape and a bucket array with counts in
// the first two buckets.
func testHistogram(t *testing.T) (histogram.Config, []uint64) {
	t.Helper()
	shape, err := histogram.NewConfig(2, 5)
	require.NoError(t, err)
	buckets := make([]uint64, shape.TotalBuckets())
	buckets[0] = 3
	buckets[1] = 7
	return shape, buckets
}

func itoa(v uint8) string {
	return strconv.Itoa(int(v))
}

func TestCollect(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, nil)
	require.NoError(t, store.Submit("requests", nil, extmetrics.CounterValue(5), 1))
	shape, buckets := testHistogram(t)
	require.NoError(t, store.Submit("latency", nil, extmetrics.HistogramValue(shape, buckets), 1))

	ch := make(chan prometheus.Metric, 16)
	NewCollector(store).Collect(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "cache_hit_rate", sanitizeName("cache.hit-rate"))
	assert.Equal(t, "already_fine_123", sanitizeName("already_fine_123"))
	assert.Equal(t, "_lives", sanitizeName("9lives"))
	assert.Equal(t, "___x", sanitizeName("日本語x"))
}

func TestPercentiles(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, nil)
	require.NoError(t, store.Submit("requests", nil, extmetrics.CounterValue(5), 1))

	shape, err := histogram.NewConfig(3, 7)
	require.NoError(t, err)
	buckets := make([]uint64, shape.TotalBuckets())
	// 100 observations of the exact value 4.
	buckets[4] = 100
	require.NoError(t, store.Submit("latency", nil, extmetrics.HistogramValue(shape, buckets), 1))

	readouts := Percentiles(store)
	require.Contains(t, readouts, "ext_latency")
	assert.NotContains(t, readouts, "ext_requests")

	assert.Equal(t, uint64(4), readouts["ext_latency"]["p50"])
	assert.Equal(t, uint64(4), readouts["ext_latency"]["p99"])
}
