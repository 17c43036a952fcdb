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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezolus/agent/extmetrics"
	"github.com/rezolus/agent/logger"
)

func newTestHandler(t *testing.T, store *extmetrics.Store, opts ...HandlerOption) *Handler {
	t.Helper()
	l, err := logger.New()
	require.NoError(t, err)
	h, err := NewHandler(store, append([]HandlerOption{WithLogger(l)}, opts...)...)
	require.NoError(t, err)
	return h
}

func scrape(t *testing.T, h *Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, nil)
	require.NoError(t, store.Submit("requests",
		[]extmetrics.Label{{Key: "core", Value: "0"}}, extmetrics.CounterValue(42), 1))
	require.NoError(t, store.Submit("heap_bytes", nil, extmetrics.GaugeValue(-7), 1))

	h := newTestHandler(t, store)
	code, body := scrape(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)

	assert.Contains(t, body, `ext_requests{core="0",source="external"} 42`)
	assert.Contains(t, body, `ext_heap_bytes{source="external"} -7`)
	assert.Contains(t, body, `external_metrics_received_total 2`)
	assert.Contains(t, body, `external_metrics_entries 2`)
}

func TestMetricsEndpointSanitizesNames(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, nil)
	require.NoError(t, store.Submit("cache.hit-rate",
		[]extmetrics.Label{{Key: "pool.name", Value: "main"}}, extmetrics.CounterValue(1), 1))

	h := newTestHandler(t, store)
	code, body := scrape(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `ext_cache_hit_rate{pool_name="main",source="external"} 1`)
}

func TestMetricsEndpointHistogram(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, nil)
	shape, buckets := testHistogram(t)
	require.NoError(t, store.Submit("latency", nil,
		extmetrics.HistogramValue(shape, buckets), 1))

	h := newTestHandler(t, store)
	code, body := scrape(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)

	assert.Contains(t, body, "ext_latency_bucket")
	assert.Contains(t, body, `grouping_power="`+itoa(shape.GroupingPower())+`"`)
	assert.Contains(t, body, "ext_latency_count")
}

func TestStatsEndpoint(t *testing.T) {
	store := extmetrics.NewStore(time.Minute, 100, 100, []string{"native"})
	require.NoError(t, store.Submit("requests", nil, extmetrics.CounterValue(1), 1))
	assert.Error(t, store.Submit("native", nil, extmetrics.CounterValue(1), 1))
	store.RecordParseError()

	h := newTestHandler(t, store, WithConnectionCount(func() int { return 3 }))
	code, body := scrape(t, h, "/stats.json")
	require.Equal(t, http.StatusOK, code)

	var stats struct {
		Count             int    `json:"count"`
		Received          uint64 `json:"received"`
		ParseErrors       uint64 `json:"parse_errors"`
		CollisionsBlocked uint64 `json:"collisions_blocked"`
		Connections       int    `json:"connections"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &stats))

	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.ParseErrors)
	assert.Equal(t, uint64(1), stats.CollisionsBlocked)
	assert.Equal(t, 3, stats.Connections)
}

func TestNewHandlerValidation(t *testing.T) {
	l, err := logger.New()
	require.NoError(t, err)

	_, err = NewHandler(nil, WithLogger(l))
	assert.Error(t, err)

	_, err = NewHandler(extmetrics.NewStore(time.Minute, 1, 1, nil))
	assert.Error(t, err)
}
