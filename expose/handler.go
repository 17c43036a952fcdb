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
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/rezolus/agent/extmetrics"
)

// Handler serves the exposition surface: /metrics in prometheus text
// format (external entries plus ingestion diagnostics) and /stats.json
// with the raw diagnostic counters.
type Handler struct {
	store       *extmetrics.Store
	registry    *prometheus.Registry
	logger      *zap.SugaredLogger
	connections func() int
	mux         *http.ServeMux
}

type HandlerOption func(*Handler)

// WithLogger configures a custom zap logger to be used by the handler.
func WithLogger(logger *zap.SugaredLogger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithConnectionCount supplies the live connection count for the stats
// document, normally Server.ActiveConnections.
func WithConnectionCount(fn func() int) HandlerOption {
	return func(h *Handler) {
		h.connections = fn
	}
}

// NewHandler builds the exposition handler over a store. A logger is
// required.
func NewHandler(store *extmetrics.Store, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if store == nil {
		return nil, errors.New("store cannot be empty")
	}
	if h.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	h.registry.MustRegister(NewCollector(store))
	h.registerDiagnostics()

	h.mux = http.NewServeMux()
	h.mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("/stats.json", h.handleStats)
	return h, nil
}

// ServeHTTP dispatches to the exposition routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerDiagnostics publishes the ingestion self-monitoring counters.
// They read the store's atomics at scrape time.
func (h *Handler) registerDiagnostics() {
	counter := func(name, help string, read func(extmetrics.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "external_metrics",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(read(h.store.Stats()))
		})
	}

	h.registry.MustRegister(
		counter("received_total", "samples accepted into the store",
			func(s extmetrics.Stats) uint64 { return s.Received }),
		counter("parse_errors_total", "malformed directives and frames",
			func(s extmetrics.Stats) uint64 { return s.ParseErrors }),
		counter("expired_total", "entries removed by TTL sweep",
			func(s extmetrics.Stats) uint64 { return s.Expired }),
		counter("collisions_blocked_total", "samples rejected for colliding with reserved names",
			func(s extmetrics.Stats) uint64 { return s.CollisionsBlocked }),
		counter("rejected_total", "samples rejected by capacity or shape policy",
			func(s extmetrics.Stats) uint64 { return s.Rejected }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "external_metrics",
			Name:      "entries",
			Help:      "live entries in the store",
		}, func() float64 {
			return float64(h.store.Len())
		}),
	)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()

	var jw fastjson.Writer
	jw.RawByte('{')
	jw.RawString(`"count":`)
	jw.Int64(int64(stats.Count))
	jw.RawString(`,"received":`)
	jw.Uint64(stats.Received)
	jw.RawString(`,"parse_errors":`)
	jw.Uint64(stats.ParseErrors)
	jw.RawString(`,"expired":`)
	jw.Uint64(stats.Expired)
	jw.RawString(`,"collisions_blocked":`)
	jw.Uint64(stats.CollisionsBlocked)
	jw.RawString(`,"rejected":`)
	jw.Uint64(stats.Rejected)
	if h.connections != nil {
		jw.RawString(`,"connections":`)
		jw.Int64(int64(h.connections()))
	}
	jw.RawByte('}')

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jw.Bytes()); err != nil {
		h.logger.Errorf("failed to write stats response: %v", err)
	}
}
