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

package extmetrics

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNameCollision is returned when a submitted metric name equals a
	// reserved native-registry name.
	ErrNameCollision = errors.New("metric name collides with a reserved name")
	// ErrGlobalCapacity is returned when inserting a new series would
	// exceed the store-wide metric limit.
	ErrGlobalCapacity = errors.New("global metric capacity exceeded")
	// ErrConnectionCapacity is returned when inserting a new series would
	// exceed the submitting connection's metric limit.
	ErrConnectionCapacity = errors.New("per-connection metric capacity exceeded")
	// ErrShapeMismatch is returned when a histogram sample declares a
	// different shape than the stored series.
	ErrShapeMismatch = errors.New("histogram shape differs from stored series")
)

// Entry is one live metric series: its identity, latest value, last update
// time and the connection that created it. The connection id feeds the
// per-connection ledger only; entries outlive their connection.
type Entry struct {
	Name       string
	Labels     []Label
	Value      Value
	LastUpdate time.Time
	Conn       uint64
}

// Store is the shared table of external metric series. All mutation is
// synchronized; Submit, Sweep and Snapshot are safe to call concurrently
// from independent connection goroutines and the sweeper.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]*Entry
	perConn  map[uint64]int
	reserved map[string]struct{}

	ttl        time.Duration
	maxMetrics int
	maxPerConn int

	// Diagnostic counters. Independently synchronized; ordering relative
	// to store mutations is not guaranteed.
	received          atomic.Uint64
	parseErrors       atomic.Uint64
	expired           atomic.Uint64
	collisionsBlocked atomic.Uint64
	rejected          atomic.Uint64
}

// NewStore creates a Store with the given TTL, capacity limits and set of
// reserved (native-registry) metric names.
func NewStore(ttl time.Duration, maxMetrics, maxPerConn int, reservedNames []string) *Store {
	reserved := make(map[string]struct{}, len(reservedNames))
	for _, name := range reservedNames {
		reserved[name] = struct{}{}
	}
	return &Store{
		entries:    make(map[Key]*Entry),
		perConn:    make(map[uint64]int),
		reserved:   reserved,
		ttl:        ttl,
		maxMetrics: maxMetrics,
		maxPerConn: maxPerConn,
	}
}

// Submit validates and commits one sample from a connection. Updates to an
// existing series never consult capacity. A rejection drops the sample and
// leaves the store unchanged.
func (s *Store) Submit(name string, labels []Label, value Value, conn uint64) error {
	if _, collides := s.reserved[name]; collides {
		s.collisionsBlocked.Add(1)
		return ErrNameCollision
	}

	key := NewKey(name, labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		if existing.Value.Kind == KindHistogram && value.Kind == KindHistogram &&
			existing.Value.Shape != value.Shape {
			s.rejected.Add(1)
			return ErrShapeMismatch
		}
		existing.Value = value
		existing.LastUpdate = time.Now()
		s.received.Add(1)
		return nil
	}

	if len(s.entries) >= s.maxMetrics {
		s.rejected.Add(1)
		return ErrGlobalCapacity
	}
	if s.perConn[conn] >= s.maxPerConn {
		s.rejected.Add(1)
		return ErrConnectionCapacity
	}

	canonical := make([]Label, len(labels))
	copy(canonical, labels)
	SortLabels(canonical)

	s.entries[key] = &Entry{
		Name:       name,
		Labels:     canonical,
		Value:      value,
		LastUpdate: time.Now(),
		Conn:       conn,
	}
	s.perConn[conn]++
	s.received.Add(1)
	return nil
}

// Sweep removes every entry whose last update is older than the TTL at the
// given time, decrementing the owning connection's ledger for each. It
// returns the number of entries removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.Sub(entry.LastUpdate) <= s.ttl {
			continue
		}
		delete(s.entries, key)
		removed++
		if s.perConn[entry.Conn] > 1 {
			s.perConn[entry.Conn]--
		} else {
			delete(s.perConn, entry.Conn)
		}
	}
	if removed > 0 {
		s.expired.Add(uint64(removed))
	}
	return removed
}

// Snapshot returns a copy of all live entries. Every call starts a fresh
// pass; the result is safe to read after subsequent mutations.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		e := *entry
		e.Labels = append([]Label(nil), entry.Labels...)
		if entry.Value.Kind == KindHistogram {
			e.Value.Buckets = append([]uint64(nil), entry.Value.Buckets...)
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of live series.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ConnCount returns the number of live series contributed by a connection.
func (s *Store) ConnCount(conn uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perConn[conn]
}

// RecordParseError increments the parse error counter. Called by the
// sessions on directive-level decode failures.
func (s *Store) RecordParseError() {
	s.parseErrors.Add(1)
}

// Stats is a point-in-time read of the store's diagnostic counters.
type Stats struct {
	Count             int
	Received          uint64
	ParseErrors       uint64
	Expired           uint64
	CollisionsBlocked uint64
	Rejected          uint64
}

// Stats returns the current diagnostic counters.
func (s *Store) Stats() Stats {
	return Stats{
		Count:             s.Len(),
		Received:          s.received.Load(),
		ParseErrors:       s.parseErrors.Load(),
		Expired:           s.expired.Load(),
		CollisionsBlocked: s.collisionsBlocked.Load(),
		Rejected:          s.rejected.Load(),
	}
}
