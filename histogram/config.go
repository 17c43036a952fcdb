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

// Package histogram implements the base-2 bucketed histogram shape shared
// by the agent's native metrics and the external ingestion path. Values are
// grouped into power-of-two bands; within each band the grouping power
// controls how many sub-buckets the band is split into.
package histogram

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrInvalidShape is returned when the grouping power and max value
	// power do not describe a valid histogram.
	ErrInvalidShape = errors.New("invalid histogram shape")
	// ErrBucketCount is returned when a bucket slice does not match the
	// count implied by its shape.
	ErrBucketCount = errors.New("bucket count does not match histogram shape")
)

// Config describes the shape of a histogram: the grouping power and the
// maximum value power. Two histograms are mergeable only when their
// configs are equal.
type Config struct {
	groupingPower uint8
	maxValuePower uint8
}

// NewConfig validates the shape parameters and returns a Config. The
// grouping power must be strictly less than the max value power and the
// max value power must not exceed 64.
func NewConfig(groupingPower, maxValuePower uint8) (Config, error) {
	if maxValuePower == 0 || maxValuePower > 64 || groupingPower >= maxValuePower {
		return Config{}, fmt.Errorf("%w: grouping_power=%d max_value_power=%d",
			ErrInvalidShape, groupingPower, maxValuePower)
	}
	return Config{groupingPower: groupingPower, maxValuePower: maxValuePower}, nil
}

// GroupingPower returns the grouping power of the histogram.
func (c Config) GroupingPower() uint8 { return c.groupingPower }

// MaxValuePower returns the max value power of the histogram.
func (c Config) MaxValuePower() uint8 { return c.maxValuePower }

// TotalBuckets returns the number of buckets implied by the shape.
func (c Config) TotalBuckets() int {
	return (int(c.maxValuePower) - int(c.groupingPower) + 1) << c.groupingPower
}

// Index maps a value to its bucket index for the shape's grouping power.
// Values below 2^(grouping_power+1) map directly to their own index; above
// that, each power-of-two band is split into 2^grouping_power sub-buckets.
func (c Config) Index(value uint64) int {
	return Index(value, c.groupingPower)
}

// Index is the histogram indexing function. It must agree bit-for-bit with
// the indexing used by the kernel-side instrumentation so that externally
// reported histograms render through the same path as native ones.
func Index(value uint64, groupingPower uint8) int {
	if value < 2<<groupingPower {
		return int(value)
	}
	power := uint64(bits.Len64(value)) - 1
	band := power - uint64(groupingPower) + 1
	offset := (value - (uint64(1) << power)) >> (power - uint64(groupingPower))
	return int(band<<groupingPower + offset)
}

// Bounds returns the inclusive value range [low, high] covered by bucket
// index i. It is the inverse of Index: Index(v) == i for every v in the
// returned range.
func (c Config) Bounds(i int) (low, high uint64) {
	if i < 2<<c.groupingPower {
		return uint64(i), uint64(i)
	}
	band := uint64(i) >> c.groupingPower
	offset := uint64(i) & ((1 << c.groupingPower) - 1)
	power := band + uint64(c.groupingPower) - 1
	width := uint64(1) << (power - uint64(c.groupingPower))
	low = (uint64(1) << power) + offset*width
	return low, low + width - 1
}

// Percentile estimates the value at percentile p (0..100) from a bucket
// array matching the shape. The reported value is the upper bound of the
// bucket containing the target rank.
func Percentile(c Config, buckets []uint64, p float64) (uint64, error) {
	if len(buckets) != c.TotalBuckets() {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrBucketCount, len(buckets), c.TotalBuckets())
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile must be between 0 and 100, got %f", p)
	}

	var total uint64
	for _, count := range buckets {
		total += count
	}
	if total == 0 {
		return 0, errors.New("empty histogram")
	}

	target := uint64(float64(total) * p / 100.0)
	if target == 0 {
		target = 1
	}

	var cumulative uint64
	for i, count := range buckets {
		cumulative += count
		if cumulative >= target {
			_, high := c.Bounds(i)
			return high, nil
		}
	}
	_, high := c.Bounds(len(buckets) - 1)
	return high, nil
}
