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
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/rezolus/agent/histogram"
)

// Binary protocol framing. A message is a 12-byte header followed by a
// payload of directive records, all integers little-endian:
//
//	magic[4] version_major[1] version_minor[1] metric_count[2] payload_size[4]
//
// Each directive starts with a type byte, then a type-specific value
// region, then (for all types except session) a length-prefixed name and a
// label region.
const (
	versionMajor = 1
	versionMinor = 0

	// MaxMessageSize caps one binary message, header included.
	MaxMessageSize = 65536

	binaryHeaderSize = 12

	directiveSession   = 0
	directiveCounter   = 1
	directiveGauge     = 2
	directiveHistogram = 3
)

// Magic identifies the binary protocol: "REZL".
var Magic = [4]byte{0x52, 0x45, 0x5A, 0x4C}

var (
	// ErrInvalidMagic means the message does not start with the protocol
	// magic. Fatal to the connection.
	ErrInvalidMagic = errors.New("invalid magic bytes")
	// ErrUnsupportedVersion means the major protocol version is not
	// recognized. Fatal to the connection.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrMessageTooLarge means the declared payload exceeds the message
	// size cap. Fatal to the connection.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	// ErrTruncated means a declared length runs past the end of the
	// buffer; the batch cannot be decoded consistently and is abandoned.
	ErrTruncated = errors.New("truncated message")
	// ErrBatchTooLarge is an encoder error for batches that would exceed
	// the message size cap.
	ErrBatchTooLarge = errors.New("encoded batch exceeds size limit")
)

// Directive is one decoded instruction from either wire protocol: a
// session-label replacement or a single metric sample.
type Directive struct {
	// Session marks a session-label-set directive. Labels then holds the
	// replacement session labels and Name/Value are unset.
	Session bool
	Name    string
	Labels  []Label
	Value   Value
}

// binaryFrameLen reports the total length of the binary message starting
// at buf, or 0 if the header is not yet complete. Header validation
// happens here so a poisoned stream fails before any buffering past the
// first frame.
func binaryFrameLen(buf []byte) (int, error) {
	if len(buf) < binaryHeaderSize {
		return 0, nil
	}
	if [4]byte(buf[:4]) != Magic {
		return 0, ErrInvalidMagic
	}
	if buf[4] != versionMajor {
		return 0, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, buf[4], buf[5])
	}
	payloadSize := int(binary.LittleEndian.Uint32(buf[8:12]))
	if binaryHeaderSize+payloadSize > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, binaryHeaderSize+payloadSize)
	}
	return binaryHeaderSize + payloadSize, nil
}

// DecodeBatch decodes one complete binary message. It returns the decoded
// directives and the number of individually malformed directives that were
// skipped. A non-nil error means the batch was abandoned: the header was
// unrecognized or a declared length ran past the buffer.
func DecodeBatch(frame []byte) ([]Directive, int, error) {
	if len(frame) < binaryHeaderSize {
		return nil, 0, ErrTruncated
	}
	total, err := binaryFrameLen(frame)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 || len(frame) < total {
		return nil, 0, ErrTruncated
	}

	count := int(binary.LittleEndian.Uint16(frame[6:8]))
	payload := frame[binaryHeaderSize:total]

	dirs := make([]Directive, 0, count)
	skipped := 0
	cur := cursor{buf: payload}

	for i := 0; i < count && !cur.empty(); i++ {
		kind, err := cur.u8()
		if err != nil {
			return nil, skipped, err
		}

		if kind == directiveSession {
			labels, err := cur.labels()
			if err != nil {
				return nil, skipped, err
			}
			dirs = append(dirs, Directive{Session: true, Labels: labels})
			continue
		}

		value, valueOK := Value{}, true
		switch kind {
		case directiveCounter:
			v, err := cur.u64()
			if err != nil {
				return nil, skipped, err
			}
			value = CounterValue(v)
		case directiveGauge:
			v, err := cur.u64()
			if err != nil {
				return nil, skipped, err
			}
			value = GaugeValue(int64(v))
		case directiveHistogram:
			v, ok, err := cur.histogram()
			if err != nil {
				return nil, skipped, err
			}
			value, valueOK = v, ok
		default:
			// Unknown type byte: the record size is unknowable, so the
			// cursor cannot advance consistently.
			return nil, skipped, fmt.Errorf("%w: unknown directive type %d", ErrTruncated, kind)
		}

		name, nameOK, err := cur.name()
		if err != nil {
			return nil, skipped, err
		}
		labels, err := cur.labels()
		if err != nil {
			return nil, skipped, err
		}

		// The cursor advanced past the record consistently; reject only
		// this directive if its content is unusable.
		if !nameOK || name == "" || !valueOK {
			skipped++
			continue
		}

		dirs = append(dirs, Directive{Name: name, Labels: labels, Value: value})
	}

	return dirs, skipped, nil
}

// cursor walks a directive payload, failing on any read past the end.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) empty() bool { return c.pos >= len(c.buf) }

func (c *cursor) take(n int) ([]byte, error) {
	if len(c.buf)-c.pos < n {
		return nil, ErrTruncated
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u8() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// name reads the length-prefixed metric name. The bool result is false
// when the bytes are not valid UTF-8; the cursor still advances.
func (c *cursor) name() (string, bool, error) {
	n, err := c.u16()
	if err != nil {
		return "", false, err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", false, err
	}
	if !utf8.Valid(b) {
		return "", false, nil
	}
	return string(b), true, nil
}

func (c *cursor) labels() ([]Label, error) {
	count, err := c.u16()
	if err != nil {
		return nil, err
	}
	labels := make([]Label, 0, count)
	for i := 0; i < int(count); i++ {
		keyLen, err := c.u8()
		if err != nil {
			return nil, err
		}
		key, err := c.take(int(keyLen))
		if err != nil {
			return nil, err
		}
		valLen, err := c.u8()
		if err != nil {
			return nil, err
		}
		val, err := c.take(int(valLen))
		if err != nil {
			return nil, err
		}
		labels = append(labels, Label{Key: string(key), Value: string(val)})
	}
	return labels, nil
}

// histogram reads a histogram value region. The bool result is false when
// the shape is invalid or the bucket count exceeds what the shape allows;
// the cursor still advances past the declared buckets.
func (c *cursor) histogram() (Value, bool, error) {
	groupingPower, err := c.u8()
	if err != nil {
		return Value{}, false, err
	}
	maxValuePower, err := c.u8()
	if err != nil {
		return Value{}, false, err
	}
	bucketCount, err := c.u16()
	if err != nil {
		return Value{}, false, err
	}
	shape, shapeErr := histogram.NewConfig(groupingPower, maxValuePower)

	buckets := make([]uint64, bucketCount)
	for i := range buckets {
		v, err := c.u64()
		if err != nil {
			return Value{}, false, err
		}
		buckets[i] = v
	}
	if shapeErr != nil || len(buckets) > shape.TotalBuckets() {
		return Value{}, false, nil
	}
	return HistogramValue(shape, padBuckets(buckets, shape)), true, nil
}

// padBuckets zero-extends a bucket array to the full count implied by the
// shape. Producers may truncate trailing empty buckets; the store always
// holds the full array.
func padBuckets(buckets []uint64, shape histogram.Config) []uint64 {
	if n := shape.TotalBuckets(); len(buckets) < n {
		full := make([]uint64, n)
		copy(full, buckets)
		return full
	}
	return buckets
}

// BatchEncoder builds one binary message. Producers and tests use it; the
// agent itself only decodes.
type BatchEncoder struct {
	payload []byte
	count   int
}

// NewBatchEncoder returns an empty encoder.
func NewBatchEncoder() *BatchEncoder {
	return &BatchEncoder{}
}

// AddSession appends a session-label-set directive. Keys are written in
// sorted order so encoding is deterministic.
func (e *BatchEncoder) AddSession(labels map[string]string) {
	e.payload = append(e.payload, directiveSession)
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]Label, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Label{Key: k, Value: labels[k]})
	}
	e.appendLabels(pairs)
	e.count++
}

// AddCounter appends a counter directive.
func (e *BatchEncoder) AddCounter(name string, value uint64, labels ...Label) {
	e.payload = append(e.payload, directiveCounter)
	e.payload = binary.LittleEndian.AppendUint64(e.payload, value)
	e.appendName(name)
	e.appendLabels(labels)
	e.count++
}

// AddGauge appends a gauge directive.
func (e *BatchEncoder) AddGauge(name string, value int64, labels ...Label) {
	e.payload = append(e.payload, directiveGauge)
	e.payload = binary.LittleEndian.AppendUint64(e.payload, uint64(value))
	e.appendName(name)
	e.appendLabels(labels)
	e.count++
}

// AddHistogram appends a histogram directive carrying the full bucket
// array for the given shape.
func (e *BatchEncoder) AddHistogram(name string, shape histogram.Config, buckets []uint64, labels ...Label) {
	e.payload = append(e.payload, directiveHistogram)
	e.payload = append(e.payload, shape.GroupingPower(), shape.MaxValuePower())
	e.payload = binary.LittleEndian.AppendUint16(e.payload, uint16(len(buckets)))
	for _, b := range buckets {
		e.payload = binary.LittleEndian.AppendUint64(e.payload, b)
	}
	e.appendName(name)
	e.appendLabels(labels)
	e.count++
}

func (e *BatchEncoder) appendName(name string) {
	e.payload = binary.LittleEndian.AppendUint16(e.payload, uint16(len(name)))
	e.payload = append(e.payload, name...)
}

func (e *BatchEncoder) appendLabels(labels []Label) {
	e.payload = binary.LittleEndian.AppendUint16(e.payload, uint16(len(labels)))
	for _, l := range labels {
		e.payload = append(e.payload, byte(len(l.Key)))
		e.payload = append(e.payload, l.Key...)
		e.payload = append(e.payload, byte(len(l.Value)))
		e.payload = append(e.payload, l.Value...)
	}
}

// Bytes assembles the framed message. It fails if the message would
// exceed the size cap.
func (e *BatchEncoder) Bytes() ([]byte, error) {
	if binaryHeaderSize+len(e.payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, binaryHeaderSize+len(e.payload))
	}
	msg := make([]byte, 0, binaryHeaderSize+len(e.payload))
	msg = append(msg, Magic[:]...)
	msg = append(msg, versionMajor, versionMinor)
	msg = binary.LittleEndian.AppendUint16(msg, uint16(e.count))
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(e.payload)))
	msg = append(msg, e.payload...)
	return msg, nil
}
