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
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Codec identifies the wire protocol a connection speaks. The set is
// closed; a connection is pinned to one codec for its lifetime.
type Codec uint8

const (
	// CodecUnknown means the session is still sniffing.
	CodecUnknown Codec = iota
	// CodecBinary is the framed binary protocol.
	CodecBinary
	// CodecLine is the newline-delimited text protocol.
	CodecLine
)

// errProtocolFatal wraps framing errors that must close the connection.
var errProtocolFatal = errors.New("fatal protocol error")

// session holds per-connection state: the pinned codec, session labels,
// the carry-over buffer for partial frames, and the connection's identity
// in the store's ledger. Sessions are driven by a single goroutine; they
// synchronize with other connections only through the store.
type session struct {
	store  *Store
	ctx    ConnContext
	codec  Codec
	buf    []byte
	logger *zap.SugaredLogger
}

func newSession(store *Store, connID uint64, codec Codec, logger *zap.SugaredLogger) *session {
	return &session{
		store:  store,
		ctx:    ConnContext{ID: connID},
		codec:  codec,
		logger: logger,
	}
}

// sniffing reports whether the session has not yet pinned a codec.
func (s *session) sniffing() bool { return s.codec == CodecUnknown }

// consume appends newly read bytes, resolves the codec if still sniffing,
// and drains every complete frame currently buffered. A non-nil error is
// fatal to the connection.
func (s *session) consume(data []byte) error {
	s.buf = append(s.buf, data...)

	if s.codec == CodecUnknown && !s.sniff() {
		return nil // need more bytes to decide
	}

	switch s.codec {
	case CodecBinary:
		return s.drainBinary()
	case CodecLine:
		return s.drainLines()
	}
	return nil
}

// sniff pins the codec once enough bytes are buffered: four bytes decide
// for the binary magic, an earlier newline decides for the line protocol.
// Returns true when a codec was chosen.
func (s *session) sniff() bool {
	if len(s.buf) >= len(Magic) {
		if [4]byte(s.buf[:4]) == Magic {
			s.codec = CodecBinary
		} else {
			s.codec = CodecLine
		}
		return true
	}
	if bytes.IndexByte(s.buf, '\n') >= 0 {
		s.codec = CodecLine
		return true
	}
	return false
}

// finish handles connection end: a trailing line without a final newline
// is still parsed. Partial binary frames are dropped silently since the
// peer simply stopped mid-message.
func (s *session) finish() {
	if s.codec == CodecLine && len(s.buf) > 0 {
		s.applyLine(string(s.buf))
		s.buf = nil
	}
}

func (s *session) drainBinary() error {
	for {
		total, err := binaryFrameLen(s.buf)
		if err != nil {
			return fmt.Errorf("%w: %v", errProtocolFatal, err)
		}
		if total == 0 || len(s.buf) < total {
			return nil // partial frame, wait for more bytes
		}

		frame := s.buf[:total]
		dirs, skipped, err := DecodeBatch(frame)
		switch {
		case errors.Is(err, ErrTruncated):
			// Interior lengths were inconsistent with the frame; abandon
			// this batch but keep the connection.
			s.store.RecordParseError()
		case err != nil:
			return fmt.Errorf("%w: %v", errProtocolFatal, err)
		default:
			for i := 0; i < skipped; i++ {
				s.store.RecordParseError()
			}
			for _, d := range dirs {
				s.apply(d)
			}
		}
		s.buf = s.buf[total:]
	}
}

func (s *session) drainLines() error {
	for {
		nl := bytes.IndexByte(s.buf, '\n')
		if nl < 0 {
			// An unterminated line is not allowed to grow without bound.
			if len(s.buf) > MaxMessageSize {
				s.buf = nil
				s.store.RecordParseError()
			}
			return nil
		}
		line := string(s.buf[:nl])
		s.buf = s.buf[nl+1:]
		s.applyLine(line)
	}
}

func (s *session) applyLine(line string) {
	d, ok, err := ParseLine(line)
	if err != nil {
		s.logger.Debugf("line parse error: %v", err)
		s.store.RecordParseError()
		return
	}
	if ok {
		s.apply(d)
	}
}

// apply resolves a directive against the session: session directives
// replace the session labels, samples are submitted with session labels
// merged under the sample's own labels.
func (s *session) apply(d Directive) {
	if d.Session {
		labels := make(map[string]string, len(d.Labels))
		for _, l := range d.Labels {
			labels[l.Key] = l.Value
		}
		s.ctx.SessionLabels = labels
		return
	}

	labels := MergeLabels(s.ctx.SessionLabels, d.Labels)
	if err := s.store.Submit(d.Name, labels, d.Value, s.ctx.ID); err != nil {
		// Policy rejections are already counted by the store.
		s.logger.Debugf("sample %q dropped: %v", d.Name, err)
	}
}
