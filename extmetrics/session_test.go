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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezolus/agent/logger"
)

func newTestSession(t *testing.T, codec Codec) (*session, *Store) {
	t.Helper()
	l, err := logger.New()
	require.NoError(t, err)
	store := NewStore(time.Minute, 100, 100, nil)
	return newSession(store, 1, codec, l), store
}

func TestSessionSniffing(t *testing.T) {
	t.Run("binary-by-magic", func(t *testing.T) {
		sess, _ := newTestSession(t, CodecUnknown)
		require.NoError(t, sess.consume(Magic[:]))
		assert.Equal(t, CodecBinary, sess.codec)
	})
	t.Run("line-by-first-bytes", func(t *testing.T) {
		sess, store := newTestSession(t, CodecUnknown)
		require.NoError(t, sess.consume([]byte("requests counter:1\n")))
		assert.Equal(t, CodecLine, sess.codec)
		assert.Equal(t, 1, store.Len())
	})
	t.Run("line-by-early-newline", func(t *testing.T) {
		sess, _ := newTestSession(t, CodecUnknown)
		// Fewer than four bytes, but the newline decides.
		require.NoError(t, sess.consume([]byte("x\n")))
		assert.Equal(t, CodecLine, sess.codec)
	})
	t.Run("undecided-on-short-prefix", func(t *testing.T) {
		sess, _ := newTestSession(t, CodecUnknown)
		require.NoError(t, sess.consume(Magic[:2]))
		assert.True(t, sess.sniffing())
		require.NoError(t, sess.consume(Magic[2:]))
		assert.Equal(t, CodecBinary, sess.codec)
	})
}

func TestSessionBinary(t *testing.T) {
	t.Run("split-frame-reassembly", func(t *testing.T) {
		sess, store := newTestSession(t, CodecBinary)

		enc := NewBatchEncoder()
		enc.AddCounter("requests", 42)
		msg, err := enc.Bytes()
		require.NoError(t, err)

		// Deliver the frame one byte at a time.
		for _, b := range msg {
			require.NoError(t, sess.consume([]byte{b}))
		}
		assert.Equal(t, 1, store.Len())
	})
	t.Run("two-frames-in-one-read", func(t *testing.T) {
		sess, store := newTestSession(t, CodecBinary)

		enc := NewBatchEncoder()
		enc.AddCounter("a", 1)
		first, err := enc.Bytes()
		require.NoError(t, err)
		enc = NewBatchEncoder()
		enc.AddCounter("b", 2)
		second, err := enc.Bytes()
		require.NoError(t, err)

		require.NoError(t, sess.consume(append(first, second...)))
		assert.Equal(t, 2, store.Len())
	})
	t.Run("session-labels-apply-to-later-samples", func(t *testing.T) {
		sess, store := newTestSession(t, CodecBinary)

		enc := NewBatchEncoder()
		enc.AddCounter("before", 1)
		enc.AddSession(map[string]string{"service": "cache"})
		enc.AddCounter("after", 1, Label{Key: "service", Value: "override"})
		enc.AddCounter("plain", 1)
		msg, err := enc.Bytes()
		require.NoError(t, err)
		require.NoError(t, sess.consume(msg))

		byName := map[string][]Label{}
		for _, e := range store.Snapshot() {
			byName[e.Name] = e.Labels
		}
		assert.Empty(t, byName["before"])
		assert.Equal(t, []Label{{Key: "service", Value: "override"}}, byName["after"])
		assert.Equal(t, []Label{{Key: "service", Value: "cache"}}, byName["plain"])
	})
	t.Run("bad-magic-is-fatal", func(t *testing.T) {
		sess, _ := newTestSession(t, CodecBinary)
		err := sess.consume([]byte("XXXXxxxxxxxxxxxx"))
		assert.ErrorIs(t, err, errProtocolFatal)
	})
	t.Run("inconsistent-batch-is-dropped-not-fatal", func(t *testing.T) {
		sess, store := newTestSession(t, CodecBinary)

		enc := NewBatchEncoder()
		enc.AddCounter("x", 1)
		msg, err := enc.Bytes()
		require.NoError(t, err)
		msg[binaryHeaderSize] = 200 // unknown directive type

		require.NoError(t, sess.consume(msg))
		assert.Equal(t, 0, store.Len())
		assert.Equal(t, uint64(1), store.Stats().ParseErrors)

		// The stream stays usable for following frames.
		enc = NewBatchEncoder()
		enc.AddCounter("y", 1)
		msg, err = enc.Bytes()
		require.NoError(t, err)
		require.NoError(t, sess.consume(msg))
		assert.Equal(t, 1, store.Len())
	})
}

func TestSessionLine(t *testing.T) {
	t.Run("split-line-reassembly", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		require.NoError(t, sess.consume([]byte("requests cou")))
		assert.Equal(t, 0, store.Len())
		require.NoError(t, sess.consume([]byte("nter:42\n")))
		assert.Equal(t, 1, store.Len())
	})
	t.Run("malformed-line-is-counted-and-skipped", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		require.NoError(t, sess.consume([]byte("garbage\nrequests counter:1\n")))
		assert.Equal(t, 1, store.Len())
		assert.Equal(t, uint64(1), store.Stats().ParseErrors)
	})
	t.Run("session-directive", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		input := "# SESSION host=\"db01\"\nhits counter:1\n# SESSION host=\"db02\"\nmisses counter:1\n"
		require.NoError(t, sess.consume([]byte(input)))

		byName := map[string][]Label{}
		for _, e := range store.Snapshot() {
			byName[e.Name] = e.Labels
		}
		assert.Equal(t, []Label{{Key: "host", Value: "db01"}}, byName["hits"])
		assert.Equal(t, []Label{{Key: "host", Value: "db02"}}, byName["misses"])
	})
	t.Run("bare-session-clears-labels", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		input := "# SESSION host=\"db01\"\nhits counter:1\n# SESSION\nmisses counter:1\n"
		require.NoError(t, sess.consume([]byte(input)))

		byName := map[string][]Label{}
		for _, e := range store.Snapshot() {
			byName[e.Name] = e.Labels
		}
		assert.Equal(t, []Label{{Key: "host", Value: "db01"}}, byName["hits"])
		assert.Empty(t, byName["misses"])
	})
	t.Run("trailing-line-without-newline", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		require.NoError(t, sess.consume([]byte("requests counter:7")))
		assert.Equal(t, 0, store.Len())
		sess.finish()
		assert.Equal(t, 1, store.Len())
	})
	t.Run("unbounded-line-is-dropped", func(t *testing.T) {
		sess, store := newTestSession(t, CodecLine)
		require.NoError(t, sess.consume(make([]byte, MaxMessageSize+1)))
		assert.Empty(t, sess.buf)
		assert.Equal(t, uint64(1), store.Stats().ParseErrors)
	})
}
