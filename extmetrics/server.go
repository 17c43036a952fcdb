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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Protocol selects how connections are decoded.
type Protocol string

const (
	// ProtocolBinary pins every connection to the binary codec.
	ProtocolBinary Protocol = "binary"
	// ProtocolLine pins every connection to the line codec.
	ProtocolLine Protocol = "line"
	// ProtocolAuto sniffs the first bytes of each connection.
	ProtocolAuto Protocol = "auto"

	defaultSocketPath     = "/var/run/rezolus/external.sock"
	defaultMaxConnections = 1000
	defaultSniffTimeout   = 10 * time.Second
	defaultSweepInterval  = 5 * time.Second
)

// ParseProtocol parses a protocol name from configuration.
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtocolBinary, ProtocolLine, ProtocolAuto:
		return Protocol(s), true
	}
	return "", false
}

// Server accepts producer connections on a unix domain socket, drives one
// session per connection, and periodically sweeps expired entries out of
// the store. Sessions run concurrently and independently; the store is
// the only shared state between them.
type Server struct {
	store          *Store
	socketPath     string
	protocol       Protocol
	maxConnections int
	sniffTimeout   time.Duration
	sweepInterval  time.Duration
	logger         *zap.SugaredLogger

	ln      net.Listener
	active  atomic.Int64
	connSeq atomic.Uint64
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	connMu sync.Mutex
	conns  map[uint64]net.Conn
}

// NewServer creates a Server over the given store. A logger is required.
func NewServer(store *Store, opts ...Option) (*Server, error) {
	s := &Server{
		store:          store,
		socketPath:     defaultSocketPath,
		protocol:       ProtocolAuto,
		maxConnections: defaultMaxConnections,
		sniffTimeout:   defaultSniffTimeout,
		sweepInterval:  defaultSweepInterval,
		conns:          make(map[uint64]net.Conn),
	}

	for _, opt := range opts {
		opt(s)
	}

	if store == nil {
		return nil, errors.New("store cannot be empty")
	}
	if s.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}
	if s.maxConnections <= 0 {
		return nil, errors.New("max connections must be greater than 0")
	}

	return s, nil
}

// Start binds the socket and launches the accept loop and the sweeper.
// A stale socket file from a previous run is removed before binding.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.logger.Infof("external metrics server listening on %s", s.socketPath)
	return nil
}

// Shutdown stops accepting, closes the listener and all live connections,
// and waits for in-flight sessions and the sweeper to finish.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	// Sessions past sniffing read without a deadline; closing their
	// connections unblocks them, otherwise the wait below would last
	// until every producer disconnects on its own.
	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	if removeErr := os.Remove(s.socketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && err == nil {
		err = removeErr
	}
	return err
}

// ActiveConnections returns the number of live sessions.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("accept error: %v", err)
			continue
		}

		// The connection cap refuses excess connections without pausing
		// the listener, so well-behaved clients are never starved by a
		// full accept queue.
		if int(s.active.Load()) >= s.maxConnections {
			s.logger.Warnf("max connections reached, refusing new connection")
			conn.Close()
			continue
		}

		s.active.Add(1)
		id := s.connSeq.Add(1)
		s.connMu.Lock()
		s.conns[id] = conn
		s.connMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			defer s.dropConn(id, conn)
			s.handleConn(conn, id)
		}()
	}
}

func (s *Server) dropConn(id uint64, conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
	conn.Close()
}

func (s *Server) handleConn(conn net.Conn, id uint64) {
	codec := CodecUnknown
	switch s.protocol {
	case ProtocolBinary:
		codec = CodecBinary
	case ProtocolLine:
		codec = CodecLine
	}

	sess := newSession(s.store, id, codec, s.logger)
	buf := make([]byte, MaxMessageSize)

	for {
		// A connection may not squat in the sniffing state forever; its
		// slot is reclaimed if no bytes arrive within the sniff timeout.
		if sess.sniffing() {
			_ = conn.SetReadDeadline(time.Now().Add(s.sniffTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if consumeErr := sess.consume(buf[:n]); consumeErr != nil {
				s.logger.Debugf("connection %d closed: %v", id, consumeErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.finish()
			} else if sess.sniffing() && errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Debugf("connection %d closed: sniff timeout", id)
			} else if !errors.Is(err, net.ErrClosed) {
				s.logger.Debugf("connection %d read error: %v", id, err)
			}
			return
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.store.Sweep(time.Now()); removed > 0 {
				s.logger.Debugf("swept %d expired external metrics", removed)
			}
		}
	}
}
