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
	"time"

	"go.uber.org/zap"
)

type Option func(*Server)

// WithSocketPath sets the unix socket path the server binds.
func WithSocketPath(path string) Option {
	return func(s *Server) {
		s.socketPath = path
	}
}

// WithProtocol sets the wire protocol, or auto-detection.
func WithProtocol(p Protocol) Option {
	return func(s *Server) {
		s.protocol = p
	}
}

// WithMaxConnections sets the live connection cap.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithSniffTimeout bounds how long a connection may sit in protocol
// detection without sending any bytes.
func WithSniffTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.sniffTimeout = d
	}
}

// WithSweepInterval sets how often expired entries are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sweepInterval = d
	}
}

// WithLogger configures a custom zap logger to be used by the server.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}
