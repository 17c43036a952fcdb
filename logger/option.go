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

package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Option func(*zap.Config)

// WithLevel sets the minimum enabled log level.
func WithLevel(level zapcore.Level) Option {
	return func(c *zap.Config) {
		c.Level.SetLevel(level)
	}
}

// WithEncoderConfig sets the encoder configuration.
func WithEncoderConfig(encoderConfig zapcore.EncoderConfig) Option {
	return func(c *zap.Config) {
		c.EncoderConfig = encoderConfig
	}
}

// WithOutputPaths appends an output path.
func WithOutputPaths(path string) Option {
	return func(c *zap.Config) {
		c.OutputPaths = append(c.OutputPaths, path)
	}
}
