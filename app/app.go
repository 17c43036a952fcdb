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

package app

import (
	"net/http"
	"time"

	"go.elastic.co/ecszap"
	"go.uber.org/zap"

	"github.com/rezolus/agent/expose"
	"github.com/rezolus/agent/extmetrics"
	"github.com/rezolus/agent/logger"
)

const defaultExpositionTimeout = 15 * time.Second

// App is the main application.
type App struct {
	config     Config
	logger     *zap.SugaredLogger
	store      *extmetrics.Store
	server     *extmetrics.Server
	exposition *http.Server
}

// New returns an App or an error if the creation failed.
func New(opts ...ConfigOption) (*App, error) {
	c := appConfig{}

	for _, opt := range opts {
		opt(&c)
	}

	cfg, err := loadConfig(c.configFile)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	app := &App{config: cfg}

	if app.logger, err = buildLogger(cfg.Logging.Level); err != nil {
		return nil, err
	}

	app.store = extmetrics.NewStore(
		cfg.External.MetricTTL,
		cfg.External.MaxMetrics,
		cfg.External.MaxMetricsPerConnection,
		cfg.External.ReservedNames,
	)

	if cfg.External.Enabled {
		protocol, _ := extmetrics.ParseProtocol(cfg.External.Protocol)
		app.server, err = extmetrics.NewServer(app.store,
			extmetrics.WithSocketPath(cfg.External.SocketPath),
			extmetrics.WithProtocol(protocol),
			extmetrics.WithMaxConnections(cfg.External.MaxConnections),
			extmetrics.WithLogger(app.logger),
		)
		if err != nil {
			return nil, err
		}
	}

	handlerOpts := []expose.HandlerOption{expose.WithLogger(app.logger)}
	if app.server != nil {
		handlerOpts = append(handlerOpts, expose.WithConnectionCount(app.server.ActiveConnections))
	}
	handler, err := expose.NewHandler(app.store, handlerOpts...)
	if err != nil {
		return nil, err
	}

	app.exposition = &http.Server{
		Addr:         cfg.Exposition.Address,
		Handler:      handler,
		ReadTimeout:  defaultExpositionTimeout,
		WriteTimeout: defaultExpositionTimeout,
	}

	return app, nil
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	if level == "" {
		level = "info"
	}

	l, err := logger.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	return logger.New(
		logger.WithEncoderConfig(ecszap.NewDefaultEncoderConfig().ToZapCoreEncoderConfig()),
		logger.WithLevel(l),
	)
}
