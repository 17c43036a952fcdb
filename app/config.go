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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rezolus/agent/extmetrics"
)

type appConfig struct {
	configFile string
	logLevel   string
}

// ConfigOption is used to configure the agent.
type ConfigOption func(*appConfig)

// WithConfigFile sets the YAML configuration file path.
func WithConfigFile(path string) ConfigOption {
	return func(c *appConfig) {
		c.configFile = path
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) ConfigOption {
	return func(c *appConfig) {
		c.logLevel = level
	}
}

// Config is the agent configuration file.
type Config struct {
	External struct {
		Enabled                 bool          `yaml:"enabled"`
		SocketPath              string        `yaml:"socket_path"`
		Protocol                string        `yaml:"protocol"`
		MetricTTL               time.Duration `yaml:"metric_ttl"`
		MaxConnections          int           `yaml:"max_connections"`
		MaxMetrics              int           `yaml:"max_metrics"`
		MaxMetricsPerConnection int           `yaml:"max_metrics_per_connection"`
		ReservedNames           []string      `yaml:"reserved_names"`
	} `yaml:"external_metrics"`

	Exposition struct {
		Address string `yaml:"address"`
	} `yaml:"exposition"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.External.SocketPath = "/var/run/rezolus/external.sock"
	cfg.External.Protocol = string(extmetrics.ProtocolAuto)
	cfg.External.MetricTTL = 60 * time.Second
	cfg.External.MaxConnections = 1000
	cfg.External.MaxMetrics = 100000
	cfg.External.MaxMetricsPerConnection = 10000
	cfg.Exposition.Address = "127.0.0.1:4242"
	cfg.Logging.Level = "info"
	return cfg
}

// loadConfig layers the configuration file (when given) over the defaults
// and applies environment variable overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REZOLUS_EXTERNAL_SOCKET_PATH"); v != "" {
		cfg.External.SocketPath = v
	}
	if v := os.Getenv("REZOLUS_EXTERNAL_PROTOCOL"); v != "" {
		cfg.External.Protocol = v
	}
	if v := os.Getenv("REZOLUS_EXTERNAL_METRIC_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.External.MetricTTL = d
		}
	}
	if v := os.Getenv("REZOLUS_EXPOSITION_ADDRESS"); v != "" {
		cfg.Exposition.Address = v
	}
	if v := os.Getenv("REZOLUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c Config) validate() error {
	if _, ok := extmetrics.ParseProtocol(c.External.Protocol); !ok {
		return fmt.Errorf("external_metrics.protocol must be one of: binary, line, auto (got %q)", c.External.Protocol)
	}
	if c.External.MetricTTL <= 0 {
		return fmt.Errorf("external_metrics.metric_ttl must be greater than 0")
	}
	if c.External.MaxConnections <= 0 {
		return fmt.Errorf("external_metrics.max_connections must be greater than 0")
	}
	if c.External.MaxMetrics <= 0 {
		return fmt.Errorf("external_metrics.max_metrics must be greater than 0")
	}
	if c.External.MaxMetricsPerConnection <= 0 {
		return fmt.Errorf("external_metrics.max_metrics_per_connection must be greater than 0")
	}
	return nil
}
