// Copyright 2023-2026 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/connpool"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config describes a probe run. It is read from YAML, or from JSON, which
// is a subset of YAML.
type Config struct {
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Body        string            `yaml:"body"`
	Tag         string            `yaml:"tag"`
	Requests    int               `yaml:"requests"`
	Concurrency int               `yaml:"concurrency"`
	Timeout     time.Duration     `yaml:"timeout"`
	LogLevel    string            `yaml:"log_level"`
	Pool        PoolConfig        `yaml:"pool"`
}

// PoolConfig holds the settings of the pool used for the probed origin.
type PoolConfig struct {
	MaxConnections int              `yaml:"max_connections"`
	MaxUsageCount  int              `yaml:"max_usage_count"`
	MaxDuration    time.Duration    `yaml:"max_duration"`
	IdleTimeout    time.Duration    `yaml:"idle_timeout"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
	Policy         *connpool.Policy `yaml:"policy"`
	Warm           int              `yaml:"warm"`
}

// DefaultConfig returns the configuration used for anything a config file
// or flag does not set.
func DefaultConfig() *Config {
	return &Config{
		Method:      http.MethodGet,
		Requests:    100,
		Concurrency: 10,
		Timeout:     30 * time.Second,
		LogLevel:    "info",
	}
}

// LoadConfig reads the config file at the given path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a config document over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// Validate checks the config for values the probe cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("invalid url: %w", err))
	} else if _, err := httppool.OriginFromURL(u); err != nil {
		errs = append(errs, fmt.Errorf("invalid url %q: %w", c.URL, err))
	}
	if c.Requests < 1 {
		errs = append(errs, errors.New("requests must be at least 1"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
	}
	pool := c.Pool
	if pool.MaxConnections < 0 {
		errs = append(errs, errors.New("pool.max_connections must not be negative"))
	}
	if pool.MaxUsageCount < 0 {
		errs = append(errs, errors.New("pool.max_usage_count must not be negative"))
	}
	if pool.MaxDuration < 0 || pool.IdleTimeout < 0 || pool.ConnectTimeout < 0 {
		errs = append(errs, errors.New("pool durations must not be negative"))
	}
	if pool.Warm < 0 {
		errs = append(errs, errors.New("pool.warm must not be negative"))
	}
	return errors.Join(errs...)
}

// ClientOptions converts the config into options for httppool.NewClient.
func (c *Config) ClientOptions() []httppool.ClientOption {
	options := []httppool.ClientOption{
		httppool.WithMaxConnectionsPerDestination(c.Pool.MaxConnections),
		httppool.WithMaxUsageCount(c.Pool.MaxUsageCount),
		httppool.WithMaxDuration(c.Pool.MaxDuration),
		httppool.WithIdleConnectionTimeout(c.Pool.IdleTimeout),
		httppool.WithConnectTimeout(c.Pool.ConnectTimeout),
	}
	if c.Pool.Policy != nil {
		options = append(options, httppool.WithPolicy(*c.Pool.Policy))
	}
	if c.Timeout > 0 {
		options = append(options, httppool.WithDefaultTimeout(c.Timeout))
	}
	return options
}

func (c *Config) newRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range c.Headers {
		req.Header.Set(name, value)
	}
	if c.Tag != "" {
		req = req.WithContext(httppool.WithTag(ctx, c.Tag))
	}
	return req, nil
}
