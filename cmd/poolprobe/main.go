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

// Command poolprobe sends a batch of requests to one URL through an
// httppool client and prints a report of the outcome, including the state
// of the destination's connection pool.
//
// Settings come from an optional YAML config file, overridden by flags:
//
//	poolprobe -config probe.yaml -requests 1000 -concurrency 50
//	poolprobe -url h2c://localhost:8080/ -policy multiplex:20
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bufbuild/httppool/connpool"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "poolprobe:", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	config, format, err := parseArgs(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(config.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	report, err := runProbe(ctx, config, logger)
	if report != nil {
		if writeErr := report.Write(os.Stdout, format); writeErr != nil {
			return writeErr
		}
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed", report.Failed, report.Requests)
	}
	return nil
}

func parseArgs(args []string) (*Config, string, error) {
	flags := flag.NewFlagSet("poolprobe", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	format := flags.String("format", "yaml", `report format, "yaml" or "json"`)
	targetURL := flags.String("url", "", "URL to send requests to")
	requests := flags.Int("requests", 0, "number of requests to send")
	concurrency := flags.Int("concurrency", 0, "number of requests in flight at once")
	maxConns := flags.Int("max-connections", 0, "maximum connections in the pool")
	tag := flags.String("tag", "", "tag for the requests' destination")
	logLevel := flags.String("log-level", "", "log level")
	var policy *connpool.Policy
	flags.Func("policy", "connection selection policy, like duplex or multiplex:10", func(value string) error {
		parsed, err := connpool.ParsePolicy(value)
		if err != nil {
			return err
		}
		policy = &parsed
		return nil
	})
	if err := flags.Parse(args); err != nil {
		return nil, "", err
	}

	config := DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = LoadConfig(*configPath); err != nil {
			return nil, "", err
		}
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			config.URL = *targetURL
		case "requests":
			config.Requests = *requests
		case "concurrency":
			config.Concurrency = *concurrency
		case "max-connections":
			config.Pool.MaxConnections = *maxConns
		case "tag":
			config.Tag = *tag
		case "log-level":
			config.LogLevel = *logLevel
		case "policy":
			config.Pool.Policy = policy
		}
	})
	if err := config.Validate(); err != nil {
		return nil, "", err
	}
	if *format != "yaml" && *format != "json" {
		return nil, "", fmt.Errorf("unknown output format %q", *format)
	}
	return config, *format, nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = atomicLevel
	loggerConfig.Encoding = "console"
	loggerConfig.OutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}
