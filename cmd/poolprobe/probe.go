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
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/connpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Report summarizes a probe run.
type Report struct {
	Requests     int                 `json:"requests"               yaml:"requests"`
	Succeeded    int                 `json:"succeeded"              yaml:"succeeded"`
	Failed       int                 `json:"failed"                 yaml:"failed"`
	Elapsed      string              `json:"elapsed"                yaml:"elapsed"`
	StatusCodes  map[int]int         `json:"status_codes,omitempty" yaml:"status_codes,omitempty"`
	Errors       map[string]int      `json:"errors,omitempty"       yaml:"errors,omitempty"`
	Latency      LatencyReport       `json:"latency"                yaml:"latency"`
	Removals     map[string]int      `json:"removals,omitempty"     yaml:"removals,omitempty"`
	Destinations []DestinationReport `json:"destinations"           yaml:"destinations"`
}

// LatencyReport holds latency percentiles of the successful requests.
type LatencyReport struct {
	Min  string `json:"min"  yaml:"min"`
	Mean string `json:"mean" yaml:"mean"`
	P50  string `json:"p50"  yaml:"p50"`
	P90  string `json:"p90"  yaml:"p90"`
	P99  string `json:"p99"  yaml:"p99"`
	Max  string `json:"max"  yaml:"max"`
}

// DestinationReport is the state of one destination's pool at the end of a
// run.
type DestinationReport struct {
	Origin string         `json:"origin" yaml:"origin"`
	Policy string         `json:"policy" yaml:"policy"`
	Stats  connpool.Stats `json:"stats"  yaml:"stats"`
}

// Write encodes the report in the given format, "yaml" or "json".
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(r); err != nil {
			return err
		}
		return encoder.Close()
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

type prober struct {
	config *Config
	logger *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	report Report
	// +checklocks:mu
	latencies []time.Duration
}

// runProbe sends the configured requests and reports on the outcome.
func runProbe(ctx context.Context, config *Config, logger *zap.Logger) (*Report, error) {
	p := &prober{
		config: config,
		logger: logger,
		report: Report{
			StatusCodes: map[int]int{},
			Errors:      map[string]int{},
			Removals:    map[string]int{},
		},
	}
	options := append(config.ClientOptions(),
		httppool.WithRootContext(ctx),
		httppool.WithLogger(logger),
		httppool.WithPoolListener(connpool.ListenerFuncs{Removed: p.removed}),
	)
	client := httppool.NewClient(options...)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close client", zap.Error(err))
		}
	}()

	if config.Pool.Warm > 0 {
		if err := p.warm(ctx, client); err != nil {
			logger.Warn("failed to pre-create connections", zap.Error(err))
		}
	}

	start := time.Now()
	var grp errgroup.Group
	grp.SetLimit(config.Concurrency)
	for i := 0; i < config.Requests && ctx.Err() == nil; i++ {
		grp.Go(func() error {
			p.send(ctx, client)
			return nil
		})
	}
	_ = grp.Wait()
	elapsed := time.Since(start)

	p.mu.Lock()
	defer p.mu.Unlock()
	report := p.report
	report.Elapsed = elapsed.String()
	report.Latency = summarize(p.latencies)
	for _, dest := range client.Destinations() {
		report.Destinations = append(report.Destinations, DestinationReport{
			Origin: dest.Origin().String(),
			Policy: dest.Pool().Policy().String(),
			Stats:  dest.Pool().Stats(),
		})
	}
	slices.SortFunc(report.Destinations, func(a, b DestinationReport) int {
		return cmp.Compare(a.Origin, b.Origin)
	})
	return &report, ctx.Err()
}

func (p *prober) warm(ctx context.Context, client *httppool.Client) error {
	u, err := url.Parse(p.config.URL)
	if err != nil {
		return err
	}
	origin, err := httppool.OriginFromURL(u)
	if err != nil {
		return err
	}
	dest, err := client.ResolveDestination(origin.WithTag(p.config.Tag))
	if err != nil {
		return err
	}
	return dest.Pool().PreCreate(ctx, p.config.Pool.Warm)
}

func (p *prober) send(ctx context.Context, client *httppool.Client) {
	req, err := p.config.newRequest(ctx)
	if err != nil {
		p.record(0, 0, err)
		return
	}
	start := time.Now()
	resp, err := client.RoundTrip(req)
	if err != nil {
		p.record(0, 0, err)
		return
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	p.record(resp.StatusCode, time.Since(start), err)
}

func (p *prober) record(status int, latency time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.Requests++
	if err != nil {
		p.report.Failed++
		p.report.Errors[err.Error()]++
		p.logger.Debug("request failed", zap.Error(err))
		return
	}
	p.report.Succeeded++
	p.report.StatusCodes[status]++
	p.latencies = append(p.latencies, latency)
}

func (p *prober) removed(_ connpool.EntryInfo, reason connpool.RemoveReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.Removals[string(reason)]++
}

func summarize(latencies []time.Duration) LatencyReport {
	if len(latencies) == 0 {
		return LatencyReport{}
	}
	slices.Sort(latencies)
	var total time.Duration
	for _, latency := range latencies {
		total += latency
	}
	percentile := func(pct int) string {
		index := (len(latencies)*pct+99)/100 - 1
		return latencies[max(index, 0)].String()
	}
	return LatencyReport{
		Min:  latencies[0].String(),
		Mean: (total / time.Duration(len(latencies))).String(),
		P50:  percentile(50),
		P90:  percentile(90),
		P99:  percentile(99),
		Max:  latencies[len(latencies)-1].String(),
	}
}
