package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/dashboard"
	"github.com/torosent/swarmfire/internal/feeder"
	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/output"
	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/threshold"
	"github.com/torosent/swarmfire/internal/tracing"
)

func makeHeaders(headers map[string]string) http.Header {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

func toRunnerArrivalModel(model config.ArrivalModel) runner.ArrivalModel {
	switch strings.ToLower(string(model)) {
	case string(config.ArrivalModelPoisson):
		return runner.ArrivalModelPoisson
	default:
		return runner.ArrivalModelUniform
	}
}

// buildRunnerOptions maps the loaded config onto the pool and per-session
// settings. Transports, observer, logger and tracer are wired by the caller.
// Duration is both the per-session deadline and the pool ceiling.
func buildRunnerOptions(cfg *config.Config, payload string, dialect *protocol.Dialect) runner.Options {
	return runner.Options{
		Sessions:     cfg.Sessions,
		Duration:     cfg.Duration,
		Grace:        cfg.Grace,
		SpawnRate:    cfg.SpawnRate,
		ArrivalModel: toRunnerArrivalModel(cfg.Arrival.Model),
		Session: session.Config{
			Interval:       cfg.Interval,
			Duration:       cfg.Duration,
			Messages:       cfg.Messages,
			Payload:        payload,
			AuthToken:      cfg.AuthToken,
			Dialect:        dialect,
			AckTimeout:     cfg.AckTimeout,
			ReceiveTimeout: cfg.ReceiveTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		},
	}
}

// personalizeSession fills {{field}} placeholders in the document and token
// from the row assigned to each session.
func personalizeSession(ds *feeder.Dataset) func(int, session.Config) session.Config {
	return func(sessionID int, cfg session.Config) session.Config {
		record := ds.Record(sessionID)
		cfg.Payload = feeder.SubstitutePlaceholders(cfg.Payload, record)
		cfg.AuthToken = feeder.SubstitutePlaceholders(cfg.AuthToken, record)
		return cfg
	}
}

func tracingConfig(tc config.TracingConfig) tracing.Config {
	return tracing.Config{
		Endpoint:    tc.Endpoint,
		Protocol:    tc.Protocol,
		ServiceName: tc.ServiceName,
		SampleRate:  tc.SampleRate,
		Insecure:    tc.Insecure,
		Propagate:   tc.ShouldPropagate(),
	}
}

func dashboardConfig(cfg *config.Config) dashboard.RunConfig {
	return dashboard.RunConfig{
		Target:     cfg.TargetURL,
		Dialect:    cfg.Dialect,
		Sessions:   cfg.Sessions,
		Interval:   cfg.Interval,
		Duration:   cfg.Duration,
		Messages:   cfg.Messages,
		SpawnRate:  cfg.SpawnRate,
		ConfigFile: cfg.ConfigFile,
	}
}

// startHistorySampler records a collector snapshot every interval for the
// dashboard and the HTML charts. The returned func takes a final sample and
// waits for the sampler to exit.
func startHistorySampler(collector *metrics.Collector, interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				collector.Snapshot()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			collector.Snapshot()
		})
	}
}

func writeReport(w io.Writer, cfg *config.Config, rep report.Report, results []threshold.Result) error {
	switch {
	case cfg.JSONOutput:
		return output.PrintJSONReport(w, rep, results)
	case cfg.YAMLOutput:
		return output.PrintYAMLReport(w, rep, results)
	default:
		output.PrintReport(w, rep, cfg.Verbose)
		if len(results) > 0 {
			output.PrintThresholds(w, results)
		}
		return nil
	}
}

func writeHTMLReport(cfg *config.Config, rep report.Report, history []metrics.Snapshot, results []threshold.Result) error {
	f, err := os.Create(cfg.HTMLOutput)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	defer f.Close()

	metadata := output.ReportMetadata{
		Target:   cfg.TargetURL,
		Dialect:  rep.Dialect,
		Sessions: cfg.Sessions,
		Interval: cfg.Interval,
		Duration: cfg.Duration,
		Messages: cfg.Messages,
	}
	if err := output.GenerateHTMLReport(f, rep, history, results, metadata); err != nil {
		return fmt.Errorf("generate html report: %w", err)
	}
	return f.Close()
}

// exitError turns an unsuccessful run into the error that makes the process
// exit non-zero.
func exitError(rep report.Report, results []threshold.Result, maxFailed int) error {
	if n := rep.Unsuccessful(); n > maxFailed {
		return fmt.Errorf("%d sessions did not complete", n)
	}
	if !threshold.AllPassed(results) {
		failed := 0
		for _, r := range results {
			if !r.Pass {
				failed++
			}
		}
		return fmt.Errorf("%d of %d thresholds failed", failed, len(results))
	}
	return nil
}
