package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/feeder"
	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/threshold"
)

func TestMakeHeaders(t *testing.T) {
	input := map[string]string{
		"Authorization": "Bearer abc",
		"X-Custom":      "value",
	}
	got := makeHeaders(input)
	if got.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization = %q, want Bearer abc", got.Get("Authorization"))
	}
	if got.Get("X-Custom") != "value" {
		t.Errorf("X-Custom = %q, want value", got.Get("X-Custom"))
	}
}

func TestToRunnerArrivalModel(t *testing.T) {
	tests := []struct {
		input config.ArrivalModel
		want  runner.ArrivalModel
	}{
		{config.ArrivalModelUniform, runner.ArrivalModelUniform},
		{config.ArrivalModelPoisson, runner.ArrivalModelPoisson},
		{"unknown", runner.ArrivalModelUniform},
	}

	for _, tt := range tests {
		got := toRunnerArrivalModel(tt.input)
		if got != tt.want {
			t.Errorf("toRunnerArrivalModel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBuildRunnerOptions(t *testing.T) {
	cfg := &config.Config{
		Sessions:       8,
		Interval:       250 * time.Millisecond,
		Duration:       time.Minute,
		Messages:       4,
		AuthToken:      "secret",
		AckTimeout:     2 * time.Second,
		ReceiveTimeout: 100 * time.Millisecond,
		IdleTimeout:    5 * time.Second,
		Grace:          3 * time.Second,
		SpawnRate:      2,
		Arrival:        config.ArrivalConfig{Model: config.ArrivalModelPoisson},
	}

	opts := buildRunnerOptions(cfg, "subscription { x }", protocol.GraphQLWS)

	if opts.Sessions != 8 || opts.SpawnRate != 2 || opts.Grace != 3*time.Second {
		t.Errorf("pool options = %+v", opts)
	}
	if opts.Duration != time.Minute {
		t.Errorf("Duration = %s, want pool ceiling of 1m", opts.Duration)
	}
	if opts.ArrivalModel != runner.ArrivalModelPoisson {
		t.Errorf("ArrivalModel = %q, want poisson", opts.ArrivalModel)
	}
	s := opts.Session
	if s.Interval != 250*time.Millisecond || s.Duration != time.Minute || s.Messages != 4 {
		t.Errorf("session timing = %+v", s)
	}
	if s.Payload != "subscription { x }" || s.AuthToken != "secret" || s.Dialect != protocol.GraphQLWS {
		t.Errorf("session payload = %+v", s)
	}
	if s.AckTimeout != 2*time.Second || s.ReceiveTimeout != 100*time.Millisecond || s.IdleTimeout != 5*time.Second {
		t.Errorf("session timeouts = %+v", s)
	}
}

func TestPersonalizeSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.csv")
	if err := os.WriteFile(path, []byte("token,channel\nt1,prices\nt2,trades\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	ds, err := feeder.Load(path, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	base := session.Config{Payload: "subscribe {{channel}}", AuthToken: "{{token}}", Messages: 2}
	personalize := personalizeSession(ds)

	tests := []struct {
		id      int
		payload string
		token   string
	}{
		{1, "subscribe prices", "t1"},
		{2, "subscribe trades", "t2"},
		{3, "subscribe prices", "t1"},
	}
	for _, tt := range tests {
		got := personalize(tt.id, base)
		if got.Payload != tt.payload || got.AuthToken != tt.token {
			t.Errorf("session %d: payload %q token %q, want %q %q", tt.id, got.Payload, got.AuthToken, tt.payload, tt.token)
		}
		if got.Messages != 2 {
			t.Errorf("session %d: Messages = %d, want untouched 2", tt.id, got.Messages)
		}
	}
	if base.Payload != "subscribe {{channel}}" {
		t.Errorf("base config mutated: %q", base.Payload)
	}
}

func TestTracingConfig(t *testing.T) {
	off := false
	tests := []struct {
		name string
		in   config.TracingConfig
		want bool
	}{
		{"propagates by default", config.TracingConfig{Endpoint: "otel:4317", Protocol: "grpc", SampleRate: 0.5}, true},
		{"propagation disabled", config.TracingConfig{Endpoint: "otel:4317", Propagate: &off}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tracingConfig(tt.in)
			if got.Endpoint != tt.in.Endpoint || got.Protocol != tt.in.Protocol || got.SampleRate != tt.in.SampleRate {
				t.Errorf("tracingConfig() = %+v", got)
			}
			if got.Propagate != tt.want {
				t.Errorf("Propagate = %v, want %v", got.Propagate, tt.want)
			}
		})
	}
}

func TestDashboardConfig(t *testing.T) {
	cfg := &config.Config{
		TargetURL:  "ws://localhost/live",
		Dialect:    "envelope",
		Sessions:   3,
		SpawnRate:  1.5,
		ConfigFile: "run.yml",
	}
	got := dashboardConfig(cfg)
	if got.Target != cfg.TargetURL || got.Sessions != 3 || got.SpawnRate != 1.5 || got.ConfigFile != "run.yml" {
		t.Errorf("dashboardConfig() = %+v", got)
	}
}

func buildTestReport(t *testing.T, kinds ...session.Kind) report.Report {
	t.Helper()
	outcomes := make([]session.Outcome, len(kinds))
	start := time.Now()
	for i, k := range kinds {
		outcomes[i] = session.Outcome{
			SessionID: i + 1, Kind: k, State: session.StateClosed,
			StartedAt: start, EndedAt: start.Add(time.Second),
		}
		if k != session.KindCompleted {
			outcomes[i].State = session.StateError
			outcomes[i].Reason = session.ReasonTimeout
		}
	}
	rep, err := report.Build(outcomes, time.Second)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return rep
}

func TestExitError(t *testing.T) {
	passing := []threshold.Result{{Raw: "a", Pass: true}}
	failing := []threshold.Result{{Raw: "a", Pass: true}, {Raw: "b", Pass: false}}

	tests := []struct {
		name      string
		kinds     []session.Kind
		results   []threshold.Result
		maxFailed int
		want      string
	}{
		{"all completed", []session.Kind{session.KindCompleted, session.KindCompleted}, nil, 0, ""},
		{"failures over budget", []session.Kind{session.KindCompleted, session.KindFailed, session.KindTimedOut}, nil, 1, "2 sessions did not complete"},
		{"failures within budget", []session.Kind{session.KindCompleted, session.KindFailed}, passing, 1, ""},
		{"threshold failed", []session.Kind{session.KindCompleted}, failing, 0, "1 of 2 thresholds failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(buildTestReport(t, tt.kinds...), tt.results, tt.maxFailed)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("exitError() = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.want {
				t.Fatalf("exitError() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestStartHistorySampler(t *testing.T) {
	collector := metrics.NewCollector()
	collector.Start()

	stop := startHistorySampler(collector, 10*time.Millisecond)
	time.Sleep(55 * time.Millisecond)
	stop()
	stop()

	n := len(collector.History())
	if n < 2 {
		t.Fatalf("History() len = %d, want at least 2", n)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(collector.History()); got != n {
		t.Errorf("sampler kept running after stop: %d -> %d", n, got)
	}
}

func TestWriteReportFormats(t *testing.T) {
	rep := buildTestReport(t, session.KindCompleted)
	results := []threshold.Result{{Raw: "sessions_failed:count < 1", Pass: true, Message: "sessions_failed:count < 1 (actual: 0)"}}

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"text", config.Config{}, "--- Simulation Results ---"},
		{"json", config.Config{JSONOutput: true}, `"sessions": 1`},
		{"yaml", config.Config{YAMLOutput: true}, "sessions: 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeReport(&buf, &tt.cfg, rep, results); err != nil {
				t.Fatalf("writeReport() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, buf.String())
			}
			if !strings.Contains(buf.String(), "sessions_failed:count") {
				t.Errorf("output missing threshold result:\n%s", buf.String())
			}
		})
	}
}

func TestRunHelpAndValidation(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &stdout, &stderr); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}

	err := run(context.Background(), []string{"--target", "http://not-a-socket"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Fatalf("run() error = %v, want scheme validation error", err)
	}
}
