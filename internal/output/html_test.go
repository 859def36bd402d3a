package output_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/output"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/threshold"
)

func buildReport(t *testing.T, outcomes ...session.Outcome) report.Report {
	t.Helper()
	r, err := report.Build(outcomes, 2*time.Second)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return r
}

func completed(id int) session.Outcome {
	start := time.Now().Add(-time.Second)
	return session.Outcome{
		SessionID: id, Kind: session.KindCompleted, State: session.StateClosed,
		Sent: 3, Received: 4, StartedAt: start, EndedAt: start.Add(time.Second),
		HandshakeLatency: 15 * time.Millisecond,
	}
}

func TestGenerateHTMLReport(t *testing.T) {
	failed := session.Outcome{
		SessionID: 3, Kind: session.KindFailed, Reason: session.ReasonProtocolViolation,
		Detail: "data before ack", State: session.StateError,
		StartedAt: time.Now(), EndedAt: time.Now(),
	}
	r := buildReport(t, completed(1), completed(2), failed)

	history := []metrics.Snapshot{
		{At: time.Now(), Active: 3, Sent: 2, SentPerSec: 2, ReceivedPerSec: 1, HandshakeP95: 15 * time.Millisecond},
		{At: time.Now().Add(time.Second), Active: 1, Sent: 6, SentPerSec: 4, ReceivedPerSec: 7},
	}

	thresholdResults := []threshold.Result{
		{
			Threshold: threshold.Threshold{
				Raw:       "handshake_duration:p95 < 100",
				Metric:    "handshake_duration",
				Aggregate: "p95",
				Operator:  "<",
				Value:     100,
			},
			Raw:    "handshake_duration:p95 < 100",
			Actual: 15.0,
			Pass:   true,
		},
		{
			Threshold: threshold.Threshold{
				Raw:       "sessions_failed:count < 1",
				Metric:    "sessions_failed",
				Aggregate: "count",
				Operator:  "<",
				Value:     1,
			},
			Raw:    "sessions_failed:count < 1",
			Actual: 1,
			Pass:   false,
		},
	}

	metadata := output.ReportMetadata{
		Target:   "ws://localhost:9000/graphql",
		Dialect:  "graphql-ws",
		Sessions: 3,
		Interval: time.Second,
		Messages: 3,
	}

	var buf bytes.Buffer
	if err := output.GenerateHTMLReport(&buf, r, history, thresholdResults, metadata); err != nil {
		t.Fatalf("GenerateHTMLReport() error = %v", err)
	}

	html := buf.String()

	requiredElements := []string{
		"<!DOCTYPE html>",
		"<html",
		"<head>",
		"<body>",
		"Swarmfire Simulation Report",
		"ws://localhost:9000/graphql",
		"graphql-ws",
		"Completed",
		"Timed Out",
		"Messages Received",
		"Handshake Latency",
		"Session Duration",
		"Failure Breakdown",
		"Protocol violation",
		"Unsuccessful Sessions",
		"#3",
		"data before ack",
		"Run Configuration",
		"uPlot",
		"throughput-chart",
		"active-chart",
		"Thresholds (1/2 Passed)",
		"handshake_duration:p95 &lt; 100",
	}
	for _, elem := range requiredElements {
		if !strings.Contains(html, elem) {
			t.Errorf("HTML missing required element: %s", elem)
		}
	}
}

func TestGenerateHTMLReport_NoHistory(t *testing.T) {
	r := buildReport(t, completed(1))

	var buf bytes.Buffer
	if err := output.GenerateHTMLReport(&buf, r, nil, nil, output.ReportMetadata{}); err != nil {
		t.Fatalf("GenerateHTMLReport() error = %v", err)
	}

	html := buf.String()
	if strings.Contains(html, "Activity Over Time") {
		t.Errorf("HTML should not have charts without history")
	}
	if strings.Contains(html, "Thresholds (") {
		t.Errorf("HTML should not have thresholds section when none provided")
	}
	if strings.Contains(html, "Failure Breakdown") {
		t.Errorf("HTML should not have failure breakdown when every session completed")
	}
	if strings.Contains(html, "Run Configuration") {
		t.Errorf("HTML should not have configuration section without metadata")
	}
}

func TestGenerateHTMLReport_EmptyRun(t *testing.T) {
	r := buildReport(t)

	var buf bytes.Buffer
	if err := output.GenerateHTMLReport(&buf, r, nil, nil, output.ReportMetadata{}); err != nil {
		t.Fatalf("GenerateHTMLReport() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No samples recorded") {
		t.Errorf("expected empty distributions to render a placeholder")
	}
}

func TestGenerateHTMLReport_EscapesHTMLInData(t *testing.T) {
	failed := session.Outcome{
		SessionID: 1, Kind: session.KindFailed, Reason: session.ReasonServerError,
		Detail: "<script>alert('xss')</script>", State: session.StateError,
		StartedAt: time.Now(), EndedAt: time.Now(),
	}
	r := buildReport(t, failed)

	var buf bytes.Buffer
	if err := output.GenerateHTMLReport(&buf, r, nil, nil, output.ReportMetadata{}); err != nil {
		t.Fatalf("GenerateHTMLReport() error = %v", err)
	}

	html := buf.String()
	if strings.Contains(html, "<script>alert('xss')</script>") {
		t.Errorf("HTML did not escape dangerous content")
	}
	if !strings.Contains(html, "&lt;script&gt;") {
		t.Errorf("HTML did not properly escape content")
	}
}

func TestGenerateHTMLReport_TargetFromReport(t *testing.T) {
	r := buildReport(t, completed(1))
	r.Target = "wss://example.com/live"

	var buf bytes.Buffer
	if err := output.GenerateHTMLReport(&buf, r, nil, nil, output.ReportMetadata{}); err != nil {
		t.Fatalf("GenerateHTMLReport() error = %v", err)
	}
	if !strings.Contains(buf.String(), "wss://example.com/live") {
		t.Errorf("HTML missing target from report")
	}
}
