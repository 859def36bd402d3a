package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

type wireMessage struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// newSubscriptionServer speaks the envelope dialect: it acks init, pushes one
// event on start and echoes every data message back on the subscription.
func newSubscriptionServer(t *testing.T, tokens *atomic.Int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "init":
				if tokens != nil && msg.Payload["token"] == "s3cret" {
					tokens.Add(1)
				}
				if err := conn.WriteJSON(wireMessage{Type: "ack"}); err != nil {
					return
				}
			case "start":
				event := wireMessage{ID: msg.ID, Type: "data", Payload: map[string]any{"tick": 1}}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case "data":
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case "complete":
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type jsonResult struct {
	Sessions   int            `json:"sessions"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	TimedOut   int            `json:"timed_out"`
	Sent       int64          `json:"messages_sent"`
	Failures   map[string]int `json:"failures"`
	Dialect    string         `json:"dialect"`
	Wire       map[string]any `json:"wire"`
	Thresholds []struct {
		Pass bool `json:"pass"`
	} `json:"thresholds"`
}

func decodeResult(t *testing.T, out []byte) jsonResult {
	t.Helper()
	var res jsonResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	return res
}

func TestIntegration_QuotaRunCompletes(t *testing.T) {
	var tokens atomic.Int64
	server := newSubscriptionServer(t, &tokens)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", wsURL(server),
		"--sessions", "3",
		"--messages", "3",
		"--interval", "0.02",
		"--auth-token", "s3cret",
		"--payload", "subscription { ticks }",
		"--threshold", "sessions_completed:count >= 3",
		"--json-output",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}

	res := decodeResult(t, stdout.Bytes())
	if res.Sessions != 3 || res.Completed != 3 {
		t.Fatalf("sessions = %d, completed = %d; want 3/3 (failures %v)", res.Sessions, res.Completed, res.Failures)
	}
	if res.Sent != 9 {
		t.Errorf("messages_sent = %d, want 9", res.Sent)
	}
	if res.Dialect != "envelope" {
		t.Errorf("dialect = %q, want envelope", res.Dialect)
	}
	if res.Wire == nil {
		t.Error("wire totals missing from report")
	}
	if len(res.Thresholds) != 1 || !res.Thresholds[0].Pass {
		t.Errorf("thresholds = %+v, want one passing result", res.Thresholds)
	}
	if got := tokens.Load(); got != 3 {
		t.Errorf("server saw %d init messages with the token, want 3", got)
	}
}

func TestIntegration_RejectedUpgradeFailsRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	args := []string{
		"--target", wsURL(server),
		"--sessions", "2",
		"--messages", "1",
		"--json-output",
	}

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	if err == nil || err.Error() != "2 sessions did not complete" {
		t.Fatalf("run() error = %v, want 2 sessions did not complete", err)
	}
	res := decodeResult(t, stdout.Bytes())
	if res.Failed != 2 || res.Failures["connection_refused"] != 2 {
		t.Errorf("failed = %d, failures = %v; want 2 connection_refused", res.Failed, res.Failures)
	}

	stdout.Reset()
	if err := run(context.Background(), append(args, "--max-failed", "2"), &stdout, &stderr); err != nil {
		t.Fatalf("run() with --max-failed 2 error = %v", err)
	}
}

func TestIntegration_FailingThreshold(t *testing.T) {
	server := newSubscriptionServer(t, nil)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", wsURL(server),
		"--messages", "1",
		"--interval", "10ms",
		"--threshold", "messages_sent:count > 100",
		"--yaml-output",
	}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "thresholds failed") {
		t.Fatalf("run() error = %v, want threshold failure", err)
	}
	if !strings.Contains(stdout.String(), "pass: false") {
		t.Errorf("YAML output missing failed threshold:\n%s", stdout.String())
	}
}

func TestIntegration_TextAndHTMLReport(t *testing.T) {
	server := newSubscriptionServer(t, nil)
	htmlPath := filepath.Join(t.TempDir(), "report.html")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", wsURL(server),
		"--sessions", "2",
		"--messages", "2",
		"--interval", "10ms",
		"--html-output", htmlPath,
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}

	if !strings.Contains(stdout.String(), "--- Simulation Results ---") {
		t.Errorf("text report missing header:\n%s", stdout.String())
	}
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(html), "Swarmfire Simulation Report") {
		t.Error("HTML report missing title")
	}
	if !strings.Contains(stderr.String(), "starting simulation") {
		t.Errorf("stderr missing startup log: %s", stderr.String())
	}
}

func TestIntegration_FeederPersonalizesSessions(t *testing.T) {
	var tokens atomic.Int64
	server := newSubscriptionServer(t, &tokens)
	path := filepath.Join(t.TempDir(), "users.json")
	rows := `[{"token": "s3cret", "channel": "prices"}, {"token": "expired", "channel": "trades"}]`
	if err := os.WriteFile(path, []byte(rows), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", wsURL(server),
		"--sessions", "3",
		"--messages", "1",
		"--interval", "10ms",
		"--auth-token", "{{token}}",
		"--payload", "subscription { ticks(channel: \"{{channel}}\") }",
		"--feeder-path", path,
		"--json-output",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}

	if res := decodeResult(t, stdout.Bytes()); res.Completed != 3 {
		t.Errorf("completed = %d, want 3", res.Completed)
	}
	// Sessions 1 and 3 share the first row.
	if got := tokens.Load(); got != 2 {
		t.Errorf("server saw %d init messages with the token, want 2", got)
	}
}

func TestIntegration_ConfigFile(t *testing.T) {
	server := newSubscriptionServer(t, nil)
	path := filepath.Join(t.TempDir(), "sim.yaml")
	content := strings.Join([]string{
		"target: " + wsURL(server),
		"sessions: 2",
		"messages: 1",
		"interval: 10ms",
		"json_output: true",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--config", path}, &stdout, &stderr); err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}
	res := decodeResult(t, stdout.Bytes())
	if res.Completed != 2 {
		t.Errorf("completed = %d, want 2", res.Completed)
	}
}
