package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/transport/transporttest"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	sent     int
	received int
	errs     []error
	finished []session.Outcome
}

func (o *recordingObserver) SessionStarted(int) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) MessageSent(int) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *recordingObserver) MessageReceived(int, protocol.Message) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionError(_ int, err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionFinished(out session.Outcome) {
	o.mu.Lock()
	o.finished = append(o.finished, out)
	o.mu.Unlock()
}

func (o *recordingObserver) finishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

func quota(n int) session.Config {
	return session.Config{
		Interval:       10 * time.Millisecond,
		Messages:       n,
		AckTimeout:     time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
}

func runSession(t *testing.T, tr *transporttest.Transport, cfg session.Config, opts ...session.Option) session.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := session.New(1, tr, cfg, opts...)
	out := s.Run(ctx)
	if !out.Terminal() {
		t.Fatalf("Run returned a non-terminal outcome: %+v", out)
	}
	return out
}

func TestSessionCompletesMessageQuota(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	obs := &recordingObserver{}
	out := runSession(t, tr, quota(3), session.WithObserver(obs))

	if out.Kind != session.KindCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
	}
	if out.State != session.StateClosed {
		t.Fatalf("expected closed state, got %s", out.State)
	}
	if out.Sent != 3 {
		t.Fatalf("expected 3 sent, got %d", out.Sent)
	}
	if out.Received != 0 || out.Errors != 0 {
		t.Fatalf("unexpected counters: %+v", out)
	}
	if out.HandshakeLatency <= 0 {
		t.Fatalf("expected handshake latency to be recorded")
	}

	sent := tr.Sent()
	if len(sent) != 6 {
		t.Fatalf("expected init, start, 3 data and stop; got %d messages", len(sent))
	}
	wantOrder := []protocol.Type{protocol.TypeInit, protocol.TypeStart, protocol.TypeData, protocol.TypeData, protocol.TypeData, protocol.TypeComplete}
	for i, typ := range wantOrder {
		if sent[i].Type != typ {
			t.Fatalf("message %d: type %s, want %s", i, sent[i].Type, typ)
		}
	}
	if sent[1].ID != out.SubscriptionID || sent[5].ID != out.SubscriptionID {
		t.Fatalf("start/stop must carry subscription id %q", out.SubscriptionID)
	}
	if tr.CloseCalls() == 0 {
		t.Fatal("transport was not closed")
	}
	if obs.sent != 3 || obs.started != 1 || obs.finishedCount() != 1 {
		t.Fatalf("observer saw started=%d sent=%d finished=%d", obs.started, obs.sent, obs.finishedCount())
	}
}

func TestSessionDataBeforeAckIsViolation(t *testing.T) {
	tr := transporttest.New(transporttest.Script{
		BeforeAck: []protocol.Message{{ID: "early", Type: protocol.TypeData}},
	})
	out := runSession(t, tr, quota(3))

	if out.Kind != session.KindFailed || out.Reason != session.ReasonProtocolViolation {
		t.Fatalf("expected failed protocol violation, got %s/%s", out.Kind, out.Reason)
	}
	if out.Received != 0 {
		t.Fatalf("data before ack must not be counted, got %d", out.Received)
	}
	if out.State != session.StateError {
		t.Fatalf("expected error state, got %s", out.State)
	}
	if tr.SentOfType(protocol.TypeStart) != 0 {
		t.Fatal("start must not be sent without an ack")
	}
	if tr.CloseCalls() == 0 {
		t.Fatal("transport must be closed on error")
	}
}

func TestSessionFinalizeIsIdempotent(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	obs := &recordingObserver{}
	s := session.New(7, tr, quota(2), session.WithObserver(obs))

	first := s.Run(context.Background())
	second := s.Abort(errors.New("late abort"))

	if first.Kind != session.KindCompleted {
		t.Fatalf("expected completed, got %s", first.Kind)
	}
	if second.Kind != first.Kind || second.Sent != first.Sent || !second.EndedAt.Equal(first.EndedAt) {
		t.Fatalf("second finalization changed the outcome: %+v vs %+v", second, first)
	}
	if obs.finishedCount() != 1 {
		t.Fatalf("expected one SessionFinished, got %d", obs.finishedCount())
	}
	got, ok := s.Outcome()
	if !ok || got.Sent != 2 {
		t.Fatalf("Outcome() = %+v, %v", got, ok)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestSessionDurationBoundsSendCount(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	cfg := session.Config{
		Interval:       50 * time.Millisecond,
		Duration:       220 * time.Millisecond,
		Messages:       1, // ignored in duration mode
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
	}
	// floor(220/50) = 4
	if out.Sent < 3 || out.Sent > 5 {
		t.Fatalf("expected 4±1 messages, got %d", out.Sent)
	}
	if tr.SentOfType(protocol.TypeComplete) != 1 {
		t.Fatal("expected exactly one stop message")
	}
}

func TestSessionCountsSubscriptionData(t *testing.T) {
	tr := transporttest.New(transporttest.Script{DataEvery: 10 * time.Millisecond})
	obs := &recordingObserver{}
	cfg := session.Config{
		Interval:       20 * time.Millisecond,
		Duration:       150 * time.Millisecond,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg, session.WithObserver(obs))

	if out.Kind != session.KindCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
	}
	if out.Received == 0 {
		t.Fatal("expected data events to be counted")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if int64(obs.received) != out.Received {
		t.Fatalf("observer saw %d events, outcome has %d", obs.received, out.Received)
	}
}

func TestSessionAckTimeout(t *testing.T) {
	tr := transporttest.New(transporttest.Script{WithholdAck: true})
	cfg := quota(1)
	cfg.AckTimeout = 50 * time.Millisecond
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindTimedOut || out.Reason != session.ReasonTimeout {
		t.Fatalf("expected timed out, got %s/%s", out.Kind, out.Reason)
	}
	if out.Sent != 0 {
		t.Fatalf("no application messages expected, got %d", out.Sent)
	}
}

func TestSessionDeadlineDuringHandshakeTimesOut(t *testing.T) {
	tr := transporttest.New(transporttest.Script{WithholdAck: true})
	cfg := session.Config{
		Interval:       10 * time.Millisecond,
		Duration:       60 * time.Millisecond,
		AckTimeout:     time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindTimedOut {
		t.Fatalf("expected timed out, got %s (%s)", out.Kind, out.Detail)
	}
}

func TestSessionConnectionRefused(t *testing.T) {
	tr := transporttest.New(transporttest.Script{RefuseOpen: true})
	out := runSession(t, tr, quota(1))

	if out.Kind != session.KindFailed || out.Reason != session.ReasonConnectionRefused {
		t.Fatalf("expected connection refused, got %s/%s", out.Kind, out.Reason)
	}
	if out.Errors != 1 {
		t.Fatalf("expected one error, got %d", out.Errors)
	}
}

func TestSessionUnknownTagIsViolation(t *testing.T) {
	tr := transporttest.New(transporttest.Script{
		AfterStart: []protocol.Message{{Type: protocol.TypeUnknown, Tag: "surprise"}},
	})
	cfg := session.Config{
		Interval:       50 * time.Millisecond,
		Duration:       time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindFailed || out.Reason != session.ReasonProtocolViolation {
		t.Fatalf("expected protocol violation, got %s/%s", out.Kind, out.Reason)
	}
	if !strings.Contains(out.Detail, "surprise") {
		t.Fatalf("detail should name the tag: %q", out.Detail)
	}
}

func TestSessionServerErrorCarriesPayload(t *testing.T) {
	tr := transporttest.New(transporttest.Script{
		AfterStart: []protocol.Message{{Type: protocol.TypeError, Payload: map[string]any{"message": "bad query"}}},
	})
	cfg := session.Config{
		Interval:       50 * time.Millisecond,
		Duration:       time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Reason != session.ReasonServerError {
		t.Fatalf("expected server error, got %s", out.Reason)
	}
	if !strings.Contains(out.Detail, "bad query") {
		t.Fatalf("detail should include the server payload: %q", out.Detail)
	}
}

func TestSessionSendFailure(t *testing.T) {
	tr := transporttest.New(transporttest.Script{FailAfterSends: 1})
	out := runSession(t, tr, quota(5))

	if out.Kind != session.KindFailed || out.Reason != session.ReasonTransport {
		t.Fatalf("expected transport failure, got %s/%s (%s)", out.Kind, out.Reason, out.Detail)
	}
	if out.Sent != 1 {
		t.Fatalf("expected one successful send, got %d", out.Sent)
	}
}

func TestSessionServerCompleteSkipsStop(t *testing.T) {
	tr := transporttest.New(transporttest.Script{
		AfterStart: []protocol.Message{{Type: protocol.TypeComplete}},
	})
	cfg := session.Config{
		Interval:       100 * time.Millisecond,
		Duration:       time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
	}
	if n := tr.SentOfType(protocol.TypeComplete); n != 0 {
		t.Fatalf("stop must not be sent after server complete, got %d", n)
	}
}

func TestSessionRemoteClose(t *testing.T) {
	t.Run("while streaming", func(t *testing.T) {
		tr := transporttest.New(transporttest.Script{CloseAfterStart: 30 * time.Millisecond})
		cfg := session.Config{
			Interval:       10 * time.Millisecond,
			Duration:       time.Second,
			ReceiveTimeout: 20 * time.Millisecond,
		}
		out := runSession(t, tr, cfg)
		if out.Kind != session.KindCompleted {
			t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
		}
	})

	t.Run("during handshake", func(t *testing.T) {
		tr := transporttest.New(transporttest.Script{WithholdAck: true})
		tr.CloseRemote()
		out := runSession(t, tr, quota(1))
		if out.Kind != session.KindFailed || out.Reason != session.ReasonTransportClosed {
			t.Fatalf("expected transport closed failure, got %s/%s", out.Kind, out.Reason)
		}
	})
}

func TestSessionIdleTimeout(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	cfg := session.Config{
		Interval:       time.Second,
		Duration:       5 * time.Second,
		IdleTimeout:    50 * time.Millisecond,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	out := runSession(t, tr, cfg)

	if out.Kind != session.KindTimedOut {
		t.Fatalf("expected idle timeout, got %s (%s)", out.Kind, out.Detail)
	}
}

func TestSessionStopCompletes(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	cfg := session.Config{
		Interval:       10 * time.Millisecond,
		Duration:       10 * time.Second,
		ReceiveTimeout: 20 * time.Millisecond,
	}
	s := session.New(1, tr, cfg)
	done := make(chan session.Outcome, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(60 * time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case out := <-done:
		if out.Kind != session.KindCompleted {
			t.Fatalf("expected completed, got %s (%s)", out.Kind, out.Detail)
		}
		if tr.SentOfType(protocol.TypeComplete) != 1 {
			t.Fatal("expected a stop message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionAbortWhileBlocked(t *testing.T) {
	tr := transporttest.New(transporttest.Script{HangAfterSends: 1})
	cfg := quota(5)
	s := session.New(3, tr, cfg)
	done := make(chan session.Outcome, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for s.State() != session.StateStreaming && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	aborted := s.Abort(errors.New("grace expired"))
	if aborted.Kind != session.KindFailed || aborted.Reason != session.ReasonAborted {
		t.Fatalf("expected aborted failure, got %s/%s", aborted.Kind, aborted.Reason)
	}
	if aborted.State != session.StateError {
		t.Fatalf("aborted outcome state = %s, want error", aborted.State)
	}

	select {
	case out := <-done:
		if out.Reason != session.ReasonAborted {
			t.Fatalf("Run must report the aborted outcome, got %s", out.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Abort")
	}
}

func TestSessionInterruptedWhileConnecting(t *testing.T) {
	tests := []struct {
		name    string
		cfg     session.Config
		stop    bool
		wantMsg string
	}{
		{
			name:    "deadline",
			cfg:     session.Config{Interval: 50 * time.Millisecond, Duration: 100 * time.Millisecond},
			wantMsg: "deadline",
		},
		{
			name:    "stop",
			cfg:     session.Config{Interval: 50 * time.Millisecond, Messages: 3},
			stop:    true,
			wantMsg: "stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transporttest.New(transporttest.Script{OpenDelay: 3 * time.Second})
			s := session.New(1, tr, tt.cfg)
			if tt.stop {
				time.AfterFunc(50*time.Millisecond, s.Stop)
			}

			start := time.Now()
			out := s.Run(context.Background())
			elapsed := time.Since(start)

			if elapsed > time.Second {
				t.Fatalf("session waited %s for a stalled dial", elapsed)
			}
			if out.Kind != session.KindTimedOut || out.Reason != session.ReasonTimeout {
				t.Fatalf("expected timed out, got %s/%s (%s)", out.Kind, out.Reason, out.Detail)
			}
			if out.State != session.StateError || !strings.Contains(out.Detail, tt.wantMsg) {
				t.Errorf("state = %s, detail = %q; want error state mentioning %q", out.State, out.Detail, tt.wantMsg)
			}
			if tr.CloseCalls() == 0 {
				t.Error("stalled dial must be torn down by Close")
			}
		})
	}
}

func TestSessionGraphQLWSDialect(t *testing.T) {
	tr := transporttest.New(transporttest.Script{})
	cfg := quota(1)
	cfg.Dialect = protocol.GraphQLWS
	cfg.AuthToken = "secret"
	cfg.Payload = "subscription { ticks }"
	out := runSession(t, tr, cfg, session.WithSubscriptionID("fixed-id"))

	if out.Kind != session.KindCompleted || out.SubscriptionID != "fixed-id" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	sent := tr.Sent()
	if tok, _ := sent[0].Payload["authToken"].(string); tok != "secret" {
		t.Fatalf("init payload = %v", sent[0].Payload)
	}
	if q, _ := sent[1].Payload["query"].(string); q != cfg.Payload {
		t.Fatalf("start payload = %v", sent[1].Payload)
	}
}
