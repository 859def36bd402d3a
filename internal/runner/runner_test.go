package runner_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/transport/transporttest"
)

type countingObserver struct {
	session.NopObserver
	finished atomic.Int64
}

func (c *countingObserver) SessionFinished(session.Outcome) { c.finished.Add(1) }

func kinds(outcomes []session.Outcome) map[session.Kind]int {
	counts := map[session.Kind]int{}
	for _, o := range outcomes {
		counts[o.Kind]++
	}
	return counts
}

func TestRunnerCompletesEverySession(t *testing.T) {
	pool := transporttest.Uniform(transporttest.Script{})
	obs := &countingObserver{}
	r := runner.New(runner.Options{
		Sessions:   8,
		Session:    session.Config{Interval: 10 * time.Millisecond, Messages: 2, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
		Observer:   obs,
	})
	res := r.Run(context.Background())

	if len(res.Outcomes) != 8 {
		t.Fatalf("expected 8 outcomes, got %d", len(res.Outcomes))
	}
	for i, o := range res.Outcomes {
		if o.SessionID != i+1 {
			t.Fatalf("slot %d holds session %d", i, o.SessionID)
		}
		if o.Kind != session.KindCompleted {
			t.Fatalf("session %d: %s (%s)", o.SessionID, o.Kind, o.Detail)
		}
		if o.Sent != 2 {
			t.Fatalf("session %d sent %d, want 2", o.SessionID, o.Sent)
		}
	}
	if got := obs.finished.Load(); got != 8 {
		t.Fatalf("observer saw %d finished sessions, want 8", got)
	}
	if res.Aborted != 0 {
		t.Fatalf("expected no aborts, got %d", res.Aborted)
	}
}

// TestRunnerIsolatesFailures forces one mid-stream transport failure among five.
func TestRunnerIsolatesFailures(t *testing.T) {
	pool := transporttest.NewPool(func(id int) transporttest.Script {
		if id == 3 {
			return transporttest.Script{FailAfterSends: 1}
		}
		return transporttest.Script{}
	})
	r := runner.New(runner.Options{
		Sessions:   5,
		Duration:   300 * time.Millisecond,
		Session:    session.Config{Interval: 50 * time.Millisecond, Duration: 300 * time.Millisecond, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
	})
	res := r.Run(context.Background())

	counts := kinds(res.Outcomes)
	if counts[session.KindCompleted] != 4 || counts[session.KindFailed] != 1 {
		t.Fatalf("expected 4 completed / 1 failed, got %v", counts)
	}
	if failed := res.Outcomes[2]; failed.Kind != session.KindFailed || failed.Reason != session.ReasonTransport {
		t.Fatalf("session 3: %s/%s", failed.Kind, failed.Reason)
	}
}

func TestRunnerDurationMode(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for two seconds")
	}
	pool := transporttest.Uniform(transporttest.Script{})
	r := runner.New(runner.Options{
		Sessions:   5,
		Duration:   2 * time.Second,
		Session:    session.Config{Interval: 500 * time.Millisecond, Duration: 2 * time.Second, ReceiveTimeout: 100 * time.Millisecond},
		Transports: pool.Factory(),
	})
	res := r.Run(context.Background())

	var sent, received int64
	for _, o := range res.Outcomes {
		if o.Kind != session.KindCompleted {
			t.Fatalf("session %d: %s (%s)", o.SessionID, o.Kind, o.Detail)
		}
		sent += o.Sent
		received += o.Received
	}
	if sent < 15 || sent > 25 {
		t.Fatalf("expected about 20 messages sent, got %d", sent)
	}
	if received != 0 {
		t.Fatalf("expected nothing received, got %d", received)
	}
}

func TestRunnerDeadlineReachesStalledDials(t *testing.T) {
	tests := []struct {
		name string
		pool time.Duration
	}{
		{"session deadline", 0},
		{"pool ceiling", 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := transporttest.Uniform(transporttest.Script{OpenDelay: 3 * time.Second})
			r := runner.New(runner.Options{
				Sessions:   2,
				Duration:   tt.pool,
				Session:    session.Config{Interval: 100 * time.Millisecond, Duration: 300 * time.Millisecond},
				Transports: pool.Factory(),
			})

			res := r.Run(context.Background())
			if res.Duration > time.Second {
				t.Fatalf("run took %s, want about 300ms", res.Duration)
			}
			for _, o := range res.Outcomes {
				if o.Kind != session.KindTimedOut || o.Reason != session.ReasonTimeout {
					t.Fatalf("session %d: %s/%s (%s)", o.SessionID, o.Kind, o.Reason, o.Detail)
				}
			}
			if res.Aborted != 0 {
				t.Fatalf("expected no aborts, got %d", res.Aborted)
			}
		})
	}
}

func TestRunnerUnknownTagFailsOnlyThatSession(t *testing.T) {
	pool := transporttest.NewPool(func(id int) transporttest.Script {
		if id == 2 {
			return transporttest.Script{AfterStart: []protocol.Message{{Type: protocol.TypeUnknown, Tag: "bogus"}}}
		}
		return transporttest.Script{}
	})
	r := runner.New(runner.Options{
		Sessions:   4,
		Session:    session.Config{Interval: 20 * time.Millisecond, Messages: 5, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
	})
	res := r.Run(context.Background())

	for _, o := range res.Outcomes {
		want := session.KindCompleted
		if o.SessionID == 2 {
			want = session.KindFailed
			if o.Reason != session.ReasonProtocolViolation {
				t.Fatalf("session 2 reason = %s", o.Reason)
			}
		}
		if o.Kind != want {
			t.Fatalf("session %d: %s, want %s", o.SessionID, o.Kind, want)
		}
	}
}

func TestRunnerAbortsSessionsAfterGrace(t *testing.T) {
	pool := transporttest.NewPool(func(id int) transporttest.Script {
		if id == 1 {
			return transporttest.Script{HangAfterSends: 1}
		}
		return transporttest.Script{}
	})
	r := runner.New(runner.Options{
		Sessions:   3,
		Duration:   100 * time.Millisecond,
		Grace:      50 * time.Millisecond,
		Session:    session.Config{Interval: 20 * time.Millisecond, Duration: 100 * time.Millisecond, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
	})

	start := time.Now()
	res := r.Run(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("runner hung for %s", elapsed)
	}

	if res.Aborted != 1 {
		t.Fatalf("expected one aborted session, got %d", res.Aborted)
	}
	hung := res.Outcomes[0]
	if hung.Kind != session.KindFailed || hung.Reason != session.ReasonAborted {
		t.Fatalf("session 1: %s/%s", hung.Kind, hung.Reason)
	}
	for _, o := range res.Outcomes[1:] {
		if o.Kind != session.KindCompleted {
			t.Fatalf("session %d: %s (%s)", o.SessionID, o.Kind, o.Detail)
		}
	}
}

func TestRunnerExternalCancellation(t *testing.T) {
	pool := transporttest.Uniform(transporttest.Script{})
	r := runner.New(runner.Options{
		Sessions:   3,
		Session:    session.Config{Interval: 10 * time.Millisecond, Messages: 10000, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := r.Run(ctx)

	for _, o := range res.Outcomes {
		if o.Kind != session.KindCompleted {
			t.Fatalf("session %d: %s (%s)", o.SessionID, o.Kind, o.Detail)
		}
		if o.Sent == 0 || o.Sent >= 10000 {
			t.Fatalf("session %d sent %d", o.SessionID, o.Sent)
		}
		if pool.Get(o.SessionID).SentOfType(protocol.TypeComplete) != 1 {
			t.Fatalf("session %d did not send stop", o.SessionID)
		}
	}
}

func TestRunnerSpawnRatePacesSessions(t *testing.T) {
	pool := transporttest.Uniform(transporttest.Script{})
	r := runner.New(runner.Options{
		Sessions:   5,
		SpawnRate:  50,
		Session:    session.Config{Interval: 10 * time.Millisecond, Messages: 1, ReceiveTimeout: 20 * time.Millisecond},
		Transports: pool.Factory(),
	})
	res := r.Run(context.Background())

	if res.Duration < 70*time.Millisecond {
		t.Fatalf("expected paced spawning, run took %s", res.Duration)
	}
	first, last := res.Outcomes[0].StartedAt, res.Outcomes[4].StartedAt
	if !last.After(first) {
		t.Fatalf("last session started at %s, first at %s", last, first)
	}
	if counts := kinds(res.Outcomes); counts[session.KindCompleted] != 5 {
		t.Fatalf("expected all completed, got %v", counts)
	}
}

func TestRunnerPersonalizesSessions(t *testing.T) {
	pool := transporttest.Uniform(transporttest.Script{})
	r := runner.New(runner.Options{
		Sessions: 3,
		Session: session.Config{
			Interval: 10 * time.Millisecond, Messages: 1, ReceiveTimeout: 20 * time.Millisecond,
			Payload: "base",
		},
		Personalize: func(id int, cfg session.Config) session.Config {
			cfg.AuthToken = fmt.Sprintf("token-%d", id)
			return cfg
		},
		Transports: pool.Factory(),
	})
	res := r.Run(context.Background())

	if counts := kinds(res.Outcomes); counts[session.KindCompleted] != 3 {
		t.Fatalf("expected all completed, got %v", counts)
	}
	for id := 1; id <= 3; id++ {
		init := pool.Get(id).Sent()[0]
		if init.Type != protocol.TypeInit {
			t.Fatalf("session %d first message = %s, want init", id, init.Type)
		}
		if got, want := init.Payload["token"], fmt.Sprintf("token-%d", id); got != want {
			t.Errorf("session %d token = %v, want %s", id, got, want)
		}
	}
}
