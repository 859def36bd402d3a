// Package report aggregates session outcomes into a simulation report.
package report

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/torosent/swarmfire/internal/clientmetrics"
	"github.com/torosent/swarmfire/internal/session"
)

// ErrIncomplete is returned when an outcome has not been finalized.
var ErrIncomplete = errors.New("report: session outcome is not terminal")

const (
	maxSessionDuration = 24 * time.Hour
	maxHandshake       = time.Minute
)

// Report is the aggregate view of one simulation run.
type Report struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	Target    string    `json:"target,omitempty" yaml:"target,omitempty"`
	Dialect   string    `json:"dialect,omitempty" yaml:"dialect,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`

	WallClock   time.Duration `json:"-" yaml:"-"`
	WallClockMs float64       `json:"wall_clock_ms" yaml:"wall_clock_ms"`

	Sessions  int `json:"sessions" yaml:"sessions"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
	TimedOut  int `json:"timed_out" yaml:"timed_out"`

	Sent              int64   `json:"messages_sent" yaml:"messages_sent"`
	Received          int64   `json:"messages_received" yaml:"messages_received"`
	Errors            int64   `json:"errors" yaml:"errors"`
	SentPerSecond     float64 `json:"sent_per_sec" yaml:"sent_per_sec"`
	ReceivedPerSecond float64 `json:"received_per_sec" yaml:"received_per_sec"`

	// Failures counts unsuccessful sessions by reason.
	Failures map[string]int `json:"failures,omitempty" yaml:"failures,omitempty"`

	SessionDuration Distribution `json:"session_duration" yaml:"session_duration"`
	Handshake       Distribution `json:"handshake" yaml:"handshake"`

	// Wire holds frame and byte totals when the transport reports them.
	Wire *clientmetrics.Snapshot `json:"wire,omitempty" yaml:"wire,omitempty"`

	Outcomes []session.Outcome `json:"sessions_detail,omitempty" yaml:"sessions_detail,omitempty"`
}

// Build aggregates outcomes collected over wallClock. Every outcome must be
// terminal.
func Build(outcomes []session.Outcome, wallClock time.Duration) (Report, error) {
	for _, o := range outcomes {
		if !o.Terminal() {
			return Report{}, fmt.Errorf("%w: session %d", ErrIncomplete, o.SessionID)
		}
	}

	r := Report{
		RunID:       uuid.NewString(),
		WallClock:   wallClock,
		WallClockMs: millis(wallClock),
		Sessions:    len(outcomes),
		Outcomes:    append([]session.Outcome(nil), outcomes...),
	}

	durations := NewHistogram(maxSessionDuration)
	handshakes := NewHistogram(maxHandshake)

	for _, o := range outcomes {
		switch o.Kind {
		case session.KindCompleted:
			r.Completed++
		case session.KindFailed:
			r.Failed++
		case session.KindTimedOut:
			r.TimedOut++
		}
		if o.Kind != session.KindCompleted {
			if r.Failures == nil {
				r.Failures = map[string]int{}
			}
			r.Failures[reasonKey(o)]++
		}

		r.Sent += o.Sent
		r.Received += o.Received
		r.Errors += o.Errors

		if r.StartedAt.IsZero() || (!o.StartedAt.IsZero() && o.StartedAt.Before(r.StartedAt)) {
			r.StartedAt = o.StartedAt
		}
		durations.Record(o.Duration())
		handshakes.Record(o.HandshakeLatency)
	}

	if secs := wallClock.Seconds(); secs > 0 {
		r.SentPerSecond = float64(r.Sent) / secs
		r.ReceivedPerSecond = float64(r.Received) / secs
	}
	r.SessionDuration = durations.Distribution()
	r.Handshake = handshakes.Distribution()

	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].SessionID < r.Outcomes[j].SessionID
	})
	return r, nil
}

// Success reports whether no session failed or timed out.
func (r Report) Success() bool { return r.Unsuccessful() == 0 }

// Unsuccessful is the number of failed plus timed-out sessions.
func (r Report) Unsuccessful() int { return r.Failed + r.TimedOut }

// UnsuccessfulOutcomes returns the outcomes that did not complete, by session id.
func (r Report) UnsuccessfulOutcomes() []session.Outcome {
	var out []session.Outcome
	for _, o := range r.Outcomes {
		if o.Kind != session.KindCompleted {
			out = append(out, o)
		}
	}
	return out
}

func reasonKey(o session.Outcome) string {
	if o.Reason == session.ReasonNone {
		return o.Kind.String()
	}
	return o.Reason.String()
}
