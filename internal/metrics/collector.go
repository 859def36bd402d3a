package metrics

import (
	"sync"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/session"
)

const maxHistory = 3600

// Collector aggregates live session events. It implements session.Observer
// and is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	handshake *report.Histogram
	durations *report.Histogram
	started   int64
	active    int64
	completed int64
	failed    int64
	timedOut  int64
	sent      int64
	received  int64
	errors    int64
	failures  map[string]int64
	start     time.Time
	history   []Snapshot
}

var _ session.Observer = (*Collector)(nil)

// Stats represents aggregated live metrics.
type Stats struct {
	Started   int64 `json:"started"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Sent      int64 `json:"messages_sent"`
	Received  int64 `json:"messages_received"`
	Errors    int64 `json:"errors"`

	Handshake       report.Distribution `json:"handshake"`
	SessionDuration report.Distribution `json:"session_duration"`

	Elapsed        time.Duration  `json:"-"`
	ElapsedMs      float64        `json:"elapsed_ms"`
	SentPerSec     float64        `json:"sent_per_sec"`
	ReceivedPerSec float64        `json:"received_per_sec"`
	Failures       map[string]int `json:"failures,omitempty"`
}

// Finished is the number of sessions with a terminal outcome.
func (s Stats) Finished() int64 { return s.Completed + s.Failed + s.TimedOut }

// Snapshot is one point of the live time series.
type Snapshot struct {
	At             time.Time
	Active         int64
	Sent           int64
	Received       int64
	SentPerSec     float64
	ReceivedPerSec float64
	HandshakeP95   time.Duration
}

func NewCollector() *Collector {
	return &Collector{
		handshake: report.NewHistogram(time.Minute),
		durations: report.NewHistogram(24 * time.Hour),
		failures:  make(map[string]int64),
		start:     time.Now(),
	}
}

// Start marks the beginning of the run for rate calculations.
func (c *Collector) Start() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}

// Elapsed returns the time since Start.
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

func (c *Collector) SessionStarted(int) {
	c.mu.Lock()
	c.started++
	c.active++
	c.mu.Unlock()
}

func (c *Collector) MessageSent(int) {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *Collector) MessageReceived(int, protocol.Message) {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *Collector) SessionError(int, error) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) SessionFinished(o session.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	switch o.Kind {
	case session.KindCompleted:
		c.completed++
	case session.KindFailed:
		c.failed++
	case session.KindTimedOut:
		c.timedOut++
	}
	if o.Kind != session.KindCompleted {
		key := o.Reason.String()
		if key == "" {
			key = o.Kind.String()
		}
		c.failures[key]++
	}
	c.durations.Record(o.Duration())
	c.handshake.Record(o.HandshakeLatency)
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked(elapsed)
}

func (c *Collector) statsLocked(elapsed time.Duration) Stats {
	active := c.active
	if active < 0 {
		active = 0
	}
	stats := Stats{
		Started:         c.started,
		Active:          active,
		Completed:       c.completed,
		Failed:          c.failed,
		TimedOut:        c.timedOut,
		Sent:            c.sent,
		Received:        c.received,
		Errors:          c.errors,
		Handshake:       c.handshake.Distribution(),
		SessionDuration: c.durations.Distribution(),
		Elapsed:         elapsed,
		ElapsedMs:       float64(elapsed) / float64(time.Millisecond),
	}
	if elapsed > 0 {
		stats.SentPerSec = float64(c.sent) / elapsed.Seconds()
		stats.ReceivedPerSec = float64(c.received) / elapsed.Seconds()
	}
	if len(c.failures) > 0 {
		stats.Failures = make(map[string]int, len(c.failures))
		for k, v := range c.failures {
			stats.Failures[k] = int(v)
		}
	}
	return stats
}

// Snapshot records the current state into the history and returns it.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	stats := c.statsLocked(now.Sub(c.start))
	snap := Snapshot{
		At:             now,
		Active:         stats.Active,
		Sent:           stats.Sent,
		Received:       stats.Received,
		SentPerSec:     stats.SentPerSec,
		ReceivedPerSec: stats.ReceivedPerSec,
		HandshakeP95:   stats.Handshake.P95,
	}
	if n := len(c.history); n > 0 {
		prev := c.history[n-1]
		if dt := now.Sub(prev.At).Seconds(); dt > 0 {
			snap.SentPerSec = float64(snap.Sent-prev.Sent) / dt
			snap.ReceivedPerSec = float64(snap.Received-prev.Received) / dt
		}
	}
	c.history = append(c.history, snap)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	return snap
}

// History returns a copy of recorded snapshots.
func (c *Collector) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.history...)
}
