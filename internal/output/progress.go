package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/swarmfire/internal/metrics"
)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	total     int
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
}

// NewProgressReporter creates a progress reporter that updates at the given
// interval. total is the configured session count.
func NewProgressReporter(collector *metrics.Collector, total int, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		total:     total,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, progressLine(p.collector.Stats(p.collector.Elapsed()), p.total))
		case <-p.done:
			return
		}
	}
}

func progressLine(stats metrics.Stats, total int) string {
	line := fmt.Sprintf("\rSessions: %d active, %d/%d finished | Sent: %d | Received: %d (%.1f/s) | Failed: %d",
		stats.Active, stats.Finished(), total, stats.Sent, stats.Received, stats.ReceivedPerSec,
		stats.Failed+stats.TimedOut)
	if stats.Handshake.Count > 0 {
		line += fmt.Sprintf(" | Ack P95: %.1fms", stats.Handshake.P95Ms)
	}
	return line
}
