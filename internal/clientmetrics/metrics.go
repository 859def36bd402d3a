// Package clientmetrics tracks wire-level counters for one connection.
package clientmetrics

import (
	"sync"
	"time"
)

// ClientMetrics tracks connection and frame statistics for a transport.
type ClientMetrics struct {
	mu           sync.Mutex
	connectTime  time.Time
	connected    time.Duration
	messagesSent int64
	messagesRecv int64
	bytesSent    int64
	bytesRecv    int64
	errors       int64
}

// New creates a new ClientMetrics instance.
func New() *ClientMetrics {
	return &ClientMetrics{}
}

// MarkConnected records the connection time.
func (m *ClientMetrics) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTime = time.Now()
}

// MarkDisconnected freezes the connection duration.
func (m *ClientMetrics) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connectTime.IsZero() {
		m.connected += time.Since(m.connectTime)
		m.connectTime = time.Time{}
	}
}

// IncrementSent counts one frame of n bytes written.
func (m *ClientMetrics) IncrementSent(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent++
	m.bytesSent += n
}

// IncrementReceived counts one frame of n bytes read.
func (m *ClientMetrics) IncrementReceived(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesRecv++
	m.bytesRecv += n
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionDuration time.Duration `json:"-" yaml:"-"`
	Connections        int64         `json:"connections" yaml:"connections"`
	MessagesSent       int64         `json:"frames_sent" yaml:"frames_sent"`
	MessagesReceived   int64         `json:"frames_received" yaml:"frames_received"`
	BytesSent          int64         `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived      int64         `json:"bytes_received" yaml:"bytes_received"`
	Errors             int64         `json:"errors" yaml:"errors"`
}

// Add returns the field-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		ConnectionDuration: s.ConnectionDuration + o.ConnectionDuration,
		Connections:        s.Connections + o.Connections,
		MessagesSent:       s.MessagesSent + o.MessagesSent,
		MessagesReceived:   s.MessagesReceived + o.MessagesReceived,
		BytesSent:          s.BytesSent + o.BytesSent,
		BytesReceived:      s.BytesReceived + o.BytesReceived,
		Errors:             s.Errors + o.Errors,
	}
}

// Snapshot returns a consistent snapshot of all metrics.
func (m *ClientMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.connected
	if !m.connectTime.IsZero() {
		duration += time.Since(m.connectTime)
	}
	var conns int64
	if duration > 0 {
		conns = 1
	}

	return Snapshot{
		ConnectionDuration: duration,
		Connections:        conns,
		MessagesSent:       m.messagesSent,
		MessagesReceived:   m.messagesRecv,
		BytesSent:          m.bytesSent,
		BytesReceived:      m.bytesRecv,
		Errors:             m.errors,
	}
}
