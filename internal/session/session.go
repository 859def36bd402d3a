// Package session drives one simulated client through the handshake and
// subscription lifecycle over a single transport and produces exactly one
// terminal Outcome.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/tracing"
	"github.com/torosent/swarmfire/internal/transport"
)

const (
	defaultAckTimeout     = 10 * time.Second
	defaultReceiveTimeout = time.Second
	inboundBuffer         = 16
)

var (
	errStopped  = errors.New("stop requested")
	errDeadline = errors.New("session deadline reached")
)

// Config is the per-session view of a simulation.
type Config struct {
	Interval time.Duration // cadence between application messages
	Duration time.Duration // session lifetime; takes precedence over Messages
	Messages int           // application message quota when Duration is zero

	Payload   string // subscription document
	AuthToken string
	Dialect   *protocol.Dialect

	AckTimeout     time.Duration // max wait from open to ack
	ReceiveTimeout time.Duration // per Receive poll
	IdleTimeout    time.Duration // max silence while streaming (0 disables)
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Duration < 0 {
		c.Duration = 0
	}
	if c.Duration == 0 && c.Messages <= 0 {
		c.Messages = 1
	}
	if c.Dialect == nil {
		c.Dialect = protocol.Envelope
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithObserver registers the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the logger used for verbose session tracing.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the session span.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithSubscriptionID overrides the generated subscription id.
func WithSubscriptionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.subscriptionID = id
		}
	}
}

// Session owns one transport and one state machine for its whole lifetime.
type Session struct {
	id             int
	subscriptionID string
	cfg            Config
	transport      transport.Transport
	machine        *Machine
	observer       Observer
	logger         *slog.Logger
	tracer         trace.Tracer

	sent      atomic.Int64
	received  atomic.Int64
	errs      atomic.Int64
	handshake atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	startedAt time.Time
	outcome   Outcome
	done      chan struct{}
}

// New creates a session with the given id over t.
func New(id int, t transport.Transport, cfg Config, opts ...Option) *Session {
	cfg.normalize()
	s := &Session{
		id:             id,
		subscriptionID: ulid.Make().String(),
		cfg:            cfg,
		transport:      t,
		observer:       NopObserver{},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:         noop.NewTracerProvider().Tracer("swarmfire"),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = NewMachine(s.subscriptionID)
	s.logger = s.logger.With("session", id, "subscription", s.subscriptionID)
	return s
}

func (s *Session) ID() int { return s.id }

// SubscriptionID returns the id carried by the start message.
func (s *Session) SubscriptionID() string { return s.subscriptionID }

// State returns the current protocol state.
func (s *Session) State() State { return s.machine.State() }

// Done is closed once the outcome is final.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the terminal outcome and whether it has been set.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.outcome.Terminal()
}

// Stop asks the session to begin completing. It never blocks.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Abort forcibly closes the transport and records a Failed outcome unless the
// session already reached one.
func (s *Session) Abort(cause error) Outcome {
	if cause == nil {
		cause = errors.New("aborted")
	}
	_ = s.transport.Close()
	out, _ := s.finalize(KindFailed, &Error{Reason: ReasonAborted, Err: cause})
	return out
}

// Run drives the session until it reaches a terminal outcome.
func (s *Session) Run(ctx context.Context) Outcome {
	ctx, span := tracing.StartSessionSpan(ctx, s.tracer, s.id, s.subscriptionID)

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.observer.SessionStarted(s.id)

	out := s.run(ctx)

	var spanErr error
	if out.Kind != KindCompleted {
		spanErr = errors.New(out.Detail)
	}
	tracing.EndSpan(span, spanErr,
		attribute.String("swarmfire.outcome", out.Kind.String()),
		attribute.String("swarmfire.state", out.State.String()),
		attribute.Int64("swarmfire.sent", out.Sent),
		attribute.Int64("swarmfire.received", out.Received),
	)
	return out
}

type inbound struct {
	delivery transport.Delivery
	err      error
}

func (s *Session) run(ctx context.Context) Outcome {
	var deadline <-chan time.Time
	if s.cfg.Duration > 0 {
		timer := time.NewTimer(s.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	if err := s.machine.Begin(); err != nil {
		return s.fail(err)
	}
	select {
	case <-s.stop:
		return s.fail(timeoutError("stopped before connecting"))
	default:
	}
	s.logger.Debug("connecting")
	if err := s.open(ctx, deadline); err != nil {
		return s.fail(err)
	}
	openedAt := time.Now()
	if err := s.machine.Opened(); err != nil {
		return s.fail(err)
	}
	s.logger.Debug("connected")

	if err := s.send(ctx, s.cfg.Dialect.InitMessage(s.cfg.AuthToken)); err != nil {
		return s.fail(err)
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	in := make(chan inbound, inboundBuffer)
	go s.receive(recvCtx, in)

	handshake := time.NewTimer(s.cfg.AckTimeout)
	defer handshake.Stop()
	handshakeC := handshake.C

	var tick <-chan time.Time
	var idle *time.Timer
	var idleC <-chan time.Time
	resetIdle := func() {
		if idle != nil {
			idle.Reset(s.cfg.IdleTimeout)
		}
	}
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.interrupt(ctx, ctx.Err())
		case <-s.stop:
			return s.interrupt(ctx, errStopped)
		case <-deadline:
			return s.interrupt(ctx, errDeadline)
		case <-handshakeC:
			return s.fail(timeoutError("no ack within %s", s.cfg.AckTimeout))
		case <-idleC:
			return s.fail(timeoutError("no messages within %s", s.cfg.IdleTimeout))
		case <-tick:
			if done, err := s.sendApp(ctx); err != nil {
				return s.fail(err)
			} else if done {
				return s.complete(ctx)
			}
		case msg := <-in:
			if msg.err != nil {
				return s.fail(msg.err)
			}
			switch msg.delivery.Status {
			case transport.StatusNoMessage:
				continue
			case transport.StatusClosed:
				return s.remoteClosed()
			}

			effect, err := s.machine.Handle(msg.delivery.Message)
			if err != nil {
				return s.fail(err)
			}
			switch effect {
			case EffectAcked:
				handshake.Stop()
				handshakeC = nil
				s.handshake.Store(int64(time.Since(openedAt)))
				s.logger.Debug("acknowledged")
				if err := s.send(ctx, s.cfg.Dialect.StartMessage(s.subscriptionID, s.cfg.Payload)); err != nil {
					return s.fail(err)
				}
				if err := s.machine.Subscribed(); err != nil {
					return s.fail(err)
				}
				s.logger.Debug("subscription started")
				if s.cfg.IdleTimeout > 0 {
					idle = time.NewTimer(s.cfg.IdleTimeout)
					idleC = idle.C
				}
				ticker := time.NewTicker(s.cfg.Interval)
				defer ticker.Stop()
				tick = ticker.C
				if done, err := s.sendApp(ctx); err != nil {
					return s.fail(err)
				} else if done {
					return s.complete(ctx)
				}
			case EffectData:
				n := s.received.Add(1)
				s.observer.MessageReceived(s.id, msg.delivery.Message)
				s.logger.Debug("received event", "total", n)
				resetIdle()
			case EffectKeepalive:
				s.logger.Debug("keep-alive")
				resetIdle()
			case EffectServerComplete:
				s.logger.Debug("subscription completed by server")
				return s.closeCompleted()
			}
		}
	}
}

// open dials while watching the deadline, the stop signal and ctx. An
// interrupted dial is abandoned as a timeout; fail then closes the transport,
// which tears the dial down.
func (s *Session) open(ctx context.Context, deadline <-chan time.Time) error {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.transport.Open(openCtx) }()

	select {
	case err := <-result:
		if err != nil && ctx.Err() != nil {
			return timeoutError("cancelled while connecting")
		}
		return err
	case <-ctx.Done():
		return timeoutError("cancelled while connecting")
	case <-s.stop:
		return timeoutError("%v while connecting", errStopped)
	case <-deadline:
		return timeoutError("%v while connecting", errDeadline)
	}
}

// receive pumps transport deliveries to the control loop, which is the only
// goroutine that applies transitions.
func (s *Session) receive(ctx context.Context, out chan<- inbound) {
	for {
		d, err := s.transport.Receive(ctx, s.cfg.ReceiveTimeout)
		if ctx.Err() != nil {
			return
		}
		if err == nil && d.Status == transport.StatusNoMessage {
			continue
		}
		select {
		case out <- inbound{delivery: d, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil || d.Status == transport.StatusClosed {
			return
		}
	}
}

func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	if err := s.transport.Send(ctx, msg); err != nil {
		return err
	}
	s.logger.Debug("sent", "type", msg.Type.String())
	return nil
}

// sendApp emits one application message and reports whether the quota is met.
func (s *Session) sendApp(ctx context.Context) (bool, error) {
	if s.cfg.Duration == 0 && s.sent.Load() >= int64(s.cfg.Messages) {
		return true, nil
	}
	seq := s.sent.Load() + 1
	if err := s.send(ctx, protocol.AppMessage(s.subscriptionID, s.id, seq, time.Now())); err != nil {
		return false, err
	}
	s.sent.Add(1)
	s.observer.MessageSent(s.id)
	return s.cfg.Duration == 0 && seq >= int64(s.cfg.Messages), nil
}

// interrupt reacts to the deadline, a stop request or cancellation.
func (s *Session) interrupt(ctx context.Context, cause error) Outcome {
	state := s.machine.State()
	if state.Handshaking() {
		return s.fail(timeoutError("%v while %s", cause, state))
	}
	s.logger.Debug("completing", "cause", cause.Error())
	return s.complete(ctx)
}

// complete sends the stop message and closes the transport.
func (s *Session) complete(ctx context.Context) Outcome {
	if err := s.machine.Complete(); err != nil {
		return s.fail(err)
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Interval)
	defer cancel()
	if err := s.send(stopCtx, s.cfg.Dialect.StopMessage(s.subscriptionID)); err != nil {
		return s.fail(err)
	}
	return s.closeCompleted()
}

func (s *Session) closeCompleted() Outcome {
	if err := s.transport.Close(); err != nil {
		return s.fail(transport.Wrap("close", err))
	}
	if err := s.machine.Closed(); err != nil {
		return s.fail(err)
	}
	s.logger.Debug("disconnected", "received", s.received.Load(), "sent", s.sent.Load())
	out, _ := s.finalize(KindCompleted, nil)
	return out
}

func (s *Session) remoteClosed() Outcome {
	if s.machine.State() == StateStreaming {
		s.logger.Debug("connection closed by server")
		if err := s.machine.Complete(); err != nil {
			return s.fail(err)
		}
		return s.closeCompleted()
	}
	return s.fail(&Error{
		Reason: ReasonTransportClosed,
		Err:    errors.New("connection closed during " + s.machine.State().String()),
	})
}

// fail moves the machine to Error, closes the transport and records the
// outcome.
func (s *Session) fail(err error) Outcome {
	s.machine.Fail(err)
	s.errs.Add(1)
	s.observer.SessionError(s.id, err)
	s.logger.Debug("failed", "error", err.Error())
	_ = s.transport.Close()

	kind := KindFailed
	if Classify(err) == ReasonTimeout {
		kind = KindTimedOut
	}
	out, _ := s.finalize(kind, err)
	return out
}

// finalize records the terminal outcome once. Later calls return the stored
// outcome and false.
func (s *Session) finalize(kind Kind, err error) (Outcome, bool) {
	s.mu.Lock()
	if s.outcome.Terminal() {
		out := s.outcome
		s.mu.Unlock()
		return out, false
	}

	// Abort finalizes from outside the control goroutine and never touches
	// the machine, so unsuccessful outcomes record Error here.
	state := s.machine.State()
	if kind != KindCompleted {
		state = StateError
	}
	now := time.Now()
	started := s.startedAt
	if started.IsZero() {
		started = now
	}
	out := Outcome{
		SessionID:        s.id,
		SubscriptionID:   s.subscriptionID,
		Kind:             kind,
		Reason:           Classify(err),
		State:            state,
		Sent:             s.sent.Load(),
		Received:         s.received.Load(),
		Errors:           s.errs.Load(),
		StartedAt:        started,
		EndedAt:          now,
		HandshakeLatency: time.Duration(s.handshake.Load()),
	}
	if err != nil {
		out.Detail = err.Error()
	}
	out.DurationMs = float64(out.Duration()) / float64(time.Millisecond)
	out.HandshakeMs = float64(out.HandshakeLatency) / float64(time.Millisecond)
	s.outcome = out
	close(s.done)
	s.mu.Unlock()

	s.observer.SessionFinished(out)
	return out, true
}
