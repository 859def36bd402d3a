package runner

import (
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/torosent/swarmfire/internal/session"
	"github.com/torosent/swarmfire/internal/transport"
)

// ArrivalModel controls how session spawns are spaced when SpawnRate is set.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// Options configure the Runner.
type Options struct {
	Sessions  int           // number of concurrent sessions to spawn
	Duration  time.Duration // pool ceiling measured from Run (0 means none)
	Grace     time.Duration // time a stopped session gets before it is aborted
	SpawnRate float64       // sessions started per second (0 means all at once)

	ArrivalModel   ArrivalModel
	RandomSeed     int64
	PoissonSampler func() float64                  // optional injection for tests
	LimiterFactory func(rps float64) *rate.Limiter // optional injection for tests

	Session session.Config // per-session settings
	// Personalize derives the settings of one session from Session. Optional.
	Personalize func(sessionID int, cfg session.Config) session.Config

	Transports transport.Factory // builds one transport per session (required)
	Observer   session.Observer
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

func (o *Options) normalize() {
	if o.Sessions <= 0 {
		o.Sessions = 1
	}
	if o.Duration < 0 {
		o.Duration = 0
	}
	if o.SpawnRate < 0 {
		o.SpawnRate = 0
	}
	if o.Grace <= 0 {
		o.Grace = o.Session.Interval
	}
	if o.Grace <= 0 {
		o.Grace = time.Second
	}
	if o.ArrivalModel == "" {
		o.ArrivalModel = ArrivalModelUniform
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps float64) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			return rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
	if o.Observer == nil {
		o.Observer = session.NopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
