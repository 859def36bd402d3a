package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/torosent/swarmfire/internal/session"
)

// errGraceExpired is the abort cause for sessions that outlive their grace.
var errGraceExpired = errors.New("grace period expired")

// Result captures execution summary.
type Result struct {
	Outcomes []session.Outcome // indexed by session id - 1
	Started  time.Time
	Duration time.Duration
	Aborted  int
}

// Runner spawns the session pool and collects exactly one outcome per session.
type Runner struct {
	opt     Options
	arrival arrivalController
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt, arrival: newArrivalController(opt)}
}

// pool tracks spawned sessions so a global stop can reach every one of them.
type pool struct {
	mu       sync.Mutex
	sessions []*session.Session
	stopped  bool
}

func (p *pool) add(i int, s *session.Session) {
	p.mu.Lock()
	p.sessions[i] = s
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		s.Stop()
	}
}

func (p *pool) stopAll() {
	p.mu.Lock()
	p.stopped = true
	spawned := append([]*session.Session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range spawned {
		if s != nil {
			s.Stop()
		}
	}
}

func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	n := r.opt.Sessions
	log := r.opt.Logger

	p := &pool{sessions: make([]*session.Session, n)}

	// spawnCtx ends on global stop so pacing never delays the remaining spawns.
	spawnCtx, cancelSpawn := context.WithCancel(ctx)
	defer cancelSpawn()

	var wg sync.WaitGroup
	wg.Add(n)
	spawnDone := make(chan struct{})

	go func() {
		defer close(spawnDone)
		pacing := r.opt.SpawnRate > 0
		for i := 0; i < n; i++ {
			// The first Wait drains the limiter's initial token.
			if pacing {
				if err := r.arrival.Wait(spawnCtx); err != nil {
					pacing = false
				}
			}
			s := r.newSession(i + 1)
			p.add(i, s)
			go func() {
				defer wg.Done()
				s.Run(ctx)
			}()
		}
		log.Debug("all sessions spawned", "sessions", n, "elapsed", time.Since(start))
	}()

	allDone := make(chan struct{})
	go func() {
		<-spawnDone
		wg.Wait()
		close(allDone)
	}()

	var ceiling <-chan time.Time
	if r.opt.Duration > 0 {
		timer := time.NewTimer(r.opt.Duration)
		defer timer.Stop()
		ceiling = timer.C
	}

	aborted := 0
	select {
	case <-allDone:
	case <-ctx.Done():
		log.Info("interrupted, stopping sessions")
		aborted = r.stop(p, cancelSpawn, spawnDone, allDone)
	case <-ceiling:
		log.Debug("duration reached, stopping sessions", "duration", r.opt.Duration)
		aborted = r.stop(p, cancelSpawn, spawnDone, allDone)
	}

	res := Result{
		Outcomes: make([]session.Outcome, n),
		Started:  start,
		Duration: time.Since(start),
		Aborted:  aborted,
	}
	for i, s := range p.sessions {
		out, ok := s.Outcome()
		if !ok {
			// Unreachable once every session has been finalized or aborted.
			out = s.Abort(fmt.Errorf("session %d left without an outcome", i+1))
		}
		res.Outcomes[i] = out
	}
	return res
}

// stop signals every session, waits out the grace period and aborts whatever
// is still running. It returns the number of aborted sessions.
func (r *Runner) stop(p *pool, cancelSpawn context.CancelFunc, spawnDone, allDone <-chan struct{}) int {
	p.stopAll()
	cancelSpawn()

	grace := time.NewTimer(r.opt.Grace)
	defer grace.Stop()
	select {
	case <-allDone:
		return 0
	case <-grace.C:
	}

	<-spawnDone
	aborted := 0
	for _, s := range p.sessions {
		select {
		case <-s.Done():
			continue
		default:
		}
		out := s.Abort(errGraceExpired)
		if out.Reason == session.ReasonAborted {
			aborted++
		}
	}
	if aborted > 0 {
		r.opt.Logger.Warn("aborted sessions after grace period", "count", aborted, "grace", r.opt.Grace)
	}

	// Aborted sessions have a final outcome already; give their goroutines a
	// bounded window to unwind.
	linger := time.NewTimer(r.opt.Grace)
	defer linger.Stop()
	select {
	case <-allDone:
	case <-linger.C:
		r.opt.Logger.Warn("session goroutines still unwinding after abort")
	}
	return aborted
}

func (r *Runner) newSession(id int) *session.Session {
	cfg := r.opt.Session
	if r.opt.Personalize != nil {
		cfg = r.opt.Personalize(id, cfg)
	}
	return session.New(id, r.opt.Transports(id), cfg,
		session.WithObserver(r.opt.Observer),
		session.WithLogger(r.opt.Logger),
		session.WithTracer(r.opt.Tracer),
	)
}
