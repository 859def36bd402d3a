// Package runner orchestrates a pool of concurrent subscription sessions.
//
// A [Runner] spawns exactly [Options.Sessions] sessions, each in its own
// goroutine, and returns one terminal outcome per session in a [Result]:
//
//	r := runner.New(runner.Options{
//		Sessions:   50,
//		Duration:   time.Minute,
//		Session:    session.Config{Interval: time.Second, Duration: time.Minute},
//		Transports: factory,
//	})
//	result := r.Run(ctx)
//
// # Spawning
//
// Sessions start all at once unless [Options.SpawnRate] is set, in which case
// spawns are spaced by the configured arrival model:
//   - [ArrivalModelUniform]: fixed spacing through a rate.Limiter
//   - [ArrivalModelPoisson]: exponential inter-arrival times
//
// # Stopping
//
// A global stop is either cancellation of the context passed to Run or the
// [Options.Duration] ceiling. Every session is asked to stop and gets
// [Options.Grace] to close cleanly. Sessions still running after that are
// aborted and recorded as failed with reason aborted.
package runner
