// Package metrics collects live session metrics while a simulation runs.
//
// A [Collector] is registered as the session observer; every session reports
// its lifecycle events to it:
//
//	collector := metrics.NewCollector()
//	opts.Observer = collector
//	collector.Start()
//	result := runner.New(opts).Run(ctx)
//	stats := collector.Stats(result.Duration)
//
// The dashboard and progress reporter poll [Collector.Stats] and
// [Collector.Snapshot]; the latter also appends to a bounded history used
// for charting.
//
// Handshake and session duration percentiles come from hdrhistogram via
// report.Histogram. Failures are broken down by reason; [FlattenBreakdown]
// orders them for display.
package metrics
