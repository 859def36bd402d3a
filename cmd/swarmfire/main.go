package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/dashboard"
	"github.com/torosent/swarmfire/internal/feeder"
	"github.com/torosent/swarmfire/internal/logging"
	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/output"
	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/threshold"
	"github.com/torosent/swarmfire/internal/tracing"
	"github.com/torosent/swarmfire/internal/websocket"
)

const (
	progressInterval = time.Second
	historyInterval  = time.Second
	tracingFlush     = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// newRootCommand hands the raw arguments to the config loader, which owns the
// flag set so config files and flags share one precedence path.
func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "swarmfire",
		Short:              "Simulate a swarm of concurrent WebSocket subscription clients",
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	payload, err := cfg.ResolvePayload()
	if err != nil {
		return err
	}
	var dataset *feeder.Dataset
	if cfg.Feeder.Path != "" {
		dataset, err = feeder.Load(cfg.Feeder.Path, cfg.Feeder.Type)
		if err != nil {
			return err
		}
	}
	dialect, err := protocol.Lookup(cfg.Dialect)
	if err != nil {
		return err
	}
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	logger := logging.New(stderr, cfg.Verbose, cfg.LogFormat == "json")
	ctx = logging.NewContext(ctx, logger)

	tp, err := tracing.Init(ctx, tracingConfig(cfg.Tracing))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingFlush)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	factory := websocket.NewFactory(websocket.Config{
		URL:              cfg.TargetURL,
		Headers:          makeHeaders(cfg.Headers),
		Dialect:          dialect,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Propagate:        tp.ShouldPropagate(),
	})

	collector := metrics.NewCollector()
	opts := buildRunnerOptions(cfg, payload, dialect)
	opts.Transports = factory.New
	opts.Observer = collector
	opts.Logger = logger
	opts.Tracer = tp.Tracer()
	if dataset != nil {
		opts.Personalize = personalizeSession(dataset)
		logger.Debug("feeder loaded", "path", cfg.Feeder.Path, "records", dataset.Len())
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(collector, dashboardConfig(cfg), cancelRun)
		if err != nil {
			return err
		}
	}

	var progress *output.ProgressReporter
	if !cfg.Unattended() && !cfg.Dashboard {
		progress = output.NewProgressReporter(collector, cfg.Sessions, progressInterval, stderr)
	}

	logger.Info("starting simulation",
		"target", cfg.TargetURL,
		"sessions", cfg.Sessions,
		"dialect", dialect.Name(),
	)

	collector.Start()
	stopSampler := startHistorySampler(collector, historyInterval)
	if dash != nil {
		dash.Start()
	}
	if progress != nil {
		progress.Start()
	}

	result := runner.New(opts).Run(runCtx)

	stopSampler()
	if dash != nil {
		dash.Stop()
	}
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(stderr)
	}

	rep, err := report.Build(result.Outcomes, result.Duration)
	if err != nil {
		return err
	}
	rep.Target = cfg.TargetURL
	rep.Dialect = dialect.Name()
	wire := factory.Totals()
	rep.Wire = &wire

	results := threshold.NewEvaluator(thresholds).Evaluate(rep)

	if err := writeReport(stdout, cfg, rep, results); err != nil {
		return err
	}
	if cfg.HTMLOutput != "" {
		if err := writeHTMLReport(cfg, rep, collector.History(), results); err != nil {
			return err
		}
		logger.Info("HTML report written", "path", cfg.HTMLOutput)
	}

	return exitError(rep, results, cfg.MaxFailed)
}
