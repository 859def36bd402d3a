package dashboard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/swarmfire/internal/metrics"
)

const sparklineWidth = 100

// RunConfig holds simulation parameters for display.
type RunConfig struct {
	Target     string        // WebSocket endpoint
	Dialect    string        // Wire dialect
	Sessions   int           // Number of sessions in the pool
	Interval   time.Duration // Send interval per session
	Duration   time.Duration // Per-session lifetime (0 = message quota)
	Messages   int           // Per-session message quota
	SpawnRate  float64       // Sessions spawned per second (0 = all at once)
	ConfigFile string        // Path to config file if used
}

// Dashboard renders a live terminal UI for simulation metrics.
type Dashboard struct {
	collector    *metrics.Collector
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	// Widgets
	grid          *ui.Grid
	rateSparkline *widgets.SparklineGroup
	handshakePara *widgets.Paragraph
	activeGauge   *widgets.Gauge
	failureList   *widgets.List
	summaryPara   *widgets.Paragraph
	metricsPara   *widgets.Paragraph
	startTime     time.Time
	runConfig     RunConfig
}

// New creates a new Dashboard. shutdownFunc is invoked when the user presses
// q or Ctrl+C.
func New(collector *metrics.Collector, cfg RunConfig, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	d := newDashboard(collector, cfg, shutdownFunc)
	d.setupGrid()
	return d, nil
}

func newDashboard(collector *metrics.Collector, cfg RunConfig, shutdownFunc func()) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		collector:    collector,
		ctx:          ctx,
		cancel:       cancel,
		shutdownFunc: shutdownFunc,
		startTime:    time.Now(),
		runConfig:    cfg,
	}
	d.initWidgets()
	return d
}

func (d *Dashboard) initWidgets() {
	sparkline := widgets.NewSparkline()
	sparkline.Title = "Received/s"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.rateSparkline = widgets.NewSparklineGroup(sparkline)
	d.rateSparkline.Title = "Subscription Throughput"
	d.rateSparkline.BorderStyle.Fg = ui.ColorCyan

	d.handshakePara = widgets.NewParagraph()
	d.handshakePara.Title = "Handshake Latency"
	d.handshakePara.Text = "Min: 0ms\nMean: 0ms\nP50: 0ms\nP95: 0ms\nP99: 0ms"
	d.handshakePara.BorderStyle.Fg = ui.ColorCyan

	d.activeGauge = widgets.NewGauge()
	d.activeGauge.Title = "Active Sessions"
	d.activeGauge.Percent = 0
	d.activeGauge.BarColor = ui.ColorBlue
	d.activeGauge.BorderStyle.Fg = ui.ColorCyan
	d.activeGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.failureList = widgets.NewList()
	d.failureList.Title = "Failures"
	d.failureList.Rows = []string{"No failures"}
	d.failureList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.failureList.BorderStyle.Fg = ui.ColorCyan

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Simulation"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Sessions"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.22,
			ui.NewCol(0.5, d.activeGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.32,
			ui.NewCol(0.65, d.rateSparkline),
			ui.NewCol(0.35, d.handshakePara),
		),
		ui.NewRow(0.30,
			ui.NewCol(1.0, d.failureList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Stop() cancels the context once the runner has drained.
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes all widget data from the collector.
func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	stats := d.collector.Stats(d.collector.Elapsed())

	if history := d.collector.History(); len(history) > 0 {
		d.rateSparkline.Sparklines[0].Data = receivedSeries(history, sparklineWidth)
		last := history[len(history)-1]
		d.rateSparkline.Title = fmt.Sprintf(
			"Subscription Throughput | Sent: %.1f/s | Received: %.1f/s",
			last.SentPerSec,
			last.ReceivedPerSec,
		)
	}

	d.activeGauge.Percent = percent(stats.Active, int64(d.runConfig.Sessions))
	d.activeGauge.Label = fmt.Sprintf("%d / %d active", stats.Active, d.runConfig.Sessions)

	d.summaryPara.Text = fmt.Sprintf(
		"Target: %s\n%s\nElapsed: %s | Started: %d | Finished: %d",
		d.runConfig.Target,
		d.formatRunParams(),
		elapsed.Round(time.Second),
		stats.Started,
		stats.Finished(),
	)

	d.metricsPara.Text = formatSessionCounts(stats)

	d.handshakePara.Text = fmt.Sprintf(
		"Min:  %.2fms\nMean: %.2fms\nP50:  %.2fms\nP95:  %.2fms\nP99:  %.2fms",
		stats.Handshake.MinMs,
		stats.Handshake.MeanMs,
		stats.Handshake.P50Ms,
		stats.Handshake.P95Ms,
		stats.Handshake.P99Ms,
	)

	d.failureList.Rows = formatFailureRows(stats.Failures)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func formatSessionCounts(stats metrics.Stats) string {
	return fmt.Sprintf(
		"Completed:         %d\nFailed:            %d\nTimed Out:         %d\nMessages Sent:     %d\nMessages Received: %d\nErrors:            %d",
		stats.Completed,
		stats.Failed,
		stats.TimedOut,
		stats.Sent,
		stats.Received,
		stats.Errors,
	)
}

func formatFailureRows(failures map[string]int) []string {
	rows := metrics.FlattenBreakdown(failures)
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	maxRows := min(len(rows), 10)
	formatted := make([]string, 0, maxRows)
	for _, row := range rows[:maxRows] {
		formatted = append(formatted, fmt.Sprintf("[%s](fg:red) %d", row.Label, row.Count))
	}
	return formatted
}

// receivedSeries returns at most width trailing received-per-second samples.
func receivedSeries(history []metrics.Snapshot, width int) []float64 {
	if len(history) > width {
		history = history[len(history)-width:]
	}
	series := make([]float64, len(history))
	for i, s := range history {
		series[i] = s.ReceivedPerSec
	}
	return series
}

func percent(part, total int64) int {
	if total <= 0 || part <= 0 {
		return 0
	}
	if part >= total {
		return 100
	}
	return int(part * 100 / total)
}

// formatRunParams formats the run parameters for display.
func (d *Dashboard) formatRunParams() string {
	var parts []string

	if d.runConfig.Dialect != "" {
		parts = append(parts, fmt.Sprintf("Dialect: %s", d.runConfig.Dialect))
	}
	if d.runConfig.Sessions > 0 {
		parts = append(parts, fmt.Sprintf("Sessions: %d", d.runConfig.Sessions))
	}
	if d.runConfig.Interval > 0 {
		parts = append(parts, fmt.Sprintf("Interval: %s", d.runConfig.Interval))
	}
	if d.runConfig.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", d.runConfig.Duration))
	} else if d.runConfig.Messages > 0 {
		parts = append(parts, fmt.Sprintf("Messages: %d", d.runConfig.Messages))
	}
	if d.runConfig.SpawnRate > 0 {
		parts = append(parts, fmt.Sprintf("Spawn: %g/s", d.runConfig.SpawnRate))
	} else {
		parts = append(parts, "Spawn: all at once")
	}
	if d.runConfig.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", d.runConfig.ConfigFile))
	}

	return strings.Join(parts, " | ")
}
