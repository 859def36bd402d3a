package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/threshold"
)

// styles renders headings and pass/fail markers. Colors are dropped
// automatically when w is not a terminal.
type styles struct {
	heading lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		heading: r.NewStyle().Bold(true),
		good:    r.NewStyle().Foreground(lipgloss.Color("10")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// PrintReport outputs a human-readable summary report. With verbose set, every
// unsuccessful session is listed with its reason and detail.
func PrintReport(w io.Writer, r report.Report, verbose bool) {
	st := newStyles(w)

	fmt.Fprintf(w, "\n%s\n", st.heading.Render("--- Simulation Results ---"))
	fmt.Fprintf(w, "Run ID:            %s\n", st.muted.Render(r.RunID))
	if r.Target != "" {
		fmt.Fprintf(w, "Target:            %s\n", r.Target)
	}
	if r.Dialect != "" {
		fmt.Fprintf(w, "Dialect:           %s\n", r.Dialect)
	}
	fmt.Fprintf(w, "Sessions:          %d\n", r.Sessions)
	fmt.Fprintf(w, "Completed:         %s\n", st.good.Render(fmt.Sprint(r.Completed)))
	fmt.Fprintf(w, "Failed:            %s\n", countStyle(st, r.Failed).Render(fmt.Sprint(r.Failed)))
	fmt.Fprintf(w, "Timed Out:         %s\n", countStyle(st, r.TimedOut).Render(fmt.Sprint(r.TimedOut)))
	fmt.Fprintf(w, "Wall Clock:        %s\n", r.WallClock.Round(time.Millisecond))
	fmt.Fprintf(w, "Messages Sent:     %d (%.2f/sec)\n", r.Sent, r.SentPerSecond)
	fmt.Fprintf(w, "Messages Received: %d (%.2f/sec)\n", r.Received, r.ReceivedPerSecond)
	fmt.Fprintf(w, "Errors:            %d\n", r.Errors)
	if r.Wire != nil {
		fmt.Fprintf(w, "Bytes Sent:        %d\n", r.Wire.BytesSent)
		fmt.Fprintf(w, "Bytes Received:    %d\n", r.Wire.BytesReceived)
	}

	fmt.Fprintf(w, "\n%s\n", st.heading.Render("Handshake Latency:"))
	writeDistribution(w, r.Handshake)
	fmt.Fprintf(w, "\n%s\n", st.heading.Render("Session Duration:"))
	writeDistribution(w, r.SessionDuration)

	if rows := metrics.FlattenBreakdown(r.Failures); len(rows) > 0 {
		fmt.Fprintf(w, "\n%s\n", st.heading.Render("Failure Breakdown:"))
		for _, row := range rows {
			fmt.Fprintf(w, "  %s (%s): %d\n", row.Label, row.Reason, row.Count)
		}
	}

	if verbose {
		if failed := r.UnsuccessfulOutcomes(); len(failed) > 0 {
			fmt.Fprintf(w, "\n%s\n", st.heading.Render("Unsuccessful Sessions:"))
			for _, o := range failed {
				line := fmt.Sprintf("  #%d %s", o.SessionID, o.Kind)
				if o.Reason.String() != "" {
					line += fmt.Sprintf(" [%s]", o.Reason)
				}
				line += fmt.Sprintf(" state=%s sent=%d received=%d", o.State, o.Sent, o.Received)
				if o.Detail != "" {
					line += ": " + o.Detail
				}
				fmt.Fprintln(w, st.bad.Render(line))
			}
		}
	}
}

// PrintThresholds outputs one line per evaluated threshold.
func PrintThresholds(w io.Writer, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	st := newStyles(w)
	passed := 0
	for _, r := range results {
		if r.Pass {
			passed++
		}
	}
	fmt.Fprintf(w, "\n%s\n", st.heading.Render(fmt.Sprintf("Thresholds (%d/%d passed):", passed, len(results))))
	for _, r := range results {
		style := st.good
		if !r.Pass {
			style = st.bad
		}
		fmt.Fprintf(w, "  %s\n", style.Render(r.Message))
	}
}

// jsonReport is the machine-readable document for --json and --yaml.
type jsonReport struct {
	report.Report `yaml:",inline"`
	Thresholds    []threshold.Result `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, r report.Report, results []threshold.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{Report: r, Thresholds: results})
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, r report.Report, results []threshold.Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(jsonReport{Report: r, Thresholds: results}); err != nil {
		return err
	}
	return enc.Close()
}

func writeDistribution(w io.Writer, d report.Distribution) {
	if d.Count == 0 {
		fmt.Fprintln(w, "  None")
		return
	}
	fmt.Fprintf(w, "  Min:             %s\n", d.Min)
	fmt.Fprintf(w, "  Max:             %s\n", d.Max)
	fmt.Fprintf(w, "  Mean:            %s\n", d.Mean)
	fmt.Fprintf(w, "  P50:             %s\n", d.P50)
	fmt.Fprintf(w, "  P90:             %s\n", d.P90)
	fmt.Fprintf(w, "  P95:             %s\n", d.P95)
	fmt.Fprintf(w, "  P99:             %s\n", d.P99)
}

func countStyle(st styles, n int) lipgloss.Style {
	if n > 0 {
		return st.bad
	}
	return st.good
}
