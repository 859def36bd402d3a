package output

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/report"
	"github.com/torosent/swarmfire/internal/threshold"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt      string
	Report           report.Report
	History          []historyPoint
	HistoryJSON      string
	Failures         []metrics.Bucket
	Unsuccessful     []sessionRow
	ThresholdSummary *ThresholdSummary
	Metadata         ReportMetadata
}

// ReportMetadata contains configuration information about the run.
type ReportMetadata struct {
	Target   string
	Dialect  string
	Sessions int
	Interval time.Duration
	Duration time.Duration
	Messages int
}

// ThresholdSummary aggregates threshold results for display.
type ThresholdSummary struct {
	Total   int
	Passed  int
	Failed  int
	Results []ThresholdResultJSON
}

// ThresholdResultJSON is one threshold row.
type ThresholdResultJSON struct {
	Threshold string  `json:"threshold"`
	Metric    string  `json:"metric"`
	Aggregate string  `json:"aggregate"`
	Operator  string  `json:"operator"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
}

type historyPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	Active         int64     `json:"active"`
	SentPerSec     float64   `json:"sent_per_sec"`
	ReceivedPerSec float64   `json:"received_per_sec"`
	HandshakeP95Ms float64   `json:"handshake_p95_ms"`
}

type sessionRow struct {
	ID       int
	Kind     string
	Reason   string
	State    string
	Sent     int64
	Received int64
	Detail   string
}

// maxSessionRows caps the unsuccessful session table.
const maxSessionRows = 200

// GenerateHTMLReport generates a standalone HTML report with embedded charts.
func GenerateHTMLReport(w io.Writer, r report.Report, history []metrics.Snapshot, thresholdResults []threshold.Result, metadata ReportMetadata) error {
	var thresholdSummary *ThresholdSummary
	if len(thresholdResults) > 0 {
		thresholdSummary = &ThresholdSummary{
			Total:   len(thresholdResults),
			Results: make([]ThresholdResultJSON, len(thresholdResults)),
		}
		for i, tr := range thresholdResults {
			thresholdSummary.Results[i] = ThresholdResultJSON{
				Threshold: tr.Raw,
				Metric:    tr.Threshold.Metric,
				Aggregate: tr.Threshold.Aggregate,
				Operator:  tr.Threshold.Operator,
				Expected:  tr.Threshold.Value,
				Actual:    tr.Actual,
				Pass:      tr.Pass,
			}
			if tr.Pass {
				thresholdSummary.Passed++
			} else {
				thresholdSummary.Failed++
			}
		}
	}

	points := make([]historyPoint, len(history))
	for i, s := range history {
		points[i] = historyPoint{
			Timestamp:      s.At,
			Active:         s.Active,
			SentPerSec:     s.SentPerSec,
			ReceivedPerSec: s.ReceivedPerSec,
			HandshakeP95Ms: float64(s.HandshakeP95) / float64(time.Millisecond),
		}
	}
	historyJSON, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	var rows []sessionRow
	for _, o := range r.UnsuccessfulOutcomes() {
		if len(rows) == maxSessionRows {
			break
		}
		rows = append(rows, sessionRow{
			ID:       o.SessionID,
			Kind:     o.Kind.String(),
			Reason:   o.Reason.String(),
			State:    o.State.String(),
			Sent:     o.Sent,
			Received: o.Received,
			Detail:   o.Detail,
		})
	}

	if metadata.Target == "" {
		metadata.Target = r.Target
	}
	if metadata.Dialect == "" {
		metadata.Dialect = r.Dialect
	}

	data := HTMLReportData{
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Report:           r,
		History:          points,
		HistoryJSON:      string(historyJSON),
		Failures:         metrics.FlattenBreakdown(r.Failures),
		Unsuccessful:     rows,
		ThresholdSummary: thresholdSummary,
		Metadata:         metadata,
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": func(d time.Duration) string {
			return d.Round(time.Microsecond).String()
		},
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatPercent": func(part, total int) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Swarmfire Simulation Report</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            line-height: 1.6;
            padding: 20px;
        }
        .container {
            max-width: 1400px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        header {
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
            padding: 30px 40px;
        }
        header h1 {
            font-size: 2rem;
            margin-bottom: 10px;
        }
        header .meta {
            opacity: 0.9;
            font-size: 0.9rem;
        }
        .content {
            padding: 40px;
        }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(250px, 1fr));
            gap: 20px;
            margin-bottom: 40px;
        }
        .card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 20px;
            border-left: 4px solid #667eea;
        }
        .card h3 {
            font-size: 0.9rem;
            color: #6c757d;
            text-transform: uppercase;
            letter-spacing: 0.5px;
            margin-bottom: 10px;
        }
        .card .value {
            font-size: 2rem;
            font-weight: bold;
            color: #2c3e50;
        }
        .card .subvalue {
            font-size: 0.85rem;
            color: #6c757d;
            margin-top: 5px;
        }
        .card.success {
            border-left-color: #10b981;
        }
        .card.error {
            border-left-color: #ef4444;
        }
        .card.warning {
            border-left-color: #f59e0b;
        }
        .section {
            margin-bottom: 40px;
        }
        .section h2 {
            font-size: 1.5rem;
            margin-bottom: 20px;
            padding-bottom: 10px;
            border-bottom: 2px solid #e5e7eb;
        }
        .chart-container {
            background: white;
            border-radius: 8px;
            padding: 20px;
            margin-bottom: 30px;
            border: 1px solid #e5e7eb;
        }
        .chart-container h3 {
            font-size: 1.1rem;
            margin-bottom: 15px;
            color: #4b5563;
        }
        .chart {
            width: 100%;
            height: 300px;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            background: white;
        }
        th, td {
            text-align: left;
            padding: 12px;
            border-bottom: 1px solid #e5e7eb;
        }
        th {
            background: #f8f9fa;
            font-weight: 600;
            color: #4b5563;
            font-size: 0.9rem;
            text-transform: uppercase;
            letter-spacing: 0.5px;
        }
        tr:hover {
            background: #f8f9fa;
        }
        .badge {
            display: inline-block;
            padding: 4px 12px;
            border-radius: 12px;
            font-size: 0.85rem;
            font-weight: 600;
        }
        .badge-success {
            background: #d1fae5;
            color: #065f46;
        }
        .badge-error {
            background: #fee2e2;
            color: #991b1b;
        }
        .latency-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(150px, 1fr));
            gap: 15px;
            margin-top: 20px;
        }
        .latency-item {
            background: #f8f9fa;
            padding: 15px;
            border-radius: 6px;
            text-align: center;
        }
        .latency-item .label {
            font-size: 0.85rem;
            color: #6c757d;
            margin-bottom: 5px;
        }
        .latency-item .value {
            font-size: 1.3rem;
            font-weight: bold;
            color: #2c3e50;
        }
        .detail {
            color: #6c757d;
            font-size: 0.85rem;
        }
        .no-data {
            text-align: center;
            padding: 40px;
            color: #6c757d;
            font-style: italic;
        }
    </style>
    <script src="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.iife.min.js"></script>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.min.css">
</head>
<body>
    <div class="container">
        <header>
            <h1>🔥 Swarmfire Simulation Report</h1>
            {{if .Metadata.Target}}
            <div class="meta" style="margin-top: 5px;">Target: {{.Metadata.Target}}{{if .Metadata.Dialect}} ({{.Metadata.Dialect}}){{end}}</div>
            {{end}}
            <div class="meta">Run: {{.Report.RunID}} | Generated: {{.GeneratedAt}} | Wall clock: {{formatDuration .Report.WallClock}}</div>
        </header>

        <div class="content">
            <!-- Summary Cards -->
            <div class="grid">
                <div class="card">
                    <h3>Sessions</h3>
                    <div class="value">{{.Report.Sessions}}</div>
                </div>
                <div class="card success">
                    <h3>Completed</h3>
                    <div class="value">{{.Report.Completed}}</div>
                    <div class="subvalue">{{formatPercent .Report.Completed .Report.Sessions}}%</div>
                </div>
                <div class="card error">
                    <h3>Failed</h3>
                    <div class="value">{{.Report.Failed}}</div>
                    <div class="subvalue">{{formatPercent .Report.Failed .Report.Sessions}}%</div>
                </div>
                <div class="card warning">
                    <h3>Timed Out</h3>
                    <div class="value">{{.Report.TimedOut}}</div>
                    <div class="subvalue">{{formatPercent .Report.TimedOut .Report.Sessions}}%</div>
                </div>
                <div class="card">
                    <h3>Messages Sent</h3>
                    <div class="value">{{.Report.Sent}}</div>
                    <div class="subvalue">{{formatFloat .Report.SentPerSecond}}/sec</div>
                </div>
                <div class="card">
                    <h3>Messages Received</h3>
                    <div class="value">{{.Report.Received}}</div>
                    <div class="subvalue">{{formatFloat .Report.ReceivedPerSecond}}/sec</div>
                </div>
            </div>

            <!-- Charts Section -->
            {{if .History}}
            <div class="section">
                <h2>Activity Over Time</h2>

                <div class="chart-container">
                    <h3>Message Throughput</h3>
                    <div id="throughput-chart" class="chart"></div>
                </div>

                <div class="chart-container">
                    <h3>Active Sessions</h3>
                    <div id="active-chart" class="chart"></div>
                </div>
            </div>
            {{end}}

            <!-- Latency Statistics -->
            <div class="section">
                <h2>Handshake Latency</h2>
                {{template "distribution" .Report.Handshake}}
            </div>
            <div class="section">
                <h2>Session Duration</h2>
                {{template "distribution" .Report.SessionDuration}}
            </div>

            <!-- Failure Breakdown -->
            {{if .Failures}}
            <div class="section">
                <h2>Failure Breakdown</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Reason</th>
                            <th>Sessions</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .Failures}}
                        <tr>
                            <td><strong>{{.Label}}</strong> <span class="detail">{{.Reason}}</span></td>
                            <td>{{.Count}} ({{formatPercent .Count $.Report.Sessions}}%)</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Thresholds -->
            {{if .ThresholdSummary}}
            <div class="section">
                <h2>Thresholds ({{.ThresholdSummary.Passed}}/{{.ThresholdSummary.Total}} Passed)</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Threshold</th>
                            <th>Metric</th>
                            <th>Expected</th>
                            <th>Actual</th>
                            <th>Status</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .ThresholdSummary.Results}}
                        <tr>
                            <td>{{.Threshold}}</td>
                            <td>{{.Metric}} ({{.Aggregate}})</td>
                            <td>{{.Operator}} {{formatFloat .Expected}}</td>
                            <td>{{formatFloat .Actual}}</td>
                            <td>
                                {{if .Pass}}
                                <span class="badge badge-success">✓ PASS</span>
                                {{else}}
                                <span class="badge badge-error">✗ FAIL</span>
                                {{end}}
                            </td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Configuration Details -->
            {{if .Metadata.Sessions}}
            <div class="section">
                <h2>Run Configuration</h2>
                <table>
                    <tbody>
                        <tr><th>Sessions</th><td>{{.Metadata.Sessions}}</td></tr>
                        <tr><th>Interval</th><td>{{formatDuration .Metadata.Interval}}</td></tr>
                        {{if .Metadata.Duration}}<tr><th>Duration</th><td>{{formatDuration .Metadata.Duration}}</td></tr>{{end}}
                        {{if .Metadata.Messages}}<tr><th>Messages</th><td>{{.Metadata.Messages}}</td></tr>{{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Unsuccessful Sessions -->
            {{if .Unsuccessful}}
            <div class="section">
                <h2>Unsuccessful Sessions</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Session</th>
                            <th>Outcome</th>
                            <th>Reason</th>
                            <th>Last State</th>
                            <th>Sent</th>
                            <th>Received</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .Unsuccessful}}
                        <tr>
                            <td><strong>#{{.ID}}</strong></td>
                            <td><span class="badge badge-error">{{.Kind}}</span></td>
                            <td>{{.Reason}}{{if .Detail}}<div class="detail">{{.Detail}}</div>{{end}}</td>
                            <td>{{.State}}</td>
                            <td>{{.Sent}}</td>
                            <td>{{.Received}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}
        </div>
    </div>

    {{if .History}}
    <script>
        const historyJSON = {{.HistoryJSON}};
        const history = JSON.parse(historyJSON);

        if (history && history.length > 0) {
            const startTime = new Date(history[0].timestamp).getTime();
            const timestamps = history.map(d => (new Date(d.timestamp).getTime() - startTime) / 1000);

            new uPlot({
                title: "Messages Per Second",
                width: document.getElementById('throughput-chart').offsetWidth,
                height: 300,
                scales: { x: { time: false } },
                series: [
                    { label: "Time (s)" },
                    {
                        label: "Sent/s",
                        stroke: "#667eea",
                        fill: "rgba(102, 126, 234, 0.1)",
                        width: 2
                    },
                    {
                        label: "Received/s",
                        stroke: "#10b981",
                        width: 2
                    }
                ],
                axes: [
                    { label: "Time (seconds)" },
                    { label: "Messages/sec" }
                ]
            }, [
                timestamps,
                history.map(d => d.sent_per_sec),
                history.map(d => d.received_per_sec)
            ], document.getElementById('throughput-chart'));

            new uPlot({
                title: "Active Sessions",
                width: document.getElementById('active-chart').offsetWidth,
                height: 300,
                scales: { x: { time: false } },
                series: [
                    { label: "Time (s)" },
                    {
                        label: "Active",
                        stroke: "#f59e0b",
                        width: 2
                    },
                    {
                        label: "Ack P95 (ms)",
                        stroke: "#ef4444",
                        width: 2
                    }
                ],
                axes: [
                    { label: "Time (seconds)" },
                    { label: "Sessions / ms" }
                ]
            }, [
                timestamps,
                history.map(d => d.active),
                history.map(d => d.handshake_p95_ms)
            ], document.getElementById('active-chart'));
        }
    </script>
    {{end}}
</body>
</html>
{{define "distribution"}}
                {{if .Count}}
                <div class="latency-grid">
                    <div class="latency-item">
                        <div class="label">Min</div>
                        <div class="value">{{formatDuration .Min}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">Max</div>
                        <div class="value">{{formatDuration .Max}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">Mean</div>
                        <div class="value">{{formatDuration .Mean}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">P50</div>
                        <div class="value">{{formatDuration .P50}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">P90</div>
                        <div class="value">{{formatDuration .P90}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">P95</div>
                        <div class="value">{{formatDuration .P95}}</div>
                    </div>
                    <div class="latency-item">
                        <div class="label">P99</div>
                        <div class="value">{{formatDuration .P99}}</div>
                    </div>
                </div>
                {{else}}
                <div class="no-data">No samples recorded</div>
                {{end}}
{{end}}`
