// Package threshold evaluates pass/fail assertions against a simulation report.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/torosent/swarmfire/internal/report"
)

const (
	MetricSessionDuration   = "session_duration"
	MetricHandshakeDuration = "handshake_duration"
	MetricSessionsFailed    = "sessions_failed"
	MetricSessionsTimedOut  = "sessions_timed_out"
	MetricSessionsCompleted = "sessions_completed"
	MetricMessagesSent      = "messages_sent"
	MetricMessagesReceived  = "messages_received"
	MetricSessionErrors     = "session_errors"
)

var (
	thresholdPattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

	validMetrics = []string{
		MetricSessionDuration, MetricHandshakeDuration,
		MetricSessionsFailed, MetricSessionsTimedOut, MetricSessionsCompleted,
		MetricMessagesSent, MetricMessagesReceived, MetricSessionErrors,
	}
	validAggregates = []string{"p50", "p90", "p95", "p99", "avg", "min", "max", "rate", "count"}
	validOperators  = []string{"<", "<=", ">", ">=", "=="}
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "handshake_duration", "sessions_failed"
	Aggregate string  // e.g., "p95", "p99", "avg", "max", "rate", "count"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold `json:"-" yaml:"-"`
	Raw       string    `json:"threshold" yaml:"threshold"`
	Actual    float64   `json:"actual" yaml:"actual"`
	Pass      bool      `json:"pass" yaml:"pass"`
	Message   string    `json:"message" yaml:"message"`
}

// Evaluator evaluates thresholds against a report.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against r.
func (e *Evaluator) Evaluate(r report.Report) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, e.evaluateOne(t, r))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOne(t Threshold, r report.Report) Result {
	actual, err := extractMetricValue(t, r)
	if err != nil {
		return Result{
			Threshold: t,
			Raw:       t.Raw,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	return Result{
		Threshold: t,
		Raw:       t.Raw,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "handshake_duration:p95 < 500"   (percentile in ms)
// - "session_duration:avg < 2000"    (average session lifetime in ms)
// - "sessions_failed:count < 1"      (failed plus timed-out sessions)
// - "sessions_failed:rate < 0.01"    (fraction of all sessions)
// - "messages_received:rate > 100"   (events per second)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := thresholdPattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'handshake_duration:p95 < 500')", s)
	}

	metric := matches[1]
	aggregate := matches[2]
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	if !slices.Contains(validMetrics, metric) {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", metric, strings.Join(validMetrics, ", "))
	}
	if !slices.Contains(validAggregates, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate: %q (supported: %s)", aggregate, strings.Join(validAggregates, ", "))
	}
	if !slices.Contains(validOperators, operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: %s)", operator, strings.Join(validOperators, ", "))
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}

	return result, nil
}

func extractMetricValue(t Threshold, r report.Report) (float64, error) {
	switch t.Metric {
	case MetricSessionDuration:
		return extractDistribution(t, r.SessionDuration)
	case MetricHandshakeDuration:
		return extractDistribution(t, r.Handshake)
	case MetricSessionsFailed:
		return extractSessionCount(t, r.Unsuccessful(), r.Sessions)
	case MetricSessionsTimedOut:
		return extractSessionCount(t, r.TimedOut, r.Sessions)
	case MetricSessionsCompleted:
		return extractSessionCount(t, r.Completed, r.Sessions)
	case MetricMessagesSent:
		return extractMessages(t, r.Sent, r.SentPerSecond)
	case MetricMessagesReceived:
		return extractMessages(t, r.Received, r.ReceivedPerSecond)
	case MetricSessionErrors:
		if t.Aggregate != "count" {
			return 0, fmt.Errorf("unsupported aggregate %q for %s (use 'count')", t.Aggregate, t.Metric)
		}
		return float64(r.Errors), nil
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

func extractDistribution(t Threshold, d report.Distribution) (float64, error) {
	switch t.Aggregate {
	case "p50":
		return d.P50Ms, nil
	case "p90":
		return d.P90Ms, nil
	case "p95":
		return d.P95Ms, nil
	case "p99":
		return d.P99Ms, nil
	case "avg":
		return d.MeanMs, nil
	case "min":
		return d.MinMs, nil
	case "max":
		return d.MaxMs, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s", t.Aggregate, t.Metric)
	}
}

func extractSessionCount(t Threshold, n, total int) (float64, error) {
	switch t.Aggregate {
	case "count":
		return float64(n), nil
	case "rate":
		if total == 0 {
			return 0, nil
		}
		return float64(n) / float64(total), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s (use 'count' or 'rate')", t.Aggregate, t.Metric)
	}
}

func extractMessages(t Threshold, n int64, perSecond float64) (float64, error) {
	switch t.Aggregate {
	case "count":
		return float64(n), nil
	case "rate":
		return perSecond, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s (use 'count' or 'rate')", t.Aggregate, t.Metric)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
