package report

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Distribution summarizes a set of durations.
type Distribution struct {
	Count int64         `json:"count" yaml:"count"`
	Min   time.Duration `json:"-" yaml:"-"`
	Max   time.Duration `json:"-" yaml:"-"`
	Mean  time.Duration `json:"-" yaml:"-"`
	P50   time.Duration `json:"-" yaml:"-"`
	P90   time.Duration `json:"-" yaml:"-"`
	P95   time.Duration `json:"-" yaml:"-"`
	P99   time.Duration `json:"-" yaml:"-"`

	MinMs  float64 `json:"min_ms" yaml:"min_ms"`
	MaxMs  float64 `json:"max_ms" yaml:"max_ms"`
	MeanMs float64 `json:"mean_ms" yaml:"mean_ms"`
	P50Ms  float64 `json:"p50_ms" yaml:"p50_ms"`
	P90Ms  float64 `json:"p90_ms" yaml:"p90_ms"`
	P95Ms  float64 `json:"p95_ms" yaml:"p95_ms"`
	P99Ms  float64 `json:"p99_ms" yaml:"p99_ms"`
}

// Histogram records durations with microsecond resolution and three
// significant figures. It is not safe for concurrent use.
type Histogram struct {
	hist *hdrhistogram.Histogram
	sum  time.Duration
	min  time.Duration
	max  time.Duration
}

// NewHistogram tracks values from 1µs up to highest.
func NewHistogram(highest time.Duration) *Histogram {
	us := highest.Microseconds()
	if us < 2 {
		us = 2
	}
	return &Histogram{hist: hdrhistogram.New(1, us, 3)}
}

// Record adds one value. Non-positive values are ignored.
func (h *Histogram) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	us := d.Microseconds()
	if us < h.hist.LowestTrackableValue() {
		us = h.hist.LowestTrackableValue()
	}
	if us > h.hist.HighestTrackableValue() {
		us = h.hist.HighestTrackableValue()
	}
	_ = h.hist.RecordValue(us)
	h.sum += d
	if h.min == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
}

func (h *Histogram) Count() int64 { return h.hist.TotalCount() }

// Distribution computes the current summary.
func (h *Histogram) Distribution() Distribution {
	n := h.hist.TotalCount()
	if n == 0 {
		return Distribution{}
	}
	d := Distribution{
		Count: n,
		Min:   h.min,
		Max:   h.max,
		Mean:  h.sum / time.Duration(n),
		P50:   quantile(h.hist, 50),
		P90:   quantile(h.hist, 90),
		P95:   quantile(h.hist, 95),
		P99:   quantile(h.hist, 99),
	}
	d.MinMs = millis(d.Min)
	d.MaxMs = millis(d.Max)
	d.MeanMs = millis(d.Mean)
	d.P50Ms = millis(d.P50)
	d.P90Ms = millis(d.P90)
	d.P95Ms = millis(d.P95)
	d.P99Ms = millis(d.P99)
	return d
}

func quantile(h *hdrhistogram.Histogram, q float64) time.Duration {
	return time.Duration(h.ValueAtQuantile(q)) * time.Microsecond
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
