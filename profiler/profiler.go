// Package profiler - Per-stage timing of the prediction pipeline.
package profiler

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// DefaultMaxSamples bounds the durations kept per stage for the percentiles.
const DefaultMaxSamples = 1000

// TimeTracker tracks timing statistics of one stage.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Summary is the report of one stage.
type Summary struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	// P50 and P95 are computed over the retained samples only.
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// StageProfiler accumulates operation timings by name. It is safe for concurrent use.
type StageProfiler struct {
	mu         sync.Mutex
	maxSamples int
	order      []string
	stages     map[string]*TimeTracker
	startTime  time.Time
}

// NewStageProfiler creates a profiler keeping at most maxSamples durations per
// stage. Zero means DefaultMaxSamples.
func NewStageProfiler(maxSamples int) *StageProfiler {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &StageProfiler{
		maxSamples: maxSamples,
		stages:     make(map[string]*TimeTracker),
		startTime:  time.Now(),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the stage to track
//
// Returns:
// - A function to call when the operation completes
//
// Example:
//
// ```go
//
//	done := p.StartOperation("nms")
//	results, err := postprocess.NonMaxSuppression(raw, &cfg)
//	done()
//
// ```
func (p *StageProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration to the named stage.
func (p *StageProfiler) Record(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.stages[name]
	if !exists {
		tracker = &TimeTracker{name: name, minTime: duration, maxTime: duration}
		p.stages[name] = tracker
		p.order = append(p.order, name)
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		tracker.durations = tracker.durations[1:]
	}
	tracker.totalTime += duration
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// Summaries returns one summary per stage in the order the stages were first seen.
func (p *StageProfiler) Summaries() []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Summary, 0, len(p.order))
	for _, name := range p.order {
		t := p.stages[name]
		samples := make([]float64, len(t.durations))
		for i, d := range t.durations {
			samples[i] = float64(d)
		}
		sort.Float64s(samples)

		out = append(out, Summary{
			Name:  name,
			Count: t.count,
			Total: t.totalTime,
			Mean:  t.totalTime / time.Duration(t.count),
			Min:   t.minTime,
			Max:   t.maxTime,
			P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, samples, nil)),
			P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, samples, nil)),
		})
	}
	return out
}

// Log writes one entry per stage and a closing entry with uptime and heap usage.
func (p *StageProfiler) Log(logger logrus.FieldLogger) {
	for _, s := range p.Summaries() {
		logger.WithFields(logrus.Fields{
			"stage": s.Name,
			"count": s.Count,
			"mean":  s.Mean,
			"min":   s.Min,
			"max":   s.Max,
			"p50":   s.P50,
			"p95":   s.P95,
		}).Info("stage timing")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logger.WithFields(logrus.Fields{
		"uptime":     time.Since(p.startTime).Truncate(time.Millisecond),
		"heap_alloc": mem.HeapAlloc,
		"num_gc":     mem.NumGC,
		"goroutines": runtime.NumGoroutine(),
	}).Info("runtime")
}
