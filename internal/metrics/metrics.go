// Package metrics keeps in-memory dispatch latency histograms.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

const (
	minMillis = 1
	maxMillis = int64(24 * time.Hour / time.Millisecond)
	sigFigs   = 3
)

// Latency is a percentile summary in milliseconds.
type Latency struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   int64   `json:"p50_ms"`
	P90   int64   `json:"p90_ms"`
	P99   int64   `json:"p99_ms"`
	Max   int64   `json:"max_ms"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Dispatches int64                      `json:"dispatches"`
	Succeeded  int64                      `json:"succeeded"`
	Failures   map[task.OutcomeKind]int64 `json:"failures"`
	All        Latency                    `json:"all"`
	Workers    map[string]Latency         `json:"workers"`
	Since      time.Time                  `json:"since"`
}

// WorkerIDs returns the snapshot's worker ids, sorted.
func (s Snapshot) WorkerIDs() []string {
	ids := make([]string, 0, len(s.Workers))
	for id := range s.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recorder aggregates dispatch outcomes. Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	all       *hdrhistogram.Histogram
	workers   map[string]*hdrhistogram.Histogram
	succeeded int64
	failures  map[task.OutcomeKind]int64
	since     time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.Reset()
	return r
}

// Reset clears all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = newHistogram()
	r.workers = make(map[string]*hdrhistogram.Histogram)
	r.succeeded = 0
	r.failures = make(map[task.OutcomeKind]int64)
	r.since = time.Now()
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minMillis, maxMillis, sigFigs)
}

// ObserveDispatch records one outcome.
func (r *Recorder) ObserveDispatch(_ task.SubTask, out task.Outcome) {
	ms := clamp(out.Elapsed.Milliseconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.all.RecordValue(ms)
	if out.WorkerID != "" {
		h, ok := r.workers[out.WorkerID]
		if !ok {
			h = newHistogram()
			r.workers[out.WorkerID] = h
		}
		_ = h.RecordValue(ms)
	}
	if out.Success {
		r.succeeded++
	} else {
		r.failures[out.Kind]++
	}
}

// Snapshot copies the current state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Dispatches: r.all.TotalCount(),
		Succeeded:  r.succeeded,
		Failures:   make(map[task.OutcomeKind]int64, len(r.failures)),
		All:        summarize(r.all),
		Workers:    make(map[string]Latency, len(r.workers)),
		Since:      r.since,
	}
	for k, v := range r.failures {
		s.Failures[k] = v
	}
	for id, h := range r.workers {
		s.Workers[id] = summarize(h)
	}
	return s
}

func summarize(h *hdrhistogram.Histogram) Latency {
	if h.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Count: h.TotalCount(),
		Mean:  h.Mean(),
		P50:   h.ValueAtQuantile(50),
		P90:   h.ValueAtQuantile(90),
		P99:   h.ValueAtQuantile(99),
		Max:   h.Max(),
	}
}

func clamp(ms int64) int64 {
	if ms < minMillis {
		return minMillis
	}
	if ms > maxMillis {
		return maxMillis
	}
	return ms
}
