// Package metrics aggregates step execution timings for run summaries.
// Durations are recorded into HDR histograms, one per agent plus an
// overall one, so percentile queries stay cheap at any sample count.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds in milliseconds. Samples outside are clamped.
const (
	minTrackableMs = 1
	maxTrackableMs = int64(time.Hour / time.Millisecond)
	sigFigs        = 3
)

// Snapshot is an aggregated view of one duration series.
type Snapshot struct {
	// Count is the number of recorded samples.
	Count int64 `json:"count"`
	// Failures is how many of the samples came from failed steps.
	Failures int64 `json:"failures"`
	// Min is the smallest recorded duration.
	Min time.Duration `json:"min"`
	// Max is the largest recorded duration.
	Max time.Duration `json:"max"`
	// Mean is the average recorded duration.
	Mean time.Duration `json:"mean"`
	// P50 is the median duration.
	P50 time.Duration `json:"p50"`
	// P95 is the 95th percentile duration.
	P95 time.Duration `json:"p95"`
	// P99 is the 99th percentile duration.
	P99 time.Duration `json:"p99"`
}

// SuccessRate is the fraction of samples from successful steps,
// or 1 when nothing has been recorded.
func (s Snapshot) SuccessRate() float64 {
	if s.Count == 0 {
		return 1
	}
	return float64(s.Count-s.Failures) / float64(s.Count)
}

type series struct {
	hist     *hdrhistogram.Histogram
	failures int64
}

func newSeries() *series {
	return &series{
		hist: hdrhistogram.New(minTrackableMs, maxTrackableMs, sigFigs),
	}
}

// Recorder collects step durations keyed by the agent that ran them.
type Recorder struct {
	mu       sync.Mutex
	overall  *series
	perAgent map[string]*series
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		overall:  newSeries(),
		perAgent: make(map[string]*series),
	}
}

// Observe records one step execution.
func (r *Recorder) Observe(agentID string, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overall.record(d, failed)
	s, ok := r.perAgent[agentID]
	if !ok {
		s = newSeries()
		r.perAgent[agentID] = s
	}
	s.record(d, failed)
}

// Overall returns the aggregate across all agents.
func (r *Recorder) Overall() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overall.snapshot()
}

// Agent returns the snapshot for one agent. The second return is false
// when the agent has no recorded samples.
func (r *Recorder) Agent(agentID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.perAgent[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Agents returns the IDs with recorded samples, sorted.
func (r *Recorder) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.perAgent))
	for id := range r.perAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset discards all recorded samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overall = newSeries()
	r.perAgent = make(map[string]*series)
}

func (s *series) record(d time.Duration, failed bool) {
	ms := d.Milliseconds()
	if ms < minTrackableMs {
		ms = minTrackableMs
	}
	if ms > maxTrackableMs {
		ms = maxTrackableMs
	}
	// Cannot fail after clamping.
	_ = s.hist.RecordValue(ms)
	if failed {
		s.failures++
	}
}

func (s *series) snapshot() Snapshot {
	h := s.hist
	if h.TotalCount() == 0 {
		return Snapshot{}
	}
	ms := func(v int64) time.Duration {
		return time.Duration(v) * time.Millisecond
	}
	return Snapshot{
		Count:    h.TotalCount(),
		Failures: s.failures,
		Min:      ms(h.Min()),
		Max:      ms(h.Max()),
		Mean:     time.Duration(h.Mean() * float64(time.Millisecond)),
		P50:      ms(h.ValueAtQuantile(50)),
		P95:      ms(h.ValueAtQuantile(95)),
		P99:      ms(h.ValueAtQuantile(99)),
	}
}
