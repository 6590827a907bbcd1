package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Empty(t *testing.T) {
	r := NewRecorder()

	snap := r.Overall()
	assert.Equal(t, int64(0), snap.Count)
	assert.Equal(t, float64(1), snap.SuccessRate())

	_, ok := r.Agent("nobody")
	assert.False(t, ok)
	assert.Empty(t, r.Agents())
}

func TestRecorder_Percentiles(t *testing.T) {
	r := NewRecorder()
	for i := 1; i <= 1000; i++ {
		r.Observe("a1", time.Duration(i)*time.Millisecond, false)
	}

	snap := r.Overall()
	require.Equal(t, int64(1000), snap.Count)
	assert.Equal(t, time.Millisecond, snap.Min)
	assert.Equal(t, 1000*time.Millisecond, snap.Max)

	// HDR quantization keeps three significant figures, so allow a
	// small tolerance around the exact percentiles.
	assert.InDelta(t, 500, snap.P50.Milliseconds(), 2)
	assert.InDelta(t, 950, snap.P95.Milliseconds(), 2)
	assert.InDelta(t, 990, snap.P99.Milliseconds(), 2)
	assert.InDelta(t, 500.5, float64(snap.Mean.Milliseconds()), 2)
}

func TestRecorder_PerAgentIsolation(t *testing.T) {
	r := NewRecorder()
	r.Observe("fast", 10*time.Millisecond, false)
	r.Observe("fast", 12*time.Millisecond, false)
	r.Observe("slow", 900*time.Millisecond, false)

	fast, ok := r.Agent("fast")
	require.True(t, ok)
	assert.Equal(t, int64(2), fast.Count)
	assert.Less(t, fast.Max, 20*time.Millisecond)

	slow, ok := r.Agent("slow")
	require.True(t, ok)
	assert.Equal(t, int64(1), slow.Count)
	assert.Greater(t, slow.Min, 800*time.Millisecond)

	assert.Equal(t, int64(3), r.Overall().Count)
	assert.Equal(t, []string{"fast", "slow"}, r.Agents())
}

func TestRecorder_FailureRate(t *testing.T) {
	r := NewRecorder()
	r.Observe("a1", 10*time.Millisecond, false)
	r.Observe("a1", 10*time.Millisecond, false)
	r.Observe("a1", 10*time.Millisecond, true)
	r.Observe("a1", 10*time.Millisecond, true)

	snap, ok := r.Agent("a1")
	require.True(t, ok)
	assert.Equal(t, int64(4), snap.Count)
	assert.Equal(t, int64(2), snap.Failures)
	assert.InDelta(t, 0.5, snap.SuccessRate(), 1e-9)
}

func TestRecorder_ClampsOutOfRange(t *testing.T) {
	r := NewRecorder()
	r.Observe("a1", 0, false)
	r.Observe("a1", 100*time.Hour, false)

	snap := r.Overall()
	assert.Equal(t, int64(2), snap.Count)
	assert.Equal(t, time.Millisecond, snap.Min)
	assert.LessOrEqual(t, snap.Max, time.Hour+time.Minute)
}

func TestRecorder_Reset(t *testing.T) {
	r := NewRecorder()
	r.Observe("a1", 10*time.Millisecond, false)
	r.Reset()

	assert.Equal(t, int64(0), r.Overall().Count)
	assert.Empty(t, r.Agents())
}

func TestRecorder_ConcurrentObserve(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Observe("a1", 5*time.Millisecond, i%10 == 0)
			}
		}()
	}
	wg.Wait()

	snap := r.Overall()
	assert.Equal(t, int64(800), snap.Count)
	assert.Equal(t, int64(80), snap.Failures)
}
