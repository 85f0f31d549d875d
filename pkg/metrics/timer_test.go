package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_seconds", Help: "test"})
	NewTimer().ObserveDuration(h)
	assert.Equal(t, 1, testutil.CollectAndCount(h))

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_timer_vec_seconds", Help: "test"}, []string{"op"})
	NewTimer().ObserveDurationVec(vec, "tick")
	NewTimer().ObserveDurationVec(vec, "kv")
	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}
