package tracker

import (
	"sort"
	"time"

	"github.com/presage-io/presage/pkg/models"
)

// ewma tracks an exponentially weighted moving average of probe latencies.
// It reacts to recent shifts faster than the window median, which is what
// the per-device "current average" reading wants.
type ewma struct {
	alpha   float64
	mean    float64
	samples int
}

func newEWMA(alpha float64) *ewma {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &ewma{alpha: alpha}
}

func (e *ewma) update(value float64) {
	e.samples++
	if e.samples == 1 {
		e.mean = value
		return
	}
	e.mean += e.alpha * (value - e.mean)
}

// sampleWindow is a fixed-capacity FIFO of RTT samples for one device.
// Once full, each new sample evicts the oldest. Not safe for concurrent
// use; the owning monitor serializes access.
type sampleWindow struct {
	capacity int
	samples  []models.Sample
	recent   *ewma
}

func newSampleWindow(capacity int) *sampleWindow {
	if capacity <= 0 {
		capacity = 20
	}
	return &sampleWindow{
		capacity: capacity,
		samples:  make([]models.Sample, 0, capacity),
		recent:   newEWMA(0.3),
	}
}

// Add appends a sample, evicting the oldest when the window is full.
func (w *sampleWindow) Add(latency time.Duration, at time.Time) {
	if len(w.samples) == w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.capacity-1]
	}
	w.samples = append(w.samples, models.Sample{Latency: latency, Timestamp: at})
	w.recent.update(float64(latency.Milliseconds()))
}

// Len returns the number of samples currently held.
func (w *sampleWindow) Len() int {
	return len(w.samples)
}

// Last returns the most recent sample, or false when the window is empty.
func (w *sampleWindow) Last() (models.Sample, bool) {
	if len(w.samples) == 0 {
		return models.Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Median returns the window median in milliseconds. Even-length windows
// take the mean of the two middle values. Returns false when empty.
func (w *sampleWindow) Median() (float64, bool) {
	n := len(w.samples)
	if n == 0 {
		return 0, false
	}

	ms := make([]float64, n)
	for i, s := range w.samples {
		ms[i] = float64(s.Latency.Milliseconds())
	}
	sort.Float64s(ms)

	if n%2 == 1 {
		return ms[n/2], true
	}
	return (ms[n/2-1] + ms[n/2]) / 2, true
}

// RecentAvg returns the smoothed recent latency in milliseconds. Returns
// false when no samples have arrived yet.
func (w *sampleWindow) RecentAvg() (float64, bool) {
	if w.recent.samples == 0 {
		return 0, false
	}
	return w.recent.mean, true
}
