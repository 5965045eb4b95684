package tracker

import (
	"time"

	"github.com/presage-io/presage/pkg/models"
)

// Threshold derives the adaptive offline threshold for a device from its
// own window median. Absolute RTT is not comparable across devices or
// platforms, so there is deliberately no global constant here.
func Threshold(medianMs, multiplier float64) float64 {
	return medianMs * multiplier
}

// deviceClassifier turns the rolling statistics of a single device into a
// presence state. The only mutable state is the above-threshold streak
// used for hysteresis; everything else is recomputed from the window.
type deviceClassifier struct {
	multiplier float64
	minSamples int
	hysteresis int

	streak int
}

func newDeviceClassifier(cfg TrackerConfig) *deviceClassifier {
	return &deviceClassifier{
		multiplier: cfg.ThresholdMultiplier,
		minSamples: cfg.MinSamples,
		hysteresis: cfg.HysteresisCount,
	}
}

// Observe classifies the device after a new sample landed in the window.
//
// Below minSamples the device is Unknown. At or below the adaptive
// threshold the device is Online and the streak resets, so a single spike
// never flips an established Online run. Above threshold the streak
// grows; until it reaches the hysteresis count the device is Degraded
// ("latency rising"), after that Offline.
func (c *deviceClassifier) Observe(w *sampleWindow) models.PresenceState {
	if w.Len() < c.minSamples {
		c.streak = 0
		return models.StateUnknown
	}

	median, ok := w.Median()
	if !ok {
		c.streak = 0
		return models.StateUnknown
	}
	last, _ := w.Last()
	current := float64(last.Latency.Milliseconds())

	if current <= Threshold(median, c.multiplier) {
		c.streak = 0
		return models.StateOnline
	}

	c.streak++
	if c.streak >= c.hysteresis {
		return models.StateOffline
	}
	return models.StateDegraded
}

// Reset clears the hysteresis streak, for use after a window reset.
func (c *deviceClassifier) Reset() {
	c.streak = 0
}

// AggregateState reduces the device set to the contact-level state: the
// best state among devices that reported within the staleness bound. One
// live device means the person is reachable, regardless of the rest.
func AggregateState(devices []models.Device, staleness time.Duration, now time.Time) models.PresenceState {
	best := models.StateUnknown
	for _, d := range devices {
		if d.LastSeen.IsZero() || now.Sub(d.LastSeen) > staleness {
			continue
		}
		if d.State.Rank() < best.Rank() {
			best = d.State
		}
	}
	return best
}
