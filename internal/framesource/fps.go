package framesource

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// fpsStabilityThreshold is the maximum FPS standard deviation as a fraction of the mean
const fpsStabilityThreshold = 0.15

// FPSStats summarizes frame arrival rate
type FPSStats struct {
	Frames    int           `json:"frames"`
	Duration  time.Duration `json:"duration"`
	FPSMean   float64       `json:"fps_mean"`
	FPSStdDev float64       `json:"fps_stddev"`
	FPSMin    float64       `json:"fps_min"`
	FPSMax    float64       `json:"fps_max"`
	IsStable  bool          `json:"is_stable"`
}

// CalculateFPSStats calculates FPS statistics from frame timestamps.
// A stream is stable when the instantaneous FPS stddev is below 15% of the mean.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) FPSStats {
	n := len(frameTimes)
	out := FPSStats{Frames: n, Duration: totalDuration}
	if n == 0 || totalDuration <= 0 {
		return out
	}

	out.FPSMean = float64(n) / totalDuration.Seconds()

	inst := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			inst = append(inst, 1/interval)
		}
	}
	if len(inst) == 0 {
		return out
	}

	out.FPSMin, out.FPSMax = math.Inf(1), math.Inf(-1)
	for _, f := range inst {
		out.FPSMin = math.Min(out.FPSMin, f)
		out.FPSMax = math.Max(out.FPSMax, f)
	}
	if len(inst) > 1 {
		_, out.FPSStdDev = stat.MeanStdDev(inst, nil)
	}
	out.IsStable = out.FPSStdDev < out.FPSMean*fpsStabilityThreshold
	return out
}

// FPSMeter keeps the most recent frame timestamps
type FPSMeter struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewFPSMeter creates a meter over the last window frames
func NewFPSMeter(window int) *FPSMeter {
	if window < 2 {
		window = 2
	}
	return &FPSMeter{times: make([]time.Time, window)}
}

// Observe records a frame arrival
func (m *FPSMeter) Observe(ts time.Time) {
	m.mu.Lock()
	m.times[m.next] = ts
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// Reset forgets all observations
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	m.next = 0
	m.full = false
	m.mu.Unlock()
}

// Stats computes statistics over the window. The duration spans the first
// to the last observed frame plus one mean interval.
func (m *FPSMeter) Stats() FPSStats {
	m.mu.Lock()
	var ordered []time.Time
	if m.full {
		ordered = append(ordered, m.times[m.next:]...)
		ordered = append(ordered, m.times[:m.next]...)
	} else {
		ordered = append(ordered, m.times[:m.next]...)
	}
	m.mu.Unlock()

	n := len(ordered)
	if n < 2 {
		return FPSStats{Frames: n}
	}
	span := ordered[n-1].Sub(ordered[0])
	return CalculateFPSStats(ordered, span+span/time.Duration(n-1))
}
