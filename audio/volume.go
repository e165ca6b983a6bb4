package audio

import (
	"math"
	"sync"
)

const (
	// meterSmoothing is the decay applied to the previous level on each frame.
	meterSmoothing = 0.8
	// meterScale maps a smoothed RMS level to a display percentage.
	meterScale = 700
)

// VolumeMeter tracks a smoothed RMS level of the frames it sees.
type VolumeMeter struct {
	mu    sync.Mutex
	level float64
}

// NewVolumeMeter returns a meter at zero.
func NewVolumeMeter() *VolumeMeter {
	return &VolumeMeter{}
}

// ProcessFrame implements FrameSink.
func (m *VolumeMeter) ProcessFrame(samples []float32) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	m.mu.Lock()
	m.level = math.Max(rms, m.level*meterSmoothing)
	m.mu.Unlock()
}

// Level returns the smoothed RMS level.
func (m *VolumeMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Percent returns the level scaled for display, capped at 100.
func (m *VolumeMeter) Percent() int {
	return int(math.Min(100, math.Floor(m.Level()*meterScale)))
}

// Reset sets the level back to zero.
func (m *VolumeMeter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}
