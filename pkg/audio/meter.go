package audio

const (
	meterAttack   = 0.8
	meterRelease  = 0.95
	peakHoldDecay = 0.95

	// defaultPeakHoldFrames is how long a peak is held before it starts
	// decaying: 50 frames, ~1 s at 50 fps.
	defaultPeakHoldFrames = 50
)

// Level is a smoothed display reading produced by a [Meter].
type Level struct {
	Smoothed float64
	Peak     float64
}

// Meter smooths raw level readings for UI display using an
// attack/release envelope and a decaying peak hold. Telemetry only; it
// plays no part in VAD or audio admission. Not safe for concurrent use.
type Meter struct {
	holdFrames int

	smoothed  float64
	peak      float64
	peakAge   int
}

// NewMeter creates a Meter. holdFrames ≤ 0 selects the default hold of
// 50 frames.
func NewMeter(holdFrames int) *Meter {
	if holdFrames <= 0 {
		holdFrames = defaultPeakHoldFrames
	}
	return &Meter{holdFrames: holdFrames}
}

// Update feeds one frame's RMS and peak readings and returns the
// smoothed display level. Rising input is tracked with the attack
// coefficient, falling input decays with the release coefficient. A
// new peak resets the hold; after holdFrames frames the held peak
// decays by ×0.95 per frame.
func (m *Meter) Update(rms, peak float64) Level {
	if rms > m.smoothed {
		m.smoothed = meterAttack*rms + (1-meterAttack)*m.smoothed
	} else {
		m.smoothed = meterRelease * m.smoothed
	}

	if peak > m.peak {
		m.peak = peak
		m.peakAge = 0
	} else {
		m.peakAge++
		if m.peakAge > m.holdFrames {
			m.peak *= peakHoldDecay
		}
	}

	return Level{Smoothed: m.smoothed, Peak: m.peak}
}

// Reset zeroes the meter state.
func (m *Meter) Reset() {
	m.smoothed = 0
	m.peak = 0
	m.peakAge = 0
}
