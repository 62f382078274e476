package audio

// VADState is the hysteresis state of the energy detector.
type VADState string

const (
	VADSilence   VADState = "silence"
	VADUncertain VADState = "uncertain"
	VADSpeech    VADState = "speech"
)

// VADConfig tunes a [Detector]. Zero values are replaced with the
// defaults documented on each field.
type VADConfig struct {
	// EnergyThreshold is the smoothed-RMS level above which a frame
	// counts towards speech. Default 0.01; the relay uses 0.008.
	EnergyThreshold float64

	// SilenceFrames is the number of consecutive sub-threshold frames
	// required to leave the speech state. Default 30 (~600 ms at 20 ms
	// frames).
	SilenceFrames int

	// SpeechFrames is the number of consecutive speech frames required
	// to enter the speech state. Default 3 (~60 ms).
	SpeechFrames int

	// FrameSize is the expected frame length in samples. Default 480.
	// Informational; Process accepts any frame length.
	FrameSize int

	// Smoothing is the weight of the current frame's energy in the
	// smoothed envelope. Default 0.3.
	Smoothing float64
}

func (c VADConfig) withDefaults() VADConfig {
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = 0.01
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = 30
	}
	if c.SpeechFrames == 0 {
		c.SpeechFrames = 3
	}
	if c.FrameSize == 0 {
		c.FrameSize = 480
	}
	if c.Smoothing == 0 {
		c.Smoothing = 0.3
	}
	return c
}

// VADResult is the per-frame output of a [Detector].
type VADResult struct {
	State    VADState
	Energy   float64
	IsSpeech bool
}

// Detector is an energy-gated voice activity detector with hysteresis:
// separate attack (SpeechFrames) and release (SilenceFrames) counts
// over a smoothed energy envelope, so a single noisy frame cannot flip
// the state. Not safe for concurrent use; create one per stream.
type Detector struct {
	cfg VADConfig

	smoothedEnergy float64
	silentCount    int
	speechCount    int
	state          VADState
}

// NewDetector creates a Detector with cfg, filling in defaults for
// zero-valued fields.
func NewDetector(cfg VADConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults(), state: VADSilence}
}

// Process analyses one PCM16 LE frame and returns the updated state.
func (d *Detector) Process(frame []byte) VADResult {
	e := RMS(frame)
	d.smoothedEnergy = d.cfg.Smoothing*e + (1-d.cfg.Smoothing)*d.smoothedEnergy

	if d.smoothedEnergy > d.cfg.EnergyThreshold {
		d.speechCount++
		d.silentCount = 0
	} else {
		d.silentCount++
		d.speechCount = 0
	}

	switch d.state {
	case VADSpeech:
		if d.silentCount >= d.cfg.SilenceFrames {
			d.state = VADSilence
		}
	default: // silence or uncertain
		if d.speechCount >= d.cfg.SpeechFrames {
			d.state = VADSpeech
		} else if d.speechCount > 0 {
			d.state = VADUncertain
		} else {
			d.state = VADSilence
		}
	}

	return VADResult{
		State:    d.state,
		Energy:   d.smoothedEnergy,
		IsSpeech: d.state == VADSpeech,
	}
}

// Reset clears the envelope, counters, and state. Use when the audio
// stream is interrupted so stale state cannot affect the next segment.
func (d *Detector) Reset() {
	d.smoothedEnergy = 0
	d.silentCount = 0
	d.speechCount = 0
	d.state = VADSilence
}

// State returns the current hysteresis state without processing audio.
func (d *Detector) State() VADState { return d.state }
