package vad

import "sort"

// ThresholdConfig holds the hysteresis parameters. Starting speech is
// easier than sustaining it so that a turn opens on the first syllable but
// only stays open while the speaker is clearly above the room.
type ThresholdConfig struct {
	SpeechThreshold float64 `yaml:"speech_threshold"`
	StartRatio      float64 `yaml:"start_ratio"`
	EndRatio        float64 `yaml:"end_ratio"`
	StartFactor     float64 `yaml:"start_factor"`
	EndFactor       float64 `yaml:"end_factor"`
	AmbientHistory  int     `yaml:"ambient_history"`
}

func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		SpeechThreshold: 22,
		StartRatio:      0.7,
		EndRatio:        1.2,
		StartFactor:     1.8,
		EndFactor:       2.5,
		AmbientHistory:  100,
	}
}

// Threshold tracks ambient level and answers whether a smoothed level is
// speech. With AmbientHistory 0 it degrades to a fixed threshold.
type Threshold struct {
	cfg     ThresholdConfig
	history []float64
	pos     int
	n       int
	sorted  []float64
}

func NewThreshold(cfg ThresholdConfig) *Threshold {
	t := &Threshold{cfg: cfg}
	if cfg.AmbientHistory > 0 {
		t.history = make([]float64, cfg.AmbientHistory)
		t.sorted = make([]float64, 0, cfg.AmbientHistory)
	}
	return t
}

// Calibrate records an ambient observation. Callers only feed levels taken
// while nobody is speaking.
func (t *Threshold) Calibrate(level float64) {
	if len(t.history) == 0 {
		return
	}
	t.history[t.pos] = level
	t.pos = (t.pos + 1) % len(t.history)
	if t.n < len(t.history) {
		t.n++
	}
}

// Ambient is the median of the recorded history, 0 before any observation.
func (t *Threshold) Ambient() float64 {
	if t.n == 0 {
		return 0
	}
	t.sorted = append(t.sorted[:0], t.history[:t.n]...)
	sort.Float64s(t.sorted)
	mid := t.n / 2
	if t.n%2 == 1 {
		return t.sorted[mid]
	}
	return (t.sorted[mid-1] + t.sorted[mid]) / 2
}

func (t *Threshold) StartLevel() float64 {
	return max(t.Ambient()*t.cfg.StartFactor, t.cfg.SpeechThreshold*t.cfg.StartRatio)
}

func (t *Threshold) ContinueLevel() float64 {
	return max(t.Ambient()*t.cfg.EndFactor, t.cfg.SpeechThreshold*t.cfg.EndRatio)
}

func (t *Threshold) IsSpeechStart(level float64) bool {
	return level > t.StartLevel()
}

func (t *Threshold) IsSpeechContinuing(level float64) bool {
	return level > t.ContinueLevel()
}

func (t *Threshold) Reset() {
	clear(t.history)
	t.pos, t.n = 0, 0
}
