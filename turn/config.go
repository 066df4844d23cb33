package turn

import (
	"errors"
	"fmt"
	"time"

	"parley/vad"
)

// Config tunes onset detection and end-of-turn timing. Frame counts are in
// analysis ticks, durations are wall time.
type Config struct {
	SampleRate int `yaml:"sample_rate"`

	Threshold vad.ThresholdConfig `yaml:",inline"`

	Smoothing       string  `yaml:"smoothing"`
	SmoothingWindow int     `yaml:"smoothing_window"`
	SmoothingAlpha  float64 `yaml:"smoothing_alpha"`

	MinSpeechFrames  int `yaml:"min_speech_frames"`
	MinSilenceFrames int `yaml:"min_silence_frames"`

	// ShortPause never ends a turn; it is the lower bound for MediumPause.
	ShortPause time.Duration `yaml:"short_pause"`
	// MediumPause is how long the speaker may stay quiet after sustained
	// silence before the turn is sent.
	MediumPause time.Duration `yaml:"medium_pause"`
	LongPause   time.Duration `yaml:"long_pause"`

	PreSpeechBuffer  time.Duration `yaml:"pre_speech_buffer"`
	PostSpeechBuffer time.Duration `yaml:"post_speech_buffer"`

	MinRecordingDuration time.Duration `yaml:"min_recording_duration"`
	MaxRecordingDuration time.Duration `yaml:"max_recording_duration"` // 0 = unlimited

	MuteWhilePlaying bool `yaml:"mute_while_playing"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		Threshold:            vad.DefaultThresholdConfig(),
		Smoothing:            vad.SmoothRolling,
		SmoothingWindow:      5,
		SmoothingAlpha:       0.3,
		MinSpeechFrames:      2,
		MinSilenceFrames:     60,
		ShortPause:           800 * time.Millisecond,
		MediumPause:          2500 * time.Millisecond,
		LongPause:            4 * time.Second,
		PreSpeechBuffer:      400 * time.Millisecond,
		PostSpeechBuffer:     200 * time.Millisecond,
		MinRecordingDuration: 600 * time.Millisecond,
		MuteWhilePlaying:     true,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.Threshold.SpeechThreshold <= 0 || c.Threshold.SpeechThreshold > 255 {
		errs = append(errs, fmt.Errorf("speech_threshold must be in (0,255], got %g", c.Threshold.SpeechThreshold))
	}
	if c.Threshold.AmbientHistory < 0 {
		errs = append(errs, errors.New("ambient_history must not be negative"))
	}
	if _, err := vad.NewSmoother(c.Smoothing, c.SmoothingWindow, c.SmoothingAlpha); err != nil {
		errs = append(errs, err)
	}
	if c.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("min_speech_frames must be >= 1, got %d", c.MinSpeechFrames))
	}
	if c.MinSilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("min_silence_frames must be >= 1, got %d", c.MinSilenceFrames))
	}
	if c.MediumPause <= 0 {
		errs = append(errs, errors.New("medium_pause must be positive"))
	}
	if c.ShortPause > 0 && c.MediumPause < c.ShortPause {
		errs = append(errs, fmt.Errorf("medium_pause %s is shorter than short_pause %s", c.MediumPause, c.ShortPause))
	}
	if c.LongPause > 0 && c.MediumPause > c.LongPause {
		errs = append(errs, fmt.Errorf("medium_pause %s exceeds long_pause %s", c.MediumPause, c.LongPause))
	}
	if c.PreSpeechBuffer < 0 || c.PostSpeechBuffer < 0 || c.MinRecordingDuration < 0 || c.MaxRecordingDuration < 0 {
		errs = append(errs, errors.New("buffer and recording durations must not be negative"))
	}
	if c.MaxRecordingDuration > 0 && c.MaxRecordingDuration < c.MinRecordingDuration {
		errs = append(errs, errors.New("max_recording_duration is shorter than min_recording_duration"))
	}
	return errors.Join(errs...)
}
