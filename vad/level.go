// Package vad turns raw PCM into a speech/no-speech decision: a level
// measure, a smoother to take the edge off transients and a threshold that
// follows the room's ambient noise.
package vad

import "math"

// Level returns the mean absolute amplitude of samples mapped onto 0-255,
// the same scale a byte-wide time-domain analyser reports. Empty input is 0.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	mean := sum / float64(len(samples)) / 32768.0
	return math.Min(mean*255, 255)
}

// RMS returns the root mean square of samples normalized to 0-1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
