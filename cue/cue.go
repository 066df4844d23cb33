// Package cue plays short synthesized tones when listening starts and stops
// and when a turn fails.
package cue

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"parley/audio"
)

const (
	sampleRate = 44100

	// Start: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// Stop: medium pitch, slightly longer
	stopFreq   = 900
	stopVolume = 0.5
	stopDecay  = 40

	// Error: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30

	// 200ms tail so the sink's buffer fills before the tone decays.
	tickDuration = 0.2
	playTimeout  = 2 * time.Second
)

type Kind int

const (
	Start Kind = iota
	Stop
	Error
)

// Player plays cues through an audio sink. Calls never block.
type Player struct {
	sink     audio.Player
	disabled atomic.Bool
	once     sync.Once
	tones    map[Kind][]int16
	wg       sync.WaitGroup
}

func New(sink audio.Player) *Player {
	return &Player{sink: sink}
}

func (p *Player) Disable() { p.disabled.Store(true) }

func (p *Player) init() {
	p.tones = map[Kind][]int16{
		Start: generateTick(sampleRate, startFreq, tickDuration, startVolume, startDecay),
		Stop:  generateTick(sampleRate, stopFreq, tickDuration, stopVolume, stopDecay),
		Error: generateDoubleBeep(sampleRate, errorFreq, 0.08, 0.05, errorVolume, errorDecay),
	}
}

// Play starts the cue in the background.
func (p *Player) Play(k Kind) {
	if p == nil || p.sink == nil || p.disabled.Load() {
		return
	}
	p.once.Do(p.init)
	samples := p.tones[k]
	if len(samples) == 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
		defer cancel()
		p.sink.Play(ctx, samples, sampleRate, 2)
	}()
}

// Wait blocks until every started cue has finished.
func (p *Player) Wait() {
	if p != nil {
		p.wg.Wait()
	}
}

// generateTick returns an interleaved stereo sine burst with exponential decay.
func generateTick(sampleRate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		samples[i*2] = s
		samples[i*2+1] = s
	}
	return samples
}

func generateDoubleBeep(sampleRate int, freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := generateTick(sampleRate, freq, beepDur, volume, decay)
	gap := make([]int16, int(float64(sampleRate)*gapDur)*2)
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	result = append(result, beep...)
	return result
}
