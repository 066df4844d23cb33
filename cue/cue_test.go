package cue

import (
	"testing"

	"parley/audio"
)

func TestGenerateTickDecays(t *testing.T) {
	s := generateTick(sampleRate, startFreq, tickDuration, startVolume, startDecay)
	if len(s) != int(sampleRate*tickDuration)*2 {
		t.Fatalf("len = %d", len(s))
	}
	peak := func(from, to int) int16 {
		var m int16
		for _, v := range s[from:to] {
			if v < 0 {
				v = -v
			}
			m = max(m, v)
		}
		return m
	}
	if head, tail := peak(0, 2000), peak(len(s)-2000, len(s)); tail >= head {
		t.Errorf("tone does not decay: head %d tail %d", head, tail)
	}
	for i := 0; i < len(s); i += 2 {
		if s[i] != s[i+1] {
			t.Fatalf("channels differ at frame %d", i/2)
		}
	}
}

func TestPlayUsesSink(t *testing.T) {
	sink := &audio.FakePlayer{}
	p := New(sink)
	p.Play(Start)
	p.Play(Error)
	p.Wait()
	if got := len(sink.Played()); got != 2 {
		t.Fatalf("played %d cues, want 2", got)
	}
}

func TestDisabledIsSilent(t *testing.T) {
	sink := &audio.FakePlayer{}
	p := New(sink)
	p.Disable()
	p.Play(Stop)
	p.Wait()
	if len(sink.Played()) != 0 {
		t.Fatal("disabled player made a sound")
	}

	var nilPlayer *Player
	nilPlayer.Play(Start) // no panic
	nilPlayer.Wait()
}
