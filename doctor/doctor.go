// Package doctor runs a short end-to-end check of the microphone, the
// backend and reply playback.
package doctor

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"parley/audio"
	"parley/backend"
	"parley/playback"
	"parley/turn"
	"parley/vad"
)

const (
	defaultRecord = 3 * time.Second
	windowMs      = 32
)

type Options struct {
	Audio   audio.Context
	Device  *audio.DeviceInfo
	Backend backend.Backend // nil skips the backend check
	Turn    turn.Config
	Record  time.Duration
	Out     io.Writer
}

// MicReport summarizes a recording as the level detector sees it.
type MicReport struct {
	Samples       []int16
	Windows       int
	Ambient       float64
	Peak          float64
	StartLevel    float64
	ContinueLevel float64
	SpeechWindows int
}

// Run executes the checks in order and returns an exit code (0=all pass,
// 1=any fail). A failed check skips the ones that depend on it.
func Run(ctx context.Context, o Options) int {
	if o.Record <= 0 {
		o.Record = defaultRecord
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	w := o.Out

	fmt.Fprintln(w, "parley doctor - microphone, backend and playback check")
	fmt.Fprintln(w, "======================================================")

	allPass := true
	var reply []byte

	fmt.Fprintln(w)
	fmt.Fprintln(w, "[1/3] Microphone")
	mic, err := checkMic(ctx, o)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		allPass = false
	} else {
		fmt.Fprintf(w, "  ambient %.1f, peak %.1f, start at %.1f, continue at %.1f\n",
			mic.Ambient, mic.Peak, mic.StartLevel, mic.ContinueLevel)
		if mic.SpeechWindows == 0 {
			fmt.Fprintln(w, "  PASS: audio captured, but nothing loud enough to count as speech")
		} else {
			fmt.Fprintf(w, "  PASS: %d of %d windows above the start level\n", mic.SpeechWindows, mic.Windows)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "[2/3] Backend")
	switch {
	case !allPass:
		fmt.Fprintln(w, "  SKIP: no recording")
	case o.Backend == nil:
		fmt.Fprintln(w, "  SKIP: no backend configured")
	default:
		resp, err := checkBackend(ctx, o, mic.Samples)
		if err != nil {
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			allPass = false
			break
		}
		if resp.NoSpeech() {
			fmt.Fprintln(w, "  PASS: backend reachable (no speech detected)")
		} else {
			fmt.Fprintf(w, "  transcript: %s\n", strings.TrimSpace(resp.Transcript))
			if resp.Reply != "" {
				fmt.Fprintf(w, "  reply: %s\n", resp.Reply)
			}
			fmt.Fprintln(w, "  PASS: backend answered")
		}
		if resp.Stats != nil {
			for _, line := range resp.Stats.Lines() {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		reply = resp.Audio
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "[3/3] Playback")
	if err := checkPlayback(ctx, o.Audio, reply, o.Turn.SampleRate); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		allPass = false
	} else if len(reply) > 0 {
		fmt.Fprintln(w, "  PASS: reply audio played")
	} else {
		fmt.Fprintln(w, "  PASS: test tone played")
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkMic(ctx context.Context, o Options) (*MicReport, error) {
	samples, err := record(ctx, o.Audio, o.Device, uint32(o.Turn.SampleRate), o.Record)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no audio captured")
	}
	return Analyze(samples, o.Turn), nil
}

// Analyze runs the samples through the level detector window by window.
// The ambient estimate comes from the quietest half of the recording.
func Analyze(samples []int16, cfg turn.Config) *MicReport {
	win := cfg.SampleRate * windowMs / 1000
	if win <= 0 {
		win = len(samples)
	}
	var levels []float64
	for i := 0; i+win <= len(samples); i += win {
		levels = append(levels, vad.Level(samples[i:i+win]))
	}
	if len(levels) == 0 {
		levels = append(levels, vad.Level(samples))
	}

	th := vad.NewThreshold(cfg.Threshold)
	quiet := slices.Clone(levels)
	slices.Sort(quiet)
	for _, l := range quiet[:max(1, len(quiet)/2)] {
		th.Calibrate(l)
	}

	r := &MicReport{
		Samples:       samples,
		Windows:       len(levels),
		Ambient:       th.Ambient(),
		Peak:          quiet[len(quiet)-1],
		StartLevel:    th.StartLevel(),
		ContinueLevel: th.ContinueLevel(),
	}
	for _, l := range levels {
		if th.IsSpeechStart(l) {
			r.SpeechWindows++
		}
	}
	return r
}

func record(ctx context.Context, actx audio.Context, device *audio.DeviceInfo, rate uint32, d time.Duration) ([]int16, error) {
	var (
		mu  sync.Mutex
		buf []int16
	)
	capture, err := actx.NewCapture(device, audio.CaptureConfig{SampleRate: rate, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("opening microphone: %w", err)
	}
	defer capture.Close()

	capture.SetCallback(func(data []byte, _ uint32) {
		mu.Lock()
		buf = append(buf, audio.Samples(data)...)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		return nil, fmt.Errorf("starting microphone: %w", err)
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	capture.ClearCallback()
	capture.Stop()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return buf, nil
}

func checkBackend(ctx context.Context, o Options, samples []int16) (*backend.Response, error) {
	resp, err := o.Backend.Dispatch(ctx, &backend.Request{
		UtteranceID:    "doctor",
		ConversationID: "doctor",
		TurnNumber:     1,
		Samples:        samples,
		SampleRate:     o.Turn.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success && !resp.NoSpeech() {
		return nil, fmt.Errorf("backend error: %s", resp.Error)
	}
	return resp, nil
}

func checkPlayback(ctx context.Context, actx audio.Context, reply []byte, rate int) error {
	player, err := actx.NewPlayer()
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer player.Close()

	if len(reply) > 0 {
		clip, err := playback.Decode(reply)
		if err != nil {
			return err
		}
		return player.Play(ctx, clip.PCM, clip.SampleRate, clip.Channels)
	}
	return player.Play(ctx, tone(rate, 440, 300*time.Millisecond), rate, 1)
}

func tone(rate int, freq float64, d time.Duration) []int16 {
	n := int(float64(rate) * d.Seconds())
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}
