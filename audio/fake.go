package audio

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 320 // 20ms at 16kHz
	fakeBytesPerFrame = 2   // 16-bit mono
)

// FakeContext replays PCM as if it came from a microphone. After the PCM
// runs out the capture keeps delivering silence, like an idle room.
type FakeContext struct {
	pcm        []byte
	sampleRate uint32
	failStart  error

	mu      sync.Mutex
	players []*FakePlayer
	last    *FakeCapture
}

func NewFakeContext(wavPath string) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	pcm, err := PCMFromWAV(data)
	if err != nil {
		return nil, err
	}
	return &FakeContext{pcm: pcm, sampleRate: 16000}, nil
}

// NewFakeContextPCM builds a fake context around in-memory samples.
func NewFakeContextPCM(samples []int16, sampleRate uint32) *FakeContext {
	return &FakeContext{pcm: Bytes(samples), sampleRate: sampleRate}
}

// FailStart makes every capture created afterwards fail to start with err.
func (f *FakeContext) FailStart(err error) { f.failStart = err }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, cfg CaptureConfig) (CaptureDevice, error) {
	rate := cfg.SampleRate
	if rate == 0 {
		rate = f.sampleRate
	}
	c := &FakeCapture{
		pcm:       f.pcm,
		rate:      rate,
		failStart: f.failStart,
		audioDone: make(chan struct{}),
	}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

// LastCapture returns the most recently created capture, or nil.
func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *FakeContext) NewPlayer() (Player, error) {
	p := &FakePlayer{}
	f.mu.Lock()
	f.players = append(f.players, p)
	f.mu.Unlock()
	return p, nil
}

type FakeCapture struct {
	pcm       []byte
	rate      uint32
	failStart error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if f.failStart != nil {
		return f.failStart
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone, audioDone := f.stopCh, f.feedDone, f.audioDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(f.rate)

	go func() {
		defer close(feedDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			if cb == nil {
				continue
			}

			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
				continue
			}
			if !audioFinished {
				audioFinished = true
				close(audioDone)
			}
			cb(silence, fakeFrameSize)
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	feedDone := f.feedDone
	f.mu.Unlock()
	<-feedDone

	// Replay from the start on the next Start.
	f.mu.Lock()
	select {
	case <-f.audioDone:
		f.audioDone = make(chan struct{})
	default:
	}
	f.mu.Unlock()
}

func (f *FakeCapture) Close() { f.Stop() }

// FakePlayer records every clip it is asked to play and "plays" it by
// sleeping for its duration scaled by Speed (0 means instantly).
type FakePlayer struct {
	Speed float64
	Err   error

	mu     sync.Mutex
	played [][]int16
}

var errPlayerClosed = errors.New("fake player closed")

func (p *FakePlayer) Play(ctx context.Context, pcm []int16, sampleRate, channels int) error {
	p.mu.Lock()
	p.played = append(p.played, pcm)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if p.Speed <= 0 || sampleRate <= 0 || channels <= 0 {
		return ctx.Err()
	}
	d := time.Duration(float64(len(pcm)/channels) / float64(sampleRate) * p.Speed * float64(time.Second))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *FakePlayer) Played() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.played...)
}

func (p *FakePlayer) Close() {
	p.mu.Lock()
	if p.Err == nil {
		p.Err = errPlayerClosed
	}
	p.mu.Unlock()
}
