package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"parley/audio"
	"parley/backend"
	"parley/turn"
)

const (
	testTick  = time.Second / 60
	frameSize = 256 // 16ms at 16kHz, one analysis window
)

// scriptCapture hands its callback to the test so frames arrive exactly
// when the test says.
type scriptCapture struct {
	mu      sync.Mutex
	cb      audio.DataCallback
	started bool
	closed  bool
}

func (c *scriptCapture) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}
func (c *scriptCapture) Stop() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}
func (c *scriptCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
func (c *scriptCapture) SetCallback(cb audio.DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}
func (c *scriptCapture) ClearCallback() { c.SetCallback(nil) }
func (c *scriptCapture) DeviceName() string {
	return "script"
}

func (c *scriptCapture) push(level float64) {
	amp := int16(math.Round(level * 32768 / 255))
	samples := make([]int16, frameSize)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(audio.Bytes(samples), frameSize)
	}
}

func (c *scriptCapture) released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && !c.started && c.cb == nil
}

type scriptContext struct {
	mu       sync.Mutex
	captures []*scriptCapture
	failNext error
	player   *audio.FakePlayer
}

func (s *scriptContext) Devices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{ID: "script", Name: "script"}}, nil
}
func (s *scriptContext) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}
	c := &scriptCapture{}
	s.captures = append(s.captures, c)
	return c, nil
}
func (s *scriptContext) NewPlayer() (audio.Player, error) { return s.player, nil }
func (s *scriptContext) Close() {}

func (s *scriptContext) last() *scriptCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[len(s.captures)-1]
}

type harness struct {
	t       *testing.T
	s       *Session
	ctx     *scriptContext
	backend *backend.Fake
	ticks   chan time.Time
	now     time.Time
}

func testTurnConfig() turn.Config {
	cfg := turn.DefaultConfig()
	cfg.Threshold.SpeechThreshold = 30
	cfg.Threshold.AmbientHistory = 0
	cfg.MinSpeechFrames = 2
	cfg.MinSilenceFrames = 60
	cfg.ShortPause = 0
	cfg.MediumPause = 100 * time.Millisecond
	cfg.PostSpeechBuffer = 0
	cfg.MinRecordingDuration = 100 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, turnCfg turn.Config, be *backend.Fake) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     &scriptContext{player: &audio.FakePlayer{}},
		backend: be,
		ticks:   make(chan time.Time),
		now:     time.Unix(1700000000, 0),
	}
	cfg := DefaultConfig()
	cfg.TickInterval = 16 * time.Millisecond
	cfg.AnalysisWindow = 16 * time.Millisecond
	cfg.SourceTimeout = 500 * time.Millisecond

	s, err := New(cfg, turnCfg, Deps{
		Audio:   h.ctx,
		Backend: be,
		Ticker: func(time.Duration) (<-chan time.Time, func()) {
			return h.ticks, func() {}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	t.Cleanup(s.Stop)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

// step delivers one frame at level and then one analysis tick.
func (h *harness) step(level float64) {
	h.ctx.last().push(level)
	h.tick()
}

func (h *harness) tick() {
	h.now = h.now.Add(testTick)
	select {
	case h.ticks <- h.now:
	case <-time.After(2 * time.Second):
		h.t.Fatal("session loop stopped taking ticks")
	}
}

// settle keeps ticking at level until cond holds.
func (h *harness) settle(level float64, cond func(Snapshot) bool) Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sn := h.s.Snapshot(); cond(sn) {
			return sn
		}
		h.step(level)
		time.Sleep(time.Millisecond)
	}
	sn := h.s.Snapshot()
	h.t.Fatalf("condition not reached: state %s error %q transcripts %d", sn.State, sn.Error, len(sn.Transcripts))
	return sn
}

func (h *harness) speakOneTurn() {
	h.t.Helper()
	for _, l := range []float64{5, 5, 5, 80, 80, 80, 80} {
		h.step(l)
	}
	if st := h.s.Snapshot().State; st != turn.Recording {
		h.t.Fatalf("state after speech = %s, want recording", st)
	}
}

func TestEndToEndSingleTurn(t *testing.T) {
	be := backend.NewFakeText("hello")
	h := newHarness(t, testTurnConfig(), be)
	h.start()

	levels := []float64{5, 5, 5, 80, 80, 80, 80}
	for range 60 {
		levels = append(levels, 5)
	}
	for _, l := range levels {
		h.step(l)
	}
	sn := h.settle(5, func(sn Snapshot) bool {
		return len(sn.Transcripts) == 1 && sn.State == turn.Listening
	})

	if sn.Transcripts[0].Text != "hello" {
		t.Errorf("transcript = %q", sn.Transcripts[0].Text)
	}
	if sn.Error != "" || sn.TurnNumber != 1 || !sn.IsActive {
		t.Errorf("snapshot = %+v", sn)
	}
	reqs := be.Requests()
	if len(reqs) != 1 {
		t.Fatalf("backend saw %d requests", len(reqs))
	}
	if reqs[0].TurnNumber != 0 || reqs[0].ConversationID != sn.ConversationID {
		t.Errorf("request turn %d conversation %q", reqs[0].TurnNumber, reqs[0].ConversationID)
	}
	// Pre-roll plus everything recorded after onset.
	if got := len(reqs[0].Samples); got < 60*frameSize {
		t.Errorf("clip has %d samples", got)
	}

	// The next turn carries the incremented turn number.
	h.speakOneTurn()
	h.settle(5, func(sn Snapshot) bool { return len(sn.Transcripts) == 2 && sn.State == turn.Listening })
	if reqs := be.Requests(); reqs[1].TurnNumber != 1 {
		t.Errorf("second request turn = %d", reqs[1].TurnNumber)
	}
	if be.MaxInFlight() != 1 {
		t.Errorf("max in flight = %d", be.MaxInFlight())
	}
}

func TestNoSpeechIsSilent(t *testing.T) {
	be := backend.NewFake(backend.FakeReply{Response: &backend.Response{Success: false, Error: backend.NoSpeechError}})
	h := newHarness(t, testTurnConfig(), be)
	h.start()

	h.speakOneTurn()
	h.settle(5, func(sn Snapshot) bool { return len(be.Requests()) == 1 && sn.State == turn.Listening })

	sn := h.s.Snapshot()
	if len(sn.Transcripts) != 0 || sn.Error != "" || sn.TurnNumber != 0 {
		t.Errorf("no-speech result changed state: %+v", sn)
	}
}

func TestBackendErrorSurfaces(t *testing.T) {
	be := backend.NewFake(
		backend.FakeReply{Response: &backend.Response{Success: false, Error: "quota exceeded"}},
		backend.FakeReply{Err: errors.New("connection refused")},
		backend.FakeReply{Response: &backend.Response{Success: true, Transcript: "recovered"}},
	)
	h := newHarness(t, testTurnConfig(), be)
	h.start()

	h.speakOneTurn()
	sn := h.settle(5, func(sn Snapshot) bool { return sn.Error != "" && sn.State == turn.Listening })
	if sn.Error != "quota exceeded" || len(sn.Transcripts) != 0 {
		t.Fatalf("snapshot = %+v", sn)
	}

	h.speakOneTurn()
	sn = h.settle(5, func(sn Snapshot) bool { return len(be.Requests()) == 2 && sn.State == turn.Listening })
	if sn.Error != "connection refused" || !sn.IsActive {
		t.Fatalf("transport error: %+v", sn)
	}

	h.speakOneTurn()
	sn = h.settle(5, func(sn Snapshot) bool { return len(sn.Transcripts) == 1 })
	if sn.Error != "" || sn.Transcripts[0].Text != "recovered" {
		t.Fatalf("after recovery: %+v", sn)
	}
}

func TestBackendCancellationReleasesTurn(t *testing.T) {
	be := backend.NewFake(
		backend.FakeReply{Err: fmt.Errorf("upload: %w", context.Canceled)},
		backend.FakeReply{Response: &backend.Response{Success: true, Transcript: "second try"}},
	)
	h := newHarness(t, testTurnConfig(), be)
	h.start()

	h.speakOneTurn()
	sn := h.settle(5, func(sn Snapshot) bool { return len(be.Requests()) == 1 && sn.State == turn.Listening })
	if sn.Error != "" || len(sn.Transcripts) != 0 || sn.TurnNumber != 0 {
		t.Fatalf("after cancelled dispatch: %+v", sn)
	}

	h.speakOneTurn()
	sn = h.settle(5, func(sn Snapshot) bool { return len(sn.Transcripts) == 1 })
	if sn.Transcripts[0].Text != "second try" || sn.Transcripts[0].TurnNumber != 0 {
		t.Fatalf("next turn: %+v", sn.Transcripts[0])
	}
}

func TestStopCancelsEverything(t *testing.T) {
	be := backend.NewFakeText("late")
	be.Delay = time.Hour
	h := newHarness(t, testTurnConfig(), be)
	h.start()
	first := h.s.Snapshot().ConversationID

	h.speakOneTurn()
	h.settle(5, func(sn Snapshot) bool { return sn.IsProcessing })

	h.s.Stop()
	sn := h.s.Snapshot()
	if sn.IsActive || sn.IsProcessing || sn.IsUserSpeaking || sn.State != turn.Idle {
		t.Fatalf("after stop: %+v", sn)
	}
	if !h.ctx.last().released() {
		t.Error("capture device not released")
	}
	h.s.Stop() // idempotent

	h.start()
	sn = h.s.Snapshot()
	if !sn.IsActive || sn.TurnNumber != 0 || sn.ConversationID == first {
		t.Fatalf("restart: %+v", sn)
	}
	if len(sn.Transcripts) != 0 {
		t.Error("cancelled dispatch produced a transcript")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, testTurnConfig(), backend.NewFakeText("x"))
	h.start()
	conv := h.s.Snapshot().ConversationID
	h.start()
	if h.s.Snapshot().ConversationID != conv {
		t.Fatal("second Start reset the conversation")
	}
	h.ctx.mu.Lock()
	n := len(h.ctx.captures)
	h.ctx.mu.Unlock()
	if n != 1 {
		t.Fatalf("acquired %d capture devices", n)
	}
}

func TestAcquisitionFailure(t *testing.T) {
	h := newHarness(t, testTurnConfig(), backend.NewFakeText("x"))
	h.ctx.failNext = errors.New("permission denied")

	if err := h.s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a microphone")
	}
	sn := h.s.Snapshot()
	if sn.IsActive || sn.Error == "" {
		t.Fatalf("snapshot = %+v", sn)
	}

	h.start()
	if sn := h.s.Snapshot(); !sn.IsActive || sn.Error != "" {
		t.Fatalf("retry: %+v", sn)
	}
}

func TestSourceTimeoutForcesIdle(t *testing.T) {
	h := newHarness(t, testTurnConfig(), backend.NewFakeText("x"))
	h.start()
	h.step(5)

	// Ticks with no frames: the source went away.
	for range 31 {
		if !h.s.Snapshot().IsActive {
			break
		}
		h.tick()
	}
	h.s.Wait()
	sn := h.s.Snapshot()
	if sn.IsActive || sn.Error == "" {
		t.Fatalf("snapshot = %+v", sn)
	}
	if !h.ctx.last().released() {
		t.Error("capture device not released after failure")
	}

	h.start()
	if !h.s.Snapshot().IsActive {
		t.Fatal("could not restart after failure")
	}
}

func TestClearHistory(t *testing.T) {
	h := newHarness(t, testTurnConfig(), backend.NewFakeText("hi"))
	h.start()
	h.speakOneTurn()
	before := h.settle(5, func(sn Snapshot) bool { return len(sn.Transcripts) == 1 && sn.State == turn.Listening })

	h.s.ClearHistory()
	sn := h.s.Snapshot()
	if len(sn.Transcripts) != 0 || sn.Error != "" || sn.TurnNumber != 0 || sn.ConversationID == before.ConversationID {
		t.Fatalf("after clear: %+v", sn)
	}
	if !sn.IsActive {
		t.Fatal("clear history stopped listening")
	}

	h.s.Stop()
	h.s.ClearHistory() // also fine while idle
}

func TestReplyAudioPlays(t *testing.T) {
	reply := audio.EncodeWAV(make([]int16, 1600), 16000, 1)
	be := backend.NewFake(backend.FakeReply{Response: &backend.Response{Success: true, Transcript: "q", Reply: "a", Audio: reply}})
	h := newHarness(t, testTurnConfig(), be)
	h.start()
	h.speakOneTurn()
	h.settle(5, func(sn Snapshot) bool { return len(sn.Transcripts) == 1 })

	deadline := time.Now().Add(2 * time.Second)
	for len(h.ctx.player.Played()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.ctx.player.Played()) != 1 {
		t.Fatal("reply audio never reached the sink")
	}
	if sn := h.s.Snapshot(); sn.Transcripts[0].Reply != "a" {
		t.Errorf("reply = %q", sn.Transcripts[0].Reply)
	}
}

func TestShortBlipNeverDispatched(t *testing.T) {
	cfg := testTurnConfig()
	cfg.MinRecordingDuration = 10 * time.Second
	be := backend.NewFakeText("nope")
	h := newHarness(t, cfg, be)
	h.start()

	h.speakOneTurn()
	for range 80 {
		h.step(5)
	}
	if sn := h.s.Snapshot(); sn.State != turn.Listening {
		t.Fatalf("state = %s", sn.State)
	}
	if n := len(be.Requests()); n != 0 {
		t.Fatalf("short utterance dispatched %d times", n)
	}
}

func TestDispatcherRejectsSecondDispatch(t *testing.T) {
	be := backend.NewFakeText("x")
	be.Delay = time.Hour
	d := NewDispatcher(be, 0)

	m, err := turn.NewMachine(testTurnConfig())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(0, 0)
	m.Start(now)
	for i := 0; m.State() != turn.Processing || !m.Utterance().Closed(); i++ {
		now = now.Add(testTick)
		level := 80.0
		if i > 3 {
			level = 5
		}
		m.Write(make([]int16, frameSize))
		m.Tick(now, level)
		if i > 1000 {
			t.Fatal("machine never reached processing")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !d.Dispatch(ctx, m.Utterance()) {
		t.Fatal("first dispatch rejected")
	}
	if !d.InFlight() || d.Dispatch(ctx, m.Utterance()) {
		t.Fatal("second dispatch accepted while first in flight")
	}
	cancel()
	d.Wait()
	if d.InFlight() {
		t.Fatal("in-flight flag stuck after cancellation")
	}
}

func TestTranslate(t *testing.T) {
	req := &backend.Request{UtteranceID: "u", ConversationID: "c", TurnNumber: 2}
	tests := []struct {
		name      string
		resp      *backend.Response
		err       error
		wantEntry bool
		wantErr   bool
		noSpeech  bool
		cancelled bool
	}{
		{"transcript", &backend.Response{Success: true, Transcript: "hi"}, nil, true, false, false, false},
		{"no speech", &backend.Response{Error: backend.NoSpeechError}, nil, false, false, true, false},
		{"empty transcript", &backend.Response{Success: true}, nil, false, false, true, false},
		{"backend error", &backend.Response{Error: "boom"}, nil, false, true, false, false},
		{"transcript with error", &backend.Response{Success: true, Transcript: "hi", Error: "tts failed"}, nil, true, false, false, false},
		{"failure with transcript", &backend.Response{Transcript: "hi"}, nil, false, true, false, false},
		{"transport", nil, errors.New("refused"), false, true, false, false},
		{"cancelled", nil, context.Canceled, false, false, false, true},
		{"timeout", nil, context.DeadlineExceeded, false, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := translate(req, tt.resp, tt.err)
			if (out.Entry != nil) != tt.wantEntry || (out.Err != nil) != tt.wantErr ||
				out.NoSpeech != tt.noSpeech || out.Cancelled != tt.cancelled {
				t.Fatalf("outcome = %+v", out)
			}
			if out.Entry != nil && (out.Entry.TurnNumber != 2 || out.Entry.ConversationID != "c") {
				t.Errorf("entry = %+v", out.Entry)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := Config{TickInterval: 0, FrameQueue: 0}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error")
	}
}
