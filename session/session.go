// Package session runs the listening loop: it wires the microphone, the
// turn machine, the backend and reply playback together and exposes the
// observable state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"parley/audio"
	"parley/backend"
	"parley/cue"
	"parley/log"
	"parley/playback"
	"parley/turn"
	"parley/vad"
)

var ErrNoBackend = errors.New("session: no backend configured")

type Config struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	AnalysisWindow  time.Duration `yaml:"analysis_window"`
	SourceTimeout   time.Duration `yaml:"source_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	FrameQueue      int           `yaml:"frame_queue"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    16 * time.Millisecond,
		AnalysisWindow:  32 * time.Millisecond,
		SourceTimeout:   2 * time.Second,
		DispatchTimeout: 60 * time.Second,
		FrameQueue:      256,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.AnalysisWindow < c.TickInterval {
		errs = append(errs, fmt.Errorf("analysis_window %s is shorter than tick_interval %s", c.AnalysisWindow, c.TickInterval))
	}
	if c.SourceTimeout <= c.TickInterval {
		errs = append(errs, errors.New("source_timeout must exceed tick_interval"))
	}
	if c.FrameQueue < 1 {
		errs = append(errs, errors.New("frame_queue must be >= 1"))
	}
	return errors.Join(errs...)
}

// Snapshot is the state exposed to the UI.
type Snapshot struct {
	IsActive       bool
	IsUserSpeaking bool
	IsProcessing   bool
	IsAISpeaking   bool
	Transcripts    []TranscriptEntry
	Error          string

	State          turn.State
	Level          float64
	StartLevel     float64
	ContinueLevel  float64
	ConversationID string
	TurnNumber     int
	DroppedFrames  uint64
}

// Ticker returns a channel of analysis ticks and a function to stop it.
type Ticker func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Deps struct {
	Audio    audio.Context
	Device   *audio.DeviceInfo
	Backend  backend.Backend
	Playback *playback.Controller
	Cues     *cue.Player
	Ticker   Ticker
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	cmds   chan func()
}

// Session is safe for concurrent use. Only its loop goroutine touches the
// turn machine while listening.
type Session struct {
	cfg     Config
	turnCfg turn.Config
	deps    Deps
	machine *turn.Machine

	mu  sync.Mutex // lifecycle
	cur *run

	stateMu sync.RWMutex
	snap    Snapshot
	updates chan Snapshot
	dropped atomic.Uint64
}

func New(cfg Config, turnCfg turn.Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, ErrNoBackend
	}
	if deps.Audio == nil {
		return nil, errors.New("session: no audio context")
	}
	m, err := turn.NewMachine(turnCfg)
	if err != nil {
		return nil, err
	}
	if deps.Ticker == nil {
		deps.Ticker = realTicker
	}
	if deps.Playback == nil {
		p, err := deps.Audio.NewPlayer()
		if err != nil {
			return nil, fmt.Errorf("creating reply player: %w", err)
		}
		deps.Playback = playback.NewController(p)
	}
	s := &Session{
		cfg:     cfg,
		turnCfg: turnCfg,
		deps:    deps,
		machine: m,
		updates: make(chan Snapshot, 1),
	}
	s.snap.ConversationID = m.Conversation()
	return s, nil
}

// Updates delivers the latest snapshot whenever it changes. Slow readers
// only ever see the newest one.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

func (s *Session) Snapshot() Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.copySnap()
}

func (s *Session) copySnap() Snapshot {
	sn := s.snap
	sn.Transcripts = append([]TranscriptEntry(nil), s.snap.Transcripts...)
	sn.DroppedFrames = s.dropped.Load()
	return sn
}

func (s *Session) update(fn func(sn *Snapshot)) {
	s.stateMu.Lock()
	fn(&s.snap)
	sn := s.copySnap()
	s.stateMu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- sn:
	default:
	}
}

// syncMachine copies the machine's view into the snapshot. Loop only.
func (s *Session) syncMachine(sn *Snapshot) {
	m := s.machine
	sn.IsActive = m.Active()
	sn.State = m.State()
	sn.IsUserSpeaking = m.Speaking()
	sn.IsProcessing = m.State() == turn.Processing
	sn.Level = m.Level()
	sn.StartLevel = m.Threshold().StartLevel()
	sn.ContinueLevel = m.Threshold().ContinueLevel()
	sn.ConversationID = m.Conversation()
	sn.TurnNumber = m.TurnNumber()
	sn.IsAISpeaking = s.deps.Playback.Speaking()
}

// Start acquires the microphone and begins listening. Starting an active
// session is a no-op. If the microphone cannot be acquired the error is
// returned, recorded in the snapshot and the session stays idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		select {
		case <-s.cur.done:
			s.cur = nil // ended on its own
		default:
			return nil
		}
	}

	capture, frames, err := s.acquire()
	if err != nil {
		log.Errorf("audio acquisition failed: %v", err)
		s.update(func(sn *Snapshot) { sn.Error = fmt.Sprintf("microphone unavailable: %v", err) })
		return err
	}

	now := time.Now()
	s.machine.Start(now)
	s.dropped.Store(0)

	loopCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{}), cmds: make(chan func())}
	s.cur = r
	s.update(func(sn *Snapshot) {
		sn.Error = ""
		s.syncMachine(sn)
	})
	log.SessionStart(s.deps.Backend.Name(), s.machine.Conversation())
	s.deps.Cues.Play(cue.Start)

	go s.loop(loopCtx, r, capture, frames)
	return nil
}

func (s *Session) acquire() (audio.CaptureDevice, chan []int16, error) {
	capture, err := s.deps.Audio.NewCapture(s.deps.Device, audio.CaptureConfig{
		SampleRate: uint32(s.turnCfg.SampleRate),
		Channels:   1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening capture: %w", err)
	}

	frames := make(chan []int16, s.cfg.FrameQueue)
	capture.SetCallback(func(data []byte, _ uint32) {
		select {
		case frames <- audio.Samples(data):
		default:
			s.dropped.Add(1)
		}
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return nil, nil, fmt.Errorf("starting capture: %w", err)
	}
	return capture, frames, nil
}

// Stop ends listening from any state: the open utterance is dropped, an
// in-flight dispatch is cancelled, reply audio stops and the microphone is
// released before Stop returns. Stopping an idle session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.cur
	s.cur = nil
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// ClearHistory empties the transcript, clears the error, starts a new
// conversation and silences reply audio.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := func() {
		s.deps.Playback.Stop()
		s.machine.NewConversation()
		s.update(func(sn *Snapshot) {
			sn.Transcripts = nil
			sn.Error = ""
			sn.ConversationID = s.machine.Conversation()
			sn.TurnNumber = 0
			sn.IsAISpeaking = false
		})
	}

	if r := s.cur; r != nil {
		ack := make(chan struct{})
		select {
		case r.cmds <- func() { reset(); close(ack) }:
			<-ack
			return
		case <-r.done:
		}
	}
	reset()
}

// Wait blocks until the current listening run ends, by Stop, by context
// cancellation or by a capture failure.
func (s *Session) Wait() {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (s *Session) loop(ctx context.Context, r *run, capture audio.CaptureDevice, frames chan []int16) {
	defer close(r.done)

	ticks, stopTicker := s.deps.Ticker(s.cfg.TickInterval)
	defer stopTicker()

	dispatcher := NewDispatcher(s.deps.Backend, s.cfg.DispatchTimeout)
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)

	window := audio.NewRing(uint32(s.turnCfg.SampleRate), int(s.cfg.AnalysisWindow/time.Millisecond))
	maxQuiet := int(s.cfg.SourceTimeout / s.cfg.TickInterval)
	quietTicks := 0
	gotFrames := false
	lastState := s.machine.State()
	turns := 0
	reason := "stop"
	var failure string

	write := func(samples []int16) {
		window.Write(samples)
		s.machine.Write(samples)
		gotFrames = true
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case samples := <-frames:
			write(samples)

		case now := <-ticks:
			// Analyse everything that has arrived, in order, before the tick.
			for drained := false; !drained; {
				select {
				case samples := <-frames:
					write(samples)
				default:
					drained = true
				}
			}
			if gotFrames {
				quietTicks = 0
				gotFrames = false
			} else {
				quietTicks++
				if quietTicks >= maxQuiet {
					reason = "source_timeout"
					failure = fmt.Sprintf("audio source stopped delivering frames for %s", s.cfg.SourceTimeout)
					break loop
				}
			}

			s.machine.SetPlaybackActive(s.deps.Playback.Speaking())
			ev := s.machine.Tick(now, vad.Level(window.Read()))
			s.handleEvent(dispatchCtx, dispatcher, ev)

			if st := s.machine.State(); st != lastState {
				log.StateChange(lastState.String(), st.String(), s.machine.Level())
				lastState = st
			}
			s.update(s.syncMachine)

		case out := <-dispatcher.Results():
			if s.finish(out) {
				turns++
			}
			s.update(s.syncMachine)

		case ev := <-s.deps.Playback.Events():
			s.handlePlayback(ev)

		case cmd := <-r.cmds:
			cmd()
		}
	}

	// Teardown: nothing started by this run may outlive it.
	cancelDispatch()
	dispatcher.Wait()
	capture.ClearCallback()
	capture.Stop()
	capture.Close()
	s.deps.Playback.Stop()
	s.machine.Stop()

	if failure != "" {
		log.Error(failure)
		s.deps.Cues.Play(cue.Error)
	} else {
		s.deps.Cues.Play(cue.Stop)
	}
	if n := s.dropped.Load(); n > 0 {
		log.Warnf("dropped %d capture frames: analysis loop fell behind", n)
	}
	log.SessionEnd(turns, reason)
	s.update(func(sn *Snapshot) {
		s.syncMachine(sn)
		sn.IsAISpeaking = false
		if failure != "" {
			sn.Error = failure
		}
	})
}

func (s *Session) handleEvent(ctx context.Context, d *Dispatcher, ev turn.Event) {
	switch ev {
	case turn.EventNone, turn.EventSpeechPaused, turn.EventSpeechResumed, turn.EventTurnEnded:
		return
	case turn.EventSpeechStart:
		log.Info("speech started")
	case turn.EventUtteranceDiscarded:
		log.Info("utterance discarded: shorter than minimum recording duration")
	case turn.EventUtteranceEmpty:
		log.Warn("utterance empty: no frames captured after onset, skipping dispatch")
	case turn.EventUtteranceReady:
		u := s.machine.Utterance()
		log.Utterance("ready", u.ID, u.TurnNumber, u.Length(), u.PreRollLength())
		if !d.Dispatch(ctx, u) {
			// The machine never opens a second utterance while one is in
			// flight, so this means the two disagree.
			log.Error("dispatch already in flight; dropping utterance")
			s.machine.Finish(false)
		}
	}
}

// finish applies a dispatch outcome and resumes listening. Reports whether
// the turn produced a transcript.
func (s *Session) finish(out Outcome) bool {
	if out.Cancelled {
		// Also reached when the backend reports cancellation while the run
		// is still live.
		s.machine.Finish(false)
		log.Warn("dispatch cancelled")
		return false
	}
	transcribed := out.Entry != nil
	turnNumber := s.machine.TurnNumber()
	conv := s.machine.Conversation()
	s.machine.Finish(transcribed)

	metrics := log.DispatchMetrics{
		Backend:      s.deps.Backend.Name(),
		Conversation: conv,
		Turn:         turnNumber,
		TotalTimeMs:  float64(out.Elapsed.Milliseconds()),
	}
	if st := out.Stats; st != nil {
		metrics.Format = st.Format
		metrics.AudioLengthS = st.AudioLength.Seconds()
		metrics.RawSizeKB = float64(st.RawSize) / 1024
		metrics.EncodedKB = float64(st.EncodedSize) / 1024
		metrics.EncodeTimeMs = float64(st.EncodeTime.Milliseconds())
		metrics.Attempts = st.Attempts
		if st.Network != nil {
			metrics.TTFBMs = float64(st.Network.TTFB.Milliseconds())
			metrics.ConnReused = st.Network.ConnReused
		}
	}

	switch {
	case out.Err != nil:
		metrics.Outcome = "error"
		log.Dispatch(metrics)
		log.Errorf("dispatch failed: %v", out.Err)
		s.deps.Cues.Play(cue.Error)
		s.update(func(sn *Snapshot) { sn.Error = out.Err.Error() })
		return false

	case out.NoSpeech:
		metrics.Outcome = "no_speech"
		log.Dispatch(metrics)
		return false
	}

	metrics.Outcome = "transcript"
	log.Dispatch(metrics)
	log.TranscriptText(conv, turnNumber, out.Entry.Text, out.Entry.Reply)
	s.update(func(sn *Snapshot) {
		sn.Transcripts = append(sn.Transcripts, *out.Entry)
		sn.Error = ""
	})

	if out.AudioErr != nil {
		log.Playback("failed", out.AudioErr)
	} else if len(out.ReplyAudio) > 0 {
		s.deps.Playback.Play(out.ReplyAudio)
	}
	return true
}

func (s *Session) handlePlayback(ev playback.Event) {
	log.Playback(ev.Kind.String(), ev.Err)
	s.update(func(sn *Snapshot) {
		sn.IsAISpeaking = s.deps.Playback.Speaking()
		if ev.Kind == playback.Failed && ev.Err != nil {
			sn.Error = fmt.Sprintf("reply playback failed: %v", ev.Err)
		}
	})
}
