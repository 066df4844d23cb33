// Package turn segments a continuous microphone stream into user turns.
//
// A Machine is driven by two calls: Write for every captured frame and Tick
// once per analysis interval with the frame's level. It never starts
// goroutines or timers of its own; deadlines are checked against the time
// passed in, so the owner decides what "now" is.
package turn

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"parley/audio"
	"parley/vad"
)

type State int

const (
	Idle State = iota
	Listening
	Buffering
	Recording
	Waiting
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Buffering:
		return "buffering"
	case Recording:
		return "recording"
	case Waiting:
		return "waiting"
	case Processing:
		return "processing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechPaused
	EventSpeechResumed
	EventTurnEnded          // utterance stops growing after the post-roll flush
	EventUtteranceDiscarded // shorter than MinRecordingDuration
	EventUtteranceEmpty     // nothing recorded after onset
	EventUtteranceReady     // Utterance() is closed and must be dispatched
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechPaused:
		return "speech_paused"
	case EventSpeechResumed:
		return "speech_resumed"
	case EventTurnEnded:
		return "turn_ended"
	case EventUtteranceDiscarded:
		return "utterance_discarded"
	case EventUtteranceEmpty:
		return "utterance_empty"
	case EventUtteranceReady:
		return "utterance_ready"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Machine is not safe for concurrent use.
type Machine struct {
	cfg       Config
	ring      *audio.Ring
	smoother  vad.Smoother
	threshold *vad.Threshold

	state        State
	level        float64
	speechFrames int
	silentFrames int
	pauseAt      time.Time // zero when no pause deadline is armed
	flushUntil   time.Time
	playing      bool

	conversation string
	turnNumber   int
	current      *Utterance
}

func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sm, err := vad.NewSmoother(cfg.Smoothing, cfg.SmoothingWindow, cfg.SmoothingAlpha)
	if err != nil {
		return nil, err
	}
	return &Machine{
		cfg:       cfg,
		ring:      audio.NewRing(uint32(cfg.SampleRate), int(cfg.PreSpeechBuffer/time.Millisecond)),
		smoother:  sm,
		threshold: vad.NewThreshold(cfg.Threshold),
	}, nil
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Level() float64 { return m.level }
func (m *Machine) Conversation() string { return m.conversation }
func (m *Machine) TurnNumber() int { return m.turnNumber }
func (m *Machine) Threshold() *vad.Threshold { return m.threshold }

// Utterance returns the open or in-flight utterance, nil when there is none.
func (m *Machine) Utterance() *Utterance { return m.current }

// Active reports whether the machine is doing anything other than idling.
func (m *Machine) Active() bool { return m.state != Idle }

// Speaking reports whether the user is mid-turn.
func (m *Machine) Speaking() bool { return m.state == Recording || m.state == Waiting }

// Start begins listening with a fresh conversation. It returns false if the
// machine was already active.
func (m *Machine) Start(now time.Time) bool {
	if m.state != Idle {
		return false
	}
	m.reset()
	m.ring.Clear()
	m.smoother.Reset()
	m.threshold.Reset()
	m.NewConversation()
	m.state = Listening
	return true
}

// Stop drops whatever is in progress, open utterance included, and returns
// to Idle. It returns false if the machine was already idle.
func (m *Machine) Stop() bool {
	if m.state == Idle {
		return false
	}
	m.reset()
	m.ring.Clear()
	m.smoother.Reset()
	m.current = nil
	m.level = 0
	m.state = Idle
	return true
}

// NewConversation starts a new conversation id at turn 0.
func (m *Machine) NewConversation() {
	m.conversation = uuid.NewString()
	m.turnNumber = 0
}

func (m *Machine) SetPlaybackActive(active bool) { m.playing = active }

func (m *Machine) reset() {
	m.speechFrames = 0
	m.silentFrames = 0
	m.pauseAt = time.Time{}
	m.flushUntil = time.Time{}
}

// Write feeds captured samples in arrival order.
func (m *Machine) Write(samples []int16) {
	if m.state == Idle {
		return
	}
	m.ring.Write(samples)
	if m.current != nil {
		m.current.Append(samples)
	}
}

// Tick advances the machine by one analysis interval.
func (m *Machine) Tick(now time.Time, rawLevel float64) Event {
	if m.state == Idle {
		return EventNone
	}
	m.level = m.smoother.Add(rawLevel)
	muted := m.playing && m.cfg.MuteWhilePlaying

	switch m.state {
	case Listening:
		if muted {
			return EventNone
		}
		if !m.threshold.IsSpeechStart(m.level) {
			m.threshold.Calibrate(m.level)
			return EventNone
		}
		m.state = Buffering
		m.speechFrames = 1
		return m.checkOnset(now)

	case Buffering:
		if muted || !m.threshold.IsSpeechStart(m.level) {
			m.state = Listening
			m.speechFrames = 0
			return EventNone
		}
		m.speechFrames++
		return m.checkOnset(now)

	case Recording:
		if m.maxedOut(now) {
			return m.endTurn(now)
		}
		if m.threshold.IsSpeechContinuing(m.level) {
			m.silentFrames = 0
			return EventNone
		}
		m.silentFrames++
		if m.silentFrames < m.cfg.MinSilenceFrames {
			return EventNone
		}
		m.state = Waiting
		m.pauseAt = now.Add(m.cfg.MediumPause)
		return EventSpeechPaused

	case Waiting:
		if m.maxedOut(now) {
			return m.endTurn(now)
		}
		// Resuming takes the same level that keeps a turn open, otherwise a
		// level between the two thresholds would flip back and forth.
		if m.threshold.IsSpeechContinuing(m.level) {
			m.state = Recording
			m.silentFrames = 0
			m.pauseAt = time.Time{}
			return EventSpeechResumed
		}
		if !now.Before(m.pauseAt) {
			return m.endTurn(now)
		}
		return EventNone

	case Processing:
		if m.current == nil || m.current.Closed() || now.Before(m.flushUntil) {
			return EventNone
		}
		return m.freeze(now)
	}
	return EventNone
}

func (m *Machine) checkOnset(now time.Time) Event {
	if m.speechFrames < m.cfg.MinSpeechFrames {
		return EventNone
	}
	m.state = Recording
	m.speechFrames = 0
	m.silentFrames = 0
	m.current = newUtterance(m.conversation, m.turnNumber, m.cfg.SampleRate, now, m.ring.Read())
	return EventSpeechStart
}

func (m *Machine) maxedOut(now time.Time) bool {
	return m.cfg.MaxRecordingDuration > 0 && now.Sub(m.current.StartedAt) >= m.cfg.MaxRecordingDuration
}

func (m *Machine) endTurn(now time.Time) Event {
	m.pauseAt = time.Time{}
	m.silentFrames = 0
	if now.Sub(m.current.StartedAt) < m.cfg.MinRecordingDuration {
		m.current = nil
		m.state = Listening
		return EventUtteranceDiscarded
	}
	m.state = Processing
	if m.cfg.PostSpeechBuffer <= 0 {
		return m.freeze(now)
	}
	m.flushUntil = now.Add(m.cfg.PostSpeechBuffer)
	return EventTurnEnded
}

func (m *Machine) freeze(now time.Time) Event {
	m.current.close(now)
	m.flushUntil = time.Time{}
	if m.current.Recorded() == 0 {
		m.current = nil
		m.state = Listening
		return EventUtteranceEmpty
	}
	return EventUtteranceReady
}

// Finish reports the outcome of the in-flight dispatch and resumes
// listening. transcribed advances the turn number.
func (m *Machine) Finish(transcribed bool) bool {
	if m.state != Processing || m.current == nil || !m.current.Closed() {
		return false
	}
	if transcribed {
		m.turnNumber++
	}
	m.current = nil
	m.reset()
	m.state = Listening
	return true
}
