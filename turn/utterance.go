package turn

import (
	"time"

	"github.com/google/uuid"
)

// Clip is a finished, contiguous piece of mono audio.
type Clip struct {
	Samples    []int16
	SampleRate int
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Assemble concatenates pre-roll and the recorded chunks in arrival order.
func Assemble(preRoll []int16, chunks ...[]int16) []int16 {
	n := len(preRoll)
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int16, 0, n)
	out = append(out, preRoll...)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Utterance is one user turn: the pre-roll captured before onset plus every
// frame received until it is closed. A closed utterance never changes.
type Utterance struct {
	ID             string
	ConversationID string
	TurnNumber     int
	SampleRate     int
	StartedAt      time.Time
	ClosedAt       time.Time

	preRoll  []int16
	chunks   [][]int16
	recorded int
	closed   bool
}

func newUtterance(conv string, turnNumber, rate int, startedAt time.Time, preRoll []int16) *Utterance {
	return &Utterance{
		ID:             uuid.NewString(),
		ConversationID: conv,
		TurnNumber:     turnNumber,
		SampleRate:     rate,
		StartedAt:      startedAt,
		preRoll:        preRoll,
	}
}

// Append copies samples onto the end of the utterance. No-op once closed.
func (u *Utterance) Append(samples []int16) {
	if u.closed || len(samples) == 0 {
		return
	}
	u.chunks = append(u.chunks, append([]int16(nil), samples...))
	u.recorded += len(samples)
}

func (u *Utterance) close(now time.Time) {
	if u.closed {
		return
	}
	u.closed = true
	u.ClosedAt = now
}

func (u *Utterance) Closed() bool { return u.closed }

// Recorded is the number of samples captured after onset, pre-roll excluded.
func (u *Utterance) Recorded() int { return u.recorded }

func (u *Utterance) PreRoll() int { return len(u.preRoll) }

// Length is the audio duration of pre-roll plus recorded samples, the same
// as Clip().Duration() without assembling the clip.
func (u *Utterance) Length() time.Duration {
	return u.samplesToDuration(len(u.preRoll) + u.recorded)
}

func (u *Utterance) PreRollLength() time.Duration {
	return u.samplesToDuration(len(u.preRoll))
}

func (u *Utterance) samplesToDuration(n int) time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(u.SampleRate)
}

func (u *Utterance) Duration() time.Duration {
	if !u.closed {
		return 0
	}
	return u.ClosedAt.Sub(u.StartedAt)
}

func (u *Utterance) Clip() Clip {
	return Clip{Samples: Assemble(u.preRoll, u.chunks...), SampleRate: u.SampleRate}
}
