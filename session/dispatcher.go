package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"parley/backend"
	"parley/turn"
)

// TranscriptEntry is one completed exchange. Entries are never modified
// after they are appended to the history.
type TranscriptEntry struct {
	ID             string
	Text           string
	Reply          string
	Timestamp      time.Time
	ConversationID string
	TurnNumber     int
	Stats          *backend.Stats
}

// Outcome is the result of one dispatch, translated for the session.
// Exactly one of Entry, NoSpeech, Cancelled and Err is meaningful.
type Outcome struct {
	UtteranceID string
	Entry       *TranscriptEntry
	NoSpeech    bool
	Cancelled   bool
	Err         error

	ReplyAudio []byte
	AudioErr   error
	Stats      *backend.Stats
	Elapsed    time.Duration
}

// Dispatcher sends at most one utterance at a time.
type Dispatcher struct {
	backend  backend.Backend
	timeout  time.Duration
	inflight atomic.Bool
	results  chan Outcome
	wg       sync.WaitGroup
}

func NewDispatcher(b backend.Backend, timeout time.Duration) *Dispatcher {
	return &Dispatcher{backend: b, timeout: timeout, results: make(chan Outcome, 1)}
}

func (d *Dispatcher) Results() <-chan Outcome { return d.results }

func (d *Dispatcher) InFlight() bool { return d.inflight.Load() }

// Dispatch starts sending u and returns false without doing anything if a
// dispatch is already in flight. The outcome arrives on Results unless ctx
// is cancelled first.
func (d *Dispatcher) Dispatch(ctx context.Context, u *turn.Utterance) bool {
	if !d.inflight.CompareAndSwap(false, true) {
		return false
	}
	clip := u.Clip()
	req := &backend.Request{
		UtteranceID:    u.ID,
		ConversationID: u.ConversationID,
		TurnNumber:     u.TurnNumber,
		Samples:        clip.Samples,
		SampleRate:     clip.SampleRate,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Store(false)

		out := d.send(ctx, req)
		select {
		case d.results <- out:
		case <-ctx.Done():
		}
	}()
	return true
}

func (d *Dispatcher) send(ctx context.Context, req *backend.Request) Outcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := d.backend.Dispatch(ctx, req)
	out := translate(req, resp, err)
	out.Elapsed = time.Since(start)
	return out
}

func translate(req *backend.Request, resp *backend.Response, err error) Outcome {
	out := Outcome{UtteranceID: req.UtteranceID}
	switch {
	case errors.Is(err, context.Canceled):
		out.Cancelled = true
		return out
	case err != nil:
		out.Err = err
		return out
	case resp == nil:
		out.Err = errors.New("backend returned no response")
		return out
	}

	out.Stats = resp.Stats
	out.ReplyAudio = resp.Audio
	out.AudioErr = resp.AudioErr
	switch {
	case resp.NoSpeech():
		out.NoSpeech = true
	case !resp.Success || strings.TrimSpace(resp.Transcript) == "":
		// A successful transcript wins over an accompanying error message.
		if resp.Error != "" {
			out.Err = errors.New(resp.Error)
		} else {
			out.Err = errors.New("backend reported failure")
		}
	default:
		out.Entry = &TranscriptEntry{
			ID:             uuid.NewString(),
			Text:           resp.Transcript,
			Reply:          resp.Reply,
			Timestamp:      time.Now(),
			ConversationID: req.ConversationID,
			TurnNumber:     req.TurnNumber,
			Stats:          resp.Stats,
		}
	}
	return out
}

// Wait blocks until the in-flight dispatch, if any, has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }
