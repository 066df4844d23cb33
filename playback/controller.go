// Package playback plays reply audio, one clip at a time.
package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"parley/audio"
)

type EventKind int

const (
	Started EventKind = iota
	Ended
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Event struct {
	Kind        EventKind
	Err         error
	Duration    time.Duration // clip length, set on Started
	Interrupted bool          // Ended because Stop or a newer clip cut it short
}

// Controller owns the playing clip. Starting a clip tears down the one
// before it. Playback errors become Failed events and never propagate.
type Controller struct {
	player   audio.Player
	events   chan Event
	speaking atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(player audio.Player) *Controller {
	return &Controller{player: player, events: make(chan Event, 16)}
}

// Events delivers playback transitions. Events are dropped if nobody reads.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Speaking() bool { return c.speaking.Load() }

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Play stops any current clip and starts data in the background.
func (c *Controller) Play(data []byte) {
	c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, data, done)
}

func (c *Controller) run(ctx context.Context, data []byte, done chan struct{}) {
	defer close(done)

	clip, err := Decode(data)
	if err != nil {
		c.emit(Event{Kind: Failed, Err: err})
		return
	}
	if ctx.Err() != nil {
		return
	}

	frames := len(clip.PCM) / clip.Channels
	c.speaking.Store(true)
	c.emit(Event{Kind: Started, Duration: time.Duration(frames) * time.Second / time.Duration(clip.SampleRate)})

	err = c.player.Play(ctx, clip.PCM, clip.SampleRate, clip.Channels)
	c.speaking.Store(false)

	switch {
	case ctx.Err() != nil:
		c.emit(Event{Kind: Ended, Interrupted: true})
	case err != nil:
		c.emit(Event{Kind: Failed, Err: err})
	default:
		c.emit(Event{Kind: Ended})
	}
}

// Stop halts the current clip and waits for it to release the sink.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) Close() {
	c.Stop()
	c.player.Close()
}
