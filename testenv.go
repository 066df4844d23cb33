package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"parley/audio"
	"parley/config"
	"parley/session"
	"parley/turn"
)

// settled reports whether nothing is left to happen for the audio heard
// so far.
func settled(sn session.Snapshot) bool {
	if !sn.IsActive {
		return true
	}
	return sn.State == turn.Listening && !sn.IsAISpeaking
}

// runTestMode replays a WAV file as the microphone, waits for the last
// turn to finish and prints every exchange. Exits non-zero if the session
// reported an error.
func runTestMode(ctx context.Context, sess *session.Session, fake *audio.FakeContext, cfg *config.Config, w io.Writer) int {
	if err := sess.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.Stop()

	select {
	case <-fake.LastCapture().AudioDone():
	case <-ctx.Done():
		return 1
	}

	// Let the loop drain the frames queued behind the end of the file.
	time.Sleep(3 * cfg.Session.TickInterval)

	limit := cfg.Turn.MediumPause + cfg.Turn.PostSpeechBuffer + cfg.Session.DispatchTimeout + time.Second
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	poll := time.NewTicker(cfg.Session.TickInterval)
	defer poll.Stop()

	rep := &reporter{w: w}
	for {
		sn := sess.Snapshot()
		rep.report(sn)
		if settled(sn) {
			if sn.Error != "" {
				return 1
			}
			return 0
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "Error: timed out waiting for the last turn")
			return 1
		case <-ctx.Done():
			return 1
		}
	}
}
